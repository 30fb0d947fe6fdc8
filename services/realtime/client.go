package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trezcool/ujumbe/core"
)

// Client connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
)

const (
	baseReconnectDelay = time.Second
	maxReconnectDelay  = 30 * time.Second

	// DefaultMaxAttempts is the reconnection budget before the client gives
	// up for good.
	DefaultMaxAttempts = 10
)

var (
	// ErrMaxAttemptsReached is reported through the permanent-failure hook
	// once the reconnection budget is exhausted.
	ErrMaxAttemptsReached = errors.New("connection lost: max reconnection attempts reached")

	errStreamClosed = errors.New("event stream closed by server")
)

type (
	// Stream is one live server connection.
	Stream interface {
		// Events yields pushed events; the channel closes when the
		// connection drops.
		Events() <-chan core.Event
		// Err returns the reason the stream ended, once Events is closed.
		Err() error
		Close() error
	}

	// Dialer opens a Stream; implementations must honor ctx cancellation.
	Dialer func(ctx context.Context) (Stream, error)

	// Client maintains a push connection with automatic reconnection. A
	// single goroutine owns the whole state machine; commands, dial results
	// and timer expirations all arrive over channels, so an intentional
	// Disconnect can never race a scheduled reconnect.
	Client struct {
		logger      core.Logger
		dial        Dialer
		maxAttempts int
		heartbeat   time.Duration // forced-reconnect window without any event

		cmds   chan command
		events chan core.Event
		stopCh chan struct{}
		doneCh chan struct{}

		// hooks, set before Connect
		onReconnected      func()
		onPermanentFailure func(error)

		mu    sync.Mutex
		state string

		startOnce sync.Once
	}

	command int

	dialResult struct {
		stream Stream
		err    error
	}
)

const (
	cmdConnect command = iota
	cmdDisconnect
)

func NewClient(logger core.Logger, conf core.RealtimeConfig, dial Dialer) *Client {
	return &Client{
		logger:      logger,
		dial:        dial,
		maxAttempts: DefaultMaxAttempts,
		heartbeat:   conf.HeartbeatTimeout,
		cmds:        make(chan command),
		events:      make(chan core.Event, conf.SubscriberBuffer),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		state:       StateDisconnected,
	}
}

// OnReconnected registers a hook fired exactly once per recovery, on the first
// successful connect after a failure sequence.
func (c *Client) OnReconnected(fn func()) { c.onReconnected = fn }

// OnPermanentFailure registers a hook fired when the client stops retrying.
func (c *Client) OnPermanentFailure(fn func(error)) { c.onPermanentFailure = fn }

// Events yields every event pushed by the server across connections.
func (c *Client) Events() <-chan core.Event { return c.events }

func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection; a no-op while already connecting/connected.
func (c *Client) Connect() {
	c.startOnce.Do(func() { go c.run() })
	select {
	case c.cmds <- cmdConnect:
	case <-c.doneCh:
	}
}

// Disconnect closes the connection and cancels any pending reconnect; the
// client stays down until Connect is called again.
func (c *Client) Disconnect() {
	select {
	case c.cmds <- cmdDisconnect:
	case <-c.doneCh:
	}
}

// Close shuts the state machine down for good.
func (c *Client) Close() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Client) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// run is the owning goroutine of the state machine.
func (c *Client) run() {
	defer close(c.doneCh)

	var (
		attempts   int  // consecutive failed attempts
		recovering bool // a failure sequence is in progress

		stream     Stream
		streamCh   <-chan core.Event
		dialCh     chan dialResult
		dialCancel context.CancelFunc

		retry     *time.Timer
		retryCh   <-chan time.Time
		watchdog  *time.Timer
		watchdogC <-chan time.Time
	)

	stopTimer := func(t *time.Timer) {
		if t != nil {
			t.Stop()
		}
	}
	teardown := func() {
		stopTimer(retry)
		retryCh = nil
		stopTimer(watchdog)
		watchdogC = nil
		if dialCancel != nil {
			dialCancel()
			dialCancel = nil
		}
		dialCh = nil
		if stream != nil {
			_ = stream.Close()
			stream = nil
			streamCh = nil
		}
	}
	startDial := func() {
		c.setState(StateConnecting)
		var ctx context.Context
		ctx, dialCancel = context.WithCancel(context.Background())
		dialCh = make(chan dialResult, 1)
		go func(ch chan dialResult) {
			s, err := c.dial(ctx)
			ch <- dialResult{stream: s, err: err}
		}(dialCh)
	}

	// scheduleRetry applies the backoff policy after a failed attempt; once
	// the budget is exhausted the client gives up and reports it.
	scheduleRetry := func(cause error) {
		recovering = true
		attempts++
		if attempts > c.maxAttempts {
			c.logger.Error(fmt.Sprintf("realtime connection lost for good after %d attempts: %v", attempts-1, cause), cause)
			teardown()
			c.setState(StateDisconnected)
			attempts = 0
			recovering = false
			if c.onPermanentFailure != nil {
				c.onPermanentFailure(ErrMaxAttemptsReached)
			}
			return
		}
		delay := ReconnectDelay(attempts)
		c.logger.Warn(fmt.Sprintf("realtime connection lost (%v); reconnecting in %s (attempt %d/%d)", cause, delay, attempts, c.maxAttempts))
		c.setState(StateReconnecting)
		retry = time.NewTimer(delay)
		retryCh = retry.C
	}

	for {
		select {
		case <-c.stopCh:
			teardown()
			c.setState(StateDisconnected)
			return

		case cmd := <-c.cmds:
			switch cmd {
			case cmdConnect:
				switch c.State() {
				case StateConnecting, StateConnected:
					// no-op
				default:
					stopTimer(retry)
					retryCh = nil
					startDial()
				}
			case cmdDisconnect:
				teardown()
				c.setState(StateDisconnected)
				attempts = 0
				recovering = false
			}

		case res := <-dialCh:
			dialCh = nil
			if dialCancel != nil {
				dialCancel()
				dialCancel = nil
			}
			if res.err != nil {
				scheduleRetry(res.err)
				continue
			}
			stream = res.stream
			streamCh = stream.Events()
			c.setState(StateConnected)
			attempts = 0
			if recovering {
				recovering = false
				if c.onReconnected != nil {
					c.onReconnected()
				}
			}
			if c.heartbeat > 0 {
				watchdog = time.NewTimer(c.heartbeat)
				watchdogC = watchdog.C
			}

		case <-retryCh:
			retryCh = nil
			startDial()

		case evt, ok := <-streamCh:
			if !ok { // connection dropped
				cause := errStreamClosed
				if err := stream.Err(); err != nil {
					cause = err
				}
				teardown()
				scheduleRetry(cause)
				continue
			}
			// any event, ping included, feeds the heartbeat watchdog
			if watchdog != nil {
				if !watchdog.Stop() {
					<-watchdog.C
				}
				watchdog.Reset(c.heartbeat)
			}
			if evt.Type == core.EventPing {
				continue
			}
			select {
			case c.events <- evt:
			default: // consumer lagging; drop rather than stall the machine
			}

		case <-watchdogC:
			// no event within the heartbeat window: assume a dead connection
			// and force a reconnect cycle
			teardown()
			scheduleRetry(errors.New("heartbeat missed"))
		}
	}
}

// ReconnectDelay computes the backoff before reconnection attempt k (1-based):
// 1s, 2s, 4s, ... capped at 30s.
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := baseReconnectDelay << uint(attempt-1)
	if delay <= 0 || delay > maxReconnectDelay { // overflow guard
		return maxReconnectDelay
	}
	return delay
}
