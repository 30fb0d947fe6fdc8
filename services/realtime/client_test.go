package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/trezcool/ujumbe/core"
)

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 6, want: 30 * time.Second}, // capped
		{attempt: 10, want: 30 * time.Second},
		{attempt: 80, want: 30 * time.Second}, // shift overflow
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			if got := ReconnectDelay(tt.attempt); got != tt.want {
				t.Errorf("ReconnectDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
			}
		})
	}
}

// fakes

type fakeStream struct {
	events chan core.Event
	err    error

	mu     sync.Mutex
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan core.Event, 8)}
}

func (s *fakeStream) Events() <-chan core.Event { return s.events }
func (s *fakeStream) Err() error                { return s.err }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// push sends evt unless the stream was closed.
func (s *fakeStream) push(evt core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- evt
	}
}

// fakeDialer fails the first failures dials, then hands out fresh streams.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	streams  []*fakeStream
}

func (d *fakeDialer) dial(context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failures {
		return nil, fmt.Errorf("dial refused")
	}
	s := newFakeStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastStream() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

func newTestClient(t *testing.T, dialer *fakeDialer) *Client {
	t.Helper()

	conf := core.NewConfig()
	c := NewClient(core.NopLogger, conf.Realtime, dialer.dial)
	c.heartbeat = 0 // heartbeat paths are tested separately
	t.Cleanup(c.Close)
	return c
}

func waitForState(t *testing.T, c *Client, state string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.State() != state {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %q, still %q", state, c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func Test_Client_connectAndReceive(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer)

	c.Connect()
	waitForState(t, c, StateConnected)

	stream := dialer.lastStream()
	stream.push(core.NewEvent(core.EventPing, nil))
	stream.push(core.NewEvent(core.EventNewMessage, nil))

	select {
	case evt := <-c.Events():
		// pings are consumed by the state machine, never surfaced
		if evt.Type != core.EventNewMessage {
			t.Errorf("event type = %v, want %v", evt.Type, core.EventNewMessage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	// connecting twice is a no-op
	c.Connect()
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func Test_Client_reconnectsAfterFailures(t *testing.T) {
	dialer := &fakeDialer{failures: 2} // 2 refused dials, then success
	c := newTestClient(t, dialer)

	var reconnects int32
	var mu sync.Mutex
	c.OnReconnected(func() {
		mu.Lock()
		reconnects++
		mu.Unlock()
	})

	c.Connect()
	// 1s + 2s of backoff before the third dial succeeds
	deadline := time.Now().Add(10 * time.Second)
	for c.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for recovery, state %q", c.State())
		}
		time.Sleep(20 * time.Millisecond)
	}

	if got := dialer.dialCount(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
	mu.Lock()
	defer mu.Unlock()
	// fired once per recovery, not once per attempt
	if reconnects != 1 {
		t.Errorf("reconnected hooks = %d, want 1", reconnects)
	}
}

func Test_Client_reconnectsWhenStreamDrops(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer)

	var mu sync.Mutex
	var reconnects int
	c.OnReconnected(func() {
		mu.Lock()
		reconnects++
		mu.Unlock()
	})

	c.Connect()
	waitForState(t, c, StateConnected)

	// server drops the connection
	first := dialer.lastStream()
	_ = first.Close()
	waitForState(t, c, StateReconnecting)
	waitForState(t, c, StateConnected)

	if got := dialer.dialCount(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if reconnects != 1 {
		t.Errorf("reconnected hooks = %d, want 1", reconnects)
	}
}

func Test_Client_givesUpAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{failures: 1 << 30} // never connects
	c := newTestClient(t, dialer)
	c.maxAttempts = 1

	failCh := make(chan error, 1)
	c.OnPermanentFailure(func(err error) { failCh <- err })

	c.Connect()

	select {
	case err := <-failCh:
		if err != ErrMaxAttemptsReached {
			t.Errorf("permanent failure = %v, want ErrMaxAttemptsReached", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for permanent failure")
	}
	waitForState(t, c, StateDisconnected)
	if got := dialer.dialCount(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func Test_Client_disconnectCancelsRecovery(t *testing.T) {
	dialer := &fakeDialer{failures: 1 << 30}
	c := newTestClient(t, dialer)

	c.Connect()
	waitForState(t, c, StateReconnecting)

	c.Disconnect()
	waitForState(t, c, StateDisconnected)

	// no further dials once disconnected
	dials := dialer.dialCount()
	time.Sleep(1500 * time.Millisecond)
	if got := dialer.dialCount(); got != dials {
		t.Errorf("dials after Disconnect() = %d, want %d", got, dials)
	}
}

func Test_Client_disconnectClosesStream(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer)

	c.Connect()
	waitForState(t, c, StateConnected)

	c.Disconnect()
	waitForState(t, c, StateDisconnected)
	if stream := dialer.lastStream(); !stream.isClosed() {
		t.Error("stream left open after Disconnect()")
	}
}

func Test_Client_heartbeatForcesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer)
	c.heartbeat = 50 * time.Millisecond

	c.Connect()
	waitForState(t, c, StateConnected)

	// a silent server trips the watchdog; the first stream gets torn down
	first := dialer.lastStream()
	waitForState(t, c, StateReconnecting)
	if !first.isClosed() {
		t.Error("silent stream left open")
	}
	waitForState(t, c, StateConnected)
	if got := dialer.dialCount(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}
