package realtime

import (
	"fmt"
	"time"

	"github.com/trezcool/ujumbe/core"
)

type (
	// Subscriber is one client connection's view of the hub. Events arrive on
	// Events(); Close unregisters the connection.
	Subscriber struct {
		UserID string

		hub    *Hub
		events chan core.Event
	}

	// Hub pushes named events to connected users. A single goroutine owns the
	// connection registry; registration, publishing and the ping heartbeat all
	// go through its select loop, so no locking is needed. Publishing never
	// blocks the caller and delivery to slow consumers is best-effort (their
	// events are dropped).
	Hub struct {
		conf   *core.Config
		logger core.Logger

		register   chan *Subscriber
		unregister chan *Subscriber
		deliveries chan core.Delivery
		stopCh     chan struct{}
		doneCh     chan struct{}

		// tap mirrors every delivery for the notification aggregator.
		tap chan core.Delivery

		// ackFunc is invoked whenever a new_message event lands in a live
		// subscriber's buffer, so the receiving side can be marked delivered.
		ackFunc func(userID string, evt core.Event)
	}
)

var _ core.EventBroker = (*Hub)(nil) // interface compliance check

func NewHub(conf *core.Config, logger core.Logger) *Hub {
	return &Hub{
		conf:       conf,
		logger:     logger,
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber),
		deliveries: make(chan core.Delivery, conf.Realtime.TapBuffer),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		tap:        make(chan core.Delivery, conf.Realtime.TapBuffer),
	}
}

// SetAckFunc wires the delivery acknowledgment hook. Must be set before Run.
func (h *Hub) SetAckFunc(fn func(userID string, evt core.Event)) {
	h.ackFunc = fn
}

// Tap exposes a mirror of every published delivery; the notification
// aggregator consumes it. Entries are dropped when the consumer lags.
func (h *Hub) Tap() <-chan core.Delivery {
	return h.tap
}

// Subscribe registers a new connection for userID. The returned subscriber
// must be closed when the connection ends.
func (h *Hub) Subscribe(userID string) *Subscriber {
	sub := &Subscriber{
		UserID: userID,
		hub:    h,
		events: make(chan core.Event, h.conf.Realtime.SubscriberBuffer),
	}
	select {
	case h.register <- sub:
	case <-h.doneCh:
		close(sub.events)
	}
	return sub
}

// Publish queues evt for delivery to each user's live connections. It never
// blocks; when the hub's queue is full the delivery is dropped and counted.
func (h *Hub) Publish(userIDs []string, evt core.Event) {
	d := core.Delivery{Recipients: userIDs, Event: evt}
	select {
	case h.deliveries <- d:
		eventsPublished.WithLabelValues(evt.Type).Inc()
	default:
		eventsDropped.WithLabelValues(evt.Type).Inc()
		h.logger.Warn(fmt.Sprintf("hub queue full, dropping %s event", evt.Type))
	}
}

// Run owns the registry until Stop is called. Start it once, in its own
// goroutine.
func (h *Hub) Run() {
	defer close(h.doneCh)

	subs := make(map[string]map[*Subscriber]struct{}) // userID -> connections

	ping := time.NewTicker(h.conf.Realtime.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-h.stopCh:
			for _, conns := range subs {
				for sub := range conns {
					close(sub.events)
				}
			}
			return

		case sub := <-h.register:
			conns, ok := subs[sub.UserID]
			if !ok {
				conns = make(map[*Subscriber]struct{})
				subs[sub.UserID] = conns
			}
			conns[sub] = struct{}{}
			subscriberCount.Inc()

		case sub := <-h.unregister:
			if conns, ok := subs[sub.UserID]; ok {
				if _, ok = conns[sub]; ok {
					delete(conns, sub)
					close(sub.events)
					subscriberCount.Dec()
				}
				if len(conns) == 0 {
					delete(subs, sub.UserID)
				}
			}

		case d := <-h.deliveries:
			for _, userID := range d.Recipients {
				delivered := false
				for sub := range subs[userID] {
					select {
					case sub.events <- d.Event:
						delivered = true
					default: // slow consumer; drop rather than stall the hub
						eventsDropped.WithLabelValues(d.Event.Type).Inc()
					}
				}
				if delivered && d.Event.Type == core.EventNewMessage && h.ackFunc != nil {
					go h.ackFunc(userID, d.Event)
				}
			}
			select {
			case h.tap <- d:
			default: // aggregator lagging
			}

		case <-ping.C:
			evt := core.NewEvent(core.EventPing, nil)
			for _, conns := range subs {
				for sub := range conns {
					select {
					case sub.events <- evt:
					default:
					}
				}
			}
		}
	}
}

// Stop shuts the hub down and closes every subscriber.
func (h *Hub) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (s *Subscriber) Events() <-chan core.Event {
	return s.events
}

// Close unregisters the subscriber; its events channel is closed by the hub.
func (s *Subscriber) Close() {
	select {
	case s.hub.unregister <- s:
	case <-s.hub.doneCh:
	}
}
