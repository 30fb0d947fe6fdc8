package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/trezcool/ujumbe/core"
)

func newSSEServer(t *testing.T, frames <-chan string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		for frame := range frames {
			_, _ = fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func Test_SSEDialer(t *testing.T) {
	frames := make(chan string, 8)
	srv := newSSEServer(t, frames)

	dial := NewSSEDialer(nil, srv.URL, "tok")
	stream, err := dial(context.Background())
	if err != nil {
		t.Fatalf("dial() error = %v", err)
	}
	defer stream.Close()

	frames <- "event: new_message\ndata: {\"type\":\"new_message\",\"timestamp\":\"2026-01-01T00:00:00Z\"}\n\n"
	select {
	case evt := <-stream.Events():
		if evt.Type != core.EventNewMessage {
			t.Errorf("event type = %v, want %v", evt.Type, core.EventNewMessage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	// malformed frames are skipped, the stream keeps going
	frames <- "data: not json\n\n"
	frames <- "event: ping\ndata: {\"type\":\"ping\"}\n\n"
	select {
	case evt := <-stream.Events():
		if evt.Type != core.EventPing {
			t.Errorf("event type = %v, want %v", evt.Type, core.EventPing)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event after malformed frame")
	}

	// server hangup closes the events channel
	close(frames)
	select {
	case _, ok := <-stream.Events():
		if ok {
			t.Error("expected closed events channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func Test_SSEDialer_abandoned(t *testing.T) {
	frames := make(chan string, 32)
	srv := newSSEServer(t, frames)

	dial := NewSSEDialer(nil, srv.URL, "tok")
	stream, err := dial(context.Background())
	if err != nil {
		t.Fatalf("dial() error = %v", err)
	}

	// burst past the receive buffer while nothing drains the stream
	for i := 0; i < 24; i++ {
		frames <- "event: ping\ndata: {\"type\":\"ping\"}\n\n"
	}
	time.Sleep(50 * time.Millisecond)
	_ = stream.Close()
	close(frames)

	// the parked reader exits and closes the channel
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-stream.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel never closed after Close")
		}
	}
}

func Test_SSEDialer_refused(t *testing.T) {
	frames := make(chan string)
	close(frames)
	srv := newSSEServer(t, frames)

	// wrong token is refused by the endpoint
	dial := NewSSEDialer(nil, srv.URL, "wrong")
	if _, err := dial(context.Background()); err == nil {
		t.Error("dial() error = nil, want refused")
	}

	// unreachable host fails the dial
	dial = NewSSEDialer(nil, "http://127.0.0.1:1", "tok")
	if _, err := dial(context.Background()); err == nil {
		t.Error("dial() error = nil, want connection error")
	}
}
