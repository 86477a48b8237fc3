package hub

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

var errSubscriberClosed = errors.New("subscriber closed")

// SSESubscriber adapts an HTTP response stream to the Subscriber
// interface using server-sent events. Any push-capable transport works for
// the hub; SSE is what the API service ships.
type SSESubscriber struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
	done    chan struct{}
}

// NewSSESubscriber prepares w for event streaming. It returns an error
// when the underlying writer cannot flush.
func NewSSESubscriber(w http.ResponseWriter) (*SSESubscriber, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSESubscriber{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}, nil
}

// Send writes one event frame and flushes it to the client.
func (s *SSESubscriber) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSubscriberClosed
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// Close marks the subscriber dead and unblocks Wait. Safe to call more
// than once.
func (s *SSESubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Wait returns a channel that closes when the subscriber is torn down by
// the hub, letting the HTTP handler end the request.
func (s *SSESubscriber) Wait() <-chan struct{} {
	return s.done
}
