// Package hub is the in-memory subscription registry that multicasts job
// events to live observers. It is owned by the process hosting client
// connections and is never durable state: a subscriber that misses events
// falls back to polling the job store.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tvhoang/fetchd/internal/domain"
	"github.com/tvhoang/fetchd/internal/telemetry"
)

// DefaultSendTimeout bounds one subscriber send so a stalled connection
// cannot hold up delivery to the rest of its topic.
const DefaultSendTimeout = 5 * time.Second

var errSendTimeout = errors.New("subscriber send timed out")

// Subscriber is one live observer connection. Send must be safe to call
// from the hub's publishing goroutines; Close must be idempotent.
type Subscriber interface {
	Send(data []byte) error
	Close() error
}

// wireEvent is the frame pushed to subscribers.
type wireEvent struct {
	Kind    domain.Kind `json:"kind"`
	Payload any         `json:"payload"`
	TS      time.Time   `json:"ts"`
}

// topicSet holds one topic's subscribers in registration order. Each topic
// carries its own lock so unrelated jobs' fan-out never serializes.
type topicSet struct {
	mu   sync.Mutex
	subs []Subscriber
}

// Hub maps topic keys to subscriber sets.
type Hub struct {
	mu     sync.RWMutex
	topics map[domain.Topic]*topicSet

	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// Config holds hub configuration.
type Config struct {
	SendTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
}

// New creates an empty hub.
func New(cfg *Config) *Hub {
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics:      make(map[domain.Topic]*topicSet),
		sendTimeout: timeout,
		logger:      logger,
		metrics:     cfg.Metrics,
	}
}

func (h *Hub) getOrCreate(topic domain.Topic) *topicSet {
	h.mu.RLock()
	set, ok := h.topics[topic]
	h.mu.RUnlock()
	if ok {
		return set
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok = h.topics[topic]; ok {
		return set
	}
	set = &topicSet{}
	h.topics[topic] = set
	return set
}

// Subscribe registers sub under topic. Delivery order within the topic
// follows registration order.
func (h *Hub) Subscribe(topic domain.Topic, sub Subscriber) {
	set := h.getOrCreate(topic)

	set.mu.Lock()
	set.subs = append(set.subs, sub)
	set.mu.Unlock()

	h.logger.Debug("Subscriber registered",
		slog.String("topic", string(topic)),
	)
	h.metrics.SetHubSubscribers(h.total())
}

// Unsubscribe removes sub from topic. Unknown subscribers are ignored.
func (h *Hub) Unsubscribe(topic domain.Topic, sub Subscriber) {
	h.mu.RLock()
	set, ok := h.topics[topic]
	h.mu.RUnlock()
	if !ok {
		return
	}

	set.mu.Lock()
	for i, existing := range set.subs {
		if existing == sub {
			set.subs = append(set.subs[:i], set.subs[i+1:]...)
			break
		}
	}
	set.mu.Unlock()

	h.metrics.SetHubSubscribers(h.total())
}

// Publish fans event out to every subscriber of every topic key it names.
// A failed or timed-out send removes that subscriber only; delivery to the
// remaining subscribers continues.
func (h *Hub) Publish(event domain.Event) {
	switch event.Kind {
	case domain.KindProgress, domain.KindCompleted, domain.KindFailed,
		domain.KindQueueUpdate, domain.KindStatsUpdate, domain.KindGeneral:
	default:
		h.logger.Error("Dropping event with unknown kind",
			slog.String("kind", string(event.Kind)),
		)
		return
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	data, err := json.Marshal(wireEvent{Kind: event.Kind, Payload: event.Payload, TS: ts})
	if err != nil {
		h.logger.Error("Failed to encode event",
			slog.String("kind", string(event.Kind)),
			slog.Any("error", err),
		)
		return
	}

	for _, topic := range event.Topics {
		h.publishTopic(topic, data)
	}
}

func (h *Hub) publishTopic(topic domain.Topic, data []byte) {
	h.mu.RLock()
	set, ok := h.topics[topic]
	h.mu.RUnlock()
	if !ok {
		return
	}

	set.mu.Lock()
	pruned := false
	survivors := set.subs[:0]
	for _, sub := range set.subs {
		if err := h.sendWithTimeout(sub, data); err != nil {
			// Send failure is isolated per-subscriber: log, close, prune.
			h.logger.Warn("Removing subscriber after failed send",
				slog.String("topic", string(topic)),
				slog.Any("error", err),
			)
			if closeErr := sub.Close(); closeErr != nil {
				h.logger.Debug("Subscriber close failed",
					slog.String("topic", string(topic)),
					slog.Any("error", closeErr),
				)
			}
			pruned = true
			continue
		}
		survivors = append(survivors, sub)
	}
	set.subs = survivors
	set.mu.Unlock()

	// total() walks every topic lock, so it must run outside set.mu.
	if pruned {
		h.metrics.SetHubSubscribers(h.total())
	}
}

func (h *Hub) sendWithTimeout(sub Subscriber, data []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- sub.Send(data)
	}()

	timer := time.NewTimer(h.sendTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errSendTimeout
	}
}

// CloseTopic force-closes and removes every subscriber under topic.
// Individual close errors are logged, not propagated.
func (h *Hub) CloseTopic(topic domain.Topic) {
	h.mu.Lock()
	set, ok := h.topics[topic]
	if ok {
		delete(h.topics, topic)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	set.mu.Lock()
	subs := set.subs
	set.subs = nil
	set.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			h.logger.Debug("Subscriber close failed",
				slog.String("topic", string(topic)),
				slog.Any("error", err),
			)
		}
	}

	h.logger.Info("Topic closed",
		slog.String("topic", string(topic)),
		slog.Int("subscribers", len(subs)),
	)
	h.metrics.SetHubSubscribers(h.total())
}

// CloseAll tears down every topic, used at process shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[domain.Topic]*topicSet)
	h.mu.Unlock()

	closed := 0
	for _, set := range topics {
		set.mu.Lock()
		subs := set.subs
		set.subs = nil
		set.mu.Unlock()

		for _, sub := range subs {
			if err := sub.Close(); err != nil {
				h.logger.Debug("Subscriber close failed", slog.Any("error", err))
			}
			closed++
		}
	}

	h.logger.Info("Hub closed", slog.Int("subscribers", closed))
	h.metrics.SetHubSubscribers(0)
}

// Stats returns the live subscriber count per topic. Empty topics are
// omitted.
func (h *Hub) Stats() map[domain.Topic]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := make(map[domain.Topic]int, len(h.topics))
	for topic, set := range h.topics {
		set.mu.Lock()
		n := len(set.subs)
		set.mu.Unlock()
		if n > 0 {
			stats[topic] = n
		}
	}
	return stats
}

func (h *Hub) total() int {
	n := 0
	for _, c := range h.Stats() {
		n += c
	}
	return n
}

// String implements fmt.Stringer for debug logging.
func (h *Hub) String() string {
	return fmt.Sprintf("hub(%d topics)", len(h.Stats()))
}
