// Package notify is the cross-process notification bridge. Workers publish
// job events through it to the process hosting the subscription hub.
// Delivery is at-most-once and fire-and-forget: a lost event only delays
// the UI until it polls the job store, which stays the source of truth.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tvhoang/fetchd/internal/domain"
)

// Envelope is the versioned wire contract between worker and hub host.
type Envelope struct {
	Topics  []string        `json:"topics"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	TS      time.Time       `json:"ts"`
}

// Encode serializes an event into the bridge wire format.
func Encode(ev domain.Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}

	topics := make([]string, len(ev.Topics))
	for i, t := range ev.Topics {
		topics[i] = string(t)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	body, err := json.Marshal(Envelope{
		Topics:  topics,
		Kind:    string(ev.Kind),
		Payload: payload,
		TS:      ts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return body, nil
}

// Decode parses a wire envelope back into an event. The payload stays raw:
// the hub forwards it to subscribers verbatim.
func Decode(body []byte) (domain.Event, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.Event{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Kind == "" {
		return domain.Event{}, fmt.Errorf("envelope has no kind")
	}
	if len(env.Topics) == 0 {
		return domain.Event{}, fmt.Errorf("envelope has no topics")
	}

	topics := make([]domain.Topic, len(env.Topics))
	for i, t := range env.Topics {
		topics[i] = domain.Topic(t)
	}

	return domain.Event{
		Topics:    topics,
		Kind:      domain.Kind(env.Kind),
		Payload:   env.Payload,
		Timestamp: env.TS,
	}, nil
}
