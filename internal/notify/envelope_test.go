package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvhoang/fetchd/internal/domain"
)

func TestEncodeDecode(t *testing.T) {
	job := &domain.Job{ID: "j1", Owner: "alice", Attempts: 2}
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	body, err := Encode(domain.NewProgressEvent(job, 37.5, ts))
	require.NoError(t, err)

	// The wire format is the documented JSON contract, not an internal shape.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Contains(t, raw, "topics")
	assert.Contains(t, raw, "kind")
	assert.Contains(t, raw, "payload")
	assert.Contains(t, raw, "ts")

	ev, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, []domain.Topic{domain.JobTopic("j1"), domain.DashboardTopic("alice")}, ev.Topics)
	assert.Equal(t, domain.KindProgress, ev.Kind)
	assert.Equal(t, ts, ev.Timestamp)

	var payload domain.ProgressPayload
	require.NoError(t, json.Unmarshal(ev.Payload.(json.RawMessage), &payload))
	assert.Equal(t, 37.5, payload.Percent)
	assert.Equal(t, 2, payload.Attempts)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "nope"},
		{"missing kind", `{"topics":["queue"],"payload":{}}`},
		{"missing topics", `{"kind":"progress","payload":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

// flakyClient counts publishes and fails on demand.
type flakyClient struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (c *flakyClient) Publish(_ context.Context, body []byte, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.bodies = append(c.bodies, body)
	return nil
}

func TestPublisher_DropsOnFailure(t *testing.T) {
	client := &flakyClient{err: assert.AnError}
	p := NewPublisher(client, 100, testLogger(), nil)

	// Must not panic, block, or propagate the failure.
	p.Publish(context.Background(), domain.NewGeneralEvent("hello", time.Now()))
	assert.Empty(t, client.bodies)

	client.err = nil
	p.Publish(context.Background(), domain.NewGeneralEvent("hello", time.Now()))
	assert.Len(t, client.bodies, 1)
}

func TestPublisher_RateCapDrops(t *testing.T) {
	client := &flakyClient{}
	p := NewPublisher(client, 1, testLogger(), nil)

	for i := 0; i < 10; i++ {
		p.Publish(context.Background(), domain.NewGeneralEvent("spam", time.Now()))
	}

	// The burst budget is the per-second rate, so nearly everything above
	// it is shed instead of queued.
	assert.LessOrEqual(t, len(client.bodies), 2)
	assert.GreaterOrEqual(t, len(client.bodies), 1)
}
