package notify

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/tvhoang/fetchd/internal/domain"
	"github.com/tvhoang/fetchd/internal/telemetry"
)

// Sink accepts events for delivery to live observers. Implementations must
// never block job execution and must never surface delivery failures to
// the caller.
type Sink interface {
	Publish(ctx context.Context, ev domain.Event)
}

// wireClient is the slice of the message-queue client the publisher needs.
type wireClient interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// Publisher sends events over the message queue to the hub host. Sends are
// capped by a token bucket; events above the cap are dropped rather than
// queued, keeping the bridge a latency optimization and never a stall
// point for workers.
type Publisher struct {
	client  wireClient
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewPublisher creates a bridge publisher. ratePerSec <= 0 selects a
// conservative default.
func NewPublisher(client wireClient, ratePerSec int, logger *slog.Logger, metrics *telemetry.Metrics) *Publisher {
	if ratePerSec <= 0 {
		ratePerSec = 50
	}
	return &Publisher{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		logger:  logger,
		metrics: metrics,
	}
}

// Publish encodes and sends one event. Every failure path logs and drops.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) {
	if !p.limiter.Allow() {
		p.logger.Debug("Bridge rate cap hit, dropping event",
			slog.String("kind", string(ev.Kind)),
		)
		p.metrics.IncBridgeDropped()
		return
	}

	body, err := Encode(ev)
	if err != nil {
		p.logger.Error("Failed to encode bridge event",
			slog.String("kind", string(ev.Kind)),
			slog.Any("error", err),
		)
		p.metrics.IncBridgeDropped()
		return
	}

	if err := p.client.Publish(ctx, body, "application/json"); err != nil {
		p.logger.Warn("Failed to publish bridge event, dropping",
			slog.String("kind", string(ev.Kind)),
			slog.Any("error", err),
		)
		p.metrics.IncBridgeDropped()
	}
}
