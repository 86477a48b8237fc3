package notify

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tvhoang/fetchd/internal/hub"
)

// Consumer drains bridge envelopes off the message queue and republishes
// them into the local hub. It runs on the API service, next to the hub.
type Consumer struct {
	hub    *hub.Hub
	logger *slog.Logger
}

// NewConsumer creates a bridge consumer feeding h.
func NewConsumer(h *hub.Hub, logger *slog.Logger) *Consumer {
	return &Consumer{hub: h, logger: logger}
}

// Run processes deliveries until the channel closes or ctx is canceled.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	c.logger.Info("Bridge consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Bridge consumer stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("Bridge delivery channel closed")
				return
			}
			c.handle(delivery)
		}
	}
}

func (c *Consumer) handle(delivery amqp.Delivery) {
	ev, err := Decode(delivery.Body)
	if err != nil {
		c.logger.Error("Failed to decode bridge envelope",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		// Malformed envelopes go to the DLQ, not back onto the queue.
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK malformed envelope",
				slog.Any("error", nackErr),
			)
		}
		return
	}

	c.hub.Publish(ev)

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("Failed to ACK bridge envelope",
			slog.Any("error", ackErr),
		)
	}
}
