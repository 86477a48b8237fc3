package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tvhoang/fetchd/internal/domain"
	"github.com/tvhoang/fetchd/internal/hub"
)

// StreamJobEvents handles GET /api/v1/events/jobs/:job_id
// Streams progress/completed/failed events for one job over SSE
func (h *EventHandler) StreamJobEvents(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	h.stream(c, domain.JobTopic(jobID))
}

// StreamDashboardEvents handles GET /api/v1/events/dashboard/:owner
// Streams events for every job belonging to one owner
func (h *EventHandler) StreamDashboardEvents(c *gin.Context) {
	owner := c.Param("owner")
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "owner is required",
		})
		return
	}

	h.stream(c, domain.DashboardTopic(owner))
}

// StreamQueueEvents handles GET /api/v1/events/queue
func (h *EventHandler) StreamQueueEvents(c *gin.Context) {
	h.stream(c, domain.TopicQueue)
}

// StreamStatsEvents handles GET /api/v1/events/stats
func (h *EventHandler) StreamStatsEvents(c *gin.Context) {
	h.stream(c, domain.TopicStats)
}

// StreamGeneralEvents handles GET /api/v1/events/general
func (h *EventHandler) StreamGeneralEvents(c *gin.Context) {
	h.stream(c, domain.TopicGeneral)
}

// SubscriptionStats handles GET /api/v1/events/subscriptions
// Reports the current subscriber count per topic
func (h *EventHandler) SubscriptionStats(c *gin.Context) {
	stats := h.hub.Stats()

	topics := make(map[string]int, len(stats))
	total := 0
	for topic, count := range stats {
		topics[string(topic)] = count
		total += count
	}

	c.JSON(http.StatusOK, gin.H{
		"total_subscribers": total,
		"topics":            topics,
	})
}

// stream attaches the client to one topic until it disconnects or the
// hub drops it.
func (h *EventHandler) stream(c *gin.Context, topic domain.Topic) {
	sub, err := hub.NewSSESubscriber(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Streaming not supported",
		})
		return
	}

	h.hub.Subscribe(topic, sub)
	h.logger.Debug("Event stream opened",
		slog.String("topic", string(topic)),
		slog.String("ip", c.ClientIP()),
	)

	select {
	case <-c.Request.Context().Done():
		// Client went away.
	case <-sub.Wait():
		// Hub pruned the subscriber.
	}

	h.hub.Unsubscribe(topic, sub)
	sub.Close()

	h.logger.Debug("Event stream closed",
		slog.String("topic", string(topic)),
	)
}
