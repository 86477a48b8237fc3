package handler

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tvhoang/fetchd/internal/hub"
	"github.com/tvhoang/fetchd/internal/scheduler"
	"github.com/tvhoang/fetchd/internal/storage"
	"github.com/tvhoang/fetchd/shared/postgresql"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     storage.JobStore
	Scheduler *scheduler.Scheduler
	Hub       *hub.Hub
	DBClient  *postgresql.Client   // nil when health checks skip the database
	Registry  *prometheus.Registry // nil disables the metrics endpoint
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     storage.JobStore
	scheduler *scheduler.Scheduler
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		scheduler: deps.Scheduler,
	}
}

// EventHandler handles live event subscription requests
type EventHandler struct {
	logger *slog.Logger
	hub    *hub.Hub
}

// NewEventHandler creates a new EventHandler instance
func NewEventHandler(deps *Dependencies) *EventHandler {
	return &EventHandler{
		logger: deps.Logger,
		hub:    deps.Hub,
	}
}
