package notify

import (
	"context"

	"github.com/tvhoang/fetchd/internal/domain"
	"github.com/tvhoang/fetchd/internal/hub"
)

// LocalSink delivers events straight into an in-process hub, bypassing the
// wire. Used by the API service for events it originates itself (queue
// snapshots after submission, general broadcasts) and by single-process
// deployments.
type LocalSink struct {
	Hub *hub.Hub
}

func (s *LocalSink) Publish(_ context.Context, ev domain.Event) {
	s.Hub.Publish(ev)
}
