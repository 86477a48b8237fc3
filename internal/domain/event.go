package domain

import "time"

// Kind identifies the shape of an event payload.
type Kind string

const (
	KindProgress    Kind = "progress"
	KindCompleted   Kind = "completed"
	KindFailed      Kind = "failed"
	KindQueueUpdate Kind = "queue_update"
	KindStatsUpdate Kind = "stats_update"
	KindGeneral     Kind = "general"
)

// Topic names one broadcast group in the subscription registry.
type Topic string

const (
	TopicQueue   Topic = "queue"
	TopicStats   Topic = "stats"
	TopicGeneral Topic = "general"
)

// JobTopic is the per-job topic for id.
func JobTopic(id string) Topic {
	return Topic("job:" + id)
}

// DashboardTopic is the per-owner aggregate topic.
func DashboardTopic(owner string) Topic {
	return Topic("dashboard:" + owner)
}

// Event is one immutable state-change notification. Events are
// fire-and-forget; nothing persists or replays them.
type Event struct {
	Topics    []Topic   `json:"topics"`
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"ts"`
}

// jobTopics routes any job-scoped event into the job topic and, when the
// job has an owner, that owner's dashboard.
func jobTopics(jobID, owner string) []Topic {
	topics := []Topic{JobTopic(jobID)}
	if owner != "" {
		topics = append(topics, DashboardTopic(owner))
	}
	return topics
}

// ProgressPayload reports a throttled percentage update.
type ProgressPayload struct {
	JobID    string  `json:"job_id"`
	Owner    string  `json:"owner,omitempty"`
	Percent  float64 `json:"percent"`
	Attempts int     `json:"attempts"`
}

// CompletedPayload reports a successful fetch.
type CompletedPayload struct {
	JobID  string  `json:"job_id"`
	Owner  string  `json:"owner,omitempty"`
	Output *Output `json:"output,omitempty"`
}

// FailedPayload reports a terminal failure or cancellation.
type FailedPayload struct {
	JobID    string `json:"job_id"`
	Owner    string `json:"owner,omitempty"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
	Canceled bool   `json:"canceled,omitempty"`
}

// QueuePayload is a global queue-depth snapshot.
type QueuePayload struct {
	Pending int `json:"pending"`
	Active  int `json:"active"`
}

// StatsPayload carries global aggregate counters.
type StatsPayload struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

// GeneralPayload is an arbitrary broadcast message.
type GeneralPayload struct {
	Message string `json:"message"`
}

func NewProgressEvent(j *Job, percent float64, now time.Time) Event {
	return Event{
		Topics:    jobTopics(j.ID, j.Owner),
		Kind:      KindProgress,
		Payload:   ProgressPayload{JobID: j.ID, Owner: j.Owner, Percent: percent, Attempts: j.Attempts},
		Timestamp: now,
	}
}

func NewCompletedEvent(j *Job, now time.Time) Event {
	return Event{
		Topics:    jobTopics(j.ID, j.Owner),
		Kind:      KindCompleted,
		Payload:   CompletedPayload{JobID: j.ID, Owner: j.Owner, Output: j.Output},
		Timestamp: now,
	}
}

func NewFailedEvent(j *Job, canceled bool, now time.Time) Event {
	return Event{
		Topics:    jobTopics(j.ID, j.Owner),
		Kind:      KindFailed,
		Payload:   FailedPayload{JobID: j.ID, Owner: j.Owner, Error: j.Error, Attempts: j.Attempts, Canceled: canceled},
		Timestamp: now,
	}
}

func NewQueueEvent(pending, active int, now time.Time) Event {
	return Event{
		Topics:    []Topic{TopicQueue},
		Kind:      KindQueueUpdate,
		Payload:   QueuePayload{Pending: pending, Active: active},
		Timestamp: now,
	}
}

func NewStatsEvent(p StatsPayload, now time.Time) Event {
	return Event{
		Topics:    []Topic{TopicStats},
		Kind:      KindStatsUpdate,
		Payload:   p,
		Timestamp: now,
	}
}

func NewGeneralEvent(msg string, now time.Time) Event {
	return Event{
		Topics:    []Topic{TopicGeneral},
		Kind:      KindGeneral,
		Payload:   GeneralPayload{Message: msg},
		Timestamp: now,
	}
}
