package domain

import (
	"time"
)

// State is the lifecycle state of a fetch job.
type State string

const (
	StatePending     State = "PENDING"
	StateDownloading State = "DOWNLOADING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
	StateCanceled    State = "CANCELED"
)

// Terminal reports whether no further transitions are allowed from s,
// except FAILED which may be re-opened through an explicit retry.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Params carries the requested quality/format options for a fetch.
type Params struct {
	Quality string `json:"quality,omitempty"`
	Format  string `json:"format,omitempty"`
}

// Output describes the artifact produced by a completed fetch.
type Output struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Format string `json:"format,omitempty"`
}

// Job is one unit of background fetch work.
//
// All state-bearing fields (State, Progress, StartedAt, CompletedAt, Error)
// are mutated only through the transition methods below; callers persist the
// result through the job store afterwards.
type Job struct {
	ID              string     `db:"job_id"`
	Locator         string     `db:"locator"`
	Owner           string     `db:"owner_id"` // empty means no owner
	Params          Params     `db:"-"`
	State           State      `db:"state"`
	Progress        float64    `db:"progress"`
	Attempts        int        `db:"attempts"`
	Error           string     `db:"error_message"`
	Output          *Output    `db:"-"`
	CancelRequested bool       `db:"cancel_requested"`
	CreatedAt       time.Time  `db:"created_at"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	NextAttemptAt   *time.Time `db:"next_attempt_at"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// allowed is the transition table. DOWNLOADING -> PENDING covers both a
// transient-failure requeue and a lease reclaim.
var allowed = map[State][]State{
	StatePending:     {StateDownloading, StateCanceled},
	StateDownloading: {StateCompleted, StateFailed, StatePending, StateCanceled},
	StateFailed:      {StatePending},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (j *Job) transition(to State) error {
	if !CanTransition(j.State, to) {
		return &InvalidTransitionError{JobID: j.ID, From: j.State, To: to}
	}
	j.State = to
	return nil
}

// MarkDownloading moves a pending job into DOWNLOADING and opens its lease.
func (j *Job) MarkDownloading(now time.Time) error {
	if err := j.transition(StateDownloading); err != nil {
		return err
	}
	j.StartedAt = &now
	j.LastHeartbeatAt = &now
	return nil
}

// MarkCompleted finishes the job successfully. Progress is forced to 100
// so that COMPLETED implies progress == 100.
func (j *Job) MarkCompleted(out *Output, now time.Time) error {
	if err := j.transition(StateCompleted); err != nil {
		return err
	}
	j.Progress = 100
	j.Output = out
	j.Error = ""
	j.CompletedAt = &now
	return nil
}

// MarkFailed finishes the job with an error message.
func (j *Job) MarkFailed(msg string, now time.Time) error {
	if err := j.transition(StateFailed); err != nil {
		return err
	}
	j.Error = msg
	j.CompletedAt = &now
	return nil
}

// MarkCanceled terminates the job on external request.
func (j *Job) MarkCanceled(now time.Time) error {
	if err := j.transition(StateCanceled); err != nil {
		return err
	}
	j.CompletedAt = &now
	return nil
}

// Requeue puts a DOWNLOADING job back into PENDING after a transient
// failure. The next attempt starts with a clean progress counter; nextAt
// delays re-admission so backoff can apply.
func (j *Job) Requeue(nextAt time.Time) error {
	if err := j.transition(StatePending); err != nil {
		return err
	}
	j.Progress = 0
	j.StartedAt = nil
	j.LastHeartbeatAt = nil
	j.NextAttemptAt = &nextAt
	return nil
}

// ResetForRetry re-opens a FAILED job through the explicit retry action:
// the error is cleared and the attempt budget starts over.
func (j *Job) ResetForRetry() error {
	if err := j.transition(StatePending); err != nil {
		return err
	}
	j.Error = ""
	j.Progress = 0
	j.Attempts = 0
	j.StartedAt = nil
	j.CompletedAt = nil
	j.NextAttemptAt = nil
	j.CancelRequested = false
	return nil
}
