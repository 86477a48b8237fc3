package dto

import (
	"time"

	"github.com/tvhoang/fetchd/internal/domain"
)

type SubmitJobRequest struct {
	Locator string `json:"locator" binding:"required"`
	Owner   string `json:"owner"`
	Quality string `json:"quality"`
	Format  string `json:"format"`
}

type ListJobsRequest struct {
	Owner    string `form:"owner"`
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type OutputDTO struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Format string `json:"format,omitempty"`
}

type JobDTO struct {
	JobID       string     `json:"job_id"`
	Locator     string     `json:"locator"`
	Owner       string     `json:"owner,omitempty"`
	Quality     string     `json:"quality,omitempty"`
	Format      string     `json:"format,omitempty"`
	State       string     `json:"state"`
	Progress    float64    `json:"progress"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	Output      *OutputDTO `json:"output,omitempty"`
	CreatedAt   string     `json:"created_at"`
	StartedAt   string     `json:"started_at,omitempty"`
	CompletedAt string     `json:"completed_at,omitempty"`
	UpdatedAt   string     `json:"updated_at"`
}

// FromJob maps a domain job onto the wire representation.
func FromJob(j *domain.Job) JobDTO {
	d := JobDTO{
		JobID:     j.ID,
		Locator:   j.Locator,
		Owner:     j.Owner,
		Quality:   j.Params.Quality,
		Format:    j.Params.Format,
		State:     string(j.State),
		Progress:  j.Progress,
		Attempts:  j.Attempts,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
	if j.Output != nil {
		d.Output = &OutputDTO{
			Path:   j.Output.Path,
			Size:   j.Output.Size,
			Format: j.Output.Format,
		}
	}
	if j.StartedAt != nil {
		d.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		d.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return d
}
