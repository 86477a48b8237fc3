package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tvhoang/fetchd/internal/domain"
)

const jobColumns = `
	job_id, locator, owner_id, quality, format, state, progress, attempts,
	error_message, output_path, output_size, output_format, cancel_requested,
	created_at, started_at, completed_at, next_attempt_at, last_heartbeat_at, updated_at
`

// Postgres implements JobStore on top of a jobs table.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a Postgres-backed job store.
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

type jobRow struct {
	JobID           string         `db:"job_id"`
	Locator         string         `db:"locator"`
	OwnerID         sql.NullString `db:"owner_id"`
	Quality         sql.NullString `db:"quality"`
	Format          sql.NullString `db:"format"`
	State           string         `db:"state"`
	Progress        float64        `db:"progress"`
	Attempts        int            `db:"attempts"`
	ErrorMessage    sql.NullString `db:"error_message"`
	OutputPath      sql.NullString `db:"output_path"`
	OutputSize      sql.NullInt64  `db:"output_size"`
	OutputFormat    sql.NullString `db:"output_format"`
	CancelRequested bool           `db:"cancel_requested"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	NextAttemptAt   sql.NullTime   `db:"next_attempt_at"`
	LastHeartbeatAt sql.NullTime   `db:"last_heartbeat_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		ID:              r.JobID,
		Locator:         r.Locator,
		Owner:           r.OwnerID.String,
		Params:          domain.Params{Quality: r.Quality.String, Format: r.Format.String},
		State:           domain.State(r.State),
		Progress:        r.Progress,
		Attempts:        r.Attempts,
		Error:           r.ErrorMessage.String,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.OutputPath.Valid {
		job.Output = &domain.Output{
			Path:   r.OutputPath.String,
			Size:   r.OutputSize.Int64,
			Format: r.OutputFormat.String,
		}
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		job.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		job.CompletedAt = &t
	}
	if r.NextAttemptAt.Valid {
		t := r.NextAttemptAt.Time
		job.NextAttemptAt = &t
	}
	if r.LastHeartbeatAt.Valid {
		t := r.LastHeartbeatAt.Time
		job.LastHeartbeatAt = &t
	}
	return job
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *Postgres) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, locator, owner_id, quality, format, state, progress,
			attempts, cancel_requested, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.Locator,
		nullStr(job.Owner),
		nullStr(job.Params.Quality),
		nullStr(job.Params.Format),
		string(job.State),
		job.Progress,
		job.Attempts,
		job.CancelRequested,
		job.CreatedAt,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Postgres) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain(), nil
}

func (s *Postgres) GetActiveByLocator(ctx context.Context, locator string) (*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE locator = $1 AND state IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1
	`

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, locator, string(domain.StatePending), string(domain.StateDownloading))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by locator: %w", err)
	}

	return row.toDomain(), nil
}

// CompareAndSetState uses the same optimistic-locking shape as a claim:
// the WHERE clause guards the expected state so two concurrent callers can
// never both win.
func (s *Postgres) CompareAndSetState(ctx context.Context, jobID string, from, to domain.State, now time.Time) (bool, error) {
	query := `
		UPDATE jobs
		SET state = $1,
		    started_at = CASE WHEN $1 = $2 THEN $3 ELSE started_at END,
		    last_heartbeat_at = CASE WHEN $1 = $2 THEN $3 ELSE last_heartbeat_at END,
		    completed_at = CASE WHEN $1 IN ($4, $5) THEN $3 ELSE completed_at END,
		    updated_at = $3
		WHERE job_id = $6 AND state = $7
	`

	res, err := s.db.ExecContext(
		ctx,
		query,
		string(to),
		string(domain.StateDownloading),
		now,
		string(domain.StateCompleted),
		string(domain.StateCanceled),
		jobID,
		string(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-set job state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

func (s *Postgres) Update(ctx context.Context, job *domain.Job) error {
	query := `
		UPDATE jobs
		SET state = $1,
		    progress = $2,
		    attempts = $3,
		    error_message = $4,
		    output_path = $5,
		    output_size = $6,
		    output_format = $7,
		    cancel_requested = $8,
		    started_at = $9,
		    completed_at = $10,
		    next_attempt_at = $11,
		    last_heartbeat_at = $12,
		    updated_at = NOW()
		WHERE job_id = $13
	`

	var outPath, outFormat sql.NullString
	var outSize sql.NullInt64
	if job.Output != nil {
		outPath = sql.NullString{String: job.Output.Path, Valid: true}
		outSize = sql.NullInt64{Int64: job.Output.Size, Valid: true}
		outFormat = nullStr(job.Output.Format)
	}

	res, err := s.db.ExecContext(
		ctx,
		query,
		string(job.State),
		job.Progress,
		job.Attempts,
		nullStr(job.Error),
		outPath,
		outSize,
		outFormat,
		job.CancelRequested,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		nullTime(job.NextAttemptAt),
		nullTime(job.LastHeartbeatAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}

	return nil
}

// RecordAttempt is deliberately narrow: the state guard keeps a reclaimed
// or canceled row untouched, and the column list cannot clobber a
// concurrently-set cancel_requested flag.
func (s *Postgres) RecordAttempt(ctx context.Context, jobID string, attempts int, now time.Time) (bool, error) {
	query := `
		UPDATE jobs
		SET attempts = $1,
		    next_attempt_at = NULL,
		    updated_at = $2
		WHERE job_id = $3 AND state = $4
	`

	res, err := s.db.ExecContext(ctx, query, attempts, now, jobID, string(domain.StateDownloading))
	if err != nil {
		return false, fmt.Errorf("failed to record attempt: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

func (s *Postgres) UpdateProgress(ctx context.Context, jobID string, percent float64) error {
	query := `
		UPDATE jobs
		SET progress = $1,
		    updated_at = NOW()
		WHERE job_id = $2 AND state = $3
	`

	_, err := s.db.ExecContext(ctx, query, percent, jobID, string(domain.StateDownloading))
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return nil
}

func (s *Postgres) ListPending(ctx context.Context, limit int, now time.Time) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE state = $1
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		ORDER BY created_at ASC, job_id ASC
		LIMIT $3
	`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, string(domain.StatePending), now, limit); err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}

func (s *Postgres) List(ctx context.Context, f Filter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if f.Owner != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, f.Owner)
		argIdx++
	}

	if f.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(f.State))
		argIdx++
	}

	if f.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, f.Cursor.CreatedAt, f.Cursor.JobID)
		argIdx += 2
	}

	// Newest first with job_id tiebreak for stable pagination; one extra
	// row so the caller can tell whether more results exist.
	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, f.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}

func (s *Postgres) Heartbeat(ctx context.Context, jobID string, now time.Time) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = $1,
		    updated_at = $1
		WHERE job_id = $2 AND state = $3
	`

	res, err := s.db.ExecContext(ctx, query, now, jobID, string(domain.StateDownloading))
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		s.logger.Warn("Heartbeat update - no rows affected (job may not be downloading)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

func (s *Postgres) ReclaimExpired(ctx context.Context, deadline time.Time) (int, error) {
	query := `
		UPDATE jobs
		SET state = $1,
		    started_at = NULL,
		    last_heartbeat_at = NULL,
		    progress = 0,
		    updated_at = NOW()
		WHERE state = $2
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $3)
	`

	res, err := s.db.ExecContext(ctx, query, string(domain.StatePending), string(domain.StateDownloading), deadline)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired jobs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected > 0 {
		s.logger.Warn("Reclaimed jobs from dead workers",
			slog.Int64("count", affected),
		)
	}

	return int(affected), nil
}

func (s *Postgres) RequestCancel(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET cancel_requested = TRUE,
		    updated_at = NOW()
		WHERE job_id = $1 AND state = $2
	`

	res, err := s.db.ExecContext(ctx, query, jobID, string(domain.StateDownloading))
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotCancelable
	}

	return nil
}

func (s *Postgres) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	query := `SELECT cancel_requested FROM jobs WHERE job_id = $1`

	var requested bool
	if err := s.db.GetContext(ctx, &requested, query, jobID); err != nil {
		if err == sql.ErrNoRows {
			return false, domain.ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}

	return requested, nil
}

func (s *Postgres) CountByState(ctx context.Context) (map[domain.State]int, error) {
	query := `SELECT state, COUNT(*) AS n FROM jobs GROUP BY state`

	var rows []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count jobs by state: %w", err)
	}

	counts := make(map[domain.State]int, len(rows))
	for _, r := range rows {
		counts[domain.State(r.State)] = r.N
	}
	return counts, nil
}
