package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sciffer/labrange/pkg/models"
)

const jobColumns = `id, type, COALESCE(payload, ''), status, attempts, created_at, started_at, completed_at,
	COALESCE(error, ''), COALESCE(result, '')`

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var payload, status, result string
	if err := row.Scan(&j.ID, &j.Type, &payload, &status, &j.Attempts, &j.CreatedAt,
		&j.StartedAt, &j.CompletedAt, &j.Error, &result); err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	if payload != "" {
		j.Payload = json.RawMessage(payload)
	}
	if result != "" {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

// maxEnqueueAttempts bounds retries when concurrent writers pick the same seq
const maxEnqueueAttempts = 5

// EnqueueJob appends a pending job. Creation order is queue order.
func (db *DB) EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage) (*models.Job, error) {
	var err error
	for attempt := 1; attempt <= maxEnqueueAttempts; attempt++ {
		var job *models.Job
		job, err = db.enqueueJob(ctx, jobType, payload)
		if err == nil {
			return job, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		db.logger.Debug("job sequence conflict, retrying", zap.Int("attempt", attempt))
	}
	return nil, err
}

func (db *DB) enqueueJob(ctx context.Context, jobType string, payload json.RawMessage) (*models.Job, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM jobs`).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to allocate job sequence: %w", err)
	}

	job := &models.Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		Status:    models.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, seq, type, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)`,
		job.ID, seq, job.Type, nullIfEmpty(string(payload)), string(job.Status), job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job: %w", err)
	}
	return job, nil
}

// DequeueJob atomically claims the oldest pending job, optionally of one type.
// It marks the job processing, stamps startedAt and increments attempts.
// ErrNotFound is returned when the queue is empty.
func (db *DB) DequeueJob(ctx context.Context, jobType string) (*models.Job, error) {
	lock := ""
	if db.driver == driverPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	args := []interface{}{string(models.JobProcessing), time.Now().UTC(), string(models.JobPending)}
	filter := ""
	if jobType != "" {
		filter = " AND type = $4"
		args = append(args, jobType)
	}

	query := `
		UPDATE jobs SET status = $1, started_at = $2, attempts = attempts + 1
		WHERE status = $3 AND id = (
			SELECT id FROM jobs WHERE status = $3` + filter + `
			ORDER BY seq ASC LIMIT 1` + lock + `
		)
		RETURNING id`

	var id string
	err := db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	return db.GetJob(ctx, id)
}

// CompleteJob marks a processing job completed with an optional result
func (db *DB) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, completed_at = $2, result = $3, error = NULL
		WHERE id = $4 AND status = $5`,
		string(models.JobCompleted), time.Now().UTC(), nullIfEmpty(string(result)), id, string(models.JobProcessing))
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return db.expectJob(ctx, res, id)
}

// FailJob records a handler failure. Below maxAttempts the job goes back to
// pending with its error and timestamps cleared; at the ceiling it is failed for good.
// The resulting status is returned.
func (db *DB) FailJob(ctx context.Context, id, errMsg string, maxAttempts int) (models.JobStatus, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var attempts int
	var status string
	err = tx.QueryRowContext(ctx, `SELECT attempts, status FROM jobs WHERE id = $1`, id).Scan(&attempts, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load job: %w", err)
	}
	if models.JobStatus(status) != models.JobProcessing {
		return "", fmt.Errorf("job %s is %s: %w", id, status, ErrStaleState)
	}

	next := models.JobFailed
	if attempts < maxAttempts {
		next = models.JobPending
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = $1, error = NULL, started_at = NULL, completed_at = NULL
			WHERE id = $2`, string(next), id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = $1, error = $2, completed_at = $3
			WHERE id = $4`, string(next), errMsg, time.Now().UTC(), id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to record job failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit job failure: %w", err)
	}
	return next, nil
}

// GetJob retrieves a job by id
func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// PurgeJobs deletes completed and failed jobs created before olderThan
func (db *DB) PurgeJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN ($1, $2) AND created_at < $3`,
		string(models.JobCompleted), string(models.JobFailed), olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountJobsByStatus returns the number of jobs per status
func (db *DB) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	out := map[models.JobStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		out[models.JobStatus(status)] = n
	}
	return out, rows.Err()
}

func (db *DB) expectJob(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	exists, err := db.count(ctx, "SELECT COUNT(*) FROM jobs WHERE id = $1", id)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("job %s: %w", id, ErrStaleState)
}
