// Package jobs is a durable FIFO job queue and the worker pool that drains it.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/models"
)

// Type tags a job with the stage that handles it
type Type string

const (
	TypeValidate   Type = "validate"
	TypeScan       Type = "scan"
	TypePromote    Type = "promote"
	TypeTestDeploy Type = "test_deploy"
)

// Types lists every job type. A Registry must hold a handler for each.
var Types = []Type{TypeValidate, TypeScan, TypePromote, TypeTestDeploy}

// Valid reports whether t is a known job type
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

var (
	// ErrNoJob is returned by Dequeue when no pending job matches
	ErrNoJob = errors.New("no pending job")
	// ErrUnknownType is returned for job types outside Types
	ErrUnknownType = errors.New("unknown job type")
)

// Queue is the durable job queue
type Queue struct {
	db *database.DB
}

// NewQueue creates a queue over the store
func NewQueue(db *database.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue appends a pending job. payload is JSON-encoded; nil stores no payload.
func (q *Queue) Enqueue(ctx context.Context, jobType Type, payload interface{}) (*models.Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("%q: %w", jobType, ErrUnknownType)
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode job payload: %w", err)
		}
		raw = b
	}
	return q.db.EnqueueJob(ctx, string(jobType), raw)
}

// Dequeue claims the oldest pending job, of jobType when it is non-empty
func (q *Queue) Dequeue(ctx context.Context, jobType Type) (*models.Job, error) {
	job, err := q.db.DequeueJob(ctx, string(jobType))
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNoJob
	}
	return job, err
}

// Complete marks a processing job completed
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return q.db.CompleteJob(ctx, id, result)
}

// Fail records a handler failure and returns the job's new status
func (q *Queue) Fail(ctx context.Context, id, errMsg string, maxAttempts int) (models.JobStatus, error) {
	return q.db.FailJob(ctx, id, errMsg, maxAttempts)
}

// Get returns a job snapshot
func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	return q.db.GetJob(ctx, id)
}

// Purge deletes completed and failed jobs created before olderThan
func (q *Queue) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	return q.db.PurgeJobs(ctx, olderThan)
}
