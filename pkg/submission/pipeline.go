// Package submission drives a submitted scenario version through the
// validate, scan, promote and test_deploy stages. Every stage runs as a job
// and enqueues the next one when it succeeds.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/jobs"
	"github.com/sciffer/labrange/pkg/models"
	"github.com/sciffer/labrange/pkg/validator"
)

// PipelineUser starts test deployments when a submission names no submitter
const PipelineUser = "submission-pipeline"

// TestDeployReason is recorded on the session a test deployment terminates
const TestDeployReason = "submission test deployment complete"

// Payload is carried by every stage job
type Payload struct {
	ScenarioVersionID string `json:"scenario_version_id"`
	SubmittedBy       string `json:"submitted_by,omitempty"`
}

// Environments starts and stops test deployments
type Environments interface {
	StartEnvironment(ctx context.Context, scenarioVersionID, userID string, opts models.StartOptions) (*models.StartResult, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*models.EnvironmentSession, error)
	TerminateEnvironment(ctx context.Context, sessionID, reason string) error
}

// Pipeline owns the stage handlers
type Pipeline struct {
	db      *database.DB
	queue   *jobs.Queue
	scanner Scanner
	envs    Environments
	logger  *logger.Logger
}

// NewPipeline creates a submission pipeline
func NewPipeline(db *database.DB, queue *jobs.Queue, scanner Scanner, envs Environments, log *logger.Logger) *Pipeline {
	return &Pipeline{db: db, queue: queue, scanner: scanner, envs: envs, logger: log}
}

// Handlers returns one handler per job type, ready for jobs.NewRegistry
func (p *Pipeline) Handlers() map[jobs.Type]jobs.Handler {
	return map[jobs.Type]jobs.Handler{
		jobs.TypeValidate:   jobs.HandlerFunc(p.validate),
		jobs.TypeScan:       jobs.HandlerFunc(p.scan),
		jobs.TypePromote:    jobs.HandlerFunc(p.promote),
		jobs.TypeTestDeploy: jobs.HandlerFunc(p.testDeploy),
	}
}

// Submit marks a scenario version submitted and enqueues its validation
func (p *Pipeline) Submit(ctx context.Context, scenarioVersionID, submittedBy string) (*models.Job, error) {
	if err := validator.ValidateID("scenario_version_id", scenarioVersionID); err != nil {
		return nil, err
	}
	if err := p.db.UpdateScenarioVersionStatus(ctx, scenarioVersionID, models.ScenarioSubmitted, models.BuildPending); err != nil {
		return nil, err
	}

	job, err := p.queue.Enqueue(ctx, jobs.TypeValidate, Payload{ScenarioVersionID: scenarioVersionID, SubmittedBy: submittedBy})
	if err != nil {
		return nil, err
	}
	p.logger.Info("scenario version submitted",
		zap.String("scenario_version_id", scenarioVersionID),
		zap.String("job_id", job.ID),
	)
	return job, nil
}

func (p *Pipeline) validate(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	payload, version, err := p.load(ctx, job)
	if err != nil {
		return nil, err
	}

	if len(version.Machines) == 0 {
		err = &validator.InvalidInputError{Field: "machines", Reason: "at least one machine is required"}
	} else {
		err = validator.ValidateMachines(version.Machines)
	}
	if err != nil {
		p.markBuildFailed(ctx, version.ID)
		return nil, err
	}

	return p.next(ctx, jobs.TypeScan, payload, map[string]interface{}{"machines": len(version.Machines)})
}

func (p *Pipeline) scan(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	payload, version, err := p.load(ctx, job)
	if err != nil {
		return nil, err
	}

	images := uniqueImages(version.Machines)
	var failures []error
	for _, image := range images {
		if err := p.scanner.Scan(ctx, image); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		p.markBuildFailed(ctx, version.ID)
		return nil, fmt.Errorf("image scan rejected %d of %d images: %w", len(failures), len(images), errors.Join(failures...))
	}

	return p.next(ctx, jobs.TypePromote, payload, map[string]interface{}{"images": images})
}

func (p *Pipeline) promote(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	payload, version, err := p.load(ctx, job)
	if err != nil {
		return nil, err
	}
	if err := p.db.UpdateScenarioVersionStatus(ctx, version.ID, models.ScenarioApproved, models.BuildSucceeded); err != nil {
		return nil, err
	}
	return p.next(ctx, jobs.TypeTestDeploy, payload, map[string]interface{}{"status": models.ScenarioApproved})
}

func (p *Pipeline) testDeploy(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	payload, version, err := p.load(ctx, job)
	if err != nil {
		return nil, err
	}

	userID := payload.SubmittedBy
	if userID == "" {
		userID = PipelineUser
	}

	started, err := p.envs.StartEnvironment(ctx, version.ID, userID, models.StartOptions{IsTest: true})
	if err != nil {
		return nil, fmt.Errorf("test deployment failed to start: %w", err)
	}

	session, statusErr := p.envs.GetSessionStatus(ctx, started.SessionID)
	if err := p.envs.TerminateEnvironment(ctx, started.SessionID, TestDeployReason); err != nil {
		p.logger.WithSession(started.SessionID).Error("failed to terminate test deployment", zap.Error(err))
	}
	if statusErr != nil {
		return nil, statusErr
	}
	if session.Status != models.StatusRunning {
		return nil, fmt.Errorf("test deployment %s reached %s instead of running", started.SessionID, session.Status)
	}

	p.logger.Info("test deployment succeeded",
		zap.String("scenario_version_id", version.ID),
		zap.String("session_id", started.SessionID),
		zap.Int("machines", len(session.Topology)),
	)
	return json.Marshal(map[string]interface{}{
		"session_id": started.SessionID,
		"machines":   len(session.Topology),
	})
}

func (p *Pipeline) load(ctx context.Context, job *models.Job) (Payload, *models.ScenarioVersion, error) {
	var payload Payload
	if len(job.Payload) == 0 {
		return payload, nil, &validator.InvalidInputError{Field: "payload", Reason: "is required"}
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, nil, fmt.Errorf("failed to decode %s payload: %w", job.Type, err)
	}
	version, err := p.db.GetScenarioVersion(ctx, payload.ScenarioVersionID)
	if err != nil {
		return payload, nil, err
	}
	return payload, version, nil
}

func (p *Pipeline) next(ctx context.Context, jobType jobs.Type, payload Payload, result map[string]interface{}) (json.RawMessage, error) {
	next, err := p.queue.Enqueue(ctx, jobType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", jobType, err)
	}
	result["next_job_id"] = next.ID
	return json.Marshal(result)
}

func (p *Pipeline) markBuildFailed(ctx context.Context, versionID string) {
	if err := p.db.UpdateScenarioVersionStatus(ctx, versionID, models.ScenarioDraft, models.BuildFailed); err != nil {
		p.logger.Error("failed to mark build failed",
			zap.String("scenario_version_id", versionID),
			zap.Error(err),
		)
	}
}

func uniqueImages(machines []models.Machine) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range machines {
		if !seen[m.ImageRef] {
			seen[m.ImageRef] = true
			out = append(out, m.ImageRef)
		}
	}
	sort.Strings(out)
	return out
}
