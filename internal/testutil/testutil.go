// Package testutil holds shared test fixtures: a temporary store and an
// in-memory runtime/fabric.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/models"
)

// NewDB opens a migrated SQLite database in a temporary directory
func NewDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "labrange-test.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// Config returns a valid configuration with small poll intervals for tests
func Config() *config.Config {
	cfg := config.Default()
	cfg.Auth.TokenSecret = "test-secret-test-secret-test-secret"
	cfg.Timeouts.TaskPollAttempts = 5
	cfg.Timeouts.TeardownPollAttempts = 5
	return cfg
}

// Machines builds n machines named m1..mn
func Machines(n int) []models.Machine {
	out := make([]models.Machine, n)
	for i := range out {
		out[i] = models.Machine{
			Name:             fmt.Sprintf("m%d", i+1),
			Role:             models.RoleVictim,
			ImageRef:         "registry.local/lab/victim:1",
			ResourceProfile:  models.ProfileSmall,
			NetworkGroup:     "lan",
			Entrypoints:      []models.Entrypoint{{Protocol: "tcp", ContainerPort: 22, ExposedToSolver: true}},
			AllowSolverEntry: true,
			TaskDefinition:   "victim:1",
		}
	}
	if n > 0 {
		out[0].Role = models.RoleAttacker
	}
	return out
}

// PublishScenario stores a published, built scenario version with n machines
func PublishScenario(t *testing.T, db *database.DB, id string, machines int) *models.ScenarioVersion {
	t.Helper()
	v := &models.ScenarioVersion{
		ID:                  id,
		ScenarioID:          "scenario-" + id,
		Title:               "Scenario " + id,
		Status:              models.ScenarioPublished,
		BuildStatus:         models.BuildSucceeded,
		ResourceProfile:     models.ProfileSmall,
		EstimatedTTLMinutes: 60,
		Machines:            Machines(machines),
	}
	require.NoError(t, db.SaveScenarioVersion(context.Background(), v))
	return v
}

// InsertSession writes a session row directly, bypassing admission
func InsertSession(t *testing.T, db *database.DB, userID, scenarioID string, status models.SessionStatus, mutate ...func(*models.EnvironmentSession)) *models.EnvironmentSession {
	t.Helper()
	now := time.Now().UTC()
	s := &models.EnvironmentSession{
		ID:                uuid.New().String(),
		UserID:            userID,
		ScenarioVersionID: scenarioID,
		Status:            status,
		ResourceProfile:   models.ProfileSmall,
		MachineCount:      1,
		TTLMinutes:        60,
		CreatedAt:         now,
		LastActivityAt:    now,
	}
	if status != models.StatusCreated {
		s.StartedAt = &now
	}
	for _, m := range mutate {
		m(s)
	}
	require.NoError(t, db.CreateSession(context.Background(), s))
	return s
}
