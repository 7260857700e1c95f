package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sciffer/labrange/pkg/models"
)

// SaveScenarioVersion upserts a scenario version snapshot. Authoring owns these
// rows; the orchestrator only reads them.
func (db *DB) SaveScenarioVersion(ctx context.Context, v *models.ScenarioVersion) error {
	machines, err := json.Marshal(v.Machines)
	if err != nil {
		return fmt.Errorf("failed to marshal machines: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO scenario_versions (
			id, scenario_id, title, status, build_status, resource_profile, estimated_ttl_minutes, machines, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			build_status = EXCLUDED.build_status,
			resource_profile = EXCLUDED.resource_profile,
			estimated_ttl_minutes = EXCLUDED.estimated_ttl_minutes,
			machines = EXCLUDED.machines,
			updated_at = EXCLUDED.updated_at`,
		v.ID, v.ScenarioID, v.Title, string(v.Status), nullIfEmpty(string(v.BuildStatus)),
		string(v.ResourceProfile), v.EstimatedTTLMinutes, string(machines), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save scenario version: %w", err)
	}
	return nil
}

// GetScenarioVersion loads a scenario version with its machines
func (db *DB) GetScenarioVersion(ctx context.Context, id string) (*models.ScenarioVersion, error) {
	var v models.ScenarioVersion
	var status, build, profile, machines string

	err := db.QueryRowContext(ctx, `
		SELECT id, scenario_id, title, status, COALESCE(build_status, ''), resource_profile,
			estimated_ttl_minutes, machines
		FROM scenario_versions WHERE id = $1`, id).Scan(
		&v.ID, &v.ScenarioID, &v.Title, &status, &build, &profile, &v.EstimatedTTLMinutes, &machines)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scenario version %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scenario version: %w", err)
	}

	v.Status = models.ScenarioStatus(status)
	v.BuildStatus = models.BuildStatus(build)
	v.ResourceProfile = models.ResourceProfile(profile)
	if err := json.Unmarshal([]byte(machines), &v.Machines); err != nil {
		return nil, fmt.Errorf("failed to unmarshal machines of scenario version %s: %w", id, err)
	}
	return &v, nil
}

// UpdateScenarioVersionStatus sets the lifecycle and build status of a scenario version
func (db *DB) UpdateScenarioVersionStatus(ctx context.Context, id string, status models.ScenarioStatus, build models.BuildStatus) error {
	res, err := db.ExecContext(ctx, `
		UPDATE scenario_versions SET status = $1, build_status = $2, updated_at = $3 WHERE id = $4`,
		string(status), nullIfEmpty(string(build)), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update scenario version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("scenario version %s: %w", id, ErrNotFound)
	}
	return nil
}

// RegisterForEvent records a user's registration for an event
func (db *DB) RegisterForEvent(ctx context.Context, eventID, userID, teamID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO event_registrations (event_id, user_id, team_id, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id, user_id) DO UPDATE SET team_id = EXCLUDED.team_id`,
		eventID, userID, nullIfEmpty(teamID), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to register for event: %w", err)
	}
	return nil
}

// IsRegistered reports whether a user is registered for an event
func (db *DB) IsRegistered(ctx context.Context, eventID, userID string) (bool, error) {
	n, err := db.count(ctx, `SELECT COUNT(*) FROM event_registrations WHERE event_id = $1 AND user_id = $2`, eventID, userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
