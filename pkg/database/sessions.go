package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sciffer/labrange/pkg/models"
)

const sessionColumns = `
	id, user_id, scenario_version_id, COALESCE(event_id, ''), COALESCE(team_id, ''), status,
	resource_profile, machine_count, is_test, ttl_minutes, created_at, started_at, expires_at,
	stopped_at, COALESCE(reason_stopped, ''), accumulated_cost, soft_limit_warned,
	COALESCE(client_ip, ''), COALESCE(client_user_agent, ''), last_activity_at,
	COALESCE(access_token_digest, ''), score, answers`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (db *DB) scanSession(row rowScanner) (*models.EnvironmentSession, error) {
	var s models.EnvironmentSession
	var status, profile string
	var answers sql.NullString

	err := row.Scan(
		&s.ID, &s.UserID, &s.ScenarioVersionID, &s.EventID, &s.TeamID, &status,
		&profile, &s.MachineCount, &s.IsTest, &s.TTLMinutes, &s.CreatedAt, &s.StartedAt, &s.ExpiresAt,
		&s.StoppedAt, &s.ReasonStopped, &s.AccumulatedCost, &s.SoftLimitWarned,
		&s.ClientIP, &s.ClientUserAgent, &s.LastActivityAt,
		&s.AccessTokenDigest, &s.Score, &answers,
	)
	if err != nil {
		return nil, err
	}

	s.Status = models.SessionStatus(status)
	s.ResourceProfile = models.ResourceProfile(profile)
	if answers.Valid && answers.String != "" {
		if err := json.Unmarshal([]byte(answers.String), &s.Answers); err != nil {
			db.logger.Warn("failed to unmarshal answers", zap.Error(err), zap.String("session_id", s.ID))
		}
	}
	return &s, nil
}

// CreateSession inserts a new session row
func (db *DB) CreateSession(ctx context.Context, s *models.EnvironmentSession) error {
	var answers interface{}
	if len(s.Answers) > 0 {
		b, err := json.Marshal(s.Answers)
		if err != nil {
			return fmt.Errorf("failed to marshal answers: %w", err)
		}
		answers = string(b)
	}

	query := `
		INSERT INTO sessions (
			id, user_id, scenario_version_id, event_id, team_id, status, resource_profile,
			machine_count, is_test, ttl_minutes, created_at, started_at, expires_at, stopped_at,
			reason_stopped, accumulated_cost, soft_limit_warned, client_ip, client_user_agent,
			last_activity_at, access_token_digest, score, answers, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`

	_, err := db.ExecContext(ctx, query,
		s.ID, s.UserID, s.ScenarioVersionID, nullIfEmpty(s.EventID), nullIfEmpty(s.TeamID),
		string(s.Status), string(s.ResourceProfile), s.MachineCount, s.IsTest, s.TTLMinutes,
		s.CreatedAt.UTC(), utcPtr(s.StartedAt), utcPtr(s.ExpiresAt), utcPtr(s.StoppedAt),
		nullIfEmpty(s.ReasonStopped), s.AccumulatedCost, s.SoftLimitWarned,
		nullIfEmpty(s.ClientIP), nullIfEmpty(s.ClientUserAgent), s.LastActivityAt.UTC(),
		nullIfEmpty(s.AccessTokenDigest), s.Score, answers, s.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session row without its topology or events
func (db *DB) GetSession(ctx context.Context, id string) (*models.EnvironmentSession, error) {
	row := db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id)
	s, err := db.scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// TransitionSession moves a session from one status to another. The update only
// applies when the row is still in `from`; otherwise ErrStaleState is returned.
// A non-empty reason is recorded as the stop reason.
func (db *DB) TransitionSession(ctx context.Context, id string, from, to models.SessionStatus, reason string) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if reason == "" {
		res, err = db.ExecContext(ctx,
			`UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
			string(to), now, id, string(from))
	} else {
		res, err = db.ExecContext(ctx,
			`UPDATE sessions SET status = $1, reason_stopped = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
			string(to), reason, now, id, string(from))
	}
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return db.expectOne(ctx, res, id)
}

// MarkSessionStarting moves a created session to starting and stamps startedAt
func (db *DB) MarkSessionStarting(ctx context.Context, id string, startedAt time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET status = $1, started_at = $2, last_activity_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		string(models.StatusStarting), startedAt.UTC(), startedAt.UTC(), startedAt.UTC(),
		id, string(models.StatusCreated))
	if err != nil {
		return fmt.Errorf("failed to mark session starting: %w", err)
	}
	return db.expectOne(ctx, res, id)
}

// MarkSessionRunning moves a starting session to running and records its expiry
// and the digest of its access token.
func (db *DB) MarkSessionRunning(ctx context.Context, id string, expiresAt time.Time, tokenDigest string) error {
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET status = $1, expires_at = $2, access_token_digest = $3,
			last_activity_at = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(models.StatusRunning), expiresAt.UTC(), nullIfEmpty(tokenDigest), now, now,
		id, string(models.StatusStarting))
	if err != nil {
		return fmt.Errorf("failed to mark session running: %w", err)
	}
	return db.expectOne(ctx, res, id)
}

// TerminateSession marks a session terminated and records its usage in the same
// transaction. It returns false when the session was already terminated, in
// which case nothing is written.
func (db *DB) TerminateSession(ctx context.Context, id, reason string, stoppedAt time.Time, usage models.UsageDelta) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = $1, stopped_at = $2, reason_stopped = $3,
			accumulated_cost = $4, updated_at = $5
		WHERE id = $6 AND status <> $7`,
		string(models.StatusTerminated), stoppedAt.UTC(), reason, usage.Cost, stoppedAt.UTC(),
		id, string(models.StatusTerminated))
	if err != nil {
		return false, fmt.Errorf("failed to terminate session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := recordUsage(ctx, tx, usage); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit termination: %w", err)
	}
	return true, nil
}

// TouchSession records activity on a running or paused session
func (db *DB) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = $1, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)`,
		at.UTC(), at.UTC(), id, string(models.StatusRunning), string(models.StatusPaused))
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return db.expectOne(ctx, res, id)
}

// UpdateSessionProgress stores exercise progress reported by the scoring collaborator
func (db *DB) UpdateSessionProgress(ctx context.Context, id string, score int, answers map[string]string) error {
	b, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET score = $1, answers = $2, updated_at = $3 WHERE id = $4`,
		score, string(b), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session progress: %w", err)
	}
	return db.expectOne(ctx, res, id)
}

// ListSessionsByStatus returns every session in one of the given statuses, oldest first
func (db *DB) ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]*models.EnvironmentSession, error) {
	in, args := inClause(1, statusStrings(statuses)...)
	return db.listSessions(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE status IN ("+in+") ORDER BY created_at ASC", args...)
}

// ListUserSessions returns a user's sessions in the given statuses, oldest first
func (db *DB) ListUserSessions(ctx context.Context, userID string, statuses ...models.SessionStatus) ([]*models.EnvironmentSession, error) {
	in, args := inClause(2, statusStrings(statuses)...)
	args = append([]interface{}{userID}, args...)
	return db.listSessions(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE user_id = $1 AND status IN ("+in+") ORDER BY created_at ASC", args...)
}

// FindUserScenarioSession returns the newest session of a user for a scenario
// version in one of the given statuses
func (db *DB) FindUserScenarioSession(ctx context.Context, userID, scenarioVersionID string, statuses ...models.SessionStatus) (*models.EnvironmentSession, error) {
	in, args := inClause(3, statusStrings(statuses)...)
	args = append([]interface{}{userID, scenarioVersionID}, args...)
	row := db.QueryRowContext(ctx, "SELECT "+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND scenario_version_id = $2 AND status IN (`+in+`)
		ORDER BY created_at DESC LIMIT 1`, args...)
	s, err := db.scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

// CountSessionsByStatus counts all sessions in the given statuses
func (db *DB) CountSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) (int, error) {
	in, args := inClause(1, statusStrings(statuses)...)
	return db.count(ctx, "SELECT COUNT(*) FROM sessions WHERE status IN ("+in+")", args...)
}

// CountUserSessionsByStatus counts a user's sessions in the given statuses
func (db *DB) CountUserSessionsByStatus(ctx context.Context, userID string, statuses ...models.SessionStatus) (int, error) {
	in, args := inClause(2, statusStrings(statuses)...)
	args = append([]interface{}{userID}, args...)
	return db.count(ctx, "SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND status IN ("+in+")", args...)
}

// CountUserSessionsSince counts sessions a user created at or after since
func (db *DB) CountUserSessionsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return db.count(ctx, "SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND created_at >= $2", userID, since.UTC())
}

// CountScenarioSessionsByStatus counts sessions of a scenario version in the given statuses
func (db *DB) CountScenarioSessionsByStatus(ctx context.Context, scenarioVersionID string, statuses ...models.SessionStatus) (int, error) {
	in, args := inClause(2, statusStrings(statuses)...)
	args = append([]interface{}{scenarioVersionID}, args...)
	return db.count(ctx, "SELECT COUNT(*) FROM sessions WHERE scenario_version_id = $1 AND status IN ("+in+")", args...)
}

// CountUserDistinctScenarios counts distinct scenario versions a user has sessions for in the given statuses
func (db *DB) CountUserDistinctScenarios(ctx context.Context, userID string, statuses ...models.SessionStatus) (int, error) {
	in, args := inClause(2, statusStrings(statuses)...)
	args = append([]interface{}{userID}, args...)
	return db.count(ctx, "SELECT COUNT(DISTINCT scenario_version_id) FROM sessions WHERE user_id = $1 AND status IN ("+in+")", args...)
}

func (db *DB) listSessions(ctx context.Context, query string, args ...interface{}) ([]*models.EnvironmentSession, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.EnvironmentSession
	for rows.Next() {
		s, err := db.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (db *DB) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return n, nil
}

// expectOne turns a zero-row conditional update into ErrNotFound or ErrStaleState
func (db *DB) expectOne(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	exists, err := db.count(ctx, "SELECT COUNT(*) FROM sessions WHERE id = $1", id)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("session %s: %w", id, ErrStaleState)
}

func statusStrings(statuses []models.SessionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
