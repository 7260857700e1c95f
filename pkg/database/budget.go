package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sciffer/labrange/pkg/models"
)

const budgetStateID = 1

// SettingMaintenanceMode is the system_settings key of the maintenance toggle
const SettingMaintenanceMode = "maintenance_mode"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func recordUsage(ctx context.Context, ex execer, usage models.UsageDelta) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO usage_daily (usage_date, resource_profile, hours, session_count, estimated_cost)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (usage_date, resource_profile) DO UPDATE SET
			hours = usage_daily.hours + EXCLUDED.hours,
			session_count = usage_daily.session_count + 1,
			estimated_cost = usage_daily.estimated_cost + EXCLUDED.estimated_cost`,
		usage.Date, string(usage.Profile), usage.Hours, usage.Cost)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// GetUsageDaily returns the ledger row for one date (YYYY-MM-DD). Missing dates yield an empty row.
func (db *DB) GetUsageDaily(ctx context.Context, date string) (*models.UsageDaily, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT resource_profile, hours, session_count, estimated_cost
		FROM usage_daily WHERE usage_date = $1`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	defer rows.Close()

	u := &models.UsageDaily{Date: date, ProfileHours: map[models.ResourceProfile]float64{}}
	for rows.Next() {
		var profile string
		var hours, cost float64
		var count int
		if err := rows.Scan(&profile, &hours, &count, &cost); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		u.ProfileHours[models.ResourceProfile(profile)] += hours
		u.SessionCount += count
		u.EstimatedCost += cost
	}
	return u, rows.Err()
}

// SumUsageCost totals estimated cost over the inclusive date range [from, to]
func (db *DB) SumUsageCost(ctx context.Context, from, to string) (float64, error) {
	var total float64
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(estimated_cost), 0) FROM usage_daily WHERE usage_date >= $1 AND usage_date <= $2`,
		from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}

// GetBudgetState loads the persisted budget state, returning a zero state when none exists
func (db *DB) GetBudgetState(ctx context.Context) (*models.BudgetState, error) {
	var st models.BudgetState
	var override sql.NullFloat64
	err := db.QueryRowContext(ctx, `
		SELECT monthly_limit_override, grace_active, grace_started_at, version
		FROM budget_state WHERE id = $1`, budgetStateID).Scan(&override, &st.GraceActive, &st.GraceStartedAt, &st.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.BudgetState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget state: %w", err)
	}
	if override.Valid {
		v := override.Float64
		st.MonthlyLimitOverride = &v
	}
	return &st, nil
}

// SaveBudgetState writes the budget state if its version still matches the stored
// one and bumps the version. A concurrent writer yields ErrStaleState.
func (db *DB) SaveBudgetState(ctx context.Context, st *models.BudgetState) error {
	var override interface{}
	if st.MonthlyLimitOverride != nil {
		override = *st.MonthlyLimitOverride
	}
	now := time.Now().UTC()

	var res sql.Result
	var err error
	if st.Version == 0 {
		res, err = db.ExecContext(ctx, `
			INSERT INTO budget_state (id, monthly_limit_override, grace_active, grace_started_at, version, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5)
			ON CONFLICT (id) DO NOTHING`,
			budgetStateID, override, st.GraceActive, utcPtr(st.GraceStartedAt), now)
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE budget_state SET monthly_limit_override = $1, grace_active = $2, grace_started_at = $3,
				version = version + 1, updated_at = $4
			WHERE id = $5 AND version = $6`,
			override, st.GraceActive, utcPtr(st.GraceStartedAt), now, budgetStateID, st.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to save budget state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("budget state version %d: %w", st.Version, ErrStaleState)
	}
	st.Version++
	return nil
}

// GetSetting returns a system setting, or ErrNotFound
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return v, nil
}

// SetSetting upserts a system setting
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// MaintenanceMode reports the persisted maintenance toggle, falling back to def when unset
func (db *DB) MaintenanceMode(ctx context.Context, def bool) (bool, error) {
	v, err := db.GetSetting(ctx, SettingMaintenanceMode)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	on, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid maintenance setting %q: %w", v, err)
	}
	return on, nil
}

// SetMaintenanceMode persists the maintenance toggle
func (db *DB) SetMaintenanceMode(ctx context.Context, on bool) error {
	return db.SetSetting(ctx, SettingMaintenanceMode, strconv.FormatBool(on))
}

// MonthToDateCost totals the ledger from the first of now's UTC month through now's date
func (db *DB) MonthToDateCost(ctx context.Context, now time.Time) (float64, error) {
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return db.SumUsageCost(ctx, first.Format(dateLayout), now.Format(dateLayout))
}

// EffectiveMonthlyLimit returns the persisted monthly limit override, or def when none is set
func (db *DB) EffectiveMonthlyLimit(ctx context.Context, def float64) (float64, error) {
	st, err := db.GetBudgetState(ctx)
	if err != nil {
		return def, err
	}
	if st.MonthlyLimitOverride != nil {
		return *st.MonthlyLimitOverride, nil
	}
	return def, nil
}

const dateLayout = "2006-01-02"
