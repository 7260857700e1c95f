package models

import "time"

// UsageDaily is one row of the daily usage ledger
type UsageDaily struct {
	Date          string                      `json:"date"`
	ProfileHours  map[ResourceProfile]float64 `json:"profile_hours"`
	SessionCount  int                         `json:"session_count"`
	EstimatedCost float64                     `json:"estimated_cost"`
}

// UsageDelta is the contribution of one terminated session to the ledger
type UsageDelta struct {
	Date    string
	Profile ResourceProfile
	Hours   float64
	Cost    float64
}

// BudgetState is the durable part of the budget monitor's state
type BudgetState struct {
	MonthlyLimitOverride *float64   `json:"monthly_limit_override,omitempty"`
	GraceActive          bool       `json:"grace_active"`
	GraceStartedAt       *time.Time `json:"grace_started_at,omitempty"`
	Version              int        `json:"version"`
}

// CostReport summarises current spend against configured limits
type CostReport struct {
	GeneratedAt        time.Time  `json:"generated_at"`
	TodayCost          float64    `json:"today_cost"`
	MonthCost          float64    `json:"month_cost"`
	DailyLimit         float64    `json:"daily_limit"`
	MonthlyLimit       float64    `json:"monthly_limit"`
	DailyPercent       float64    `json:"daily_percent"`
	MonthlyPercent     float64    `json:"monthly_percent"`
	ProjectedMonthCost float64    `json:"projected_month_cost"`
	GraceActive        bool       `json:"grace_active"`
	GraceDeadline      *time.Time `json:"grace_deadline,omitempty"`
}
