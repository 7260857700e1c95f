package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sciffer/labrange/internal/config"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrStaleState is returned when a conditional update matched no row because
	// another writer changed it first
	ErrStaleState = errors.New("stale state")
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// DB wraps a database connection with driver information
type DB struct {
	*sql.DB
	driver string
	logger *zap.Logger
}

// Open connects to the configured database and applies migrations
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case driverPostgres:
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		logger.Info("connected to PostgreSQL database")
	default:
		path := cfg.Path
		if path == "" {
			path = "./labrange.db"
		}
		// modernc.org/sqlite uses "sqlite" as driver name and _pragma query parameters
		db, err = sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite database: %w", err)
		}
		// single writer; callers must not issue queries while iterating rows
		db.SetMaxOpenConns(1)
		logger.Info("connected to SQLite database", zap.String("path", path))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &DB{
		DB:     db,
		driver: cfg.Driver,
		logger: logger,
	}
	if database.driver != driverPostgres {
		database.driver = driverSQLite
	}

	if err := database.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return database, nil
}

// Driver returns the name of the underlying SQL driver
func (db *DB) Driver() string {
	return db.driver
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// Migrate runs database migrations
func (db *DB) Migrate() error {
	db.logger.Info("running database migrations")

	createVersionTable := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(createVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	db.logger.Info("current schema version", zap.Int("version", currentVersion))

	migrations := getMigrations()
	versions := make([]int, 0, len(migrations))
	for v := range migrations {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	for _, version := range versions {
		if version <= currentVersion {
			continue
		}

		db.logger.Info("applying migration", zap.Int("version", version))

		if _, err := db.Exec(migrations[version]); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", version, err)
		}

		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES ($1)", version); err != nil {
			return fmt.Errorf("failed to record migration version %d: %w", version, err)
		}

		db.logger.Info("migration applied successfully", zap.Int("version", version))
	}

	db.logger.Info("database migrations completed")
	return nil
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// getMigrations returns a map of version -> SQL migration
func getMigrations() map[int]string {
	return map[int]string{
		1: sessionsSchema,
		2: jobsSchema,
		3: budgetSchema,
		4: catalogSchema,
		5: jobsSeqUnique,
	}
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    scenario_version_id TEXT NOT NULL,
    event_id TEXT,
    team_id TEXT,
    status VARCHAR(32) NOT NULL,
    resource_profile VARCHAR(16) NOT NULL,
    machine_count INTEGER NOT NULL DEFAULT 0,
    is_test BOOLEAN NOT NULL DEFAULT FALSE,
    ttl_minutes INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    expires_at TIMESTAMP,
    stopped_at TIMESTAMP,
    reason_stopped TEXT,
    accumulated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    soft_limit_warned BOOLEAN NOT NULL DEFAULT FALSE,
    client_ip TEXT,
    client_user_agent TEXT,
    last_activity_at TIMESTAMP NOT NULL,
    access_token_digest TEXT,
    score INTEGER NOT NULL DEFAULT 0,
    answers TEXT,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_user_status ON sessions(user_id, status);
CREATE INDEX IF NOT EXISTS idx_sessions_user_created ON sessions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_scenario_status ON sessions(scenario_version_id, status);

CREATE TABLE IF NOT EXISTS session_events (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    event_type VARCHAR(64) NOT NULL,
    message TEXT NOT NULL,
    details TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, created_at);

CREATE TABLE IF NOT EXISTS network_topology (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    machine_name TEXT NOT NULL,
    machine_role VARCHAR(16) NOT NULL,
    network_group TEXT,
    task_ref TEXT NOT NULL,
    private_ip TEXT NOT NULL,
    subnet_id TEXT,
    security_group_id TEXT,
    network_interface_id TEXT,
    status VARCHAR(16) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
    UNIQUE(session_id, machine_name)
);

CREATE INDEX IF NOT EXISTS idx_topology_session ON network_topology(session_id);
`

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    seq BIGINT NOT NULL,
    type VARCHAR(64) NOT NULL,
    payload TEXT,
    status VARCHAR(16) NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    error TEXT,
    result TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_seq ON jobs(status, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_type_status ON jobs(type, status);
`

// Concurrent enqueues on postgres can read the same MAX(seq); the unique index
// turns that into a conflict the writer retries.
const jobsSeqUnique = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_seq ON jobs(seq);
`

const budgetSchema = `
CREATE TABLE IF NOT EXISTS usage_daily (
    usage_date VARCHAR(10) NOT NULL,
    resource_profile VARCHAR(16) NOT NULL,
    hours DOUBLE PRECISION NOT NULL DEFAULT 0,
    session_count INTEGER NOT NULL DEFAULT 0,
    estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (usage_date, resource_profile)
);

CREATE TABLE IF NOT EXISTS budget_state (
    id INTEGER PRIMARY KEY,
    monthly_limit_override DOUBLE PRECISION,
    grace_active BOOLEAN NOT NULL DEFAULT FALSE,
    grace_started_at TIMESTAMP,
    version INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS system_settings (
    key VARCHAR(64) PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const catalogSchema = `
CREATE TABLE IF NOT EXISTS scenario_versions (
    id TEXT PRIMARY KEY,
    scenario_id TEXT NOT NULL,
    title TEXT NOT NULL,
    status VARCHAR(16) NOT NULL,
    build_status VARCHAR(16),
    resource_profile VARCHAR(16) NOT NULL,
    estimated_ttl_minutes INTEGER NOT NULL DEFAULT 0,
    machines TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS event_registrations (
    event_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    team_id TEXT,
    registered_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (event_id, user_id)
);
`

// nullIfEmpty maps an empty string to SQL NULL
// isUniqueViolation reports whether err is a unique constraint failure on either driver
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// utcPtr normalises an optional timestamp to UTC
func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// inClause renders "$n, $n+1, ..." for values starting at placeholder index start
func inClause(start int, values ...string) (string, []interface{}) {
	placeholders := make([]string, len(values))
	args := make([]interface{}, len(values))
	for i, v := range values {
		placeholders[i] = fmt.Sprintf("$%d", start+i)
		args[i] = v
	}
	return strings.Join(placeholders, ", "), args
}
