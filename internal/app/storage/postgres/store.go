// Package postgres implements storage.Store against a PostgreSQL record
// store using database/sql directly, following the same query style as the
// rest of this codebase: numbered placeholders, sql.NullTime for optional
// timestamps, uuid.NewString() for primary keys.
package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	core "github.com/resaleflow/automation-core/internal/app/core/service"
	"github.com/resaleflow/automation-core/internal/app/storage"
)

// Store wraps a *sql.DB and implements storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// connectRetryPolicy rides out a Postgres instance that is still coming up
// behind a fresh deployment (e.g. a container whose listener isn't accepting
// connections yet): sql.Open never dials, so PingContext is what actually
// needs the retry.
var connectRetryPolicy = core.RetryPolicy{
	Attempts:       5,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2,
}

// New opens a PostgreSQL connection pool using the given DSN and confirms it
// is reachable before returning, retrying transient dial failures.
func New(dsn string, maxOpen, maxIdle int, connMaxLifetimeSeconds int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connMaxLifetimeSeconds > 0 {
		db.SetConnMaxLifetime(time.Duration(connMaxLifetimeSeconds) * time.Second)
	}

	if err := core.Retry(context.Background(), connectRetryPolicy, func() error {
		return db.PingContext(context.Background())
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// ApplySchema creates every table this store touches if it does not already
// exist. Callers that manage migrations another way can skip it.
func (s *Store) ApplySchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

// Schema is the DDL for every table this store touches. ApplySchema runs it
// directly; callers with their own migration tool can run it there instead.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	plan_name TEXT,
	max_active_listings INT,
	max_actions_per_day INT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS marketplace_connections (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	marketplace TEXT NOT NULL,
	connected BOOLEAN NOT NULL DEFAULT false,
	access_credential TEXT,
	credential_expiry TIMESTAMPTZ,
	last_sync_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (user_id, marketplace)
);

CREATE TABLE IF NOT EXISTS listings (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL,
	price_cents BIGINT NOT NULL,
	quantity INT NOT NULL,
	category TEXT,
	brand TEXT,
	condition TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS listing_posts (
	id TEXT PRIMARY KEY,
	listing_id TEXT NOT NULL,
	marketplace TEXT NOT NULL,
	external_id TEXT,
	external_url TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS automation_rules (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	marketplace TEXT NOT NULL,
	rule_type TEXT NOT NULL,
	rule_config JSONB,
	enabled BOOLEAN NOT NULL DEFAULT true,
	total_count BIGINT NOT NULL DEFAULT 0,
	success_count BIGINT NOT NULL DEFAULT 0,
	fail_count BIGINT NOT NULL DEFAULT 0,
	last_executed_at TIMESTAMPTZ,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS automation_schedules (
	id TEXT PRIMARY KEY,
	rule_id TEXT NOT NULL,
	schedule_type TEXT NOT NULL,
	cron_expr TEXT,
	timezone TEXT,
	interval_minutes INT,
	interval_seconds INT,
	hours INT[],
	active BOOLEAN NOT NULL DEFAULT true,
	start_date TIMESTAMPTZ,
	end_date TIMESTAMPTZ,
	max_executions INT,
	execution_count INT NOT NULL DEFAULT 0,
	last_run_at TIMESTAMPTZ,
	next_run_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS automation_logs (
	id TEXT PRIMARY KEY,
	user_id TEXT,
	rule_id TEXT,
	schedule_id TEXT,
	marketplace TEXT,
	action TEXT,
	status TEXT NOT NULL,
	error_kind TEXT,
	reason TEXT,
	duration_ms BIGINT,
	session_id TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limit_counters (
	marketplace TEXT NOT NULL,
	user_id TEXT NOT NULL,
	window_type TEXT NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	requests INT NOT NULL DEFAULT 0,
	successes INT NOT NULL DEFAULT 0,
	failures INT NOT NULL DEFAULT 0,
	cap INT NOT NULL DEFAULT 0,
	blocked BOOLEAN NOT NULL DEFAULT false,
	reset_at TIMESTAMPTZ,
	PRIMARY KEY (marketplace, user_id, window_type, window_start)
);

CREATE TABLE IF NOT EXISTS rate_limit_last_request (
	marketplace TEXT NOT NULL,
	user_id TEXT NOT NULL,
	last_request_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (marketplace, user_id)
);

CREATE TABLE IF NOT EXISTS circuit_breaker_status (
	marketplace TEXT PRIMARY KEY,
	phase TEXT NOT NULL,
	failure_count INT NOT NULL DEFAULT 0,
	success_count INT NOT NULL DEFAULT 0,
	opened_at TIMESTAMPTZ,
	next_retry_allowed_at TIMESTAMPTZ,
	failure_threshold INT NOT NULL,
	recovery_threshold INT NOT NULL,
	half_open_max_requests INT NOT NULL,
	timeout_ms BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS retry_history (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	attempt_number INT NOT NULL,
	category TEXT NOT NULL,
	error_code TEXT,
	error_message TEXT,
	delay_ms BIGINT,
	next_retry_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id TEXT PRIMARY KEY,
	original_job_id TEXT NOT NULL,
	job_type TEXT,
	job_data JSONB,
	final_category TEXT NOT NULL,
	total_attempts INT NOT NULL,
	first_failure_at TIMESTAMPTZ,
	last_failure_at TIMESTAMPTZ,
	failure_history JSONB,
	resolution_status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_configurations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	marketplace TEXT NOT NULL,
	endpoint TEXT,
	secret TEXT,
	signature_algo TEXT,
	subscribed_events TEXT[],
	verified BOOLEAN NOT NULL DEFAULT false,
	error_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (user_id, marketplace)
);

CREATE TABLE IF NOT EXISTS webhook_events (
	id TEXT PRIMARY KEY,
	marketplace TEXT NOT NULL,
	external_event_id TEXT NOT NULL,
	raw_payload BYTEA,
	headers JSONB,
	signature_valid BOOLEAN NOT NULL DEFAULT false,
	status TEXT NOT NULL,
	duplicate_of TEXT,
	priority INT NOT NULL DEFAULT 0,
	kind TEXT,
	received_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	UNIQUE (marketplace, external_event_id)
);

CREATE TABLE IF NOT EXISTS polling_schedules (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	marketplace TEXT NOT NULL,
	interval_ms BIGINT NOT NULL,
	min_interval_ms BIGINT NOT NULL,
	max_interval_ms BIGINT NOT NULL,
	max_failures INT NOT NULL,
	consecutive_failures INT NOT NULL DEFAULT 0,
	disabled BOOLEAN NOT NULL DEFAULT false,
	last_poll_at TIMESTAMPTZ,
	last_poll_found_sale BOOLEAN NOT NULL DEFAULT false,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (user_id, marketplace)
);

CREATE TABLE IF NOT EXISTS cross_platform_sync_jobs (
	id TEXT PRIMARY KEY,
	listing_id TEXT NOT NULL,
	trigger_event_id TEXT NOT NULL,
	source_marketplace TEXT NOT NULL,
	targets TEXT[],
	outcomes JSONB,
	total INT NOT NULL,
	done INT NOT NULL DEFAULT 0,
	failed INT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
`
