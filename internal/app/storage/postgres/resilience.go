package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/resaleflow/automation-core/internal/app/domain/auditlog"
	"github.com/resaleflow/automation-core/internal/app/domain/circuit"
	"github.com/resaleflow/automation-core/internal/app/domain/deadletter"
	"github.com/resaleflow/automation-core/internal/app/domain/failure"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/ratelimit"
	"github.com/resaleflow/automation-core/internal/app/domain/retry"
	"github.com/resaleflow/automation-core/internal/app/storage"
)

func (s *Store) AppendLog(ctx context.Context, e auditlog.Entry) (auditlog.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_logs (id, user_id, rule_id, schedule_id, marketplace, action,
			status, error_kind, reason, duration_ms, session_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.UserID, e.RuleID, e.ScheduleID, string(e.Marketplace), e.Action,
		string(e.Status), e.ErrorKind, e.Reason, e.Duration.Milliseconds(), e.SessionID, e.CreatedAt)
	return e, err
}

func (s *Store) ListLogsForRule(ctx context.Context, ruleID string, limit int) ([]auditlog.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, rule_id, schedule_id, marketplace, action, status, error_kind,
			reason, duration_ms, session_id, created_at
		FROM automation_logs WHERE rule_id = $1 ORDER BY created_at DESC LIMIT $2
	`, ruleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auditlog.Entry
	for rows.Next() {
		var e auditlog.Entry
		var mktStr, status string
		var durationMs sql.NullInt64
		var userID, scheduleID, errorKind, reason, sessionID sql.NullString
		if err := rows.Scan(&e.ID, &userID, &e.RuleID, &scheduleID, &mktStr, &e.Action,
			&status, &errorKind, &reason, &durationMs, &sessionID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.UserID = userID.String
		e.ScheduleID = scheduleID.String
		e.Marketplace = marketplace.Tag(mktStr)
		e.Status = auditlog.Status(status)
		e.ErrorKind = errorKind.String
		e.Reason = reason.String
		e.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		e.SessionID = sessionID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetCounter(ctx context.Context, mkt marketplace.Tag, userID string, window ratelimit.WindowType, windowStart time.Time) (ratelimit.Counter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT marketplace, user_id, window_type, window_start, requests, successes, failures,
			cap, blocked, reset_at
		FROM rate_limit_counters WHERE marketplace = $1 AND user_id = $2 AND window_type = $3 AND window_start = $4
	`, string(mkt), userID, string(window), windowStart)

	var c ratelimit.Counter
	var mktStr, windowStr string
	var resetAt sql.NullTime
	if err := row.Scan(&mktStr, &c.UserID, &windowStr, &c.WindowStart, &c.Requests, &c.Successes,
		&c.Failures, &c.Cap, &c.Blocked, &resetAt); err != nil {
		if err == sql.ErrNoRows {
			return ratelimit.Counter{}, storage.ErrNotFound
		}
		return ratelimit.Counter{}, err
	}
	c.Marketplace = marketplace.Tag(mktStr)
	c.Window = ratelimit.WindowType(windowStr)
	c.ResetAt = fromNullTime(resetAt)
	return c, nil
}

func (s *Store) UpsertCounter(ctx context.Context, c ratelimit.Counter) (ratelimit.Counter, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_counters (marketplace, user_id, window_type, window_start, requests,
			successes, failures, cap, blocked, reset_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (marketplace, user_id, window_type, window_start) DO UPDATE SET
			requests = EXCLUDED.requests, successes = EXCLUDED.successes, failures = EXCLUDED.failures,
			cap = EXCLUDED.cap, blocked = EXCLUDED.blocked, reset_at = EXCLUDED.reset_at
	`, string(c.Marketplace), c.UserID, string(c.Window), c.WindowStart, c.Requests,
		c.Successes, c.Failures, c.Cap, c.Blocked, toNullTime(c.ResetAt))
	if err != nil {
		return ratelimit.Counter{}, err
	}
	return s.GetCounter(ctx, c.Marketplace, c.UserID, c.Window, c.WindowStart)
}

// IncrementCounter bumps a window's counts in a single UPSERT statement so
// concurrent connections cannot jointly overshoot the window's cap (spec.md
// §4.3: "All increments are transactional"); Postgres serializes the
// conflicting INSERTs on the row's unique index rather than requiring an
// explicit transaction here.
func (s *Store) IncrementCounter(ctx context.Context, mkt marketplace.Tag, userID string, window ratelimit.WindowType, windowStart time.Time, windowCap int, resetAt time.Time, success bool) (ratelimit.Counter, error) {
	successInc, failInc := 0, 0
	if success {
		successInc = 1
	} else {
		failInc = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_counters (marketplace, user_id, window_type, window_start, requests,
			successes, failures, cap, blocked, reset_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6, $7, false, $8)
		ON CONFLICT (marketplace, user_id, window_type, window_start) DO UPDATE SET
			requests = rate_limit_counters.requests + 1,
			successes = rate_limit_counters.successes + EXCLUDED.successes,
			failures = rate_limit_counters.failures + EXCLUDED.failures,
			blocked = (rate_limit_counters.requests + 1) >= rate_limit_counters.cap
	`, string(mkt), userID, string(window), windowStart, successInc, failInc, windowCap, toNullTime(resetAt))
	if err != nil {
		return ratelimit.Counter{}, err
	}
	return s.GetCounter(ctx, mkt, userID, window, windowStart)
}

func (s *Store) LastRequestAt(ctx context.Context, mkt marketplace.Tag, userID string) (time.Time, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT last_request_at FROM rate_limit_last_request WHERE marketplace = $1 AND user_id = $2
	`, string(mkt), userID).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromNullTime(at), nil
}

func (s *Store) RecordRequestTime(ctx context.Context, mkt marketplace.Tag, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_last_request (marketplace, user_id, last_request_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (marketplace, user_id) DO UPDATE SET last_request_at = EXCLUDED.last_request_at
	`, string(mkt), userID, at)
	return err
}

func (s *Store) GetCircuit(ctx context.Context, mkt marketplace.Tag) (circuit.State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT marketplace, phase, failure_count, success_count, opened_at, next_retry_allowed_at,
			failure_threshold, recovery_threshold, half_open_max_requests, timeout_ms, updated_at
		FROM circuit_breaker_status WHERE marketplace = $1
	`, string(mkt))

	var c circuit.State
	var mktStr, phase string
	var openedAt, nextRetry sql.NullTime
	var timeoutMs int64
	if err := row.Scan(&mktStr, &phase, &c.FailureCount, &c.SuccessCount, &openedAt, &nextRetry,
		&c.FailureThreshold, &c.RecoveryThreshold, &c.HalfOpenMaxReqs, &timeoutMs, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return circuit.State{}, storage.ErrNotFound
		}
		return circuit.State{}, err
	}
	c.Marketplace = marketplace.Tag(mktStr)
	c.Phase = circuit.Phase(phase)
	c.OpenedAt = fromNullTime(openedAt)
	c.NextRetryAllowedAt = fromNullTime(nextRetry)
	c.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return c, nil
}

func (s *Store) UpsertCircuit(ctx context.Context, c circuit.State) (circuit.State, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breaker_status (marketplace, phase, failure_count, success_count,
			opened_at, next_retry_allowed_at, failure_threshold, recovery_threshold,
			half_open_max_requests, timeout_ms, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (marketplace) DO UPDATE SET
			phase = EXCLUDED.phase, failure_count = EXCLUDED.failure_count,
			success_count = EXCLUDED.success_count, opened_at = EXCLUDED.opened_at,
			next_retry_allowed_at = EXCLUDED.next_retry_allowed_at,
			failure_threshold = EXCLUDED.failure_threshold, recovery_threshold = EXCLUDED.recovery_threshold,
			half_open_max_requests = EXCLUDED.half_open_max_requests, timeout_ms = EXCLUDED.timeout_ms,
			updated_at = now()
	`, string(c.Marketplace), string(c.Phase), c.FailureCount, c.SuccessCount,
		toNullTime(c.OpenedAt), toNullTime(c.NextRetryAllowedAt), c.FailureThreshold, c.RecoveryThreshold,
		c.HalfOpenMaxReqs, c.Timeout.Milliseconds())
	if err != nil {
		return circuit.State{}, err
	}
	return s.GetCircuit(ctx, c.Marketplace)
}

func (s *Store) AppendRetry(ctx context.Context, e retry.Entry) (retry.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_history (id, job_id, attempt_number, category, error_code, error_message,
			delay_ms, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.JobID, e.AttemptNumber, string(e.Category), e.ErrorCode, e.ErrorMessage,
		e.Delay.Milliseconds(), toNullTime(e.NextRetryAt), e.CreatedAt)
	return e, err
}

func (s *Store) ListRetriesForJob(ctx context.Context, jobID string) ([]retry.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, attempt_number, category, error_code, error_message, delay_ms,
			next_retry_at, created_at
		FROM retry_history WHERE job_id = $1 ORDER BY attempt_number
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []retry.Entry
	for rows.Next() {
		var e retry.Entry
		var category string
		var delayMs sql.NullInt64
		var nextRetryAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.JobID, &e.AttemptNumber, &category, &e.ErrorCode, &e.ErrorMessage,
			&delayMs, &nextRetryAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Category = failure.Category(category)
		e.Delay = time.Duration(delayMs.Int64) * time.Millisecond
		e.NextRetryAt = fromNullTime(nextRetryAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateDeadLetter(ctx context.Context, e deadletter.Entry) (deadletter.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	jobData, err := json.Marshal(e.JobData)
	if err != nil {
		return deadletter.Entry{}, err
	}
	history, err := json.Marshal(e.FailureHistory)
	if err != nil {
		return deadletter.Entry{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letter_queue (id, original_job_id, job_type, job_data, final_category,
			total_attempts, first_failure_at, last_failure_at, failure_history, resolution_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.OriginalJobID, e.JobType, jobData, string(e.FinalCategory), e.TotalAttempts,
		toNullTime(e.FirstFailureAt), toNullTime(e.LastFailureAt), history, string(e.ResolutionStatus), e.CreatedAt)
	return e, err
}

func (s *Store) ListDeadLetters(ctx context.Context) ([]deadletter.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_job_id, job_type, job_data, final_category, total_attempts,
			first_failure_at, last_failure_at, failure_history, resolution_status, created_at
		FROM dead_letter_queue ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []deadletter.Entry
	for rows.Next() {
		var e deadletter.Entry
		var category, resolution string
		var jobData, history []byte
		var firstFailure, lastFailure sql.NullTime
		if err := rows.Scan(&e.ID, &e.OriginalJobID, &e.JobType, &jobData, &category, &e.TotalAttempts,
			&firstFailure, &lastFailure, &history, &resolution, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FinalCategory = failure.Category(category)
		e.ResolutionStatus = deadletter.ResolutionStatus(resolution)
		e.FirstFailureAt = fromNullTime(firstFailure)
		e.LastFailureAt = fromNullTime(lastFailure)
		if len(jobData) > 0 {
			if err := json.Unmarshal(jobData, &e.JobData); err != nil {
				return nil, err
			}
		}
		if len(history) > 0 {
			if err := json.Unmarshal(history, &e.FailureHistory); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ResolveDeadLetter(ctx context.Context, id string, status deadletter.ResolutionStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE dead_letter_queue SET resolution_status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}
