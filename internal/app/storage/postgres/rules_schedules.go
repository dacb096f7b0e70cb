package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/rule"
	"github.com/resaleflow/automation-core/internal/app/domain/schedule"
	"github.com/resaleflow/automation-core/internal/app/storage"
)

func (s *Store) CreateRule(ctx context.Context, r rule.Rule) (rule.Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return rule.Rule{}, err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_rules (id, user_id, marketplace, rule_type, rule_config, enabled,
			total_count, success_count, fail_count, last_executed_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, r.ID, r.UserID, string(r.Marketplace), string(r.Type), cfg, r.Enabled,
		r.Counters.Total, r.Counters.Success, r.Counters.Fail, toNullTime(r.LastExecutedAt), r.LastError, now)
	if err != nil {
		return rule.Rule{}, err
	}
	return s.GetRule(ctx, r.ID)
}

func (s *Store) UpdateRule(ctx context.Context, r rule.Rule) (rule.Rule, error) {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return rule.Rule{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules SET
			marketplace = $2, rule_type = $3, rule_config = $4, enabled = $5,
			total_count = $6, success_count = $7, fail_count = $8,
			last_executed_at = $9, last_error = $10, updated_at = now()
		WHERE id = $1
	`, r.ID, string(r.Marketplace), string(r.Type), cfg, r.Enabled,
		r.Counters.Total, r.Counters.Success, r.Counters.Fail, toNullTime(r.LastExecutedAt), r.LastError)
	if err != nil {
		return rule.Rule{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return rule.Rule{}, storage.ErrNotFound
	}
	return s.GetRule(ctx, r.ID)
}

func (s *Store) GetRule(ctx context.Context, id string) (rule.Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, marketplace, rule_type, rule_config, enabled,
			total_count, success_count, fail_count, last_executed_at, last_error, created_at, updated_at
		FROM automation_rules WHERE id = $1
	`, id)
	return scanRule(row)
}

func (s *Store) ListRules(ctx context.Context, userID string) ([]rule.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, marketplace, rule_type, rule_config, enabled,
			total_count, success_count, fail_count, last_executed_at, last_error, created_at, updated_at
		FROM automation_rules WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rule.Rule
	for rows.Next() {
		r, err := scanRuleRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DisableRule(ctx context.Context, id string, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules SET enabled = false, last_error = $2, updated_at = now() WHERE id = $1
	`, id, reason)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (rule.Rule, error) {
	var r rule.Rule
	var mktStr, typeStr string
	var cfg []byte
	var lastExecuted sql.NullTime
	var lastError sql.NullString
	if err := row.Scan(&r.ID, &r.UserID, &mktStr, &typeStr, &cfg, &r.Enabled,
		&r.Counters.Total, &r.Counters.Success, &r.Counters.Fail,
		&lastExecuted, &lastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return rule.Rule{}, storage.ErrNotFound
		}
		return rule.Rule{}, err
	}
	r.Marketplace = marketplace.Tag(mktStr)
	r.Type = rule.Type(typeStr)
	r.LastExecutedAt = fromNullTime(lastExecuted)
	r.LastError = lastError.String
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &r.Config); err != nil {
			return rule.Rule{}, err
		}
	}
	return r, nil
}

func scanRuleRows(rows *sql.Rows) (rule.Rule, error) {
	return scanRule(rows)
}

func (s *Store) CreateSchedule(ctx context.Context, sch schedule.Schedule) (schedule.Schedule, error) {
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_schedules (id, rule_id, schedule_type, cron_expr, timezone,
			interval_minutes, interval_seconds, hours, active, start_date, end_date,
			max_executions, execution_count, last_run_at, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now(), now())
	`, sch.ID, sch.RuleID, string(sch.Type), sch.CronExpr, sch.Timezone,
		sch.IntervalMinutes, sch.IntervalSeconds, pq.Array(sch.Hours), sch.Active,
		toNullTime(sch.StartDate), toNullTime(sch.EndDate), sch.MaxExecutions, sch.ExecutionCount,
		toNullTime(sch.LastRunAt), toNullTime(sch.NextRunAt))
	if err != nil {
		return schedule.Schedule{}, err
	}
	return s.GetSchedule(ctx, sch.ID)
}

func (s *Store) UpdateSchedule(ctx context.Context, sch schedule.Schedule) (schedule.Schedule, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_schedules SET
			schedule_type = $2, cron_expr = $3, timezone = $4, interval_minutes = $5,
			interval_seconds = $6, hours = $7, active = $8, start_date = $9, end_date = $10,
			max_executions = $11, execution_count = $12, last_run_at = $13, next_run_at = $14,
			updated_at = now()
		WHERE id = $1
	`, sch.ID, string(sch.Type), sch.CronExpr, sch.Timezone, sch.IntervalMinutes,
		sch.IntervalSeconds, pq.Array(sch.Hours), sch.Active, toNullTime(sch.StartDate), toNullTime(sch.EndDate),
		sch.MaxExecutions, sch.ExecutionCount, toNullTime(sch.LastRunAt), toNullTime(sch.NextRunAt))
	if err != nil {
		return schedule.Schedule{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return schedule.Schedule{}, storage.ErrNotFound
	}
	return s.GetSchedule(ctx, sch.ID)
}

func (s *Store) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelect+` WHERE id = $1`, id)
	return scanSchedule(row)
}

func (s *Store) ListSchedulesForRule(ctx context.Context, ruleID string) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+` WHERE rule_id = $1 ORDER BY created_at`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *Store) ListActiveSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+` WHERE active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *Store) DeactivateSchedulesForRule(ctx context.Context, ruleID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE automation_schedules SET active = false, updated_at = now() WHERE rule_id = $1`, ruleID)
	return err
}

func (s *Store) DeactivateAllSchedules(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE automation_schedules SET active = false, updated_at = now() WHERE active = true`)
	return err
}

const scheduleSelect = `
	SELECT id, rule_id, schedule_type, cron_expr, timezone, interval_minutes, interval_seconds,
		hours, active, start_date, end_date, max_executions, execution_count, last_run_at,
		next_run_at, created_at, updated_at
	FROM automation_schedules`

func scanSchedule(row rowScanner) (schedule.Schedule, error) {
	var sch schedule.Schedule
	var typeStr string
	var cronExpr, timezone sql.NullString
	var intervalMinutes, intervalSeconds, maxExecutions sql.NullInt64
	var hours []int64
	var startDate, endDate, lastRunAt, nextRunAt sql.NullTime
	if err := row.Scan(&sch.ID, &sch.RuleID, &typeStr, &cronExpr, &timezone,
		&intervalMinutes, &intervalSeconds, pq.Array(&hours), &sch.Active, &startDate, &endDate,
		&maxExecutions, &sch.ExecutionCount, &lastRunAt, &nextRunAt, &sch.CreatedAt, &sch.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return schedule.Schedule{}, storage.ErrNotFound
		}
		return schedule.Schedule{}, err
	}
	sch.Type = schedule.Type(typeStr)
	sch.CronExpr = cronExpr.String
	sch.Timezone = timezone.String
	sch.IntervalMinutes = int(intervalMinutes.Int64)
	sch.IntervalSeconds = int(intervalSeconds.Int64)
	sch.Hours = make([]int, len(hours))
	for i, h := range hours {
		sch.Hours[i] = int(h)
	}
	sch.StartDate = fromNullTime(startDate)
	sch.EndDate = fromNullTime(endDate)
	sch.MaxExecutions = int(maxExecutions.Int64)
	sch.LastRunAt = fromNullTime(lastRunAt)
	sch.NextRunAt = fromNullTime(nextRunAt)
	return sch, nil
}

func scanSchedules(rows *sql.Rows) ([]schedule.Schedule, error) {
	var out []schedule.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}
