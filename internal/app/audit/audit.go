// Package audit implements the Audit Log (C13): an append-only record of
// every firing attempt and the terminal state transitions (emergency stop,
// auto-disable) that accompany it.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	core "github.com/resaleflow/automation-core/internal/app/core/service"
	"github.com/resaleflow/automation-core/internal/app/domain/auditlog"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/storage"
	"github.com/resaleflow/automation-core/pkg/logger"
)

// Log is the Audit Log sink. It wraps an AuditLogStore and mirrors every
// entry to the structured logger, matching the teacher's pattern of logging
// at the boundary where a record is durably committed.
type Log struct {
	store storage.AuditLogStore
	log   *logger.Logger
	clock func() time.Time
}

// New builds a Log backed by store.
func New(store storage.AuditLogStore, log *logger.Logger) *Log {
	if log == nil {
		log = logger.NewDefault("audit-log")
	}
	return &Log{store: store, log: log, clock: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source, for deterministic tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Descriptor advertises placement for system.CollectDescriptors.
func (l *Log) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "audit-log",
		Domain:       "observability",
		Layer:        core.LayerData,
		Capabilities: []string{"append-only"},
	}
}

// Record is one firing outcome; Append turns it into an audit entry.
type Record struct {
	UserID      string
	RuleID      string
	ScheduleID  string
	Marketplace marketplace.Tag
	Action      string
	Status      auditlog.Status
	ErrorKind   string
	Reason      string
	Duration    time.Duration
	SessionID   string
}

// Append persists one audit entry, filling in ID and CreatedAt.
func (l *Log) Append(ctx context.Context, r Record) (auditlog.Entry, error) {
	entry := auditlog.Entry{
		ID:          uuid.NewString(),
		UserID:      r.UserID,
		RuleID:      r.RuleID,
		ScheduleID:  r.ScheduleID,
		Marketplace: r.Marketplace,
		Action:      r.Action,
		Status:      r.Status,
		ErrorKind:   r.ErrorKind,
		Reason:      r.Reason,
		Duration:    r.Duration,
		SessionID:   r.SessionID,
		CreatedAt:   l.clock(),
	}
	created, err := l.store.AppendLog(ctx, entry)
	if err != nil {
		l.log.WithField("rule_id", r.RuleID).WithField("status", string(r.Status)).WithError(err).Error("audit log append failed")
		return auditlog.Entry{}, err
	}

	fields := l.log.WithField("rule_id", r.RuleID).
		WithField("user_id", r.UserID).
		WithField("marketplace", string(r.Marketplace)).
		WithField("action", r.Action).
		WithField("status", string(r.Status))
	if r.Reason != "" {
		fields = fields.WithField("reason", r.Reason)
	}
	switch r.Status {
	case auditlog.StatusFailed:
		fields.Warn("firing failed")
	case auditlog.StatusRateLimited:
		fields.Warn("firing rate limited")
	default:
		fields.Info("firing recorded")
	}

	return created, nil
}

// EmergencyStopped records a skipped firing whose cause was the process-wide
// emergency stop flag (spec.md §7: "Emergency stop produces status=skipped
// with reason emergency_stop").
func (l *Log) EmergencyStopped(ctx context.Context, userID, ruleID string, mkt marketplace.Tag, action string) (auditlog.Entry, error) {
	return l.Append(ctx, Record{
		UserID:      userID,
		RuleID:      ruleID,
		Marketplace: mkt,
		Action:      action,
		Status:      auditlog.StatusSkipped,
		Reason:      auditlog.ReasonEmergencyStop,
	})
}

// History returns the most recent entries for a rule, newest first. limit is
// clamped to the standard page-size bounds so a caller-supplied 0 or an
// unreasonably large value can't turn into an unbounded store scan.
func (l *Log) History(ctx context.Context, ruleID string, limit int) ([]auditlog.Entry, error) {
	limit = core.ClampLimit(limit, core.DefaultListLimit, core.MaxListLimit)
	return l.store.ListLogsForRule(ctx, ruleID, limit)
}
