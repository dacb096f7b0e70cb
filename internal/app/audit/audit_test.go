package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resaleflow/automation-core/internal/app/domain/auditlog"
	"github.com/resaleflow/automation-core/internal/app/storage"
)

func TestAppendFillsIDAndTimestamp(t *testing.T) {
	store := storage.NewMemory()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	l := New(store, nil).WithClock(func() time.Time { return now })

	entry, err := l.Append(context.Background(), Record{UserID: "u1", RuleID: "r1", Marketplace: "poshmark", Action: "auto_share", Status: auditlog.StatusSuccess})
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)
	require.Equal(t, now, entry.CreatedAt)
}

func TestEmergencyStoppedRecordsSkipReason(t *testing.T) {
	store := storage.NewMemory()
	l := New(store, nil)

	entry, err := l.EmergencyStopped(context.Background(), "u1", "r1", "poshmark", "auto_share")
	require.NoError(t, err)
	require.Equal(t, auditlog.StatusSkipped, entry.Status)
	require.Equal(t, auditlog.ReasonEmergencyStop, entry.Reason)
}

// TestHistoryOrdersNewestFirstAndIsolatesByRule ensures the append-only log
// can be replayed per-rule without leaking another rule's entries, and that
// ordering matches insertion order reversed (newest first).
func TestHistoryOrdersNewestFirstAndIsolatesByRule(t *testing.T) {
	store := storage.NewMemory()
	l := New(store, nil)
	ctx := context.Background()

	_, err := l.Append(ctx, Record{RuleID: "r1", Action: "auto_share", Status: auditlog.StatusSuccess, Reason: "first"})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{RuleID: "r2", Action: "auto_bump", Status: auditlog.StatusSuccess, Reason: "other-rule"})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{RuleID: "r1", Action: "auto_share", Status: auditlog.StatusFailed, Reason: "second"})
	require.NoError(t, err)

	history, err := l.History(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "second", history[0].Reason)
	require.Equal(t, "first", history[1].Reason)
}

func TestHistoryRespectsLimit(t *testing.T) {
	store := storage.NewMemory()
	l := New(store, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, Record{RuleID: "r1", Status: auditlog.StatusSuccess})
		require.NoError(t, err)
	}
	history, err := l.History(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
}
