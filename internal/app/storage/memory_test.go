package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/ratelimit"
	"github.com/resaleflow/automation-core/internal/app/domain/rule"
	syncdomain "github.com/resaleflow/automation-core/internal/app/domain/sync"
	"github.com/resaleflow/automation-core/internal/app/domain/webhook"
)

func TestRuleCreateUpdateGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	created, err := m.CreateRule(ctx, rule.Rule{UserID: "u1", Marketplace: "poshmark", Type: rule.TypeAutoShare, Enabled: true})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	created.Enabled = false
	updated, err := m.UpdateRule(ctx, created)
	require.NoError(t, err)
	require.False(t, updated.Enabled)
	require.Equal(t, created.CreatedAt, updated.CreatedAt)

	fetched, err := m.GetRule(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, fetched.Enabled)
}

func TestUpdateRuleMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.UpdateRule(ctx, rule.Rule{ID: "missing"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestActiveSyncJobUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job, err := m.CreateSyncJob(ctx, syncdomain.Job{ListingID: "listing-1", TriggerEventID: "evt-1", Status: syncdomain.StatusProcessing})
	require.NoError(t, err)

	_, found, err := m.ActiveSyncJob(ctx, "listing-1", "evt-1")
	require.NoError(t, err)
	require.True(t, found)

	job.Status = syncdomain.StatusCompleted
	_, err = m.UpdateSyncJob(ctx, job)
	require.NoError(t, err)

	_, found, err = m.ActiveSyncJob(ctx, "listing-1", "evt-1")
	require.NoError(t, err)
	require.False(t, found, "completed sync job should no longer count as active")
}

func TestWebhookEventDedupLookup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.CreateEvent(ctx, webhook.Event{Marketplace: marketplace.Tag("poshmark"), ExternalEventID: "E", Status: webhook.EventCompleted})
	require.NoError(t, err)

	found, err := m.FindEventByExternalID(ctx, "poshmark", "E")
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)

	_, err = m.FindEventByExternalID(ctx, "poshmark", "unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRateLimitCounterRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	windowStart := time.Now().UTC().Truncate(time.Hour)

	_, err := m.GetCounter(ctx, "poshmark", "u1", "hour", windowStart)
	require.ErrorIs(t, err, ErrNotFound)

	saved, err := m.UpsertCounter(ctx, ratelimit.Counter{
		Marketplace: "poshmark", UserID: "u1", Window: ratelimit.WindowHourly,
		WindowStart: windowStart, Requests: 3, Cap: 100,
	})
	require.NoError(t, err)

	fetched, err := m.GetCounter(ctx, "poshmark", "u1", "hour", windowStart)
	require.NoError(t, err)
	require.Equal(t, saved.Requests, fetched.Requests)
}
