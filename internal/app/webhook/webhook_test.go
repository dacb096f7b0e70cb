package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	webhookdomain "github.com/resaleflow/automation-core/internal/app/domain/webhook"
	"github.com/resaleflow/automation-core/internal/app/executor"
	"github.com/resaleflow/automation-core/internal/app/storage"
)

type fakeEnqueuer struct {
	jobs []executor.Job
}

func (f *fakeEnqueuer) Submit(job executor.Job) { f.jobs = append(f.jobs, job) }

const testMarketplace marketplace.Tag = "poshmark"

func sign(secret string, raw []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

func seedConfig(store *storage.Memory, userID string, mkt marketplace.Tag, secret string) {
	store.PutWebhookConfig(webhookdomain.Configuration{UserID: userID, Marketplace: mkt, Secret: secret, Verified: true})
}

func payload(t *testing.T, eventID, eventType, listingID string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"event_id":    eventID,
		"event_type":  eventType,
		"listing_id":  listingID,
		"occurred_at": time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return raw
}

func TestIngestInvalidSignatureIsIgnoredNotError(t *testing.T) {
	store := storage.NewMemory()
	enq := &fakeEnqueuer{}
	g := New(store, enq, nil, nil)
	seedConfig(store, "u1", testMarketplace, "secret")

	raw := payload(t, "evt-1", string(webhookdomain.KindSaleCompleted), "L1")
	evt, err := g.Ingest(context.Background(), "u1", testMarketplace, raw, nil, "bad-signature")
	require.NoError(t, err)
	require.Equal(t, webhookdomain.EventIgnored, evt.Status)
	require.Empty(t, enq.jobs, "an invalid signature must never reach the executor")
}

// TestIngestDeduplicatesByExternalEventID is the webhook-dedup testable
// property (spec.md §8): the same (marketplace, external_event_id) ingested
// twice produces exactly one non-ignored event.
func TestIngestDeduplicatesByExternalEventID(t *testing.T) {
	store := storage.NewMemory()
	enq := &fakeEnqueuer{}
	g := New(store, enq, nil, nil)
	seedConfig(store, "u1", testMarketplace, "secret")

	raw := payload(t, "evt-dup", string(webhookdomain.KindSaleCompleted), "L1")
	sig := sign("secret", raw)

	first, err := g.Ingest(context.Background(), "u1", testMarketplace, raw, nil, sig)
	require.NoError(t, err)
	require.Equal(t, webhookdomain.EventPending, first.Status)

	second, err := g.Ingest(context.Background(), "u1", testMarketplace, raw, nil, sig)
	require.NoError(t, err)
	require.Equal(t, webhookdomain.EventIgnored, second.Status)
	require.Equal(t, first.ID, second.DuplicateOf)

	require.Len(t, enq.jobs, 1, "the duplicate must not be re-submitted to the executor")
}

func TestIngestPrioritizesSaleCompletedOverInventoryUpdate(t *testing.T) {
	store := storage.NewMemory()
	enq := &fakeEnqueuer{}
	g := New(store, enq, nil, nil)
	seedConfig(store, "u1", testMarketplace, "secret")

	sale := payload(t, "evt-sale", string(webhookdomain.KindSaleCompleted), "L1")
	_, err := g.Ingest(context.Background(), "u1", testMarketplace, sale, nil, sign("secret", sale))
	require.NoError(t, err)

	inv := payload(t, "evt-inv", string(webhookdomain.KindInventoryUpdated), "L2")
	_, err = g.Ingest(context.Background(), "u1", testMarketplace, inv, nil, sign("secret", inv))
	require.NoError(t, err)

	require.Len(t, enq.jobs, 2)
	require.Equal(t, int(webhookdomain.PriorityHigh), enq.jobs[0].Priority)
	require.Equal(t, int(webhookdomain.PriorityInformational), enq.jobs[1].Priority)
}

func TestIngestUnparseablePayloadMarkedFailedNotEnqueued(t *testing.T) {
	store := storage.NewMemory()
	enq := &fakeEnqueuer{}
	g := New(store, enq, nil, nil)
	seedConfig(store, "u1", testMarketplace, "secret")

	raw := []byte("not json")
	evt, err := g.Ingest(context.Background(), "u1", testMarketplace, raw, nil, sign("secret", raw))
	require.NoError(t, err)
	require.Equal(t, webhookdomain.EventFailed, evt.Status)
	require.Empty(t, enq.jobs)
}

func TestMarkProcessedSetsTerminalStatus(t *testing.T) {
	store := storage.NewMemory()
	enq := &fakeEnqueuer{}
	g := New(store, enq, nil, nil)
	seedConfig(store, "u1", testMarketplace, "secret")

	raw := payload(t, "evt-2", string(webhookdomain.KindSaleCompleted), "L1")
	evt, err := g.Ingest(context.Background(), "u1", testMarketplace, raw, nil, sign("secret", raw))
	require.NoError(t, err)

	require.NoError(t, g.MarkProcessed(context.Background(), evt.ID, true))
	stored, err := store.FindEventByExternalID(context.Background(), testMarketplace, "evt-2")
	require.NoError(t, err)
	require.Equal(t, webhookdomain.EventCompleted, stored.Status)

	require.NoError(t, g.MarkProcessed(context.Background(), evt.ID, false))
	stored, err = store.FindEventByExternalID(context.Background(), testMarketplace, "evt-2")
	require.NoError(t, err)
	require.Equal(t, webhookdomain.EventFailed, stored.Status)
}

func TestVerifyRejectsMissingSecretOrSignature(t *testing.T) {
	require.False(t, Verify(webhookdomain.Configuration{}, []byte("x"), "sig"))
	require.False(t, Verify(webhookdomain.Configuration{Secret: "s"}, []byte("x"), ""))
	require.True(t, Verify(webhookdomain.Configuration{Secret: "s"}, []byte("x"), sign("s", []byte("x"))))
}
