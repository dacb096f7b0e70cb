package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resaleflow/automation-core/internal/app/audit"
	"github.com/resaleflow/automation-core/internal/app/categorizer"
	"github.com/resaleflow/automation-core/internal/app/domain/auditlog"
	"github.com/resaleflow/automation-core/internal/app/domain/listing"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/rule"
	syncdomain "github.com/resaleflow/automation-core/internal/app/domain/sync"
	"github.com/resaleflow/automation-core/internal/app/domain/user"
	webhookdomain "github.com/resaleflow/automation-core/internal/app/domain/webhook"
	"github.com/resaleflow/automation-core/internal/app/engines"
	"github.com/resaleflow/automation-core/internal/app/executor"
	"github.com/resaleflow/automation-core/internal/app/ratelimiter"
	"github.com/resaleflow/automation-core/internal/app/resilience"
	"github.com/resaleflow/automation-core/internal/app/retryscheduler"
	"github.com/resaleflow/automation-core/internal/app/storage"
	syncpkg "github.com/resaleflow/automation-core/internal/app/sync"
	webhookpkg "github.com/resaleflow/automation-core/internal/app/webhook"
)

const testMarketplace marketplace.Tag = "poshmark"

// fakeClient implements engines.MarketplaceClient with overridable Share and
// Delist behavior; every other action reports success, since no test in
// this file exercises them.
type fakeClient struct {
	shareFn  func(ctx context.Context, externalID string) (engines.ClientResponse, error)
	delistFn func(ctx context.Context, externalID string) (engines.ClientResponse, error)
}

func ok() engines.ClientResponse { return engines.ClientResponse{Success: true} }

func (f *fakeClient) Share(ctx context.Context, externalID string) (engines.ClientResponse, error) {
	if f.shareFn != nil {
		return f.shareFn(ctx, externalID)
	}
	return ok(), nil
}
func (f *fakeClient) ShareToParty(ctx context.Context, externalID, partyID string) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) Follow(ctx context.Context, targetUserID string) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) Unfollow(ctx context.Context, targetUserID string) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) SendOffer(ctx context.Context, externalID string, offerPriceCents int64) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) SendBundleOffer(ctx context.Context, externalIDs []string, offerPriceCents int64) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) Bump(ctx context.Context, externalID string) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) Refresh(ctx context.Context, externalID string) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) DropPrice(ctx context.Context, externalID string, newPriceCents int64) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) UpdateListing(ctx context.Context, externalID string, fields map[string]interface{}) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) Delist(ctx context.Context, externalID string) (engines.ClientResponse, error) {
	if f.delistFn != nil {
		return f.delistFn(ctx, externalID)
	}
	return ok(), nil
}
func (f *fakeClient) GetMetrics(ctx context.Context, externalID string) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) GetMarketAnalysis(ctx context.Context, category, brand string) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) GetLikers(ctx context.Context, externalID string) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) GetWatchers(ctx context.Context, externalID string) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) GetSimilarListings(ctx context.Context, externalID string) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) GetFeedPosition(ctx context.Context, externalID string) (engines.ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) GetActiveParties(ctx context.Context, category string) (engines.ClientResponse, error) {
	return ok(), nil
}

var _ engines.MarketplaceClient = (*fakeClient)(nil)

// fakeEnqueuer captures submitted jobs instead of running a real Executor,
// satisfying both sync.Enqueuer and webhook.Enqueuer.
type fakeEnqueuer struct {
	jobs []executor.Job
}

func (f *fakeEnqueuer) Submit(job executor.Job) { f.jobs = append(f.jobs, job) }

type fixture struct {
	store   *storage.Memory
	client  *fakeClient
	enq     *fakeEnqueuer
	limiter *ratelimiter.Limiter
	breaker *resilience.Breaker
	retry   *retryscheduler.Scheduler
	audit   *audit.Log
	sync    *syncpkg.Coordinator
	webhook *webhookpkg.Ingestor
	runner  *Runner
	now     time.Time
}

// newFixture wires a Runner against real subsystem implementations backed
// by one in-memory store, matching how internal/app/application.go wires
// the production Application (minimal rate-limit spacing keeps tests from
// blocking on the human-pacing token bucket).
func newFixture(t *testing.T, patterns categorizer.PatternTable) *fixture {
	t.Helper()
	store := storage.NewMemory()
	client := &fakeClient{}
	enq := &fakeEnqueuer{}
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	limiter := ratelimiter.New(store, ratelimiter.Config{
		DefaultHourlyCap:  1000,
		DefaultDailyCap:   10000,
		MinRequestSpacing: time.Millisecond,
	}, nil)
	breaker := resilience.New(store, resilience.Config{}, nil)
	cat := categorizer.New(patterns)
	retry := retryscheduler.New(store, store, nil, nil)
	auditLog := audit.New(store, nil).WithClock(func() time.Time { return now })
	sc := syncpkg.New(store, store, enq, nil, nil).WithClock(func() time.Time { return now })
	wh := webhookpkg.New(store, enq, nil, nil)

	eng := engines.NewGenericEngine(testMarketplace, client, limiter, breaker, nil).
		WithPacing(map[engines.ActionKind]engines.PacingRange{})

	registry := Registry{testMarketplace: eng}

	r := New(store, registry, cat, retry, auditLog, sc, wh, nil, nil).WithClock(func() time.Time { return now })

	return &fixture{
		store: store, client: client, enq: enq,
		limiter: limiter, breaker: breaker, retry: retry,
		audit: auditLog, sync: sc, webhook: wh, runner: r, now: now,
	}
}

// seedRuleWithListing creates a user, an always-usable connection, one
// active posted listing, and an enabled auto_share rule targeting it.
func (fx *fixture) seedRuleWithListing(t *testing.T) rule.Rule {
	t.Helper()
	u := user.User{ID: "user-1", Email: "seller@example.com", TimeZone: "UTC"}
	fx.store.PutUser(u)

	_, err := fx.store.UpsertConnection(context.Background(), marketplace.Connection{
		UserID:      u.ID,
		Marketplace: testMarketplace,
		Connected:   true,
	})
	require.NoError(t, err)

	l := fx.store.PutListing(listing.Listing{
		UserID:     u.ID,
		Title:      "Vintage jacket",
		PriceCents: 5000,
		Quantity:   1,
		Status:     listing.StatusActive,
		CreatedAt:  fx.now.Add(-48 * time.Hour),
	})
	fx.store.PutPost(listing.Post{
		ListingID:   l.ID,
		Marketplace: testMarketplace,
		ExternalID:  "ext-1",
		Status:      listing.PostPosted,
	})

	created, err := fx.store.CreateRule(context.Background(), rule.Rule{
		UserID:      u.ID,
		Marketplace: testMarketplace,
		Type:        rule.TypeAutoShare,
		Config:      rule.Config{AutoShare: &rule.AutoShareConfig{MaxItems: 5}},
		Enabled:     true,
	})
	require.NoError(t, err)
	return created
}

func TestRunFiringSuccess(t *testing.T) {
	fx := newFixture(t, nil)
	rl := fx.seedRuleWithListing(t)

	outcome := fx.runner.Run(context.Background(), executor.Job{
		ID: "job-1", Kind: executor.KindFiring, RuleID: rl.ID, UserID: rl.UserID, AttemptID: "att-1",
	})

	require.True(t, outcome.Success)
	require.False(t, outcome.Retry)

	updated, err := fx.store.GetRule(context.Background(), rl.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, updated.Counters.Total)
	require.EqualValues(t, 1, updated.Counters.Success)
	require.True(t, updated.Enabled)

	logs, err := fx.store.ListLogsForRule(context.Background(), rl.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, auditlog.StatusSuccess, logs[0].Status)
}

func TestRunFiringAuthFailureQuarantinesConnection(t *testing.T) {
	fx := newFixture(t, nil)
	rl := fx.seedRuleWithListing(t)
	fx.client.shareFn = func(ctx context.Context, externalID string) (engines.ClientResponse, error) {
		return engines.ClientResponse{Success: false, HTTPStatus: 401, ErrorCode: "invalid_token", Message: "token expired"}, nil
	}

	outcome := fx.runner.Run(context.Background(), executor.Job{
		ID: "job-2", Kind: executor.KindFiring, RuleID: rl.ID, UserID: rl.UserID, AttemptID: "att-2",
		AttemptNumber: 1,
	})

	// auth's policy allows exactly one retry (MaxRetries: 1); this job has
	// already used it, so the second failure (attemptNumber 2) exceeds
	// MaxRetries and Evaluate quarantines rather than scheduling a retry.
	require.False(t, outcome.Success)
	require.False(t, outcome.Retry)
	require.Equal(t, "auth", outcome.ErrorKind)

	conn, err := fx.store.GetConnection(context.Background(), rl.UserID, testMarketplace)
	require.NoError(t, err)
	require.False(t, conn.Connected)

	updated, err := fx.store.GetRule(context.Background(), rl.ID)
	require.NoError(t, err)
	require.False(t, updated.Enabled)
	require.Equal(t, "auth", updated.LastError)
}

func TestRunFiringNetworkFailureRetries(t *testing.T) {
	fx := newFixture(t, nil)
	rl := fx.seedRuleWithListing(t)
	fx.client.shareFn = func(ctx context.Context, externalID string) (engines.ClientResponse, error) {
		return engines.ClientResponse{Success: false, HTTPStatus: 503, Message: "upstream timeout"}, nil
	}

	outcome := fx.runner.Run(context.Background(), executor.Job{
		ID: "job-3", Kind: executor.KindFiring, RuleID: rl.ID, UserID: rl.UserID, AttemptID: "att-3",
	})

	require.False(t, outcome.Success)
	require.True(t, outcome.Retry)
	require.Equal(t, "temporary", outcome.ErrorKind)
	require.Greater(t, outcome.RetryAfter, time.Duration(0))

	updated, err := fx.store.GetRule(context.Background(), rl.ID)
	require.NoError(t, err)
	require.True(t, updated.Enabled)
}

func TestRunFiringValidationFailureAutoDisablesAfterThreshold(t *testing.T) {
	fx := newFixture(t, nil)
	rl, err := fx.store.CreateRule(context.Background(), rule.Rule{
		UserID:      "user-2",
		Marketplace: testMarketplace,
		Type:        rule.TypeAutoBump, // Config.AutoBump left nil: ValidateRule rejects this
		Enabled:     true,
	})
	require.NoError(t, err)
	fx.store.PutUser(user.User{ID: "user-2", Email: "u2@example.com", TimeZone: "UTC"})

	var outcome executor.Outcome
	for i := 0; i < rule.MaxConsecutiveValidationFailures; i++ {
		outcome = fx.runner.Run(context.Background(), executor.Job{
			ID: "job-vf", Kind: executor.KindFiring, RuleID: rl.ID, UserID: rl.UserID, AttemptID: "att-vf",
		})
		require.False(t, outcome.Success)
		require.Equal(t, "validation", outcome.ErrorKind)
	}

	updated, err := fx.store.GetRule(context.Background(), rl.ID)
	require.NoError(t, err)
	require.False(t, updated.Enabled, "rule should auto-disable once consecutive validation failures cross the threshold")
	require.GreaterOrEqual(t, updated.ConsecutiveValidationFailures, rule.MaxConsecutiveValidationFailures)
}

func TestRunFiringSkipsDisabledRule(t *testing.T) {
	fx := newFixture(t, nil)
	rl := fx.seedRuleWithListing(t)
	rl.Enabled = false
	_, err := fx.store.UpdateRule(context.Background(), rl)
	require.NoError(t, err)

	outcome := fx.runner.Run(context.Background(), executor.Job{
		ID: "job-4", Kind: executor.KindFiring, RuleID: rl.ID, UserID: rl.UserID,
	})
	require.True(t, outcome.Skipped)
	require.Equal(t, "rule_disabled", outcome.SkipReason)
}

func TestRunSyncDelistSuccess(t *testing.T) {
	fx := newFixture(t, nil)
	l := fx.store.PutListing(listing.Listing{UserID: "user-3", Title: "Bag", PriceCents: 2000, Status: listing.StatusActive})
	post := fx.store.PutPost(listing.Post{ListingID: l.ID, Marketplace: testMarketplace, ExternalID: "ext-del", Status: listing.PostPosted})
	job, err := fx.store.CreateSyncJob(context.Background(), syncdomain.Job{
		ListingID: l.ID, TriggerEventID: "evt-1", Targets: []marketplace.Tag{testMarketplace},
		Total: 1, Status: syncdomain.StatusPending,
	})
	require.NoError(t, err)

	outcome := fx.runner.Run(context.Background(), executor.Job{
		Kind: executor.KindSyncDelist, Marketplace: testMarketplace,
		SyncJobID: job.ID, PostID: post.ID, ExternalID: post.ExternalID,
	})
	require.True(t, outcome.Success)

	updatedJob, err := fx.store.GetSyncJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, syncdomain.StatusCompleted, updatedJob.Status)
	require.Equal(t, 1, updatedJob.Done)
	require.Equal(t, 0, updatedJob.Failed)

	updatedPost, err := fx.store.FindPostByExternalID(context.Background(), testMarketplace, post.ExternalID)
	require.NoError(t, err)
	require.Equal(t, listing.PostDelisted, updatedPost.Status)
}

func TestRunSyncDelistFailureRetriesThenRecordsOutcome(t *testing.T) {
	fx := newFixture(t, nil)
	fx.client.delistFn = func(ctx context.Context, externalID string) (engines.ClientResponse, error) {
		return engines.ClientResponse{Success: false, HTTPStatus: 500, Message: "server error"}, nil
	}
	l := fx.store.PutListing(listing.Listing{UserID: "user-4", Title: "Shoes", PriceCents: 3000, Status: listing.StatusActive})
	post := fx.store.PutPost(listing.Post{ListingID: l.ID, Marketplace: testMarketplace, ExternalID: "ext-del2", Status: listing.PostPosted})
	job, err := fx.store.CreateSyncJob(context.Background(), syncdomain.Job{
		ListingID: l.ID, TriggerEventID: "evt-2", Targets: []marketplace.Tag{testMarketplace},
		Total: 1, Status: syncdomain.StatusPending,
	})
	require.NoError(t, err)

	outcome := fx.runner.Run(context.Background(), executor.Job{
		Kind: executor.KindSyncDelist, Marketplace: testMarketplace, AttemptNumber: 10,
		SyncJobID: job.ID, PostID: post.ID, ExternalID: post.ExternalID,
	})
	// AttemptNumber 10 already exceeds temporary's MaxRetries, so Evaluate
	// quarantines instead of scheduling another retry.
	require.False(t, outcome.Success)
	require.False(t, outcome.Retry)

	updatedJob, err := fx.store.GetSyncJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updatedJob.Failed)
}

func TestRunWebhookEventSaleCompletedStartsSync(t *testing.T) {
	fx := newFixture(t, nil)
	l := fx.store.PutListing(listing.Listing{UserID: "user-5", Title: "Watch", PriceCents: 9000, Status: listing.StatusActive})
	fx.store.PutPost(listing.Post{ListingID: l.ID, Marketplace: testMarketplace, ExternalID: "ext-sold", Status: listing.PostDelisted})
	otherPost := fx.store.PutPost(listing.Post{ListingID: l.ID, Marketplace: "mercari", ExternalID: "ext-other", Status: listing.PostPosted})

	outcome := fx.runner.Run(context.Background(), executor.Job{
		Kind: executor.KindWebhookEvent, Marketplace: testMarketplace,
		EventKind: string(webhookdomain.KindSaleCompleted), ListingExternalID: "ext-sold", UserID: "user-5",
	})
	require.True(t, outcome.Success)
	require.Len(t, fx.enq.jobs, 1)
	require.Equal(t, executor.KindSyncDelist, fx.enq.jobs[0].Kind)
	require.Equal(t, otherPost.ID, fx.enq.jobs[0].PostID)
}

func TestRunWebhookEventOtherKindIsNoop(t *testing.T) {
	fx := newFixture(t, nil)
	outcome := fx.runner.Run(context.Background(), executor.Job{
		Kind: executor.KindWebhookEvent, EventKind: string(webhookdomain.KindInventoryUpdated),
	})
	require.True(t, outcome.Success)
	require.Empty(t, fx.enq.jobs)
}
