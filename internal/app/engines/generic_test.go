package engines

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resaleflow/automation-core/internal/app/domain/listing"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/rule"
	"github.com/resaleflow/automation-core/internal/app/ratelimiter"
	"github.com/resaleflow/automation-core/internal/app/resilience"
	"github.com/resaleflow/automation-core/internal/app/storage"
)

const testMarketplace marketplace.Tag = "poshmark"

// fakeClient implements engines.MarketplaceClient with overridable Share;
// every other action reports success.
type fakeClient struct {
	shareFn func(ctx context.Context, externalID string) (ClientResponse, error)
	calls   []string
}

func ok() ClientResponse { return ClientResponse{Success: true} }

func (f *fakeClient) Share(ctx context.Context, externalID string) (ClientResponse, error) {
	f.calls = append(f.calls, externalID)
	if f.shareFn != nil {
		return f.shareFn(ctx, externalID)
	}
	return ok(), nil
}
func (f *fakeClient) ShareToParty(ctx context.Context, externalID, partyID string) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) Follow(ctx context.Context, targetUserID string) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) Unfollow(ctx context.Context, targetUserID string) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) SendOffer(ctx context.Context, externalID string, offerPriceCents int64) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) SendBundleOffer(ctx context.Context, externalIDs []string, offerPriceCents int64) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) Bump(ctx context.Context, externalID string) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) Refresh(ctx context.Context, externalID string) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) DropPrice(ctx context.Context, externalID string, newPriceCents int64) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) UpdateListing(ctx context.Context, externalID string, fields map[string]interface{}) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) Delist(ctx context.Context, externalID string) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) GetMetrics(ctx context.Context, externalID string) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) GetMarketAnalysis(ctx context.Context, category, brand string) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) GetLikers(ctx context.Context, externalID string) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) GetWatchers(ctx context.Context, externalID string) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) GetSimilarListings(ctx context.Context, externalID string) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) GetFeedPosition(ctx context.Context, externalID string) (ClientResponse, error) {
	return ok(), nil
}
func (f *fakeClient) GetActiveParties(ctx context.Context, category string) (ClientResponse, error) {
	return ok(), nil
}

var _ MarketplaceClient = (*fakeClient)(nil)

func newTestEngine(client *fakeClient) *GenericEngine {
	store := storage.NewMemory()
	limiter := ratelimiter.New(store, ratelimiter.Config{DefaultHourlyCap: 1000, DefaultDailyCap: 10000, MinRequestSpacing: time.Millisecond}, nil)
	breaker := resilience.New(store, resilience.DefaultConfig(), nil)
	return NewGenericEngine(testMarketplace, client, limiter, breaker, nil).
		WithPacing(map[ActionKind]PacingRange{ActionShare: {Min: 0, Max: 0}})
}

func candidate(id string, createdAt time.Time) Candidate {
	return Candidate{
		Listing: listing.Listing{ID: id, CreatedAt: createdAt},
		Post:    listing.Post{ID: id, ExternalID: "ext-" + id},
	}
}

func shareRule() rule.Rule {
	return rule.Rule{UserID: "u1", Marketplace: testMarketplace, Type: rule.TypeAutoShare, Config: rule.Config{AutoShare: &rule.AutoShareConfig{MaxItems: 10, ShareOrder: rule.ShareOrderNewest}}}
}

func usableConnection() marketplace.Connection {
	return marketplace.Connection{Connected: true}
}

func TestExecuteRejectsUnusableConnection(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(client)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	res, err := e.Execute(context.Background(), FiringInput{
		Rule: shareRule(), Connection: marketplace.Connection{Connected: false}, Now: now,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 401, res.Outcomes[0].Response.HTTPStatus)
	require.Empty(t, client.calls, "an unusable connection must short-circuit before any outbound call")
}

func TestExecuteRejectsUnsupportedRuleType(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(client)
	r := rule.Rule{Type: rule.Type("not_a_real_type")}
	_, err := e.Execute(context.Background(), FiringInput{Rule: r, Connection: usableConnection(), Now: time.Now()})
	require.Error(t, err)
}

// TestExecuteResumesFromProcessedItems is the idempotent-resume property
// (spec.md §4.8/§9): candidates already recorded in ResumeFrom are skipped
// on a retried attempt, so a prior partial success is never repeated.
func TestExecuteResumesFromProcessedItems(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(client)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	cands := []Candidate{
		candidate("a", now.Add(-time.Hour)),
		candidate("b", now.Add(-2 * time.Hour)),
		candidate("c", now.Add(-3 * time.Hour)),
	}

	res, err := e.Execute(context.Background(), FiringInput{
		Rule: shareRule(), Connection: usableConnection(), Candidates: cands, ResumeFrom: []string{"a", "b"}, Now: now,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempted)
	require.Equal(t, []string{"ext-c"}, client.calls, "only the unprocessed candidate must be called")
}

func TestExecuteOrdersNewestFirstByDefault(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(client)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	cands := []Candidate{
		candidate("old", now.Add(-3 * time.Hour)),
		candidate("new", now.Add(-time.Hour)),
		candidate("mid", now.Add(-2 * time.Hour)),
	}
	_, err := e.Execute(context.Background(), FiringInput{Rule: shareRule(), Connection: usableConnection(), Candidates: cands, Now: now})
	require.NoError(t, err)
	require.Equal(t, []string{"ext-new", "ext-mid", "ext-old"}, client.calls)
}

func TestExecuteCapsAtMaxItems(t *testing.T) {
	client := &fakeClient{}
	e := newTestEngine(client)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	r := shareRule()
	r.Config.AutoShare.MaxItems = 2

	cands := []Candidate{candidate("a", now), candidate("b", now.Add(-time.Minute)), candidate("c", now.Add(-2 * time.Minute))}
	res, err := e.Execute(context.Background(), FiringInput{Rule: r, Connection: usableConnection(), Candidates: cands, Now: now})
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempted)
}

func TestExecuteRecordsRateLimitedOutcomeWithoutCallingClient(t *testing.T) {
	store := storage.NewMemory()
	limiter := ratelimiter.New(store, ratelimiter.Config{DefaultHourlyCap: 1, DefaultDailyCap: 1, MinRequestSpacing: time.Millisecond}, nil)
	breaker := resilience.New(store, resilience.DefaultConfig(), nil)
	client := &fakeClient{}
	e := NewGenericEngine(testMarketplace, client, limiter, breaker, nil).
		WithPacing(map[ActionKind]PacingRange{ActionShare: {Min: 0, Max: 0}})

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	cands := []Candidate{candidate("a", now), candidate("b", now.Add(-time.Minute))}
	res, err := e.Execute(context.Background(), FiringInput{Rule: shareRule(), Connection: usableConnection(), Candidates: cands, Now: now})
	require.NoError(t, err)
	require.True(t, res.RateLimited)
	require.Equal(t, 1, len(client.calls), "only the first candidate should have consumed the hourly cap of 1")
}

func TestValidateRuleRejectsMismatchedConfig(t *testing.T) {
	e := newTestEngine(&fakeClient{})
	err := e.ValidateRule(rule.Rule{Type: rule.TypeAutoShare})
	require.Error(t, err)
}
