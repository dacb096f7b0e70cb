// Package engines implements the Marketplace Engine capability set (C8):
// translating a rule firing into concrete, paced marketplace operations.
// Engines act only through a Record Store, the Rate Limiter, and the
// Circuit Breaker (spec.md §4.8); the actual wire protocol is an injected
// MarketplaceClient, since the real per-marketplace contract is explicitly
// out of scope (spec.md §1).
package engines

import (
	"context"
	"time"

	"github.com/resaleflow/automation-core/internal/app/domain/listing"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/rule"
	"github.com/resaleflow/automation-core/internal/app/domain/user"
)

// ActionKind is the closed set of outbound marketplace operations named in
// spec.md §6.
type ActionKind string

const (
	ActionShare             ActionKind = "share"
	ActionShareToParty      ActionKind = "share_to_party"
	ActionFollow            ActionKind = "follow"
	ActionUnfollow          ActionKind = "unfollow"
	ActionSendOffer         ActionKind = "send_offer"
	ActionSendBundleOffer   ActionKind = "send_bundle_offer"
	ActionBump              ActionKind = "bump"
	ActionRefresh           ActionKind = "refresh"
	ActionDropPrice         ActionKind = "drop_price"
	ActionUpdateListing     ActionKind = "update_listing"
	ActionDelist            ActionKind = "delist"
	ActionGetMetrics        ActionKind = "get_metrics"
	ActionGetMarketAnalysis ActionKind = "get_market_analysis"
	ActionGetLikers         ActionKind = "get_likers"
	ActionGetWatchers       ActionKind = "get_watchers"
	ActionGetSimilarListings ActionKind = "get_similar_listings"
	ActionGetFeedPosition   ActionKind = "get_feed_position"
	ActionGetActiveParties  ActionKind = "get_active_parties"
)

// ClientResponse is what a MarketplaceClient call returns: enough raw
// context (status, headers, error code/message) for the Categorizer to
// classify a failure without pattern-matching on a language exception.
type ClientResponse struct {
	Success    bool
	HTTPStatus int
	Headers    map[string]string
	ErrorCode  string
	Message    string
	ExternalID string // set by calls that create a new marketplace-side resource
}

// MarketplaceClient is the minimal wire-protocol seam an engine calls
// through. Concrete clients (HTTP, mocked, or otherwise) are an external
// collaborator per spec.md §1; engines only depend on this interface.
type MarketplaceClient interface {
	Share(ctx context.Context, externalID string) (ClientResponse, error)
	ShareToParty(ctx context.Context, externalID, partyID string) (ClientResponse, error)
	Follow(ctx context.Context, targetUserID string) (ClientResponse, error)
	Unfollow(ctx context.Context, targetUserID string) (ClientResponse, error)
	SendOffer(ctx context.Context, externalID string, offerPriceCents int64) (ClientResponse, error)
	SendBundleOffer(ctx context.Context, externalIDs []string, offerPriceCents int64) (ClientResponse, error)
	Bump(ctx context.Context, externalID string) (ClientResponse, error)
	Refresh(ctx context.Context, externalID string) (ClientResponse, error)
	DropPrice(ctx context.Context, externalID string, newPriceCents int64) (ClientResponse, error)
	UpdateListing(ctx context.Context, externalID string, fields map[string]interface{}) (ClientResponse, error)
	Delist(ctx context.Context, externalID string) (ClientResponse, error)
	GetMetrics(ctx context.Context, externalID string) (ClientResponse, error)
	GetMarketAnalysis(ctx context.Context, category, brand string) (ClientResponse, error)
	GetLikers(ctx context.Context, externalID string) (ClientResponse, error)
	GetWatchers(ctx context.Context, externalID string) (ClientResponse, error)
	GetSimilarListings(ctx context.Context, externalID string) (ClientResponse, error)
	GetFeedPosition(ctx context.Context, externalID string) (ClientResponse, error)
	GetActiveParties(ctx context.Context, category string) (ClientResponse, error)
}

// Candidate is a single target of a batch action: a listing plus its
// per-marketplace post.
type Candidate struct {
	Listing listing.Listing
	Post    listing.Post
}

// FiringInput is everything an engine needs to carry out one rule firing.
type FiringInput struct {
	Rule           rule.Rule
	User           user.User
	Connection     marketplace.Connection
	Candidates     []Candidate
	AttemptID      string
	ResumeFrom     []string // ProcessedItems already recorded on a prior partial attempt
	Now            time.Time
}

// ItemOutcome records one candidate's result within a firing.
type ItemOutcome struct {
	ListingID  string
	PostID     string
	ExternalID string
	Action     ActionKind
	Succeeded  bool
	Response   ClientResponse
}

// Result is an engine's report for one full firing.
type Result struct {
	Action         ActionKind
	Attempted      int
	Succeeded      int
	Failed         int
	Outcomes       []ItemOutcome
	ProcessedItems []string // candidates completed, for idempotent resume
	RateLimited    bool
	ValidationErr  string
}

// Engine is the capability set every marketplace variant implements
// (spec.md §4.8).
type Engine interface {
	Marketplace() marketplace.Tag
	Execute(ctx context.Context, in FiringInput) (Result, error)
	ValidateRule(r rule.Rule) error
	AvailableActions() []ActionKind
	DefaultConfig(kind ActionKind) interface{}
}

// Delister is an optional engine capability that delists a single,
// already-known external listing outside of a full rule firing. The Cross-
// Platform Sync Coordinator's per-target sub-jobs (spec.md §4.10 step 3) use
// this instead of a full Execute, since there is no rule behind a delist
// triggered by another marketplace's sale.
type Delister interface {
	Delist(ctx context.Context, externalID string) (ClientResponse, error)
}

// ErrUnsupportedAction is returned by ValidateRule/Execute for a rule type
// an engine does not implement (spec.md §4.8: "unsupported kinds return a
// validation failure").
type ErrUnsupportedAction struct{ Type rule.Type }

func (e ErrUnsupportedAction) Error() string {
	return "unsupported rule type: " + string(e.Type)
}
