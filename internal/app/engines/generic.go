package engines

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/rule"
	"github.com/resaleflow/automation-core/internal/app/dropstate"
	"github.com/resaleflow/automation-core/internal/app/offer"
	"github.com/resaleflow/automation-core/internal/app/ratelimiter"
	"github.com/resaleflow/automation-core/internal/app/resilience"
	"github.com/resaleflow/automation-core/internal/app/sharesettings"
	"github.com/resaleflow/automation-core/pkg/logger"
)

// connectionUnusable is the synthetic ClientResponse an engine returns when
// the precondition check in spec.md §4.8 step 1 fails: its HTTP-shaped
// status lets the Categorizer classify it as `auth` through the normal
// status-code path rather than a bespoke code path.
func connectionUnusable() ClientResponse {
	return ClientResponse{
		Success:    false,
		HTTPStatus: 401,
		ErrorCode:  "connection_unusable",
		Message:    "marketplace connection is not connected or its credential has expired",
	}
}

// PacingRange is the uniform delay range applied between successive actions
// of one kind, plus a luxury-marketplace widened range (spec.md §4.8: "A
// 'luxury'-class marketplace uses longer ranges").
type PacingRange struct {
	Min    time.Duration
	Max    time.Duration
	Luxury bool
}

// sample draws a uniform delay within the range, widened 2x for luxury
// marketplaces.
func (p PacingRange) sample(rng *rand.Rand) time.Duration {
	min, max := p.Min, p.Max
	if p.Luxury {
		min *= 2
		max *= 2
	}
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)))
}

// DefaultPacing is a reasonable per-action pacing table; callers override it
// per marketplace via WithPacing.
func DefaultPacing() map[ActionKind]PacingRange {
	return map[ActionKind]PacingRange{
		ActionShare:        {Min: 2 * time.Second, Max: 8 * time.Second},
		ActionShareToParty: {Min: 2 * time.Second, Max: 8 * time.Second},
		ActionFollow:       {Min: 3 * time.Second, Max: 10 * time.Second},
		ActionUnfollow:     {Min: 3 * time.Second, Max: 10 * time.Second},
		ActionSendOffer:    {Min: 5 * time.Second, Max: 15 * time.Second},
		ActionBump:         {Min: 2 * time.Second, Max: 6 * time.Second},
		ActionRefresh:      {Min: 2 * time.Second, Max: 6 * time.Second},
		ActionDropPrice:    {Min: 1 * time.Second, Max: 4 * time.Second},
	}
}

// BatchBreak configures the periodic pause taken after N successful actions
// within one firing (spec.md §4.8 step 4).
type BatchBreak struct {
	Every  int
	Period time.Duration
}

// GenericEngine is a marketplace-agnostic reference implementation of the
// Engine capability set, driven entirely through an injected
// MarketplaceClient. Poshmark-style share pacing layers on top of it (see
// poshmark.go).
type GenericEngine struct {
	mkt     marketplace.Tag
	client  MarketplaceClient
	limiter *ratelimiter.Limiter
	breaker *resilience.Breaker
	log     *logger.Logger

	pacing     map[ActionKind]PacingRange
	batchBreak BatchBreak
	dropTrack  *dropstate.Tracker

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenericEngine builds an engine for mkt.
func NewGenericEngine(mkt marketplace.Tag, client MarketplaceClient, limiter *ratelimiter.Limiter, breaker *resilience.Breaker, log *logger.Logger) *GenericEngine {
	if log == nil {
		log = logger.NewDefault("engine-" + string(mkt))
	}
	return &GenericEngine{
		mkt:        mkt,
		client:     client,
		limiter:    limiter,
		breaker:    breaker,
		log:        log,
		pacing:     DefaultPacing(),
		batchBreak: BatchBreak{Every: 25, Period: 2 * time.Minute},
		dropTrack:  dropstate.NewTracker(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithPacing overrides the per-action pacing table.
func (e *GenericEngine) WithPacing(p map[ActionKind]PacingRange) *GenericEngine {
	e.pacing = p
	return e
}

// WithBatchBreak overrides the periodic-break configuration.
func (e *GenericEngine) WithBatchBreak(b BatchBreak) *GenericEngine {
	e.batchBreak = b
	return e
}

// DropTracker exposes the engine's price-drop history tracker so callers can
// seed it from the Record Store before a smart_drop firing.
func (e *GenericEngine) DropTracker() *dropstate.Tracker { return e.dropTrack }

// Marketplace implements Engine.
func (e *GenericEngine) Marketplace() marketplace.Tag { return e.mkt }

// AvailableActions implements Engine.
func (e *GenericEngine) AvailableActions() []ActionKind {
	return []ActionKind{
		ActionShare, ActionShareToParty, ActionFollow, ActionUnfollow,
		ActionSendOffer, ActionSendBundleOffer, ActionBump, ActionRefresh,
		ActionDropPrice, ActionUpdateListing, ActionDelist, ActionGetMetrics,
		ActionGetMarketAnalysis, ActionGetLikers, ActionGetWatchers,
		ActionGetSimilarListings, ActionGetFeedPosition, ActionGetActiveParties,
	}
}

// DefaultConfig implements Engine.
func (e *GenericEngine) DefaultConfig(kind ActionKind) interface{} {
	switch kind {
	case ActionShare, ActionShareToParty:
		return sharesettings.DefaultConfig()
	case ActionSendOffer, ActionSendBundleOffer:
		return offer.Template{DiscountPercent: 10, MaxOffersPerItem: 1, DailyOfferLimit: 50}
	default:
		return nil
	}
}

// ValidateRule implements Engine: it confirms the rule's tagged-union
// config variant matches its declared Type.
func (e *GenericEngine) ValidateRule(r rule.Rule) error {
	switch r.Type {
	case rule.TypeAutoBump:
		if r.Config.AutoBump == nil {
			return ErrUnsupportedAction{Type: r.Type}
		}
	case rule.TypeSmartDrop:
		if r.Config.SmartDrop == nil {
			return ErrUnsupportedAction{Type: r.Type}
		}
	case rule.TypeAutoOffer, rule.TypeBundleOffer:
		if r.Config.AutoOffer == nil {
			return ErrUnsupportedAction{Type: r.Type}
		}
	case rule.TypeAutoShare:
		if r.Config.AutoShare == nil {
			return ErrUnsupportedAction{Type: r.Type}
		}
	case rule.TypePartyShare:
		if r.Config.PartyShare == nil {
			return ErrUnsupportedAction{Type: r.Type}
		}
	case rule.TypeWatcherOffers:
		if r.Config.WatcherOffers == nil {
			return ErrUnsupportedAction{Type: r.Type}
		}
	case rule.TypeFollow, rule.TypeRelist:
		// no dedicated config variant; rule_config is unused for these kinds.
	default:
		return ErrUnsupportedAction{Type: r.Type}
	}
	return nil
}

// Execute implements Engine: it runs the rule's action across its
// candidates, respecting the precondition check, rate-limit admission,
// human pacing, and periodic-break discipline of spec.md §4.8.
func (e *GenericEngine) Execute(ctx context.Context, in FiringInput) (Result, error) {
	if err := e.ValidateRule(in.Rule); err != nil {
		return Result{ValidationErr: err.Error()}, err
	}
	if !in.Connection.Usable(in.Now) {
		return Result{
			Attempted: 1,
			Failed:    1,
			Outcomes:  []ItemOutcome{{Action: actionFor(in.Rule.Type), Succeeded: false, Response: connectionUnusable()}},
		}, nil
	}

	action := actionFor(in.Rule.Type)
	ordered := e.order(in)
	resumed := skipSet(in.ResumeFrom)

	var res Result
	res.Action = action
	successesThisBatch := 0

	for _, cand := range ordered {
		if resumed[cand.Post.ID] {
			continue
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		if err := e.breaker.Allow(ctx, e.mkt, in.Now); err != nil {
			res.Outcomes = append(res.Outcomes, ItemOutcome{
				ListingID: cand.Listing.ID, PostID: cand.Post.ID, ExternalID: cand.Post.ExternalID,
				Action: action, Succeeded: false,
				Response: ClientResponse{Success: false, ErrorCode: "circuit_open", Message: err.Error()},
			})
			res.Attempted++
			res.Failed++
			continue
		}

		decision, err := e.limiter.Check(ctx, e.mkt, in.Rule.UserID, in.Now)
		if err != nil {
			return res, err
		}
		if !decision.Allowed {
			res.RateLimited = true
			res.Outcomes = append(res.Outcomes, ItemOutcome{
				ListingID: cand.Listing.ID, PostID: cand.Post.ID, ExternalID: cand.Post.ExternalID,
				Action: action, Succeeded: false,
				Response: ClientResponse{Success: false, HTTPStatus: 429, ErrorCode: "rate_limited", Message: "rate limit exhausted"},
			})
			res.Attempted++
			res.Failed++
			continue
		}

		e.pace(ctx, action, in.Rule.UserID)

		resp, callErr := e.invoke(ctx, action, in, cand)
		res.Attempted++
		_ = e.limiter.Record(ctx, e.mkt, in.Rule.UserID, resp.Success, in.Now)
		if resp.Success {
			res.Succeeded++
			res.ProcessedItems = append(res.ProcessedItems, cand.Post.ID)
			_ = e.breaker.RecordSuccess(ctx, e.mkt, in.Now)
			successesThisBatch++
		} else {
			res.Failed++
			_ = e.breaker.RecordFailure(ctx, e.mkt, in.Now)
		}
		res.Outcomes = append(res.Outcomes, ItemOutcome{
			ListingID: cand.Listing.ID, PostID: cand.Post.ID, ExternalID: cand.Post.ExternalID,
			Action: action, Succeeded: resp.Success, Response: resp,
		})
		if callErr != nil {
			return res, callErr
		}

		if e.batchBreak.Every > 0 && successesThisBatch > 0 && successesThisBatch%e.batchBreak.Every == 0 {
			e.sleep(ctx, e.batchBreak.Period)
		}
	}

	return res, nil
}

// actionFor maps a rule type to the primary action kind it drives. Rules
// with no dedicated mapping (relist) are treated as update_listing.
func actionFor(t rule.Type) ActionKind {
	switch t {
	case rule.TypeAutoBump:
		return ActionBump
	case rule.TypeSmartDrop:
		return ActionDropPrice
	case rule.TypeAutoOffer, rule.TypeWatcherOffers:
		return ActionSendOffer
	case rule.TypeBundleOffer:
		return ActionSendBundleOffer
	case rule.TypeAutoShare:
		return ActionShare
	case rule.TypePartyShare:
		return ActionShareToParty
	case rule.TypeFollow:
		return ActionFollow
	case rule.TypeRelist:
		return ActionUpdateListing
	default:
		return ActionShare
	}
}

func skipSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// order applies the configured priority ordering (spec.md §4.8 Share/bump)
// and caps the candidate list at the rule's per-execution item limit.
func (e *GenericEngine) order(in FiringInput) []Candidate {
	cands := append([]Candidate(nil), in.Candidates...)

	var shareOrder rule.ShareOrder
	var reverse bool
	var maxItems int
	switch in.Rule.Type {
	case rule.TypeAutoShare:
		if c := in.Rule.Config.AutoShare; c != nil {
			shareOrder = c.ShareOrder
			maxItems = c.MaxItems
			reverse = c.ReverseOrder
		}
	case rule.TypeAutoBump:
		if c := in.Rule.Config.AutoBump; c != nil {
			maxItems = c.BumpsPerExecution
			reverse = c.ReverseOrder
		}
	case rule.TypePartyShare:
		if c := in.Rule.Config.PartyShare; c != nil {
			maxItems = c.MaxItemsPerParty
			reverse = c.ReverseOrder
		}
	}

	switch shareOrder {
	case rule.ShareOrderOldest:
		sort.Slice(cands, func(i, j int) bool { return cands[i].Listing.CreatedAt.Before(cands[j].Listing.CreatedAt) })
	case rule.ShareOrderPriceHigh:
		sort.Slice(cands, func(i, j int) bool { return cands[i].Listing.PriceCents > cands[j].Listing.PriceCents })
	case rule.ShareOrderPriceLow:
		sort.Slice(cands, func(i, j int) bool { return cands[i].Listing.PriceCents < cands[j].Listing.PriceCents })
	case rule.ShareOrderRandom:
		e.mu.Lock()
		e.rng.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
		e.mu.Unlock()
	default: // newest, or unset
		sort.Slice(cands, func(i, j int) bool { return cands[i].Listing.CreatedAt.After(cands[j].Listing.CreatedAt) })
	}
	if reverse {
		for i, j := 0, len(cands)-1; i < j; i, j = i+1, j-1 {
			cands[i], cands[j] = cands[j], cands[i]
		}
	}
	if maxItems > 0 && len(cands) > maxItems {
		cands = cands[:maxItems]
	}
	return cands
}

func (e *GenericEngine) pace(ctx context.Context, action ActionKind, userID string) {
	if err := e.limiter.WaitPacing(ctx, e.mkt, userID); err != nil {
		return
	}
	e.mu.Lock()
	rng := e.rng
	e.mu.Unlock()
	if rangeCfg, ok := e.pacing[action]; ok {
		e.sleep(ctx, rangeCfg.sample(rng))
	}
}

func (e *GenericEngine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (e *GenericEngine) invoke(ctx context.Context, action ActionKind, in FiringInput, cand Candidate) (ClientResponse, error) {
	switch action {
	case ActionShare:
		return e.client.Share(ctx, cand.Post.ExternalID)
	case ActionShareToParty:
		partyID := ""
		if c := in.Rule.Config.PartyShare; c != nil && len(c.PartyCategories) > 0 {
			partyID = c.PartyCategories[0]
		}
		return e.client.ShareToParty(ctx, cand.Post.ExternalID, partyID)
	case ActionFollow:
		return e.client.Follow(ctx, cand.Post.ExternalID)
	case ActionUnfollow:
		return e.client.Unfollow(ctx, cand.Post.ExternalID)
	case ActionBump:
		return e.client.Bump(ctx, cand.Post.ExternalID)
	case ActionRefresh:
		return e.client.Refresh(ctx, cand.Post.ExternalID)
	case ActionDropPrice:
		return e.invokeDropPrice(ctx, in, cand)
	case ActionSendOffer:
		return e.invokeSendOffer(ctx, in, cand)
	case ActionSendBundleOffer:
		return e.client.SendBundleOffer(ctx, []string{cand.Post.ExternalID}, cand.Listing.PriceCents)
	case ActionUpdateListing:
		return e.client.UpdateListing(ctx, cand.Post.ExternalID, nil)
	case ActionDelist:
		return e.client.Delist(ctx, cand.Post.ExternalID)
	default:
		return e.client.Share(ctx, cand.Post.ExternalID)
	}
}

func (e *GenericEngine) invokeDropPrice(ctx context.Context, in FiringInput, cand Candidate) (ClientResponse, error) {
	cfg := in.Rule.Config.SmartDrop
	if cfg == nil {
		return ClientResponse{Success: false, HTTPStatus: 422, ErrorCode: "missing_config", Message: "smart_drop rule missing config"}, nil
	}
	if !e.dropTrack.Eligible(cand.Listing.ID, cfg.MinDaysBetweenDrops, cfg.MaxTotalDropPercentage, in.Now) {
		return ClientResponse{Success: false, HTTPStatus: 422, ErrorCode: "drop_not_eligible", Message: "minimum days between drops not elapsed or cap reached"}, nil
	}
	rec := e.dropTrack.Get(cand.Listing.ID)
	ageDays := int(in.Now.Sub(cand.Listing.CreatedAt).Hours() / 24)
	pct := dropstate.ScaledDropPercentage(cfg.BaseDropPercentage, ageDays, cfg.AccelerateAfterDays, rec.CumulativePercentage, cfg.MaxTotalDropPercentage)
	newPrice := int64(float64(cand.Listing.PriceCents) * (1 - pct/100))
	if newPrice < cfg.MinPriceCents {
		newPrice = cfg.MinPriceCents
	}
	resp, err := e.client.DropPrice(ctx, cand.Post.ExternalID, newPrice)
	if resp.Success {
		e.dropTrack.Apply(cand.Listing.ID, pct, in.Now)
	}
	return resp, err
}

func (e *GenericEngine) invokeSendOffer(ctx context.Context, in FiringInput, cand Candidate) (ClientResponse, error) {
	var template offer.Template
	switch in.Rule.Type {
	case rule.TypeAutoOffer:
		if c := in.Rule.Config.AutoOffer; c != nil {
			template = offer.Template{DiscountPercent: c.DiscountPercent, MaxOffersPerItem: c.MaxOffersPerItem}
		}
	case rule.TypeWatcherOffers:
		if c := in.Rule.Config.WatcherOffers; c != nil {
			template = offer.Template{DiscountPercent: c.OfferDiscountPercentage, MaxOffersPerItem: c.MaxOffersPerItem}
		}
	}
	price := offer.ComputePrice(cand.Listing.PriceCents, template)
	return e.client.SendOffer(ctx, cand.Post.ExternalID, price)
}

// Delist implements Delister: it runs the same circuit/rate-limit admission
// as a full firing for a single external listing, with no rule or candidate
// batch behind it (spec.md §4.10 step 3).
func (e *GenericEngine) Delist(ctx context.Context, externalID string) (ClientResponse, error) {
	now := time.Now().UTC()
	if err := e.breaker.Allow(ctx, e.mkt, now); err != nil {
		return ClientResponse{Success: false, ErrorCode: "circuit_open", Message: err.Error()}, nil
	}
	decision, err := e.limiter.Check(ctx, e.mkt, "", now)
	if err != nil {
		return ClientResponse{}, err
	}
	if !decision.Allowed {
		return ClientResponse{Success: false, HTTPStatus: 429, ErrorCode: "rate_limited", Message: "rate limit exhausted"}, nil
	}
	e.pace(ctx, ActionDelist, "")
	resp, callErr := e.client.Delist(ctx, externalID)
	_ = e.limiter.Record(ctx, e.mkt, "", resp.Success, now)
	if resp.Success {
		_ = e.breaker.RecordSuccess(ctx, e.mkt, now)
	} else {
		_ = e.breaker.RecordFailure(ctx, e.mkt, now)
	}
	return resp, callErr
}

var _ Engine = (*GenericEngine)(nil)
var _ Delister = (*GenericEngine)(nil)
