package engines

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/rule"
	"github.com/resaleflow/automation-core/internal/app/ratelimiter"
	"github.com/resaleflow/automation-core/internal/app/resilience"
	"github.com/resaleflow/automation-core/internal/app/sharesettings"
	"github.com/resaleflow/automation-core/pkg/logger"
)

// PoshmarkEngine is a share-heavy marketplace variant: it reuses
// GenericEngine for everything except auto_share and party_share, where it
// layers a user's sharesettings.Config (pacing bounds, ordering, peak-hour
// and weekend multipliers, party-share bounding) on top of the generic
// pacing table.
type PoshmarkEngine struct {
	*GenericEngine

	mu       sync.Mutex
	settings map[string]sharesettings.Config // keyed by user id
	rng      *rand.Rand
}

// NewPoshmarkEngine builds a Poshmark-style engine for mkt.
func NewPoshmarkEngine(mkt marketplace.Tag, client MarketplaceClient, limiter *ratelimiter.Limiter, breaker *resilience.Breaker, log *logger.Logger) *PoshmarkEngine {
	if log == nil {
		log = logger.NewDefault("engine-" + string(mkt))
	}
	return &PoshmarkEngine{
		GenericEngine: NewGenericEngine(mkt, client, limiter, breaker, log),
		settings:      make(map[string]sharesettings.Config),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithUserSettings seeds a user's share configuration, e.g. loaded from the
// Record Store before a firing.
func (e *PoshmarkEngine) WithUserSettings(userID string, cfg sharesettings.Config) *PoshmarkEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings[userID] = cfg.Normalize()
	return e
}

func (e *PoshmarkEngine) settingsFor(userID string) sharesettings.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg, ok := e.settings[userID]; ok {
		return cfg
	}
	return sharesettings.DefaultConfig().Normalize()
}

// Execute overrides the generic share/party_share path with per-user pacing
// (spec.md §4.9); every other rule type defers to GenericEngine.Execute.
func (e *PoshmarkEngine) Execute(ctx context.Context, in FiringInput) (Result, error) {
	if in.Rule.Type != rule.TypeAutoShare && in.Rule.Type != rule.TypePartyShare {
		return e.GenericEngine.Execute(ctx, in)
	}
	if err := e.ValidateRule(in.Rule); err != nil {
		return Result{ValidationErr: err.Error()}, err
	}
	if !in.Connection.Usable(in.Now) {
		action := actionFor(in.Rule.Type)
		return Result{
			Attempted: 1,
			Failed:    1,
			Outcomes:  []ItemOutcome{{Action: action, Succeeded: false, Response: connectionUnusable()}},
		}, nil
	}

	cfg := e.settingsFor(in.Rule.UserID)
	action := actionFor(in.Rule.Type)
	ordered := e.orderForShare(in, cfg)
	resumed := skipSet(in.ResumeFrom)

	var res Result
	res.Action = action
	remaining := cfg.RemainingDailyShares(cfg.Counters.MonthTotal)
	sessionCount := 0

	for _, cand := range ordered {
		if resumed[cand.Post.ID] {
			continue
		}
		if remaining <= 0 {
			res.RateLimited = true
			break
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		if err := e.breaker.Allow(ctx, e.mkt, in.Now); err != nil {
			res.Attempted++
			res.Failed++
			res.Outcomes = append(res.Outcomes, ItemOutcome{
				ListingID: cand.Listing.ID, PostID: cand.Post.ID, ExternalID: cand.Post.ExternalID,
				Action: action, Succeeded: false,
				Response: ClientResponse{Success: false, ErrorCode: "circuit_open", Message: err.Error()},
			})
			continue
		}

		decision, err := e.limiter.Check(ctx, e.mkt, in.Rule.UserID, in.Now)
		if err != nil {
			return res, err
		}
		if !decision.Allowed {
			res.RateLimited = true
			res.Attempted++
			res.Failed++
			res.Outcomes = append(res.Outcomes, ItemOutcome{
				ListingID: cand.Listing.ID, PostID: cand.Post.ID, ExternalID: cand.Post.ExternalID,
				Action: action, Succeeded: false,
				Response: ClientResponse{Success: false, HTTPStatus: 429, ErrorCode: "rate_limited", Message: "rate limit exhausted"},
			})
			continue
		}

		e.sleep(ctx, e.shareInterval(cfg, in.Now))

		var resp ClientResponse
		var callErr error
		if in.Rule.Type == rule.TypePartyShare {
			partyID := ""
			if c := in.Rule.Config.PartyShare; c != nil && len(c.PartyCategories) > 0 {
				partyID = c.PartyCategories[sessionCount%len(c.PartyCategories)]
			}
			resp, callErr = e.client.ShareToParty(ctx, cand.Post.ExternalID, partyID)
		} else {
			resp, callErr = e.client.Share(ctx, cand.Post.ExternalID)
		}

		res.Attempted++
		_ = e.limiter.Record(ctx, e.mkt, in.Rule.UserID, resp.Success, in.Now)
		if resp.Success {
			res.Succeeded++
			res.ProcessedItems = append(res.ProcessedItems, cand.Post.ID)
			_ = e.breaker.RecordSuccess(ctx, e.mkt, in.Now)
			remaining--
			sessionCount++
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

		if cfg.SharePerSession > 0 && sessionCount > 0 && sessionCount%cfg.SharePerSession == 0 {
			e.sleep(ctx, time.Duration(cfg.SessionBreakMinutes)*time.Minute)
		}
	}

	return res, nil
}

// shareInterval samples a pacing delay within [Min,Max], widened by the
// configuration's peak-hour/weekend multiplier.
func (e *PoshmarkEngine) shareInterval(cfg sharesettings.Config, now time.Time) time.Duration {
	min, max := cfg.MinShareInterval, cfg.MaxShareInterval
	mult := cfg.PacingMultiplier(now)

	e.mu.Lock()
	rng := e.rng
	e.mu.Unlock()

	base := min
	if max > min {
		base = min + time.Duration(rng.Int63n(int64(max-min)))
	}
	return time.Duration(float64(base) * mult)
}

// orderForShare fills in the user's configured share order for auto_share
// when the rule sets none (the item cap stays the rule's MaxItems), and
// applies the rule's configured per-party cap for party_share. The user-level
// sharesettings.Config.ReverseOrder is additive with any rule-level
// ReverseOrder: either one reverses the computed order.
func (e *PoshmarkEngine) orderForShare(in FiringInput, cfg sharesettings.Config) []Candidate {
	reordered := in
	switch in.Rule.Type {
	case rule.TypeAutoShare:
		if in.Rule.Config.AutoShare != nil {
			c := *in.Rule.Config.AutoShare
			if c.ShareOrder == "" {
				c.ShareOrder = rule.ShareOrder(cfg.ShareOrder)
			}
			if cfg.ReverseOrder {
				c.ReverseOrder = true
			}
			reordered.Rule.Config.AutoShare = &c
		}
	case rule.TypePartyShare:
		if in.Rule.Config.PartyShare != nil && cfg.ReverseOrder {
			c := *in.Rule.Config.PartyShare
			c.ReverseOrder = true
			reordered.Rule.Config.PartyShare = &c
		}
	}
	return e.order(reordered)
}

var _ Engine = (*PoshmarkEngine)(nil)
