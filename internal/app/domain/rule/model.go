// Package rule models an Automation Rule: what a user wants done, on which
// marketplace, and under what configuration. Config is a tagged union keyed
// by Type, one struct per recognized rule type.
package rule

import (
	"time"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
)

// Type is the closed set of rule kinds recognized by the core.
type Type string

const (
	TypeAutoBump      Type = "auto_bump"
	TypeSmartDrop      Type = "smart_drop"
	TypeAutoOffer      Type = "auto_offer"
	TypeAutoShare      Type = "auto_share"
	TypePartyShare     Type = "party_share"
	TypeWatcherOffers  Type = "watcher_offers"
	TypeFollow         Type = "follow"
	TypeRelist         Type = "relist"
	TypeBundleOffer    Type = "bundle_offer"
)

// AutoBumpConfig bumps listings to refresh their feed position.
type AutoBumpConfig struct {
	MaxBumpsPerWeek     int
	MinDaysBetweenBumps int
	BumpsPerExecution   int
	MinViewsForBump     int
	ReverseOrder        bool
}

// SmartDropConfig drops listing prices on a schedule bounded by guardrails.
type SmartDropConfig struct {
	MinDaysBetweenDrops    int
	BaseDropPercentage     float64
	MaxTotalDropPercentage float64
	AccelerateAfterDays    int
	MinPriceCents          int64
}

// AutoOfferConfig sends offers from a named template.
type AutoOfferConfig struct {
	TemplateID       string
	MaxOffersPerItem int
	DiscountPercent  float64
	IncludeShipping  bool
}

// ShareOrder is the priority ordering used to pick target listings.
type ShareOrder string

const (
	ShareOrderNewest    ShareOrder = "newest"
	ShareOrderOldest    ShareOrder = "oldest"
	ShareOrderRandom    ShareOrder = "random"
	ShareOrderPriceHigh ShareOrder = "price_high"
	ShareOrderPriceLow  ShareOrder = "price_low"
)

// AutoShareConfig shares active listings on a pacing schedule.
type AutoShareConfig struct {
	MaxItems     int
	MinDelay     time.Duration
	MaxDelay     time.Duration
	ShareOrder   ShareOrder
	ReverseOrder bool
}

// PartyShareConfig shares into active "parties" matched by category.
type PartyShareConfig struct {
	MaxItemsPerParty int
	PartyCategories  []string
	ReverseOrder     bool
}

// WatcherOffersConfig sends offers to users who have watched a listing.
type WatcherOffersConfig struct {
	MinWatchDays           int
	OfferDiscountPercentage float64
	MaxOffersPerItem        int
}

// Config is the tagged union of rule configuration variants. Exactly one
// field matching Type is populated; engines validate the matching variant
// before a rule is enabled.
type Config struct {
	AutoBump      *AutoBumpConfig
	SmartDrop     *SmartDropConfig
	AutoOffer     *AutoOfferConfig
	AutoShare     *AutoShareConfig
	PartyShare    *PartyShareConfig
	WatcherOffers *WatcherOffersConfig
}

// Counters tracks lifetime execution outcomes for a rule.
type Counters struct {
	Total   int64
	Success int64
	Fail    int64
}

// Rule is an Automation Rule.
type Rule struct {
	ID             string
	UserID         string
	Marketplace    marketplace.Tag
	Type           Type
	Config         Config
	Enabled        bool
	Counters       Counters
	LastExecutedAt time.Time
	LastError      string
	// ConsecutiveValidationFailures counts uninterrupted validation/permanent
	// failures since the last success; a caller auto-disables the rule once
	// this crosses MaxConsecutiveValidationFailures (spec.md §7).
	ConsecutiveValidationFailures int
	CreatedAt                     time.Time
	UpdatedAt                     time.Time
}

// MaxConsecutiveValidationFailures is the threshold at which repeated
// validation failures auto-disable a rule (spec.md §7: "for rules with
// repeated validation failures, auto-disable the rule and notify the
// user").
const MaxConsecutiveValidationFailures = 3

// RecordSuccess updates counters and clears the last error after a
// successful firing.
func (r *Rule) RecordSuccess(at time.Time) {
	r.Counters.Total++
	r.Counters.Success++
	r.LastExecutedAt = at
	r.LastError = ""
	r.ConsecutiveValidationFailures = 0
}

// RecordFailure updates counters and records the reason after a failed
// firing.
func (r *Rule) RecordFailure(at time.Time, reason string) {
	r.Counters.Total++
	r.Counters.Fail++
	r.LastExecutedAt = at
	r.LastError = reason
}

// RecordValidationFailure is RecordFailure plus the consecutive-validation
// tracking that drives auto-disable.
func (r *Rule) RecordValidationFailure(at time.Time, reason string) {
	r.RecordFailure(at, reason)
	r.ConsecutiveValidationFailures++
}

// ShouldAutoDisable reports whether repeated validation failures have
// crossed the auto-disable threshold.
func (r *Rule) ShouldAutoDisable() bool {
	return r.ConsecutiveValidationFailures >= MaxConsecutiveValidationFailures
}
