// Package offer implements the Offer Template math from spec.md §4.8: given
// a listing's original price and a template's discount, compute the offer
// price subject to a price floor.
package offer

import "math"

// Template is an Offer Template (spec.md §6 auto_offer / watcher_offers rule
// configs reduce to this shape).
type Template struct {
	DiscountPercent     float64 // 0-100
	ShippingDiscount     float64 // 0-100, informational; not priced here
	BundleTiers          []BundleTier
	ExpirationHours      int
	MaxOffersPerItem     int
	DailyOfferLimit      int
	PriceFloorCents      int64
	MinPriceThresholdCents int64
}

// BundleTier is one tier of a bundle-offer ladder (e.g. "3 items: 20% off").
type BundleTier struct {
	MinItems        int
	DiscountPercent float64
}

// ComputePrice implements spec.md §4.8's Offer formula:
//
//	offer price = clamp(round(original * (1 - discount)), min(priceFloor, minPriceThreshold))
//
// The floor is the smaller of the template's configured price floor and its
// minimum price threshold, so neither guardrail can be bypassed by the
// other being unset.
func ComputePrice(originalPriceCents int64, t Template) int64 {
	discount := t.DiscountPercent / 100
	if discount < 0 {
		discount = 0
	}
	if discount > 1 {
		discount = 1
	}
	raw := float64(originalPriceCents) * (1 - discount)
	rounded := int64(math.Round(raw))

	floor := t.PriceFloorCents
	if t.MinPriceThresholdCents > 0 && (floor <= 0 || t.MinPriceThresholdCents < floor) {
		floor = t.MinPriceThresholdCents
	}
	if floor > 0 && rounded < floor {
		return floor
	}
	if rounded < 0 {
		return 0
	}
	return rounded
}

// ComputeBundlePrice applies the larger of the base discount and the deepest
// bundle tier whose MinItems is met; the two discounts do not stack.
func ComputeBundlePrice(originalPriceCents int64, t Template, itemCount int) int64 {
	best := t.DiscountPercent
	for _, tier := range t.BundleTiers {
		if itemCount >= tier.MinItems && tier.DiscountPercent > best {
			best = tier.DiscountPercent
		}
	}
	withBundle := t
	withBundle.DiscountPercent = best
	return ComputePrice(originalPriceCents, withBundle)
}
