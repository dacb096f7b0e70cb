// Package listing models a seller's item and its per-marketplace posts.
package listing

import (
	"time"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
)

// Status is the closed set of listing lifecycle states.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusActive  Status = "active"
	StatusSold    Status = "sold"
	StatusDeleted Status = "deleted"
)

// Listing is a sellable item, independent of any marketplace.
type Listing struct {
	ID        string
	UserID    string
	Title     string
	PriceCents int64
	Quantity  int
	Category  string
	Brand     string
	Condition string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PostStatus is the closed set of per-marketplace post states.
type PostStatus string

const (
	PostPending   PostStatus = "pending"
	PostPosted    PostStatus = "posted"
	PostFailed    PostStatus = "failed"
	PostDelisted  PostStatus = "delisted"
)

// ActiveLike reports whether a post still represents a live marketplace
// presence eligible for cross-platform sync delisting.
func (s PostStatus) ActiveLike() bool {
	return s == PostPosted
}

// Post ties a Listing to one marketplace's external representation.
type Post struct {
	ID          string
	ListingID   string
	Marketplace marketplace.Tag
	ExternalID  string
	ExternalURL string
	Status      PostStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CanTransitionTo validates the allowed listing status transitions
// (draft -> active -> {sold, deleted}, plus draft -> deleted); delisted is a
// post state, not a
// listing state.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusDraft:
		return next == StatusActive || next == StatusDeleted
	case StatusActive:
		return next == StatusSold || next == StatusDeleted
	default:
		return false
	}
}
