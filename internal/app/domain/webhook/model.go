// Package webhook models webhook configurations, ingested events, and the
// adaptive polling schedules used where a marketplace offers no push
// notifications.
package webhook

import (
	"time"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
)

// EventStatus is the closed set of processing states for an ingested event.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
	EventIgnored    EventStatus = "ignored"
)

// Kind is the closed set of normalized event kinds a marketplace reports.
type Kind string

const (
	KindSaleCompleted    Kind = "sale_completed"
	KindListingEnded     Kind = "listing_ended"
	KindInventoryUpdated Kind = "inventory_updated"
)

// Priority orders enqueued events; sales outrank informational updates.
type Priority int

const (
	PriorityInformational Priority = 0
	PriorityHigh          Priority = 10
)

// PriorityFor returns the enqueue priority for a normalized event kind.
func PriorityFor(k Kind) Priority {
	switch k {
	case KindSaleCompleted:
		return PriorityHigh
	default:
		return PriorityInformational
	}
}

// Configuration is a per-(user, marketplace) webhook registration.
type Configuration struct {
	ID                string
	UserID            string
	Marketplace       marketplace.Tag
	Endpoint          string
	Secret            string
	SignatureAlgo     string // e.g. "hmac-sha256"
	SubscribedEvents  []Kind
	Verified          bool
	ErrorCount        int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Event is a raw ingested marketplace event.
type Event struct {
	ID               string
	Marketplace      marketplace.Tag
	ExternalEventID  string
	RawPayload       []byte
	Headers          map[string]string
	SignatureValid   bool
	Status           EventStatus
	DuplicateOf      string // set when this event is a dedup of another
	Priority         Priority
	Kind             Kind
	ReceivedAt       time.Time
	ProcessedAt      time.Time
}

// NormalizedEvent is the result of Ingestor.normalize: a classified event
// ready for enqueue into the Executor.
type NormalizedEvent struct {
	EventID         string
	UserID          string
	Marketplace     marketplace.Tag
	Kind            Kind
	ListingExternalID string
	Priority        Priority
	OccurredAt      time.Time
}

// PollingSchedule drives adaptive interval polling for marketplaces without
// push webhooks.
type PollingSchedule struct {
	ID                string
	UserID            string
	Marketplace       marketplace.Tag
	Interval          time.Duration
	MinInterval       time.Duration
	MaxInterval       time.Duration
	MaxFailures       int
	ConsecutiveFailures int
	Disabled          bool
	LastPollAt        time.Time
	LastPollFoundSale bool
	UpdatedAt         time.Time
}
