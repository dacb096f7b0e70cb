// Package webhook implements the Webhook Ingestor (C11): signature
// verification, deduplication, normalization, and priority enqueue of
// marketplace events, plus the adaptive Polling Schedule state machine used
// where a marketplace offers no push notifications.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	core "github.com/resaleflow/automation-core/internal/app/core/service"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	webhookdomain "github.com/resaleflow/automation-core/internal/app/domain/webhook"
	"github.com/resaleflow/automation-core/internal/app/executor"
	"github.com/resaleflow/automation-core/internal/app/storage"
	"github.com/resaleflow/automation-core/pkg/logger"
	"github.com/resaleflow/automation-core/pkg/metrics"
)

// Parser extracts a normalized event out of one marketplace's raw webhook
// payload. The real per-marketplace wire format is an external concern;
// Ingestor only depends on this seam.
type Parser interface {
	Parse(raw []byte) (ParsedEvent, error)
}

// ParsedEvent is what a Parser extracts from a raw payload before priority
// and user resolution are applied.
type ParsedEvent struct {
	ExternalEventID   string
	Kind              webhookdomain.Kind
	ListingExternalID string
	OccurredAt        time.Time
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(raw []byte) (ParsedEvent, error)

func (f ParserFunc) Parse(raw []byte) (ParsedEvent, error) { return f(raw) }

// genericPayload is the shape DefaultParser expects when no marketplace
// supplies its own Parser; it is deliberately permissive since the real
// per-marketplace schema is out of scope.
type genericPayload struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ListingID   string    `json:"listing_id"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// DefaultParser handles a simple JSON envelope, used by tests and any
// marketplace that has not registered a dedicated Parser.
var DefaultParser = ParserFunc(func(raw []byte) (ParsedEvent, error) {
	var p genericPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ParsedEvent{}, err
	}
	kind := webhookdomain.Kind(p.EventType)
	occurred := p.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return ParsedEvent{
		ExternalEventID:   p.EventID,
		Kind:              kind,
		ListingExternalID: p.ListingID,
		OccurredAt:        occurred,
	}, nil
})

// Enqueuer is the Executor seam Ingestor submits normalized events through.
type Enqueuer interface {
	Submit(job executor.Job)
}

// Ingestor is the Webhook Ingestor (C11).
type Ingestor struct {
	store   storage.WebhookStore
	exec    Enqueuer
	parsers map[marketplace.Tag]Parser
	log     *logger.Logger
	met     *metrics.Registry
	clock   func() time.Time
}

// New builds an Ingestor backed by store.
func New(store storage.WebhookStore, exec Enqueuer, log *logger.Logger, met *metrics.Registry) *Ingestor {
	if log == nil {
		log = logger.NewDefault("webhook-ingestor")
	}
	return &Ingestor{
		store:   store,
		exec:    exec,
		parsers: make(map[marketplace.Tag]Parser),
		log:     log,
		met:     met,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, for deterministic tests.
func (g *Ingestor) WithClock(clock func() time.Time) *Ingestor {
	g.clock = clock
	return g
}

// WithParser registers a marketplace-specific payload Parser.
func (g *Ingestor) WithParser(mkt marketplace.Tag, p Parser) *Ingestor {
	g.parsers[mkt] = p
	return g
}

// Descriptor advertises placement for system.CollectDescriptors.
func (g *Ingestor) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "webhook-ingestor",
		Domain:       "ingestion",
		Layer:        core.LayerIngress,
		Capabilities: []string{"signature-verification", "dedup", "priority-enqueue"},
	}
}

// Verify checks a raw payload's signature against the stored per-config
// secret as a hex-encoded HMAC-SHA256 digest. cfg.SignatureAlgo is not
// consulted: every configuration is verified with SHA-256.
func Verify(cfg webhookdomain.Configuration, raw []byte, signature string) bool {
	if cfg.Secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(cfg.Secret))
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Ingest is the endpoint's core operation: verify, dedupe, normalize, and
// enqueue. It always returns a nil error for a structurally valid call —
// invalid signatures and duplicates are recorded, not treated as failures,
// so the HTTP boundary can return 200 uniformly (spec.md §4.7, §6).
func (g *Ingestor) Ingest(ctx context.Context, userID string, mkt marketplace.Tag, raw []byte, headers map[string]string, signature string) (webhookdomain.Event, error) {
	now := g.clock()
	cfg, err := g.store.GetWebhookConfig(ctx, userID, mkt)
	if err != nil && err != storage.ErrNotFound {
		return webhookdomain.Event{}, err
	}

	valid := cfg.ID != "" && Verify(cfg, raw, signature)

	parsed, parseErr := g.parserFor(mkt).Parse(raw)

	evt := webhookdomain.Event{
		ID:             uuid.NewString(),
		Marketplace:    mkt,
		Headers:        headers,
		RawPayload:     raw,
		SignatureValid: valid,
		ReceivedAt:     now,
	}
	if parseErr == nil {
		evt.ExternalEventID = parsed.ExternalEventID
		evt.Kind = parsed.Kind
		evt.Priority = webhookdomain.PriorityFor(parsed.Kind)
	}

	if !valid {
		evt.Status = webhookdomain.EventIgnored
		created, err := g.store.CreateEvent(ctx, evt)
		if err != nil {
			return webhookdomain.Event{}, err
		}
		if g.met != nil {
			g.met.WebhookEventsTotal.WithLabelValues("invalid_signature").Inc()
		}
		return created, nil
	}

	if evt.ExternalEventID != "" {
		if existing, err := g.store.FindEventByExternalID(ctx, mkt, evt.ExternalEventID); err == nil {
			evt.Status = webhookdomain.EventIgnored
			evt.DuplicateOf = existing.ID
			created, err := g.store.CreateEvent(ctx, evt)
			if err != nil {
				return webhookdomain.Event{}, err
			}
			if g.met != nil {
				g.met.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
			}
			return created, nil
		} else if err != storage.ErrNotFound {
			return webhookdomain.Event{}, err
		}
	}

	if parseErr != nil {
		evt.Status = webhookdomain.EventFailed
		created, err := g.store.CreateEvent(ctx, evt)
		if err != nil {
			return webhookdomain.Event{}, err
		}
		if g.met != nil {
			g.met.WebhookEventsTotal.WithLabelValues("unparseable").Inc()
		}
		return created, nil
	}

	evt.Status = webhookdomain.EventPending
	created, err := g.store.CreateEvent(ctx, evt)
	if err != nil {
		return webhookdomain.Event{}, err
	}

	g.exec.Submit(executor.Job{
		ID:                uuid.NewString(),
		Kind:              executor.KindWebhookEvent,
		UserID:            userID,
		Marketplace:       mkt,
		Priority:          int(created.Priority),
		ScheduledFor:      now,
		AttemptID:         uuid.NewString(),
		EventID:           created.ID,
		EventKind:         string(created.Kind),
		ListingExternalID: parsed.ListingExternalID,
		OccurredAt:        parsed.OccurredAt,
	})
	if g.met != nil {
		g.met.WebhookEventsTotal.WithLabelValues("enqueued").Inc()
	}
	return created, nil
}

func (g *Ingestor) parserFor(mkt marketplace.Tag) Parser {
	if p, ok := g.parsers[mkt]; ok {
		return p
	}
	return DefaultParser
}

// MarkProcessed updates the stored event's terminal status once the
// Executor's webhook-event job has run.
func (g *Ingestor) MarkProcessed(ctx context.Context, eventID string, success bool) error {
	status := webhookdomain.EventCompleted
	if !success {
		status = webhookdomain.EventFailed
	}
	return g.store.UpdateEventStatus(ctx, eventID, status)
}
