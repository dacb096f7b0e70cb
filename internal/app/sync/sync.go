// Package sync implements the Cross-Platform Sync Coordinator (C12): when a
// marketplace reports a sale, it resolves every other marketplace still
// carrying the listing and fans out delist sub-jobs to the Executor,
// enforcing at-most-one active sync job per (listing, triggering event).
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	core "github.com/resaleflow/automation-core/internal/app/core/service"
	"github.com/resaleflow/automation-core/internal/app/domain/listing"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	syncdomain "github.com/resaleflow/automation-core/internal/app/domain/sync"
	"github.com/resaleflow/automation-core/internal/app/executor"
	"github.com/resaleflow/automation-core/internal/app/storage"
	"github.com/resaleflow/automation-core/pkg/logger"
	"github.com/resaleflow/automation-core/pkg/metrics"
)

// ErrAlreadyActive is returned by Start when a sync job for the same
// (listing, triggering event) is already pending or processing.
type ErrAlreadyActive struct {
	ExistingJobID string
}

func (e ErrAlreadyActive) Error() string {
	return fmt.Sprintf("sync job %s already active for this listing and event", e.ExistingJobID)
}

// Enqueuer is the Executor seam Coordinator submits delist sub-jobs through.
type Enqueuer interface {
	Submit(job executor.Job)
}

// SaleEvent is the normalized trigger a webhook or poller hands the
// coordinator (spec.md §4.10 Trigger).
type SaleEvent struct {
	UserID           string
	ListingExternalID string
	SoldMarketplace  marketplace.Tag
	TriggerEventID   string
}

// syncDelistPriority matches the "high" priority Executor sub-jobs must
// carry (spec.md §4.10 step 3).
const syncDelistPriority = 100

// Coordinator is the Cross-Platform Sync Coordinator (C12).
type Coordinator struct {
	listings storage.ListingStore
	syncs    storage.SyncStore
	exec     Enqueuer
	log      *logger.Logger
	met      *metrics.Registry
	clock    func() time.Time
}

// New builds a Coordinator.
func New(listings storage.ListingStore, syncs storage.SyncStore, exec Enqueuer, log *logger.Logger, met *metrics.Registry) *Coordinator {
	if log == nil {
		log = logger.NewDefault("sync-coordinator")
	}
	return &Coordinator{
		listings: listings,
		syncs:    syncs,
		exec:     exec,
		log:      log,
		met:      met,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, for deterministic tests.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Descriptor advertises placement for system.CollectDescriptors.
func (c *Coordinator) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "sync-coordinator",
		Domain:       "automation",
		Layer:        core.LayerEngine,
		Capabilities: []string{"fan-out", "at-most-one-active"},
	}
}

// Start runs the Trigger → Job creation → fan-out algorithm of spec.md
// §4.10. It resolves the sold listing from (sold_marketplace, external_id),
// determines the other marketplaces still carrying it, and submits one
// delist sub-job per target. Returns ErrAlreadyActive if a sync job for this
// (listing, event) is already in flight.
func (c *Coordinator) Start(ctx context.Context, evt SaleEvent) (syncdomain.Job, error) {
	now := c.clock()

	soldPost, err := c.listings.FindPostByExternalID(ctx, evt.SoldMarketplace, evt.ListingExternalID)
	if err != nil {
		return syncdomain.Job{}, err
	}

	if existing, active, err := c.syncs.ActiveSyncJob(ctx, soldPost.ListingID, evt.TriggerEventID); err != nil {
		return syncdomain.Job{}, err
	} else if active {
		return existing, ErrAlreadyActive{ExistingJobID: existing.ID}
	}

	posts, err := c.listings.ListPostsForListing(ctx, soldPost.ListingID)
	if err != nil {
		return syncdomain.Job{}, err
	}

	var targets []marketplace.Tag
	var targetPosts []listing.Post
	for _, p := range posts {
		if p.Marketplace == evt.SoldMarketplace {
			continue
		}
		if !p.Status.ActiveLike() {
			continue
		}
		targets = append(targets, p.Marketplace)
		targetPosts = append(targetPosts, p)
	}

	job := syncdomain.Job{
		ID:                uuid.NewString(),
		ListingID:         soldPost.ListingID,
		TriggerEventID:    evt.TriggerEventID,
		SourceMarketplace: evt.SoldMarketplace,
		Targets:           targets,
		Total:             len(targets),
		Status:            syncdomain.StatusPending,
		StartedAt:         now,
	}

	if len(targets) == 0 {
		job.Status = syncdomain.StatusCompleted
		job.FinishedAt = now
	}

	created, err := c.syncs.CreateSyncJob(ctx, job)
	if err != nil {
		return syncdomain.Job{}, err
	}

	if c.met != nil {
		c.met.SyncJobsTotal.WithLabelValues("started").Inc()
	}

	for _, p := range targetPosts {
		c.exec.Submit(executor.Job{
			ID:           uuid.NewString(),
			Kind:         executor.KindSyncDelist,
			UserID:       evt.UserID,
			Marketplace:  p.Marketplace,
			Priority:     syncDelistPriority,
			ScheduledFor: now,
			AttemptID:    uuid.NewString(),
			SyncJobID:    created.ID,
			ListingID:    soldPost.ListingID,
			PostID:       p.ID,
			ExternalID:   p.ExternalID,
		})
	}

	return created, nil
}

// RecordOutcome applies one target marketplace's delist result to the sync
// job, transitioning the Listing Post to delisted on success (spec.md §4.10
// step 4), and finalizes the job once every target has reported.
func (c *Coordinator) RecordOutcome(ctx context.Context, jobID, postID string, mkt marketplace.Tag, succeeded bool, errMsg string, now time.Time) (syncdomain.Job, error) {
	job, err := c.syncs.GetSyncJob(ctx, jobID)
	if err != nil {
		return syncdomain.Job{}, err
	}

	job.Outcomes = append(job.Outcomes, syncdomain.TargetOutcome{Marketplace: mkt, Succeeded: succeeded, Error: errMsg})
	job.Done++
	if !succeeded {
		job.Failed++
	} else if err := c.listings.UpdatePostStatus(ctx, postID, listing.PostDelisted); err != nil {
		return syncdomain.Job{}, err
	}

	if job.Done >= job.Total {
		job.Finalize(now)
		if c.met != nil {
			c.met.SyncJobsTotal.WithLabelValues(string(job.Status)).Inc()
		}
	}

	return c.syncs.UpdateSyncJob(ctx, job)
}
