package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	syncdomain "github.com/resaleflow/automation-core/internal/app/domain/sync"
	"github.com/resaleflow/automation-core/internal/app/domain/webhook"
	"github.com/resaleflow/automation-core/internal/app/storage"
)

func (s *Store) GetWebhookConfig(ctx context.Context, userID string, mkt marketplace.Tag) (webhook.Configuration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, marketplace, endpoint, secret, signature_algo, subscribed_events,
			verified, error_count, created_at, updated_at
		FROM webhook_configurations WHERE user_id = $1 AND marketplace = $2
	`, userID, string(mkt))

	var c webhook.Configuration
	var mktStr string
	var events []string
	if err := row.Scan(&c.ID, &c.UserID, &mktStr, &c.Endpoint, &c.Secret, &c.SignatureAlgo,
		pq.Array(&events), &c.Verified, &c.ErrorCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return webhook.Configuration{}, storage.ErrNotFound
		}
		return webhook.Configuration{}, err
	}
	c.Marketplace = marketplace.Tag(mktStr)
	c.SubscribedEvents = make([]webhook.Kind, len(events))
	for i, e := range events {
		c.SubscribedEvents[i] = webhook.Kind(e)
	}
	return c, nil
}

func (s *Store) FindEventByExternalID(ctx context.Context, mkt marketplace.Tag, externalEventID string) (webhook.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, marketplace, external_event_id, raw_payload, headers, signature_valid, status,
			duplicate_of, priority, kind, received_at, processed_at
		FROM webhook_events WHERE marketplace = $1 AND external_event_id = $2
	`, string(mkt), externalEventID)
	return scanWebhookEvent(row)
}

func (s *Store) CreateEvent(ctx context.Context, e webhook.Event) (webhook.Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	headers := make([]byte, 0)
	if len(e.Headers) > 0 {
		var err error
		headers, err = headersToJSON(e.Headers)
		if err != nil {
			return webhook.Event{}, err
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, marketplace, external_event_id, raw_payload, headers,
			signature_valid, status, duplicate_of, priority, kind, received_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, string(e.Marketplace), e.ExternalEventID, e.RawPayload, nullJSON(headers),
		e.SignatureValid, string(e.Status), e.DuplicateOf, int(e.Priority), string(e.Kind),
		e.ReceivedAt, toNullTime(e.ProcessedAt))
	return e, err
}

func (s *Store) UpdateEventStatus(ctx context.Context, id string, status webhook.EventStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = $2, processed_at = now() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanWebhookEvent(row rowScanner) (webhook.Event, error) {
	var e webhook.Event
	var mktStr, status, kind string
	var rawPayload []byte
	var headers sql.NullString
	var duplicateOf sql.NullString
	var processedAt sql.NullTime
	if err := row.Scan(&e.ID, &mktStr, &e.ExternalEventID, &rawPayload, &headers, &e.SignatureValid,
		&status, &duplicateOf, (*int)(&e.Priority), &kind, &e.ReceivedAt, &processedAt); err != nil {
		if err == sql.ErrNoRows {
			return webhook.Event{}, storage.ErrNotFound
		}
		return webhook.Event{}, err
	}
	e.Marketplace = marketplace.Tag(mktStr)
	e.Status = webhook.EventStatus(status)
	e.Kind = webhook.Kind(kind)
	e.RawPayload = rawPayload
	e.DuplicateOf = duplicateOf.String
	e.ProcessedAt = fromNullTime(processedAt)
	if headers.Valid {
		parsed, err := headersFromJSON([]byte(headers.String))
		if err != nil {
			return webhook.Event{}, err
		}
		e.Headers = parsed
	}
	return e, nil
}

func (s *Store) GetPollingSchedule(ctx context.Context, userID string, mkt marketplace.Tag) (webhook.PollingSchedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, marketplace, interval_ms, min_interval_ms, max_interval_ms, max_failures,
			consecutive_failures, disabled, last_poll_at, last_poll_found_sale, updated_at
		FROM polling_schedules WHERE user_id = $1 AND marketplace = $2
	`, userID, string(mkt))

	var p webhook.PollingSchedule
	var mktStr string
	var intervalMs, minMs, maxMs int64
	var lastPollAt sql.NullTime
	if err := row.Scan(&p.ID, &p.UserID, &mktStr, &intervalMs, &minMs, &maxMs, &p.MaxFailures,
		&p.ConsecutiveFailures, &p.Disabled, &lastPollAt, &p.LastPollFoundSale, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return webhook.PollingSchedule{}, storage.ErrNotFound
		}
		return webhook.PollingSchedule{}, err
	}
	p.Marketplace = marketplace.Tag(mktStr)
	p.Interval = time.Duration(intervalMs) * time.Millisecond
	p.MinInterval = time.Duration(minMs) * time.Millisecond
	p.MaxInterval = time.Duration(maxMs) * time.Millisecond
	p.LastPollAt = fromNullTime(lastPollAt)
	return p, nil
}

func (s *Store) UpsertPollingSchedule(ctx context.Context, p webhook.PollingSchedule) (webhook.PollingSchedule, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO polling_schedules (id, user_id, marketplace, interval_ms, min_interval_ms,
			max_interval_ms, max_failures, consecutive_failures, disabled, last_poll_at,
			last_poll_found_sale, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (user_id, marketplace) DO UPDATE SET
			interval_ms = EXCLUDED.interval_ms, min_interval_ms = EXCLUDED.min_interval_ms,
			max_interval_ms = EXCLUDED.max_interval_ms, max_failures = EXCLUDED.max_failures,
			consecutive_failures = EXCLUDED.consecutive_failures, disabled = EXCLUDED.disabled,
			last_poll_at = EXCLUDED.last_poll_at, last_poll_found_sale = EXCLUDED.last_poll_found_sale,
			updated_at = now()
	`, p.ID, p.UserID, string(p.Marketplace), p.Interval.Milliseconds(), p.MinInterval.Milliseconds(),
		p.MaxInterval.Milliseconds(), p.MaxFailures, p.ConsecutiveFailures, p.Disabled,
		toNullTime(p.LastPollAt), p.LastPollFoundSale)
	if err != nil {
		return webhook.PollingSchedule{}, err
	}
	return s.GetPollingSchedule(ctx, p.UserID, p.Marketplace)
}

func (s *Store) ActiveSyncJob(ctx context.Context, listingID, triggerEventID string) (syncdomain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, listing_id, trigger_event_id, source_marketplace, targets, total, done, failed,
			status, started_at, finished_at
		FROM cross_platform_sync_jobs
		WHERE listing_id = $1 AND trigger_event_id = $2 AND status IN ('pending', 'processing')
	`, listingID, triggerEventID)

	j, err := scanSyncJob(row)
	if err == storage.ErrNotFound {
		return syncdomain.Job{}, false, nil
	}
	if err != nil {
		return syncdomain.Job{}, false, err
	}
	return j, true, nil
}

func (s *Store) GetSyncJob(ctx context.Context, id string) (syncdomain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, listing_id, trigger_event_id, source_marketplace, targets, total, done, failed,
			status, started_at, finished_at
		FROM cross_platform_sync_jobs
		WHERE id = $1
	`, id)
	return scanSyncJob(row)
}

func (s *Store) CreateSyncJob(ctx context.Context, j syncdomain.Job) (syncdomain.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	targets := make([]string, len(j.Targets))
	for i, t := range j.Targets {
		targets[i] = string(t)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cross_platform_sync_jobs (id, listing_id, trigger_event_id, source_marketplace,
			targets, outcomes, total, done, failed, status, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, j.ID, j.ListingID, j.TriggerEventID, string(j.SourceMarketplace), pq.Array(targets),
		nullJSON(nil), j.Total, j.Done, j.Failed, string(j.Status), toNullTime(j.StartedAt), toNullTime(j.FinishedAt))
	if err != nil {
		return syncdomain.Job{}, err
	}
	return j, nil
}

func (s *Store) UpdateSyncJob(ctx context.Context, j syncdomain.Job) (syncdomain.Job, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cross_platform_sync_jobs SET done = $2, failed = $3, status = $4, finished_at = $5
		WHERE id = $1
	`, j.ID, j.Done, j.Failed, string(j.Status), toNullTime(j.FinishedAt))
	if err != nil {
		return syncdomain.Job{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return syncdomain.Job{}, storage.ErrNotFound
	}
	return j, nil
}

func scanSyncJob(row rowScanner) (syncdomain.Job, error) {
	var j syncdomain.Job
	var sourceMkt, status string
	var targets []string
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(&j.ID, &j.ListingID, &j.TriggerEventID, &sourceMkt, pq.Array(&targets),
		&j.Total, &j.Done, &j.Failed, &status, &startedAt, &finishedAt); err != nil {
		if err == sql.ErrNoRows {
			return syncdomain.Job{}, storage.ErrNotFound
		}
		return syncdomain.Job{}, err
	}
	j.SourceMarketplace = marketplace.Tag(sourceMkt)
	j.Status = syncdomain.Status(status)
	j.Targets = make([]marketplace.Tag, len(targets))
	for i, t := range targets {
		j.Targets[i] = marketplace.Tag(t)
	}
	j.StartedAt = fromNullTime(startedAt)
	j.FinishedAt = fromNullTime(finishedAt)
	return j, nil
}
