package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resaleflow/automation-core/internal/app/domain/auditlog"
	"github.com/resaleflow/automation-core/internal/app/domain/circuit"
	"github.com/resaleflow/automation-core/internal/app/domain/deadletter"
	"github.com/resaleflow/automation-core/internal/app/domain/listing"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/ratelimit"
	"github.com/resaleflow/automation-core/internal/app/domain/retry"
	"github.com/resaleflow/automation-core/internal/app/domain/rule"
	"github.com/resaleflow/automation-core/internal/app/domain/schedule"
	syncdomain "github.com/resaleflow/automation-core/internal/app/domain/sync"
	"github.com/resaleflow/automation-core/internal/app/domain/user"
	"github.com/resaleflow/automation-core/internal/app/domain/webhook"
)

// Memory is a thread-safe in-memory Store implementation intended for tests
// and local development. It deliberately keeps each operation simple: copy
// on read, copy on write, guarded by a single RWMutex.
type Memory struct {
	mu sync.RWMutex

	users       map[string]user.User
	connections map[string]marketplace.Connection // key: userID|marketplace
	listings    map[string]listing.Listing
	posts       map[string]listing.Post
	rules       map[string]rule.Rule
	schedules   map[string]schedule.Schedule
	logs        []auditlog.Entry
	counters    map[string]ratelimit.Counter // key: marketplace|user|window|windowStart
	lastRequest map[string]time.Time         // key: marketplace|user
	circuits    map[marketplace.Tag]circuit.State
	retries     map[string][]retry.Entry // key: jobID
	deadLetters map[string]deadletter.Entry
	webhookCfg  map[string]webhook.Configuration // key: userID|marketplace
	events      map[string]webhook.Event
	eventByExt  map[string]string // key: marketplace|externalEventID -> eventID
	polling     map[string]webhook.PollingSchedule // key: userID|marketplace
	syncJobs    map[string]syncdomain.Job
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:       make(map[string]user.User),
		connections: make(map[string]marketplace.Connection),
		listings:    make(map[string]listing.Listing),
		posts:       make(map[string]listing.Post),
		rules:       make(map[string]rule.Rule),
		schedules:   make(map[string]schedule.Schedule),
		counters:    make(map[string]ratelimit.Counter),
		lastRequest: make(map[string]time.Time),
		circuits:    make(map[marketplace.Tag]circuit.State),
		retries:     make(map[string][]retry.Entry),
		deadLetters: make(map[string]deadletter.Entry),
		webhookCfg:  make(map[string]webhook.Configuration),
		events:      make(map[string]webhook.Event),
		eventByExt:  make(map[string]string),
		polling:     make(map[string]webhook.PollingSchedule),
		syncJobs:    make(map[string]syncdomain.Job),
	}
}

var _ Store = (*Memory)(nil)

func connKey(userID string, mkt marketplace.Tag) string { return userID + "|" + string(mkt) }
func counterKey(mkt marketplace.Tag, userID string, window ratelimit.WindowType, windowStart time.Time) string {
	return string(mkt) + "|" + userID + "|" + string(window) + "|" + windowStart.UTC().Format(time.RFC3339)
}
func lastReqKey(mkt marketplace.Tag, userID string) string { return string(mkt) + "|" + userID }
func webhookCfgKey(userID string, mkt marketplace.Tag) string { return userID + "|" + string(mkt) }
func eventExtKey(mkt marketplace.Tag, externalEventID string) string {
	return string(mkt) + "|" + externalEventID
}
func pollingKey(userID string, mkt marketplace.Tag) string { return userID + "|" + string(mkt) }

// --- UserStore ---

func (m *Memory) GetUser(_ context.Context, id string) (user.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return user.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) UserExists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[id]
	return ok, nil
}

func (m *Memory) DisableRulesForUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.rules {
		if r.UserID == id {
			r.Enabled = false
			m.rules[k] = r
		}
	}
	return nil
}

// PutUser is a test helper to seed a user.
func (m *Memory) PutUser(u user.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	m.users[u.ID] = u
}

// --- ConnectionStore ---

func (m *Memory) GetConnection(_ context.Context, userID string, mkt marketplace.Tag) (marketplace.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[connKey(userID, mkt)]
	if !ok {
		return marketplace.Connection{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) UpsertConnection(_ context.Context, conn marketplace.Connection) (marketplace.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	conn.UpdatedAt = time.Now().UTC()
	m.connections[connKey(conn.UserID, conn.Marketplace)] = conn
	return conn, nil
}

func (m *Memory) SetConnected(_ context.Context, userID string, mkt marketplace.Tag, connected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := connKey(userID, mkt)
	c, ok := m.connections[key]
	if !ok {
		return ErrNotFound
	}
	c.Connected = connected
	c.UpdatedAt = time.Now().UTC()
	m.connections[key] = c
	return nil
}

// --- ListingStore ---

func (m *Memory) GetListing(_ context.Context, id string) (listing.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return listing.Listing{}, ErrNotFound
	}
	return l, nil
}

func (m *Memory) ListPostsForListing(_ context.Context, listingID string) ([]listing.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []listing.Post
	for _, p := range m.posts {
		if p.ListingID == listingID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FindPostByExternalID(_ context.Context, mkt marketplace.Tag, externalID string) (listing.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.posts {
		if p.Marketplace == mkt && p.ExternalID == externalID {
			return p, nil
		}
	}
	return listing.Post{}, ErrNotFound
}

func (m *Memory) ListActivePostedListings(_ context.Context, userID string, mkt marketplace.Tag) ([]ListingWithPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ListingWithPost
	for _, p := range m.posts {
		if p.Marketplace != mkt || !p.Status.ActiveLike() {
			continue
		}
		l, ok := m.listings[p.ListingID]
		if !ok || l.UserID != userID || l.Status != listing.StatusActive {
			continue
		}
		out = append(out, ListingWithPost{Listing: l, Post: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Listing.ID < out[j].Listing.ID })
	return out, nil
}

func (m *Memory) UpdatePostStatus(_ context.Context, postID string, status listing.PostStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	m.posts[postID] = p
	return nil
}

// PutListing and PutPost are test helpers.
func (m *Memory) PutListing(l listing.Listing) listing.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	m.listings[l.ID] = l
	return l
}

func (m *Memory) PutPost(p listing.Post) listing.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	m.posts[p.ID] = p
	return p
}

// --- RuleStore ---

func (m *Memory) CreateRule(_ context.Context, r rule.Rule) (rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	m.rules[r.ID] = r
	return r, nil
}

func (m *Memory) UpdateRule(_ context.Context, r rule.Rule) (rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rules[r.ID]
	if !ok {
		return rule.Rule{}, ErrNotFound
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	m.rules[r.ID] = r
	return r, nil
}

func (m *Memory) GetRule(_ context.Context, id string) (rule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return rule.Rule{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRules(_ context.Context, userID string) ([]rule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []rule.Rule
	for _, r := range m.rules {
		if userID == "" || r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DisableRule(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.Enabled = false
	r.LastError = reason
	r.UpdatedAt = time.Now().UTC()
	m.rules[id] = r
	return nil
}

// --- ScheduleStore ---

func (m *Memory) CreateSchedule(_ context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	m.schedules[s.ID] = s
	return s, nil
}

func (m *Memory) UpdateSchedule(_ context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.schedules[s.ID]
	if !ok {
		return schedule.Schedule{}, ErrNotFound
	}
	s.CreatedAt = existing.CreatedAt
	s.UpdatedAt = time.Now().UTC()
	m.schedules[s.ID] = s
	return s, nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return schedule.Schedule{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSchedulesForRule(_ context.Context, ruleID string) ([]schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schedule.Schedule
	for _, s := range m.schedules {
		if s.RuleID == ruleID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListActiveSchedules(_ context.Context) ([]schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schedule.Schedule
	for _, s := range m.schedules {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeactivateSchedulesForRule(_ context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.schedules {
		if s.RuleID == ruleID {
			s.Active = false
			s.UpdatedAt = time.Now().UTC()
			m.schedules[k] = s
		}
	}
	return nil
}

func (m *Memory) DeactivateAllSchedules(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.schedules {
		s.Active = false
		s.UpdatedAt = time.Now().UTC()
		m.schedules[k] = s
	}
	return nil
}

// --- AuditLogStore ---

func (m *Memory) AppendLog(_ context.Context, e auditlog.Entry) (auditlog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.logs = append(m.logs, e)
	return e, nil
}

func (m *Memory) ListLogsForRule(_ context.Context, ruleID string, limit int) ([]auditlog.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []auditlog.Entry
	for i := len(m.logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.logs[i].RuleID == ruleID {
			out = append(out, m.logs[i])
		}
	}
	return out, nil
}

// --- RateLimitStore ---

func (m *Memory) GetCounter(_ context.Context, mkt marketplace.Tag, userID string, window ratelimit.WindowType, windowStart time.Time) (ratelimit.Counter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.counters[counterKey(mkt, userID, window, windowStart)]
	if !ok {
		return ratelimit.Counter{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) UpsertCounter(_ context.Context, c ratelimit.Counter) (ratelimit.Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counterKey(c.Marketplace, c.UserID, c.Window, c.WindowStart)] = c
	return c, nil
}

func (m *Memory) IncrementCounter(_ context.Context, mkt marketplace.Tag, userID string, window ratelimit.WindowType, windowStart time.Time, windowCap int, resetAt time.Time, success bool) (ratelimit.Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := counterKey(mkt, userID, window, windowStart)
	c, ok := m.counters[key]
	if !ok {
		c = ratelimit.Counter{
			Marketplace: mkt,
			UserID:      userID,
			Window:      window,
			WindowStart: windowStart,
			Cap:         windowCap,
			ResetAt:     resetAt,
		}
	}
	c.Requests++
	if success {
		c.Successes++
	} else {
		c.Failures++
	}
	if c.Requests >= c.Cap {
		c.Blocked = true
	}
	m.counters[key] = c
	return c, nil
}

func (m *Memory) LastRequestAt(_ context.Context, mkt marketplace.Tag, userID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lastRequest[lastReqKey(mkt, userID)]
	if !ok {
		return time.Time{}, nil
	}
	return t, nil
}

func (m *Memory) RecordRequestTime(_ context.Context, mkt marketplace.Tag, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRequest[lastReqKey(mkt, userID)] = at
	return nil
}

// --- CircuitStore ---

func (m *Memory) GetCircuit(_ context.Context, mkt marketplace.Tag) (circuit.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.circuits[mkt]
	if !ok {
		return circuit.State{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) UpsertCircuit(_ context.Context, s circuit.State) (circuit.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	m.circuits[s.Marketplace] = s
	return s, nil
}

// --- RetryStore ---

func (m *Memory) AppendRetry(_ context.Context, e retry.Entry) (retry.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.retries[e.JobID] = append(m.retries[e.JobID], e)
	return e, nil
}

func (m *Memory) ListRetriesForJob(_ context.Context, jobID string) ([]retry.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]retry.Entry, len(m.retries[jobID]))
	copy(out, m.retries[jobID])
	return out, nil
}

// --- DeadLetterStore ---

func (m *Memory) CreateDeadLetter(_ context.Context, e deadletter.Entry) (deadletter.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.deadLetters[e.ID] = e
	return e, nil
}

func (m *Memory) ListDeadLetters(_ context.Context) ([]deadletter.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []deadletter.Entry
	for _, e := range m.deadLetters {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ResolveDeadLetter(_ context.Context, id string, status deadletter.ResolutionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.deadLetters[id]
	if !ok {
		return ErrNotFound
	}
	e.ResolutionStatus = status
	m.deadLetters[id] = e
	return nil
}

// --- WebhookStore ---

func (m *Memory) GetWebhookConfig(_ context.Context, userID string, mkt marketplace.Tag) (webhook.Configuration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.webhookCfg[webhookCfgKey(userID, mkt)]
	if !ok {
		return webhook.Configuration{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) PutWebhookConfig(c webhook.Configuration) webhook.Configuration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.webhookCfg[webhookCfgKey(c.UserID, c.Marketplace)] = c
	return c
}

func (m *Memory) FindEventByExternalID(_ context.Context, mkt marketplace.Tag, externalEventID string) (webhook.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.eventByExt[eventExtKey(mkt, externalEventID)]
	if !ok {
		return webhook.Event{}, ErrNotFound
	}
	return m.events[id], nil
}

func (m *Memory) CreateEvent(_ context.Context, e webhook.Event) (webhook.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	m.events[e.ID] = e
	if e.DuplicateOf == "" {
		m.eventByExt[eventExtKey(e.Marketplace, e.ExternalEventID)] = e.ID
	}
	return e, nil
}

func (m *Memory) UpdateEventStatus(_ context.Context, id string, status webhook.EventStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	if status == webhook.EventCompleted || status == webhook.EventFailed || status == webhook.EventIgnored {
		e.ProcessedAt = time.Now().UTC()
	}
	m.events[id] = e
	return nil
}

func (m *Memory) GetPollingSchedule(_ context.Context, userID string, mkt marketplace.Tag) (webhook.PollingSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.polling[pollingKey(userID, mkt)]
	if !ok {
		return webhook.PollingSchedule{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) UpsertPollingSchedule(_ context.Context, p webhook.PollingSchedule) (webhook.PollingSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UpdatedAt = time.Now().UTC()
	m.polling[pollingKey(p.UserID, p.Marketplace)] = p
	return p, nil
}

// --- SyncStore ---

func (m *Memory) ActiveSyncJob(_ context.Context, listingID, triggerEventID string) (syncdomain.Job, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.syncJobs {
		if j.ListingID == listingID && j.TriggerEventID == triggerEventID && j.Status.Active() {
			return j, true, nil
		}
	}
	return syncdomain.Job{}, false, nil
}

func (m *Memory) GetSyncJob(_ context.Context, id string) (syncdomain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.syncJobs[id]
	if !ok {
		return syncdomain.Job{}, ErrNotFound
	}
	return j, nil
}

func (m *Memory) CreateSyncJob(_ context.Context, j syncdomain.Job) (syncdomain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	m.syncJobs[j.ID] = j
	return j, nil
}

func (m *Memory) UpdateSyncJob(_ context.Context, j syncdomain.Job) (syncdomain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.syncJobs[j.ID]; !ok {
		return syncdomain.Job{}, ErrNotFound
	}
	m.syncJobs[j.ID] = j
	return j, nil
}
