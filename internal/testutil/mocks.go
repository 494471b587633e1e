package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kaftw/newsletter/internal/domain/delivery"
	domainErrors "github.com/kaftw/newsletter/internal/domain/errors"
	"github.com/kaftw/newsletter/internal/domain/idempotency"
	"github.com/kaftw/newsletter/internal/domain/newsletter"
	"github.com/kaftw/newsletter/internal/domain/subscriber"
	"github.com/kaftw/newsletter/internal/domain/user"
	"github.com/kaftw/newsletter/internal/providers"
)

// --- In-memory store ---

type txKey struct{}

// MemoryStore is an in-memory stand-in for the Postgres repositories.
// Transactions are serialized by a single lock held for their full duration and
// are rolled back by restoring a snapshot when the callback fails.
type MemoryStore struct {
	txMu sync.Mutex

	issues      map[uuid.UUID]newsletter.Issue
	subscribers map[uuid.UUID]subscriber.Subscriber
	tokens      map[string]uuid.UUID
	users       map[string]user.Credentials
	tasks       map[uuid.UUID]delivery.Task
	deadLetters []delivery.DeadLetter
	idem        map[string]idempotency.Record

	// Now stamps idempotency records. Defaults to time.Now.
	Now func() time.Time

	EnqueueFunc       func(ctx context.Context, tasks []*delivery.Task) (int64, error)
	ListConfirmedFunc func(ctx context.Context) ([]string, error)
	CompleteFunc      func(ctx context.Context, actorID, key string, resp *idempotency.SavedResponse) error
	DeleteTaskFunc    func(ctx context.Context, id uuid.UUID) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		issues:      make(map[uuid.UUID]newsletter.Issue),
		subscribers: make(map[uuid.UUID]subscriber.Subscriber),
		tokens:      make(map[string]uuid.UUID),
		users:       make(map[string]user.Credentials),
		tasks:       make(map[uuid.UUID]delivery.Task),
		idem:        make(map[string]idempotency.Record),
		Now:         time.Now,
	}
}

type memorySnapshot struct {
	issues      map[uuid.UUID]newsletter.Issue
	subscribers map[uuid.UUID]subscriber.Subscriber
	tokens      map[string]uuid.UUID
	tasks       map[uuid.UUID]delivery.Task
	deadLetters []delivery.DeadLetter
	idem        map[string]idempotency.Record
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) snapshot() memorySnapshot {
	return memorySnapshot{
		issues:      cloneMap(s.issues),
		subscribers: cloneMap(s.subscribers),
		tokens:      cloneMap(s.tokens),
		tasks:       cloneMap(s.tasks),
		deadLetters: append([]delivery.DeadLetter(nil), s.deadLetters...),
		idem:        cloneMap(s.idem),
	}
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.issues = snap.issues
	s.subscribers = snap.subscribers
	s.tokens = snap.tokens
	s.tasks = snap.tasks
	s.deadLetters = snap.deadLetters
	s.idem = snap.idem
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// WithTransaction runs fn under the store lock, joining an enclosing transaction.
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// locked runs fn under the store lock unless ctx already holds it.
func (s *MemoryStore) locked(ctx context.Context, fn func()) {
	if !inTx(ctx) {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	fn()
}

func (s *MemoryStore) Issues() *MemoryIssueRepository           { return &MemoryIssueRepository{s: s} }
func (s *MemoryStore) Subscribers() *MemorySubscriberRepository { return &MemorySubscriberRepository{s: s} }
func (s *MemoryStore) Deliveries() *MemoryDeliveryRepository    { return &MemoryDeliveryRepository{s: s} }
func (s *MemoryStore) Idempotency() *MemoryIdempotencyStore     { return &MemoryIdempotencyStore{s: s} }
func (s *MemoryStore) Users() *MemoryUserRepository             { return &MemoryUserRepository{s: s} }

// AddConfirmedSubscriber seeds a confirmed subscriber without validating the address.
func (s *MemoryStore) AddConfirmedSubscriber(email string) uuid.UUID {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	id := uuid.New()
	s.subscribers[id] = subscriber.Subscriber{
		ID:           id,
		Email:        email,
		Name:         "Test Subscriber",
		Status:       subscriber.StatusConfirmed,
		SubscribedAt: time.Now().UTC(),
	}
	return id
}

func (s *MemoryStore) AddUser(creds user.Credentials) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.users[creds.Username] = creds
}

// Tasks returns all queued tasks ordered by creation time.
func (s *MemoryStore) Tasks() []delivery.Task {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	out := make([]delivery.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SubscriberEmail < out[j].SubscriberEmail
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) DeadLetters() []delivery.DeadLetter {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return append([]delivery.DeadLetter(nil), s.deadLetters...)
}

func (s *MemoryStore) IssueCount() int {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return len(s.issues)
}

func (s *MemoryStore) IdempotencyRecord(actorID, key string) (idempotency.Record, bool) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	r, ok := s.idem[idemKey(actorID, key)]
	return r, ok
}

// SetIdempotencyCreatedAt backdates a record for retention tests.
func (s *MemoryStore) SetIdempotencyCreatedAt(actorID, key string, at time.Time) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	k := idemKey(actorID, key)
	if r, ok := s.idem[k]; ok {
		r.CreatedAt = at
		s.idem[k] = r
	}
}

// --- Newsletter Issue Repository ---

type MemoryIssueRepository struct{ s *MemoryStore }

func (r *MemoryIssueRepository) Create(ctx context.Context, issue *newsletter.Issue) error {
	r.s.locked(ctx, func() { r.s.issues[issue.ID] = *issue })
	return nil
}

func (r *MemoryIssueRepository) GetByID(ctx context.Context, id uuid.UUID) (*newsletter.Issue, error) {
	var (
		issue newsletter.Issue
		ok    bool
	)
	r.s.locked(ctx, func() { issue, ok = r.s.issues[id] })
	if !ok {
		return nil, domainErrors.ErrIssueNotFound
	}
	return &issue, nil
}

// --- Subscriber Repository ---

type MemorySubscriberRepository struct{ s *MemoryStore }

func (r *MemorySubscriberRepository) Create(ctx context.Context, sub *subscriber.Subscriber) error {
	var err error
	r.s.locked(ctx, func() {
		for _, existing := range r.s.subscribers {
			if existing.Email == sub.Email {
				err = domainErrors.ErrSubscriberAlreadyExists
				return
			}
		}
		r.s.subscribers[sub.ID] = *sub
	})
	return err
}

func (r *MemorySubscriberRepository) StoreToken(ctx context.Context, subscriberID uuid.UUID, token string) error {
	r.s.locked(ctx, func() { r.s.tokens[token] = subscriberID })
	return nil
}

func (r *MemorySubscriberRepository) GetIDByToken(ctx context.Context, token string) (uuid.UUID, error) {
	var (
		id uuid.UUID
		ok bool
	)
	r.s.locked(ctx, func() { id, ok = r.s.tokens[token] })
	if !ok {
		return uuid.Nil, domainErrors.ErrSubscriptionTokenNotFound
	}
	return id, nil
}

func (r *MemorySubscriberRepository) Confirm(ctx context.Context, subscriberID uuid.UUID) error {
	r.s.locked(ctx, func() {
		if sub, ok := r.s.subscribers[subscriberID]; ok {
			sub.Status = subscriber.StatusConfirmed
			r.s.subscribers[subscriberID] = sub
		}
	})
	return nil
}

func (r *MemorySubscriberRepository) ListConfirmed(ctx context.Context) ([]string, error) {
	if r.s.ListConfirmedFunc != nil {
		return r.s.ListConfirmedFunc(ctx)
	}
	var emails []string
	r.s.locked(ctx, func() {
		for _, sub := range r.s.subscribers {
			if sub.Status == subscriber.StatusConfirmed {
				emails = append(emails, sub.Email)
			}
		}
	})
	sort.Strings(emails)
	return emails, nil
}

// Get returns a subscriber by id for assertions.
func (r *MemorySubscriberRepository) Get(id uuid.UUID) (subscriber.Subscriber, bool) {
	r.s.txMu.Lock()
	defer r.s.txMu.Unlock()
	sub, ok := r.s.subscribers[id]
	return sub, ok
}

// TokenFor returns the token stored for a subscriber.
func (r *MemorySubscriberRepository) TokenFor(id uuid.UUID) string {
	r.s.txMu.Lock()
	defer r.s.txMu.Unlock()
	for token, sid := range r.s.tokens {
		if sid == id {
			return token
		}
	}
	return ""
}

// --- User Repository ---

type MemoryUserRepository struct{ s *MemoryStore }

func (r *MemoryUserRepository) GetByUsername(ctx context.Context, username string) (*user.Credentials, error) {
	var (
		creds user.Credentials
		ok    bool
	)
	r.s.locked(ctx, func() { creds, ok = r.s.users[username] })
	if !ok {
		return nil, nil
	}
	return &creds, nil
}

// --- Delivery Repository ---

type MemoryDeliveryRepository struct{ s *MemoryStore }

func (r *MemoryDeliveryRepository) Enqueue(ctx context.Context, tasks []*delivery.Task) (int64, error) {
	if r.s.EnqueueFunc != nil {
		return r.s.EnqueueFunc(ctx, tasks)
	}
	var inserted int64
	r.s.locked(ctx, func() {
		for _, t := range tasks {
			duplicate := false
			for _, existing := range r.s.tasks {
				if existing.IssueID == t.IssueID && existing.SubscriberEmail == t.SubscriberEmail {
					duplicate = true
					break
				}
			}
			if duplicate {
				continue
			}
			r.s.tasks[t.ID] = *t
			inserted++
		}
	})
	return inserted, nil
}

func (r *MemoryDeliveryRepository) Claim(ctx context.Context, limit int, now time.Time) ([]*delivery.ClaimedTask, error) {
	if !inTx(ctx) {
		return nil, domainErrors.ErrTransactionRequired
	}

	due := make([]delivery.Task, 0)
	for _, t := range r.s.tasks {
		if t.Status == delivery.StatusPending && !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].SubscriberEmail < due[j].SubscriberEmail
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*delivery.ClaimedTask, 0, len(due))
	for i := range due {
		task := due[i]
		issue, ok := r.s.issues[task.IssueID]
		if !ok {
			continue
		}
		claimed = append(claimed, &delivery.ClaimedTask{Task: &task, Issue: &issue})
	}
	return claimed, nil
}

func (r *MemoryDeliveryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if r.s.DeleteTaskFunc != nil {
		if err := r.s.DeleteTaskFunc(ctx, id); err != nil {
			return err
		}
	}
	r.s.locked(ctx, func() { delete(r.s.tasks, id) })
	return nil
}

func (r *MemoryDeliveryRepository) Reschedule(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, lastError string) error {
	r.s.locked(ctx, func() {
		if t, ok := r.s.tasks[id]; ok {
			t.RetryCount = retryCount
			t.NextAttemptAt = nextAttemptAt
			t.LastError = &lastError
			r.s.tasks[id] = t
		}
	})
	return nil
}

func (r *MemoryDeliveryRepository) DeadLetter(ctx context.Context, dl *delivery.DeadLetter) error {
	if !inTx(ctx) {
		return domainErrors.ErrTransactionRequired
	}
	r.s.deadLetters = append(r.s.deadLetters, *dl)
	delete(r.s.tasks, dl.TaskID)
	return nil
}

func (r *MemoryDeliveryRepository) CountPending(ctx context.Context, issueID uuid.UUID) (int64, error) {
	var n int64
	r.s.locked(ctx, func() {
		for _, t := range r.s.tasks {
			if t.IssueID == issueID {
				n++
			}
		}
	})
	return n, nil
}

func (r *MemoryDeliveryRepository) CountDeadLetters(ctx context.Context, issueID uuid.UUID) (int64, error) {
	var n int64
	r.s.locked(ctx, func() {
		for _, dl := range r.s.deadLetters {
			if dl.IssueID == issueID {
				n++
			}
		}
	})
	return n, nil
}

func (r *MemoryDeliveryRepository) ListDeadLetters(ctx context.Context, filter delivery.DeadLetterFilter) ([]*delivery.DeadLetter, error) {
	var out []*delivery.DeadLetter
	r.s.locked(ctx, func() {
		for i := len(r.s.deadLetters) - 1; i >= 0; i-- {
			dl := r.s.deadLetters[i]
			if filter.IssueID != nil && dl.IssueID != *filter.IssueID {
				continue
			}
			out = append(out, &dl)
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
	})
	return out, nil
}

// --- Idempotency Store ---

type MemoryIdempotencyStore struct{ s *MemoryStore }

func idemKey(actorID, key string) string {
	return actorID + "\x00" + key
}

func (m *MemoryIdempotencyStore) BeginOrReplay(ctx context.Context, actorID, key string) (*idempotency.Decision, error) {
	if !inTx(ctx) {
		return nil, domainErrors.ErrTransactionRequired
	}

	k := idemKey(actorID, key)
	rec, ok := m.s.idem[k]
	if !ok {
		m.s.idem[k] = idempotency.Record{
			ActorID:   actorID,
			Key:       key,
			State:     idempotency.StateInProgress,
			CreatedAt: m.s.Now(),
		}
		return idempotency.Proceed(), nil
	}
	if rec.State == idempotency.StateCompleted {
		return idempotency.Replay(rec.Response), nil
	}
	return nil, domainErrors.ErrIdempotencyInProgress
}

func (m *MemoryIdempotencyStore) Complete(ctx context.Context, actorID, key string, resp *idempotency.SavedResponse) error {
	if m.s.CompleteFunc != nil {
		return m.s.CompleteFunc(ctx, actorID, key, resp)
	}
	if !inTx(ctx) {
		return domainErrors.ErrTransactionRequired
	}

	k := idemKey(actorID, key)
	rec, ok := m.s.idem[k]
	if !ok || rec.State != idempotency.StateInProgress {
		return domainErrors.ErrIdempotencyNotStarted
	}
	now := m.s.Now()
	rec.State = idempotency.StateCompleted
	rec.Response = resp
	rec.CompletedAt = &now
	m.s.idem[k] = rec
	return nil
}

func (m *MemoryIdempotencyStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	m.s.locked(ctx, func() {
		for k, rec := range m.s.idem {
			if rec.State == idempotency.StateCompleted && rec.CreatedAt.Before(olderThan) {
				delete(m.s.idem, k)
				n++
			}
		}
	})
	return n, nil
}

// --- Delivery Channel Mock ---

// MockChannel records sends and returns SendFunc's result, or nil.
type MockChannel struct {
	mu    sync.Mutex
	sent  []providers.Email
	calls map[string]int

	SendFunc func(ctx context.Context, email providers.Email) error
}

func NewMockChannel() *MockChannel {
	return &MockChannel{calls: make(map[string]int)}
}

func (m *MockChannel) Name() string { return "mock" }

func (m *MockChannel) Send(ctx context.Context, email providers.Email) error {
	m.mu.Lock()
	m.calls[email.To]++
	m.mu.Unlock()

	if m.SendFunc != nil {
		if err := m.SendFunc(ctx, email); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.sent = append(m.sent, email)
	m.mu.Unlock()
	return nil
}

// Sent returns successfully sent emails in send order.
func (m *MockChannel) Sent() []providers.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]providers.Email(nil), m.sent...)
}

// Calls returns how many sends were attempted for a recipient.
func (m *MockChannel) Calls(to string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[to]
}

// --- Issue Notifier Mock ---

type MockNotifier struct {
	mu       sync.Mutex
	notified []uuid.UUID

	NotifyFunc func(ctx context.Context, issueID uuid.UUID, recipients int) error
}

func (m *MockNotifier) IssuePublished(ctx context.Context, issueID uuid.UUID, recipients int) error {
	m.mu.Lock()
	m.notified = append(m.notified, issueID)
	m.mu.Unlock()
	if m.NotifyFunc != nil {
		return m.NotifyFunc(ctx, issueID, recipients)
	}
	return nil
}

func (m *MockNotifier) Notified() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.notified...)
}
