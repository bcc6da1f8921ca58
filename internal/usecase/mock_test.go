//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/domain/ports/adapter"
	"entitlement-service/internal/domain/ports/repository"
)

// -----------------------------
// Utilities: tiny helpers
// -----------------------------

func now() time.Time { return time.Now().Truncate(time.Millisecond) }

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// =============================
// Adapters
// =============================

// ---- Mock PaymentGateway (adapter) ----

type MockPaymentGateway struct {
	mu sync.Mutex

	CreateCustomerFunc        func(ctx context.Context, user *model.User) (string, error)
	CreatePaymentIntentFunc   func(ctx context.Context, amount int64, currency, customerRef string, meta map[string]string) (adapter.PaymentIntent, error)
	RetrievePaymentIntentFunc func(ctx context.Context, ref string) (adapter.PaymentIntent, error)
	CancelPaymentIntentFunc   func(ctx context.Context, ref string) (adapter.PaymentIntent, error)
	CreateRefundFunc          func(ctx context.Context, paymentRef, idempotencyKey string) (adapter.RefundResult, error)
	PaymentRefundedFunc       func(ctx context.Context, paymentRef string) (bool, error)
	CreateSubscriptionFunc    func(ctx context.Context, customerRef string, tier model.Tier, paymentMethodRef, idempotencyKey string) (model.SubscriptionSnapshot, error)
	UpdateSubscriptionFunc    func(ctx context.Context, ref string, newTier model.Tier) (model.SubscriptionSnapshot, error)
	CancelSubscriptionFunc    func(ctx context.Context, ref string, immediate bool) (model.SubscriptionSnapshot, error)
	ResumeSubscriptionFunc    func(ctx context.Context, ref string) (model.SubscriptionSnapshot, error)
	VerifyFunc                func(payload []byte, header string) (model.WebhookEvent, error)

	CustomersCreated int64
	RefundKeys       []string
	SubscriptionKeys []string
	CancelledIntents []string
	UpdateCalls      int
}

var _ adapter.PaymentGateway = (*MockPaymentGateway)(nil)

func (m *MockPaymentGateway) Name() string { return "mockpay" }

func (m *MockPaymentGateway) CreateCustomer(ctx context.Context, user *model.User) (string, error) {
	atomic.AddInt64(&m.CustomersCreated, 1)
	if m.CreateCustomerFunc != nil {
		return m.CreateCustomerFunc(ctx, user)
	}
	return "cus_" + uuid.NewString(), nil
}

func (m *MockPaymentGateway) CreatePaymentIntent(ctx context.Context, amount int64, currency, customerRef string, meta map[string]string) (adapter.PaymentIntent, error) {
	if m.CreatePaymentIntentFunc != nil {
		return m.CreatePaymentIntentFunc(ctx, amount, currency, customerRef, meta)
	}
	ref := "pi_" + uuid.NewString()
	return adapter.PaymentIntent{Ref: ref, ClientSecret: ref + "_secret", Status: adapter.PaymentIntentPending, Amount: amount, Currency: currency, Metadata: meta}, nil
}

func (m *MockPaymentGateway) RetrievePaymentIntent(ctx context.Context, ref string) (adapter.PaymentIntent, error) {
	if m.RetrievePaymentIntentFunc != nil {
		return m.RetrievePaymentIntentFunc(ctx, ref)
	}
	return adapter.PaymentIntent{Ref: ref, Status: adapter.PaymentIntentSucceeded}, nil
}

func (m *MockPaymentGateway) CancelPaymentIntent(ctx context.Context, ref string) (adapter.PaymentIntent, error) {
	m.mu.Lock()
	m.CancelledIntents = append(m.CancelledIntents, ref)
	m.mu.Unlock()
	if m.CancelPaymentIntentFunc != nil {
		return m.CancelPaymentIntentFunc(ctx, ref)
	}
	return adapter.PaymentIntent{Ref: ref, Status: adapter.PaymentIntentFailed}, nil
}

func (m *MockPaymentGateway) CreateRefund(ctx context.Context, paymentRef, idempotencyKey string) (adapter.RefundResult, error) {
	m.mu.Lock()
	m.RefundKeys = append(m.RefundKeys, idempotencyKey)
	m.mu.Unlock()
	if m.CreateRefundFunc != nil {
		return m.CreateRefundFunc(ctx, paymentRef, idempotencyKey)
	}
	return adapter.RefundResult{ID: "re_" + paymentRef, Status: "succeeded"}, nil
}

func (m *MockPaymentGateway) PaymentRefunded(ctx context.Context, paymentRef string) (bool, error) {
	if m.PaymentRefundedFunc != nil {
		return m.PaymentRefundedFunc(ctx, paymentRef)
	}
	return false, nil
}

func (m *MockPaymentGateway) CreateSubscription(ctx context.Context, customerRef string, tier model.Tier, paymentMethodRef, idempotencyKey string) (model.SubscriptionSnapshot, error) {
	m.mu.Lock()
	m.SubscriptionKeys = append(m.SubscriptionKeys, idempotencyKey)
	m.mu.Unlock()
	if m.CreateSubscriptionFunc != nil {
		return m.CreateSubscriptionFunc(ctx, customerRef, tier, paymentMethodRef, idempotencyKey)
	}
	start := now()
	return model.SubscriptionSnapshot{
		Ref:         "sub_" + uuid.NewString(),
		CustomerRef: customerRef,
		Status:      "active",
		Tier:        tier,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
	}, nil
}

func (m *MockPaymentGateway) UpdateSubscription(ctx context.Context, ref string, newTier model.Tier) (model.SubscriptionSnapshot, error) {
	m.mu.Lock()
	m.UpdateCalls++
	m.mu.Unlock()
	if m.UpdateSubscriptionFunc != nil {
		return m.UpdateSubscriptionFunc(ctx, ref, newTier)
	}
	start := now()
	return model.SubscriptionSnapshot{Ref: ref, Status: "active", Tier: newTier, PeriodStart: start, PeriodEnd: start.AddDate(0, 1, 0)}, nil
}

func (m *MockPaymentGateway) CancelSubscription(ctx context.Context, ref string, immediate bool) (model.SubscriptionSnapshot, error) {
	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, ref, immediate)
	}
	return model.SubscriptionSnapshot{Ref: ref, Status: "active"}, nil
}

func (m *MockPaymentGateway) ResumeSubscription(ctx context.Context, ref string) (model.SubscriptionSnapshot, error) {
	if m.ResumeSubscriptionFunc != nil {
		return m.ResumeSubscriptionFunc(ctx, ref)
	}
	return model.SubscriptionSnapshot{Ref: ref, Status: "active"}, nil
}

func (m *MockPaymentGateway) VerifyWebhookSignature(payload []byte, header string) (model.WebhookEvent, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(payload, header)
	}
	return nil, domain.ErrSignature
}

// ---- Waker ----

type MockWaker struct{ n int64 }

func (w *MockWaker) Wake()        { atomic.AddInt64(&w.n, 1) }
func (w *MockWaker) Count() int64 { return atomic.LoadInt64(&w.n) }

// =============================
// Repositories
// =============================

// ---- Mock UserRepository ----

type MockUserRepo struct {
	mu   sync.Mutex
	byID map[string]*model.User

	SaveFunc     func(ctx context.Context, tx repository.Tx, u *model.User) error
	FindByIDFunc func(ctx context.Context, tx repository.Tx, id string) (*model.User, error)
}

var _ repository.UserRepository = (*MockUserRepo)(nil)

func NewMockUserRepo() *MockUserRepo {
	return &MockUserRepo{byID: map[string]*model.User{}}
}

func (r *MockUserRepo) Save(ctx context.Context, tx repository.Tx, u *model.User) error {
	if r.SaveFunc != nil {
		return r.SaveFunc(ctx, tx, u)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	r.byID[cp.ID] = &cp
	return nil
}

func (r *MockUserRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.User, error) {
	if r.FindByIDFunc != nil {
		return r.FindByIDFunc(ctx, tx, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byID[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (r *MockUserRepo) FindByCustomerRef(ctx context.Context, tx repository.Tx, ref string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.CustomerRef() == ref {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MockUserRepo) SetCustomerRefIfEmpty(ctx context.Context, tx repository.Tx, userID, ref string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[userID]
	if !ok {
		return "", domain.ErrNotFound
	}
	if u.ExternalCustomerRef == nil {
		u.ExternalCustomerRef = &ref
	}
	return *u.ExternalCustomerRef, nil
}

func (r *MockUserRepo) UpdateSubscriptionProjection(ctx context.Context, tx repository.Tx, userID string, tier model.Tier, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.SubscriptionTier = tier
	u.SubscriptionStatus = status
	return nil
}

// ---- Mock ProgramRepository ----

type MockProgramRepo struct {
	mu       sync.Mutex
	data     map[string]*model.Program
	enrolled map[string]bool
}

var _ repository.ProgramRepository = (*MockProgramRepo)(nil)

func NewMockProgramRepo() *MockProgramRepo {
	return &MockProgramRepo{data: map[string]*model.Program{}, enrolled: map[string]bool{}}
}

func (r *MockProgramRepo) Put(p *model.Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.data[p.ID] = &cp
}

func (r *MockProgramRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.data[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (r *MockProgramRepo) IncrementEnrollment(ctx context.Context, tx repository.Tx, programID, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.data[programID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if r.enrolled[key] {
		return false, nil
	}
	r.enrolled[key] = true
	p.EnrollmentCount++
	return true, nil
}

// ---- Mock PurchaseRepository ----

// MockPurchaseRepo mirrors the SQL constraints: one completed purchase per
// (user, program), unique payment refs, and a status-conditional Transition.
type MockPurchaseRepo struct {
	mu   sync.Mutex
	data map[string]*model.Purchase

	TransitionFunc func(ctx context.Context, tx repository.Tx, p *model.Purchase, from model.PurchaseStatus) (bool, error)
}

var _ repository.PurchaseRepository = (*MockPurchaseRepo)(nil)

func NewMockPurchaseRepo() *MockPurchaseRepo {
	return &MockPurchaseRepo{data: map[string]*model.Purchase{}}
}

func (r *MockPurchaseRepo) Save(ctx context.Context, tx repository.Tx, p *model.Purchase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for _, o := range r.data {
		if o.ID == p.ID {
			continue
		}
		if p.Status == model.PurchaseStatusCompleted && o.Status == model.PurchaseStatusCompleted &&
			o.UserID == p.UserID && o.ProgramID == p.ProgramID {
			return domain.ErrAlreadyOwned
		}
		if p.PaymentRef() != "" && o.PaymentRef() == p.PaymentRef() {
			return domain.ErrAlreadyExists
		}
	}
	cp := *p
	r.data[p.ID] = &cp
	return nil
}

func (r *MockPurchaseRepo) Get(id string) *model.Purchase {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.data[id]; ok {
		cp := *p
		return &cp
	}
	return nil
}

func (r *MockPurchaseRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Purchase, error) {
	if p := r.Get(id); p != nil {
		return p, nil
	}
	return nil, domain.ErrNotFound
}

func (r *MockPurchaseRepo) FindByPaymentRef(ctx context.Context, tx repository.Tx, ref string) (*model.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.data {
		if p.PaymentRef() == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MockPurchaseRepo) FindCompleted(ctx context.Context, tx repository.Tx, userID, programID string) (*model.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.data {
		if p.UserID == userID && p.ProgramID == programID && p.Status == model.PurchaseStatusCompleted {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MockPurchaseRepo) FindPending(ctx context.Context, tx repository.Tx, userID, programID string) (*model.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest *model.Purchase
	for _, p := range r.data {
		if p.UserID == userID && p.ProgramID == programID && p.Status == model.PurchaseStatusPending &&
			(newest == nil || p.CreatedAt.After(newest.CreatedAt)) {
			newest = p
		}
	}
	if newest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (r *MockPurchaseRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string) ([]*model.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Purchase
	for _, p := range r.data {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MockPurchaseRepo) AttachPaymentRef(ctx context.Context, tx repository.Tx, id, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.ExternalPaymentRef != nil && *p.ExternalPaymentRef != ref {
		return domain.ErrStateConflict
	}
	p.ExternalPaymentRef = &ref
	return nil
}

func (r *MockPurchaseRepo) Transition(ctx context.Context, tx repository.Tx, p *model.Purchase, from model.PurchaseStatus) (bool, error) {
	if r.TransitionFunc != nil {
		return r.TransitionFunc(ctx, tx, p, from)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.data[p.ID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	if p.Status == model.PurchaseStatusCompleted {
		for _, o := range r.data {
			if o.ID != p.ID && o.Status == model.PurchaseStatusCompleted &&
				o.UserID == p.UserID && o.ProgramID == p.ProgramID {
				return false, domain.ErrAlreadyOwned
			}
		}
	}
	cp := *p
	r.data[p.ID] = &cp
	return true, nil
}

func (r *MockPurchaseRepo) SetRefundRequested(ctx context.Context, tx repository.Tx, id string, at *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.RefundRequestedAt = at
	return nil
}

func (r *MockPurchaseRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Purchase
	for _, p := range r.data {
		if p.Status == model.PurchaseStatusPending && p.CreatedAt.Before(olderThan) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastCheckedAt, out[j].LastCheckedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MockPurchaseRepo) MarkChecked(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.data[id]; ok && p.Status == model.PurchaseStatusPending {
		p.LastCheckedAt = &at
	}
	return nil
}

func (r *MockPurchaseRepo) ListRefundRequestedBefore(ctx context.Context, tx repository.Tx, before time.Time, limit int) ([]*model.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Purchase
	for _, p := range r.data {
		if p.Status == model.PurchaseStatusCompleted && p.RefundRequestedAt != nil && p.RefundRequestedAt.Before(before) && len(out) < limit {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- Mock SubscriptionRepository ----

type MockSubscriptionRepo struct {
	mu   sync.Mutex
	data map[string]*model.Subscription
}

var _ repository.SubscriptionRepository = (*MockSubscriptionRepo)(nil)

func NewMockSubscriptionRepo() *MockSubscriptionRepo {
	return &MockSubscriptionRepo{data: map[string]*model.Subscription{}}
}

func (r *MockSubscriptionRepo) Save(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.data {
		if o.ID == s.ID {
			continue
		}
		if o.ExternalSubscriptionRef == s.ExternalSubscriptionRef {
			return domain.ErrAlreadyExists
		}
		if o.UserID == s.UserID && o.Status.Live() && s.Status.Live() {
			return domain.ErrAlreadyActive
		}
	}
	cp := *s
	r.data[s.ID] = &cp
	return nil
}

func (r *MockSubscriptionRepo) Update(ctx context.Context, tx repository.Tx, s *model.Subscription, expected model.SubscriptionStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.data[s.ID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if cur.Status != expected {
		return false, nil
	}
	cp := *s
	r.data[s.ID] = &cp
	return true, nil
}

func (r *MockSubscriptionRepo) Get(id string) *model.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.data[id]; ok {
		cp := *s
		return &cp
	}
	return nil
}

func (r *MockSubscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	if s := r.Get(id); s != nil {
		return s, nil
	}
	return nil, domain.ErrNotFound
}

func (r *MockSubscriptionRepo) FindByExternalRef(ctx context.Context, tx repository.Tx, ref string) (*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.data {
		if s.ExternalSubscriptionRef == ref {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MockSubscriptionRepo) FindLiveByUser(ctx context.Context, tx repository.Tx, userID string) (*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.data {
		if s.UserID == userID && s.Status.Live() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MockSubscriptionRepo) CountByUser(ctx context.Context, tx repository.Tx, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.data {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r *MockSubscriptionRepo) ListCancelOverdue(ctx context.Context, tx repository.Tx, before time.Time, limit int) ([]*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Subscription
	for _, s := range r.data {
		if s.Status.Live() && s.CancelAt != nil && s.CancelAt.Before(before) && len(out) < limit {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MockSubscriptionRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.SubscriptionStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[model.SubscriptionStatus]int{}
	for _, s := range r.data {
		out[s.Status]++
	}
	return out, nil
}

// ---- Mock OutboxRepository ----

type MockOutbox struct {
	mu      sync.Mutex
	effects []*model.Effect

	EnqueueErr error
}

var _ repository.OutboxRepository = (*MockOutbox)(nil)

func NewMockOutbox() *MockOutbox { return &MockOutbox{} }

func (o *MockOutbox) Enqueue(ctx context.Context, tx repository.Tx, effects ...*model.Effect) error {
	if o.EnqueueErr != nil {
		return o.EnqueueErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range effects {
		cp := *e
		o.effects = append(o.effects, &cp)
	}
	return nil
}

// Kinds counts enqueued effects per kind.
func (o *MockOutbox) Kinds() map[model.EffectKind]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := map[model.EffectKind]int{}
	for _, e := range o.effects {
		out[e.Kind]++
	}
	return out
}

func (o *MockOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.effects)
}

func (o *MockOutbox) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.Effect, error) {
	return nil, nil
}
func (o *MockOutbox) MarkDone(ctx context.Context, id string) error { return nil }
func (o *MockOutbox) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return nil
}
func (o *MockOutbox) MarkDead(ctx context.Context, id string, attempts int, lastErr string) error {
	return nil
}
func (o *MockOutbox) CountByStatus(ctx context.Context) (map[model.EffectStatus]int, error) {
	return map[model.EffectStatus]int{model.EffectStatusPending: o.Len()}, nil
}

// ---- Mock WebhookEventRepository ----

type MockWebhookEventRepo struct {
	mu   sync.Mutex
	seen map[string]bool
}

var _ repository.WebhookEventRepository = (*MockWebhookEventRepo)(nil)

func NewMockWebhookEventRepo() *MockWebhookEventRepo {
	return &MockWebhookEventRepo{seen: map[string]bool{}}
}

func (r *MockWebhookEventRepo) Seen(ctx context.Context, tx repository.Tx, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[eventID], nil
}

func (r *MockWebhookEventRepo) MarkProcessed(ctx context.Context, tx repository.Tx, meta model.EventMeta) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[meta.ID] {
		return false, nil
	}
	r.seen[meta.ID] = true
	return true, nil
}

// ---- Transaction manager ----

type MockTxManager struct {
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

func NewMockTxManager() *MockTxManager {
	return &MockTxManager{users: map[string]*sync.Mutex{}}
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

// userLocks is carried in the tx value so LockUser can release at the end of WithTx.
type userLocks struct{ held []*sync.Mutex }

// WithTx runs fn immediately. There is no rollback: tests that need one
// assign WithTxFunc.
func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	locks := &userLocks{}
	defer func() {
		for _, l := range locks.held {
			l.Unlock()
		}
	}()
	txCtx, runHooks := repository.WithCommitHooks(ctx)
	if err := fn(txCtx, locks); err != nil {
		return err
	}
	runHooks()
	return nil
}

func (m *MockTxManager) LockUser(ctx context.Context, tx repository.Tx, userID string) error {
	locks, ok := tx.(*userLocks)
	if !ok {
		return nil
	}
	m.mu.Lock()
	l, ok := m.users[userID]
	if !ok {
		l = &sync.Mutex{}
		m.users[userID] = l
	}
	m.mu.Unlock()
	l.Lock()
	locks.held = append(locks.held, l)
	return nil
}

// ---- In-memory Locker ----

type MockLocker struct {
	mu    sync.Mutex
	held  map[string]string
	ErrOn map[string]error
}

var _ adapter.Locker = (*MockLocker)(nil)

func NewMockLocker() *MockLocker {
	return &MockLocker{held: map[string]string{}, ErrOn: map[string]error{}}
}

func (l *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, bad := l.ErrOn[key]; bad {
		return "", err
	}
	if tok, ok := l.held[key]; ok && tok != "" {
		return "", domain.ErrLockNotAcquired
	}
	tok := uuid.NewString()
	l.held[key] = tok
	return tok, nil
}

func (l *MockLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
		return nil
	}
	return errors.New("unlock token mismatch")
}

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}
