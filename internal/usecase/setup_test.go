//go:build !integration

package usecase_test

import (
	"context"
	"testing"
	"time"

	"entitlement-service/internal/domain/model"
	"entitlement-service/internal/usecase"
)

// testEnv wires every use case against the in-memory fakes.
type testEnv struct {
	users     *MockUserRepo
	programs  *MockProgramRepo
	purchases *MockPurchaseRepo
	subs      *MockSubscriptionRepo
	outbox    *MockOutbox
	events    *MockWebhookEventRepo
	gateway   *MockPaymentGateway
	locker    *MockLocker
	tm        *MockTxManager
	waker     *MockWaker

	customerUC     usecase.CustomerUseCase
	purchaseUC     usecase.PurchaseUseCase
	subscriptionUC usecase.SubscriptionUseCase
	reconcileUC    usecase.ReconcileUseCase
	entitlementUC  usecase.EntitlementUseCase
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := newTestLogger()
	e := &testEnv{
		users:     NewMockUserRepo(),
		programs:  NewMockProgramRepo(),
		purchases: NewMockPurchaseRepo(),
		subs:      NewMockSubscriptionRepo(),
		outbox:    NewMockOutbox(),
		events:    NewMockWebhookEventRepo(),
		gateway:   &MockPaymentGateway{},
		locker:    NewMockLocker(),
		tm:        NewMockTxManager(),
		waker:     &MockWaker{},
	}
	e.customerUC = usecase.NewCustomerUseCase(e.users, e.gateway, e.locker, log)
	e.purchaseUC = usecase.NewPurchaseUseCase(e.purchases, e.programs, e.outbox, e.customerUC, e.gateway, e.tm, e.waker, log)
	e.subscriptionUC = usecase.NewSubscriptionUseCase(e.subs, e.users, e.outbox, e.customerUC, e.gateway, e.locker, e.tm, e.waker, log)
	e.reconcileUC = usecase.NewReconcileUseCase(e.purchaseUC, e.subscriptionUC, e.purchases, e.events, e.gateway, e.locker, log)
	e.entitlementUC = usecase.NewEntitlementUseCase(e.subs, e.purchases, e.programs, log)
	return e
}

func (e *testEnv) seedUser(t *testing.T, id string) *model.User {
	t.Helper()
	u, err := model.NewUser(id, id+"@example.com")
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	if err := e.users.Save(context.Background(), nil, u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func (e *testEnv) seedProgram(id string, price int64, required *model.Tier) *model.Program {
	p := &model.Program{ID: id, Title: "Program " + id, Price: price, Currency: "usd", RequiredTier: required, CreatedAt: now()}
	e.programs.Put(p)
	return p
}

// seedPurchase stores a purchase directly, bypassing Create.
func (e *testEnv) seedPurchase(t *testing.T, userID, programID string, status model.PurchaseStatus, createdAt time.Time) *model.Purchase {
	t.Helper()
	p, err := model.NewPurchase(userID, programID, 50, "usd", createdAt)
	if err != nil {
		t.Fatalf("NewPurchase: %v", err)
	}
	p.ExternalPaymentRef = strPtr("pi_" + p.ID)
	p.Status = status
	if status == model.PurchaseStatusCompleted {
		p.CompletedAt = timePtr(createdAt)
	}
	if err := e.purchases.Save(context.Background(), nil, p); err != nil {
		t.Fatalf("seed purchase: %v", err)
	}
	return p
}

// seedSubscription stores an active subscription directly.
func (e *testEnv) seedSubscription(t *testing.T, userID string, tier model.Tier, start, end time.Time) *model.Subscription {
	t.Helper()
	s, err := model.NewSubscription(userID, tier, "sub_"+userID, start, end, start)
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	if err := e.subs.Save(context.Background(), nil, s); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return s
}
