// File: internal/usecase/memstore_test.go
package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"subscription-commerce/internal/domain"
	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/domain/ports/adapter"
	"subscription-commerce/internal/domain/ports/repository"
)

// memStore is an in-memory stand-in for the relational store. Transactions
// are serialized and roll back by restoring a snapshot.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	products map[int64]*model.Product
	services map[int64]*model.Service
	invoices map[int64]*model.Invoice
	balances map[balanceKey]int64
	settings map[string]int64
	nextID   int64

	// fault injection
	seqErr      error
	createErrAt int // fail the n-th Create (1-based), 0 = never
	createCalls int

	// rowLocks records which row family each write touched, in order.
	rowLocks []string
}

type balanceKey struct {
	user     int64
	currency model.Currency
}

type memSnapshot struct {
	products map[int64]*model.Product
	services map[int64]*model.Service
	invoices map[int64]*model.Invoice
	balances map[balanceKey]int64
	settings map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		products: map[int64]*model.Product{},
		services: map[int64]*model.Service{},
		invoices: map[int64]*model.Invoice{},
		balances: map[balanceKey]int64{},
		settings: map[string]int64{},
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		products: make(map[int64]*model.Product, len(s.products)),
		services: make(map[int64]*model.Service, len(s.services)),
		invoices: make(map[int64]*model.Invoice, len(s.invoices)),
		balances: make(map[balanceKey]int64, len(s.balances)),
		settings: make(map[string]int64, len(s.settings)),
	}
	for k, v := range s.products {
		snap.products[k] = cloneProduct(v)
	}
	for k, v := range s.services {
		snap.services[k] = cloneService(v)
	}
	for k, v := range s.invoices {
		snap.invoices[k] = cloneInvoice(v)
	}
	for k, v := range s.balances {
		snap.balances[k] = v
	}
	for k, v := range s.settings {
		snap.settings[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = snap.products
	s.services = snap.services
	s.invoices = snap.invoices
	s.balances = snap.balances
	s.settings = snap.settings
}

// --- seeding helpers ---

func (s *memStore) addProduct(p model.Product) *model.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.id()
	s.products[p.ID] = cloneProduct(&p)
	return &p
}

func (s *memStore) addService(svc model.Service) *model.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc.ID = s.id()
	if svc.Status == "" {
		svc.Status = model.ServiceStatusActive
	}
	s.services[svc.ID] = cloneService(&svc)
	return &svc
}

func (s *memStore) addInvoice(inv model.Invoice) *model.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv.ID = s.id()
	if inv.Status == "" {
		inv.Status = model.InvoiceStatusPending
	}
	s.invoices[inv.ID] = cloneInvoice(&inv)
	return &inv
}

func (s *memStore) setBalance(user int64, c model.Currency, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey{user, c}] = amount
}

func (s *memStore) balance(user int64, c model.Currency) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[balanceKey{user, c}]
}

func (s *memStore) invoice(id int64) *model.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.invoices[id]; ok {
		return cloneInvoice(inv)
	}
	return nil
}

func (s *memStore) service(id int64) *model.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.services[id]; ok {
		return cloneService(svc)
	}
	return nil
}

func (s *memStore) product(id int64) *model.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[id]; ok {
		return cloneProduct(p)
	}
	return nil
}

func (s *memStore) invoicesForService(serviceID int64) []*model.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Invoice
	for _, inv := range s.invoices {
		if inv.ServiceID != nil && *inv.ServiceID == serviceID {
			out = append(out, cloneInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) locks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rowLocks...)
}

func (s *memStore) servicesCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.services)
}

// --- transaction manager ---

type memTx struct{}

type memTxManager struct{ s *memStore }

func (m memTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	m.s.txMu.Lock()
	defer m.s.txMu.Unlock()
	snap := m.s.snapshot()
	if err := fn(ctx, memTx{}); err != nil {
		m.s.restore(snap)
		return err
	}
	return nil
}

// --- invoices ---

type memInvoiceRepo struct{ s *memStore }

func (r memInvoiceRepo) Create(_ context.Context, _ repository.Tx, inv *model.Invoice) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErrAt > 0 && s.createCalls == s.createErrAt {
		return false, errors.New("insert failed")
	}
	for _, other := range s.invoices {
		if inv.Number != "" && other.Number == inv.Number {
			return false, domain.ErrAlreadyExists
		}
		if inv.ServiceID != nil && inv.CycleEndAt != nil && other.ServiceID != nil && other.CycleEndAt != nil &&
			*other.ServiceID == *inv.ServiceID && other.CycleEndAt.Equal(*inv.CycleEndAt) {
			return false, nil
		}
	}
	inv.ID = s.id()
	s.invoices[inv.ID] = cloneInvoice(inv)
	return true, nil
}

func (r memInvoiceRepo) FindByID(_ context.Context, _ repository.Tx, id int64) (*model.Invoice, error) {
	if inv := r.s.invoice(id); inv != nil {
		return inv, nil
	}
	return nil, domain.ErrNotFound
}

func (r memInvoiceRepo) FindWithProduct(_ context.Context, _ repository.Tx, id int64) (*model.Invoice, *model.Product, error) {
	inv := r.s.invoice(id)
	if inv == nil {
		return nil, nil, domain.ErrNotFound
	}
	p := r.s.product(inv.ProductID)
	if p == nil {
		return nil, nil, domain.ErrNotFound
	}
	return inv, p, nil
}

func (r memInvoiceRepo) ExistsForCycle(_ context.Context, _ repository.Tx, serviceID int64, cursor, cycleEnd time.Time, window time.Duration) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.ServiceID == nil || *inv.ServiceID != serviceID {
			continue
		}
		if inv.CycleEndAt != nil {
			if absDur(inv.CycleEndAt.Sub(cycleEnd)) < window {
				return true, nil
			}
			continue
		}
		if absDur(inv.CreatedAt.Sub(cursor)) < window {
			return true, nil
		}
	}
	return false, nil
}

func (r memInvoiceRepo) MarkOverdue(_ context.Context, _ repository.Tx, now time.Time) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, inv := range s.invoices {
		if inv.IsOverdueAt(now) {
			inv.Status = model.InvoiceStatusOverdue
			n++
		}
	}
	return n, nil
}

func (r memInvoiceRepo) MarkPaid(_ context.Context, _ repository.Tx, p repository.MarkPaidParams) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rowLocks = append(s.rowLocks, "invoices")
	inv, ok := s.invoices[p.InvoiceID]
	if !ok || inv.Status == model.InvoiceStatusPaid {
		return false, nil
	}
	inv.Status = model.InvoiceStatusPaid
	inv.PaymentMethod = p.Method
	paidAt := p.PaidAt
	inv.PaidAt = &paidAt
	return true, nil
}

func (r memInvoiceRepo) AssignNumber(_ context.Context, _ repository.Tx, id int64, number string) (string, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	if inv.Number == "" {
		inv.Number = number
	}
	return inv.Number, nil
}

func (r memInvoiceRepo) AttachFulfillment(_ context.Context, _ repository.Tx, id, serviceID int64, cycleEnd *time.Time, at time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return domain.ErrNotFound
	}
	if inv.ServiceID == nil {
		sid := serviceID
		inv.ServiceID = &sid
	}
	if inv.CycleEndAt == nil && cycleEnd != nil {
		end := *cycleEnd
		inv.CycleEndAt = &end
	}
	if inv.FulfilledAt == nil {
		inv.FulfilledAt = &at
	}
	return nil
}

func (r memInvoiceRepo) ListPaidUnfulfilled(_ context.Context, _ repository.Tx, olderThan time.Time, limit int) ([]*model.Invoice, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Invoice
	for _, inv := range s.invoices {
		if inv.IsPaid() && inv.FulfilledAt == nil && inv.PaidAt != nil && inv.PaidAt.Before(olderThan) {
			out = append(out, cloneInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- services ---

type memServiceRepo struct{ s *memStore }

func (r memServiceRepo) ListDue(_ context.Context, _ repository.Tx, now time.Time, limit int) ([]*model.DueService, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.DueService
	for _, svc := range s.services {
		if svc.Status != model.ServiceStatusActive || svc.PeriodMinutes <= 0 || svc.NextInvoiceAt.After(now) {
			continue
		}
		p := s.products[svc.ProductID]
		if p == nil {
			continue
		}
		out = append(out, &model.DueService{Service: *cloneService(svc), Price: p.Price, Currency: p.Currency})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextInvoiceAt.Before(out[j].NextInvoiceAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memServiceRepo) AdvanceCursor(_ context.Context, _ repository.Tx, id int64, next time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return domain.ErrNotFound
	}
	svc.NextInvoiceAt = next
	return nil
}

func (r memServiceRepo) Upsert(_ context.Context, _ repository.Tx, p repository.UpsertServiceParams) (*model.Service, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.UserID == p.UserID && svc.ProductID == p.ProductID {
			svc.PeriodMinutes = p.PeriodMinutes
			svc.NextInvoiceAt = p.NextInvoiceAt
			svc.Status = model.ServiceStatusActive
			svc.CanceledAt = nil
			return cloneService(svc), nil
		}
	}
	svc := &model.Service{
		ID:            s.id(),
		UserID:        p.UserID,
		ProductID:     p.ProductID,
		PeriodMinutes: p.PeriodMinutes,
		NextInvoiceAt: p.NextInvoiceAt,
		Status:        model.ServiceStatusActive,
	}
	s.services[svc.ID] = svc
	return cloneService(svc), nil
}

func (r memServiceRepo) FindByUserAndProduct(_ context.Context, _ repository.Tx, userID, productID int64) (*model.Service, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services {
		if svc.UserID == userID && svc.ProductID == productID {
			return cloneService(svc), nil
		}
	}
	return nil, domain.ErrNotFound
}

// --- products, balances, settings ---

type memProductRepo struct{ s *memStore }

func (r memProductRepo) Save(_ context.Context, _ repository.Tx, p *model.Product) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.products[p.ID] = cloneProduct(p)
	return nil
}

func (r memProductRepo) FindByID(_ context.Context, _ repository.Tx, id int64) (*model.Product, error) {
	if p := r.s.product(id); p != nil {
		return p, nil
	}
	return nil, domain.ErrNotFound
}

func (r memProductRepo) DecrementStock(_ context.Context, _ repository.Tx, id int64) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok || p.Stock <= 0 {
		return false, nil
	}
	p.Stock--
	return true, nil
}

type memBalanceRepo struct{ s *memStore }

func (r memBalanceRepo) Debit(_ context.Context, _ repository.Tx, userID int64, c model.Currency, amount int64) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	k := balanceKey{userID, c}
	if s.balances[k] < amount {
		return false, nil
	}
	s.balances[k] -= amount
	return true, nil
}

func (r memBalanceRepo) Credit(_ context.Context, _ repository.Tx, userID int64, c model.Currency, amount int64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey{userID, c}] += amount
	return nil
}

func (r memBalanceRepo) Get(_ context.Context, _ repository.Tx, userID int64, c model.Currency) (int64, error) {
	return r.s.balance(userID, c), nil
}

type memSettingsRepo struct{ s *memStore }

func (r memSettingsRepo) NextSequence(_ context.Context, _ repository.Tx, key string) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rowLocks = append(s.rowLocks, "settings")
	if s.seqErr != nil {
		return 0, s.seqErr
	}
	s.settings[key]++
	return s.settings[key], nil
}

// --- idempotency, gateways, events ---

type memIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func newMemIdempotency() *memIdempotency { return &memIdempotency{keys: map[string]bool{}} }

func (m *memIdempotency) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *memIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *memIdempotency) held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key]
}

type fakeGateway struct {
	name   string
	result *adapter.CaptureResult
	err    error
	mu     sync.Mutex
	calls  int
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) CaptureOrder(_ context.Context, orderRef string) (*adapter.CaptureResult, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	if g.result != nil {
		return g.result, nil
	}
	return &adapter.CaptureResult{OrderRef: orderRef, CaptureID: "cap-" + orderRef, Completed: true, CapturedAt: time.Now()}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events ...model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) ofType(t model.EventType) []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// --- wiring ---

type testEnv struct {
	store    *memStore
	events   *recordingPublisher
	dedup    *memIdempotency
	gateway  *fakeGateway
	numbers  *InvoiceNumberGenerator
	billing  *billingUC
	fulfill  *fulfillmentUC
	payments *paymentUC
}

func newTestEnv(cfg BillingConfig) *testEnv {
	logger := zerolog.Nop()
	s := newMemStore()
	tm := memTxManager{s: s}
	ev := &recordingPublisher{}
	dedup := newMemIdempotency()
	gw := &fakeGateway{name: "paypal"}

	numbers := NewInvoiceNumberGenerator(memSettingsRepo{s}, &logger)
	billing := NewBillingUseCase(memInvoiceRepo{s}, memServiceRepo{s}, numbers, tm, ev, cfg, &logger)
	fulfill := NewFulfillmentUseCase(memInvoiceRepo{s}, memServiceRepo{s}, tm, ev, &logger)
	payments := NewPaymentUseCase(memInvoiceRepo{s}, memProductRepo{s}, memBalanceRepo{s}, numbers, fulfill, tm, dedup,
		[]adapter.PaymentGateway{gw}, ev, PaymentConfig{GatewayTimeout: time.Second}, &logger)

	return &testEnv{
		store:    s,
		events:   ev,
		dedup:    dedup,
		gateway:  gw,
		numbers:  numbers,
		billing:  billing,
		fulfill:  fulfill,
		payments: payments,
	}
}

// --- clone helpers ---

func cloneProduct(p *model.Product) *model.Product { cp := *p; return &cp }

func cloneService(s *model.Service) *model.Service {
	cp := *s
	cp.CanceledAt = cloneTime(s.CanceledAt)
	return &cp
}

func cloneInvoice(i *model.Invoice) *model.Invoice {
	cp := *i
	if i.ServiceID != nil {
		id := *i.ServiceID
		cp.ServiceID = &id
	}
	cp.DueAt = cloneTime(i.DueAt)
	cp.PaidAt = cloneTime(i.PaidAt)
	cp.CycleEndAt = cloneTime(i.CycleEndAt)
	cp.FulfilledAt = cloneTime(i.FulfilledAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func timePtr(t time.Time) *time.Time { return &t }
func int64Ptr(v int64) *int64        { return &v }
