package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// fakeRepo is an in-memory Repository. Transactions are serialized by a
// single mutex, which is stricter than row locks but gives the same
// guarantees, and roll back by restoring a snapshot.
type fakeRepo struct {
	mu sync.Mutex

	products    map[int64]*models.Product
	users       map[uuid.UUID]*models.User
	orders      map[int64]*models.Order
	lines       map[int64][]models.OrderLine
	history     map[int64][]models.OrderStatusChange
	journal     map[string]models.WalletTransaction
	settlements map[string]bool

	nextOrderID int64
	nextLineID  int64

	// failTx makes every transaction fail before fn runs.
	failTx error
	// lockLog records the order in which rows were locked.
	lockLog []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		products:    map[int64]*models.Product{},
		users:       map[uuid.UUID]*models.User{},
		orders:      map[int64]*models.Order{},
		lines:       map[int64][]models.OrderLine{},
		history:     map[int64][]models.OrderStatusChange{},
		journal:     map[string]models.WalletTransaction{},
		settlements: map[string]bool{},
	}
}

func (r *fakeRepo) addProduct(id int64, name, price string, availability int, status models.ProductStatus) {
	r.products[id] = &models.Product{
		ID:           id,
		Name:         name,
		Price:        decimal.RequireFromString(price),
		Availability: availability,
		Status:       status,
	}
}

func (r *fakeRepo) addUser(balance string) uuid.UUID {
	id := uuid.New()
	r.users[id] = &models.User{
		ID:      id,
		Email:   fmt.Sprintf("%s@example.com", id.String()[:8]),
		Role:    "user",
		Balance: decimal.RequireFromString(balance),
	}
	return id
}

func (r *fakeRepo) product(id int64) models.Product {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.products[id]
}

func (r *fakeRepo) balance(id uuid.UUID) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[id].Balance
}

func (r *fakeRepo) orderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

func (r *fakeRepo) order(id int64) models.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.orders[id]
}

type fakeSnapshot struct {
	products    map[int64]models.Product
	users       map[uuid.UUID]models.User
	orders      map[int64]models.Order
	lines       map[int64][]models.OrderLine
	history     map[int64][]models.OrderStatusChange
	journal     map[string]models.WalletTransaction
	settlements map[string]bool
	nextOrderID int64
	nextLineID  int64
}

func (r *fakeRepo) snapshot() fakeSnapshot {
	s := fakeSnapshot{
		products:    map[int64]models.Product{},
		users:       map[uuid.UUID]models.User{},
		orders:      map[int64]models.Order{},
		lines:       map[int64][]models.OrderLine{},
		history:     map[int64][]models.OrderStatusChange{},
		journal:     map[string]models.WalletTransaction{},
		settlements: map[string]bool{},
		nextOrderID: r.nextOrderID,
		nextLineID:  r.nextLineID,
	}
	for k, v := range r.products {
		s.products[k] = *v
	}
	for k, v := range r.users {
		s.users[k] = *v
	}
	for k, v := range r.orders {
		s.orders[k] = *v
	}
	for k, v := range r.lines {
		s.lines[k] = append([]models.OrderLine(nil), v...)
	}
	for k, v := range r.history {
		s.history[k] = append([]models.OrderStatusChange(nil), v...)
	}
	for k, v := range r.journal {
		s.journal[k] = v
	}
	for k, v := range r.settlements {
		s.settlements[k] = v
	}
	return s
}

func (r *fakeRepo) restore(s fakeSnapshot) {
	r.products = map[int64]*models.Product{}
	for k, v := range s.products {
		v := v
		r.products[k] = &v
	}
	r.users = map[uuid.UUID]*models.User{}
	for k, v := range s.users {
		v := v
		r.users[k] = &v
	}
	r.orders = map[int64]*models.Order{}
	for k, v := range s.orders {
		v := v
		r.orders[k] = &v
	}
	r.lines = s.lines
	r.history = s.history
	r.journal = s.journal
	r.settlements = s.settlements
	r.nextOrderID = s.nextOrderID
	r.nextLineID = s.nextLineID
}

func (r *fakeRepo) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failTx != nil {
		return r.failTx
	}

	snap := r.snapshot()
	if err := fn(&fakeTx{r: r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *fakeRepo) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeRepo) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

func (r *fakeRepo) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *fakeRepo) GetOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OrderLine{}, r.lines[orderID]...), nil
}

func (r *fakeRepo) GetStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OrderStatusChange{}, r.history[orderID]...), nil
}

func (r *fakeRepo) GetOrderByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.UserID == userID && o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) ListOrdersByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orders := []models.Order{}
	for _, o := range r.orders {
		if o.UserID == userID {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	if offset >= len(orders) {
		return []models.Order{}, nil
	}
	orders = orders[offset:]
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (r *fakeRepo) pendingCrypto(match func(o *models.Order) bool, limit int) []models.Order {
	orders := []models.Order{}
	for _, o := range r.orders {
		if o.Status == models.OrderStatusPending && o.PaymentMethod == models.PaymentMethodCrypto && match(o) {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders
}

func (r *fakeRepo) ListOrdersMissingInvoice(ctx context.Context, maxAttempts, limit int) ([]models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingCrypto(func(o *models.Order) bool {
		return o.InvoiceID == nil && o.InvoiceAttempts < maxAttempts
	}, limit), nil
}

func (r *fakeRepo) ListStalePendingOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingCrypto(func(o *models.Order) bool {
		return o.CreatedAt.Before(cutoff)
	}, limit), nil
}

func (r *fakeRepo) RecordInvoice(ctx context.Context, orderID int64, invoiceID, invoiceURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.Status != models.OrderStatusPending {
		return store.ErrOrderNotPending
	}
	o.InvoiceID = &invoiceID
	o.InvoiceURL = &invoiceURL
	o.InvoiceAttempts++
	return nil
}

func (r *fakeRepo) IncrementInvoiceAttempts(ctx context.Context, orderID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[orderID]; ok {
		o.InvoiceAttempts++
	}
	return nil
}

// fakeTx runs with fakeRepo.mu held
type fakeTx struct {
	r *fakeRepo
}

func (t *fakeTx) LockProducts(ctx context.Context, ids []int64) (map[int64]models.Product, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	t.r.lockLog = append(t.r.lockLog, fmt.Sprintf("products:%v", sorted))

	result := map[int64]models.Product{}
	for _, id := range sorted {
		if p, ok := t.r.products[id]; ok {
			result[id] = *p
		}
	}
	return result, nil
}

func (t *fakeTx) ReserveStock(ctx context.Context, productID int64, quantity int) (*models.Product, error) {
	p, ok := t.r.products[productID]
	if !ok {
		return nil, &store.StockError{ProductID: productID, Err: store.ErrProductNotFound}
	}
	if p.Status != models.ProductStatusActive {
		return nil, &store.StockError{ProductID: productID, ProductName: p.Name, Err: store.ErrProductInactive}
	}
	if p.Availability < quantity {
		return nil, &store.StockError{ProductID: productID, ProductName: p.Name, Available: p.Availability, Err: store.ErrInsufficientStock}
	}
	p.Availability -= quantity
	cp := *p
	return &cp, nil
}

func (t *fakeTx) ReleaseStock(ctx context.Context, productID int64, quantity int) error {
	p, ok := t.r.products[productID]
	if !ok {
		return &store.StockError{ProductID: productID, Err: store.ErrProductNotFound}
	}
	p.Availability += quantity
	return nil
}

func (t *fakeTx) LockWallet(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	t.r.lockLog = append(t.r.lockLog, "wallet")
	u, ok := t.r.users[userID]
	if !ok {
		return decimal.Zero, store.ErrUserNotFound
	}
	return u.Balance, nil
}

func (t *fakeTx) apply(userID uuid.UUID, delta decimal.Decimal, txType models.WalletTxType, reference string) (bool, error) {
	u, ok := t.r.users[userID]
	if !ok {
		return false, store.ErrUserNotFound
	}
	key := string(txType) + "|" + reference
	if _, ok := t.r.journal[key]; ok {
		return false, nil
	}
	next := u.Balance.Add(delta)
	if next.IsNegative() {
		return false, store.ErrInsufficientFunds
	}
	u.Balance = next
	t.r.journal[key] = models.WalletTransaction{UserID: userID, Amount: delta, Type: txType, Reference: reference}
	return true, nil
}

func (t *fakeTx) DebitWallet(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, txType models.WalletTxType, reference string) error {
	if !amount.IsPositive() {
		return store.ErrNonPositiveAmount
	}
	applied, err := t.apply(userID, amount.Neg(), txType, reference)
	if err != nil {
		return err
	}
	if !applied {
		return store.ErrDuplicateReference
	}
	return nil
}

func (t *fakeTx) CreditWallet(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, txType models.WalletTxType, reference string) (bool, error) {
	if !amount.IsPositive() {
		return false, store.ErrNonPositiveAmount
	}
	return t.apply(userID, amount, txType, reference)
}

func (t *fakeTx) InsertOrder(ctx context.Context, order *models.Order) error {
	if order.IdempotencyKey != nil {
		for _, o := range t.r.orders {
			if o.UserID == order.UserID && o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
				return store.ErrDuplicateIdempotencyKey
			}
		}
	}
	t.r.nextOrderID++
	order.ID = t.r.nextOrderID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	cp := *order
	t.r.orders[order.ID] = &cp
	t.r.history[order.ID] = append(t.r.history[order.ID], models.OrderStatusChange{OrderID: order.ID, ToStatus: order.Status})
	return nil
}

func (t *fakeTx) InsertOrderLines(ctx context.Context, lines []models.OrderLine) error {
	for i := range lines {
		t.r.nextLineID++
		lines[i].ID = t.r.nextLineID
		t.r.lines[lines[i].OrderID] = append(t.r.lines[lines[i].OrderID], lines[i])
	}
	return nil
}

func (t *fakeTx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, ok := t.r.orders[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *fakeTx) GetOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error) {
	return append([]models.OrderLine{}, t.r.lines[orderID]...), nil
}

func (t *fakeTx) TransitionOrder(ctx context.Context, order *models.Order, to models.OrderStatus, note string) error {
	from := order.Status
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, from, to)
	}
	t.r.orders[order.ID].Status = to
	change := models.OrderStatusChange{OrderID: order.ID, FromStatus: &from, ToStatus: to}
	if note != "" {
		change.Note = &note
	}
	t.r.history[order.ID] = append(t.r.history[order.ID], change)
	order.Status = to
	return nil
}

func (t *fakeTx) SetPaymentReference(ctx context.Context, orderID int64, reference string) error {
	t.r.orders[orderID].PaymentReference = &reference
	return nil
}

func (t *fakeTx) MarkSettlementProcessed(ctx context.Context, txnID string, kind models.SettlementKind, target string) (bool, error) {
	key := string(kind) + "|" + txnID
	if t.r.settlements[key] {
		return false, nil
	}
	t.r.settlements[key] = true
	return true, nil
}

type fakeGateway struct {
	mu       sync.Mutex
	err      error
	requests []gateway.InvoiceRequest
}

func (g *fakeGateway) CreateInvoice(ctx context.Context, req gateway.InvoiceRequest) (*gateway.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	id := fmt.Sprintf("INV-%d", len(g.requests))
	return &gateway.Invoice{TxnID: id, InvoiceURL: "https://pay.example/" + id}, nil
}

func (g *fakeGateway) OrderCallbackURL(orderID int64) string {
	return fmt.Sprintf("https://shop.example/api/webhooks/plisio?type=order&id=%d", orderID)
}

func (g *fakeGateway) WalletCallbackURL(userID uuid.UUID) string {
	return fmt.Sprintf("https://shop.example/api/webhooks/plisio?type=wallet&userId=%s", userID)
}

type fakePublisher struct {
	mu            sync.Mutex
	placed        []*models.OrderPlacedEvent
	statusChanged []*models.OrderStatusChangedEvent
	credited      []*models.WalletCreditedEvent
	err           error
}

func (p *fakePublisher) PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, event)
	return p.err
}

func (p *fakePublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusChanged = append(p.statusChanged, event)
	return p.err
}

func (p *fakePublisher) PublishWalletCredited(ctx context.Context, event *models.WalletCreditedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credited = append(p.credited, event)
	return p.err
}

func (p *fakePublisher) placedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.placed)
}

type fakeCache struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{keys: map[string]bool{}}
}

func (c *fakeCache) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	return c.keys[key], nil
}

func (c *fakeCache) SetIdempotencyKey(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.keys[key] = true
	return nil
}

var errStoreDown = errors.New("connection refused")
