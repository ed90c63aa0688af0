package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/femilianferuk-droid/proxy/internal/cryptopay"
	"github.com/femilianferuk-droid/proxy/internal/ledger"
	"github.com/femilianferuk-droid/proxy/internal/model"
	"github.com/femilianferuk-droid/proxy/internal/repository"
)

type stubRepo struct {
	mu sync.Mutex

	products map[int64]*model.Product

	available  map[int64]int
	nextItemID int64
	claims     map[int64][]int64 // productID -> claimedBy

	purchases []purchaseRecord

	userIDs []int64
	users   map[int64]*model.User

	freeKey    *model.FreeKey
	freeKeyErr error

	expiredCount int64
}

type purchaseRecord struct {
	userID    int64
	productID int64
	itemID    int64
	expiresAt *time.Time
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		products:  map[int64]*model.Product{},
		available: map[int64]int{},
		claims:    map[int64][]int64{},
		users:     map[int64]*model.User{},
	}
}

func (s *stubRepo) addProduct(p model.Product, stock int) {
	s.products[p.ID] = &p
	s.available[p.ID] = stock
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, id int64, username, firstName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		s.users[id] = &model.User{ID: id, Username: username, FirstName: firstName}
		s.userIDs = append(s.userIDs, id)
	}
	return nil
}

func (s *stubRepo) GetUser(ctx context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u, nil
}

func (s *stubRepo) ListUserIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.userIDs...), nil
}

func (s *stubRepo) CreateProduct(ctx context.Context, p model.Product) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := int64(len(s.products) + 1)
	p.ID = id
	s.products[id] = &p
	return id, nil
}

func (s *stubRepo) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	return p, nil
}

func (s *stubRepo) ListProducts(ctx context.Context, kind model.ProductKind) ([]model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []model.Product
	for _, p := range s.products {
		if p.Active && (kind == "" || p.Kind == kind) {
			res = append(res, *p)
		}
	}
	return res, nil
}

func (s *stubRepo) UpdateProductPrice(ctx context.Context, id int64, priceKopecks int64, priceCrypto string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return repository.ErrProductNotFound
	}
	p.PriceKopecks = priceKopecks
	p.PriceCrypto = priceCrypto
	return nil
}

func (s *stubRepo) UpdateProductInstruction(ctx context.Context, id int64, instruction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return repository.ErrProductNotFound
	}
	p.Instruction = instruction
	return nil
}

func (s *stubRepo) AddItems(ctx context.Context, productID int64, payloads []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[productID]; !ok {
		return 0, repository.ErrProductNotFound
	}
	s.available[productID] += len(payloads)
	return len(payloads), nil
}

func (s *stubRepo) AvailableCount(ctx context.Context, productID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available[productID], nil
}

// ClaimItem повторяет семантику SQL-выдачи: проверка и захват в одной
// критической секции.
func (s *stubRepo) ClaimItem(ctx context.Context, productID, userID int64) (*model.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.available[productID] == 0 {
		return nil, repository.ErrOutOfStock
	}
	s.available[productID]--
	s.nextItemID++
	s.claims[productID] = append(s.claims[productID], userID)

	claimedAt := time.Now()
	return &model.InventoryItem{
		ID:        s.nextItemID,
		ProductID: productID,
		Payload:   fmt.Sprintf("payload-%d", s.nextItemID),
		Available: false,
		ClaimedBy: &userID,
		ClaimedAt: &claimedAt,
	}, nil
}

func (s *stubRepo) CreatePurchase(ctx context.Context, userID, productID, itemID int64, expiresAt *time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchases = append(s.purchases, purchaseRecord{userID: userID, productID: productID, itemID: itemID, expiresAt: expiresAt})
	return int64(len(s.purchases)), nil
}

func (s *stubRepo) GetPurchasesByUser(ctx context.Context, userID int64, limit int) ([]repository.PurchaseView, error) {
	return nil, nil
}

func (s *stubRepo) ExpireOverduePurchases(ctx context.Context, now time.Time) (int64, error) {
	return s.expiredCount, nil
}

func (s *stubRepo) AddFreeKeys(ctx context.Context, kind model.FreeKeyKind, payloads []string, instruction string) (int, error) {
	return len(payloads), nil
}

func (s *stubRepo) ClaimFreeKey(ctx context.Context, kind model.FreeKeyKind, userID int64) (*model.FreeKey, error) {
	return s.freeKey, s.freeKeyErr
}

func (s *stubRepo) GetFreeKeysByUser(ctx context.Context, userID int64) ([]model.FreeKey, error) {
	return nil, nil
}

func (s *stubRepo) GetStats(ctx context.Context) (*repository.Stats, error) {
	return &repository.Stats{}, nil
}

type stubGateway struct {
	mu sync.Mutex

	invoice      *cryptopay.Invoice
	createErr    error
	createCalls  int
	status       cryptopay.InvoiceStatus
	statusErr    error
	statusByID   map[int64]cryptopay.InvoiceStatus
	statusCalls  int
}

func (g *stubGateway) CreateInvoice(ctx context.Context, asset, amount, description, payload string, expiresIn time.Duration) (*cryptopay.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	return g.invoice, g.createErr
}

func (g *stubGateway) GetInvoiceStatus(ctx context.Context, invoiceID int64) (cryptopay.InvoiceStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if g.statusByID != nil {
		if st, ok := g.statusByID[invoiceID]; ok {
			return st, nil
		}
	}
	return g.status, g.statusErr
}

type stubNotifier struct {
	mu       sync.Mutex
	messages map[int64][]string
	failFor  map[int64]error
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{messages: map[int64][]string{}, failFor: map[int64]error{}}
}

func (n *stubNotifier) SendMessage(ctx context.Context, userID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.failFor[userID]; ok {
		return err
	}
	n.messages[userID] = append(n.messages[userID], text)
	return nil
}

func newTestService(t *testing.T, repo Repository, gateway Gateway, notifier Notifier) *Service {
	t.Helper()
	return NewService(repo, gateway, ledger.New(), notifier, zap.NewNop(), Config{
		Asset:           "USDT",
		InvoiceTTL:      30 * time.Minute,
		PollInterval:    10 * time.Second,
		ExchangeRateRub: 80,
	})
}

func TestCreateOrder_OpensPendingPayment(t *testing.T) {
	repo := newStubRepo()
	repo.addProduct(model.Product{ID: 1, Kind: model.ProductKindProxy, Name: "proxy", PriceCrypto: "0.12500000", Active: true}, 3)

	gateway := &stubGateway{invoice: &cryptopay.Invoice{ID: 42, PayURL: "https://t.me/CryptoBot?start=IVx"}}
	svc := newTestService(t, repo, gateway, newStubNotifier())

	order, err := svc.CreateOrder(context.Background(), 7, 1)
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	if order.InvoiceID != 42 || order.PayURL == "" {
		t.Fatalf("unexpected order: %+v", order)
	}

	entry, ok := svc.ledger.Get(7)
	if !ok {
		t.Fatalf("pending payment not opened")
	}
	if entry.InvoiceID != 42 || entry.Status != model.PaymentStatusPending {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}
}

func TestCreateOrder_RejectsBeforeInvoiceWhenOutOfStock(t *testing.T) {
	repo := newStubRepo()
	repo.addProduct(model.Product{ID: 1, Kind: model.ProductKindProxy, Active: true}, 0)

	gateway := &stubGateway{invoice: &cryptopay.Invoice{ID: 42}}
	svc := newTestService(t, repo, gateway, newStubNotifier())

	_, err := svc.CreateOrder(context.Background(), 7, 1)
	if !errors.Is(err, repository.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
	if gateway.createCalls != 0 {
		t.Fatalf("invoice must not be created for out-of-stock product")
	}
	if _, ok := svc.ledger.Get(7); ok {
		t.Fatalf("ledger entry must not be opened")
	}
}

func TestCreateOrder_RejectsInactiveProduct(t *testing.T) {
	repo := newStubRepo()
	repo.addProduct(model.Product{ID: 1, Kind: model.ProductKindProxy, Active: false}, 3)

	svc := newTestService(t, repo, &stubGateway{}, newStubNotifier())

	_, err := svc.CreateOrder(context.Background(), 7, 1)
	if !errors.Is(err, ErrProductInactive) {
		t.Fatalf("expected ErrProductInactive, got %v", err)
	}
}

func TestAddProduct_DerivesCryptoPriceFromRate(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(t, repo, &stubGateway{}, newStubNotifier())

	id, err := svc.AddProduct(context.Background(), model.ProductKindVPNLong, "VPN 30", 1500_00, 3, "install the app")
	if err != nil {
		t.Fatalf("AddProduct error: %v", err)
	}

	p, err := repo.GetProduct(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProduct error: %v", err)
	}
	// 1500 rub / 80 rub per USDT = 18.75 USDT
	if p.PriceCrypto != "18.75000000" {
		t.Fatalf("price crypto = %s, want 18.75000000", p.PriceCrypto)
	}
}

func TestSetProductPrice_RecomputesCrypto(t *testing.T) {
	repo := newStubRepo()
	repo.addProduct(model.Product{ID: 1, Kind: model.ProductKindProxy, Active: true}, 1)

	svc := newTestService(t, repo, &stubGateway{}, newStubNotifier())

	if err := svc.SetProductPrice(context.Background(), 1, 400); err != nil {
		t.Fatalf("SetProductPrice error: %v", err)
	}

	p, _ := repo.GetProduct(context.Background(), 1)
	// 4 rub / 80 = 0.05 USDT
	if p.PriceCrypto != "0.05000000" {
		t.Fatalf("price crypto = %s, want 0.05000000", p.PriceCrypto)
	}

	if err := svc.SetProductPrice(context.Background(), 1, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero price, got %v", err)
	}
}

func TestBroadcast_ToleratesPerRecipientFailures(t *testing.T) {
	repo := newStubRepo()
	for id := int64(1); id <= 4; id++ {
		_ = repo.CreateUser(context.Background(), id, "", "")
	}

	notifier := newStubNotifier()
	notifier.failFor[2] = errors.New("blocked by user")
	notifier.failFor[3] = errors.New("blocked by user")

	svc := newTestService(t, repo, &stubGateway{}, notifier)

	sent, failed, err := svc.Broadcast(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}
	if sent != 2 || failed != 2 {
		t.Fatalf("sent = %d, failed = %d, want 2 and 2", sent, failed)
	}
	if len(notifier.messages[1]) != 1 || len(notifier.messages[4]) != 1 {
		t.Fatalf("surviving recipients must still receive the message")
	}
}
