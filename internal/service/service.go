// Package service реализует бизнес-логику магазина прокси и VPN.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/femilianferuk-droid/proxy/internal/cryptopay"
	"github.com/femilianferuk-droid/proxy/internal/ledger"
	"github.com/femilianferuk-droid/proxy/internal/model"
	"github.com/femilianferuk-droid/proxy/internal/repository"
)

// ErrProductInactive возвращается при попытке купить снятый с продажи товар.
var (
	ErrProductInactive = errors.New("product is not active")
	// ErrNoActivePayment возвращается, если у покупателя нет ожидаемого платежа.
	ErrNoActivePayment = errors.New("no active payment")
	// ErrInvalidInput возвращается при некорректных входных данных администратора.
	ErrInvalidInput = errors.New("invalid input")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, id int64, username, firstName string) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
	CreateProduct(ctx context.Context, p model.Product) (int64, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	ListProducts(ctx context.Context, kind model.ProductKind) ([]model.Product, error)
	UpdateProductPrice(ctx context.Context, id int64, priceKopecks int64, priceCrypto string) error
	UpdateProductInstruction(ctx context.Context, id int64, instruction string) error
	AddItems(ctx context.Context, productID int64, payloads []string) (int, error)
	AvailableCount(ctx context.Context, productID int64) (int, error)
	ClaimItem(ctx context.Context, productID, userID int64) (*model.InventoryItem, error)
	CreatePurchase(ctx context.Context, userID, productID, itemID int64, expiresAt *time.Time) (int64, error)
	GetPurchasesByUser(ctx context.Context, userID int64, limit int) ([]repository.PurchaseView, error)
	ExpireOverduePurchases(ctx context.Context, now time.Time) (int64, error)
	AddFreeKeys(ctx context.Context, kind model.FreeKeyKind, payloads []string, instruction string) (int, error)
	ClaimFreeKey(ctx context.Context, kind model.FreeKeyKind, userID int64) (*model.FreeKey, error)
	GetFreeKeysByUser(ctx context.Context, userID int64) ([]model.FreeKey, error)
	GetStats(ctx context.Context) (*repository.Stats, error)
}

// Gateway описывает контракт платёжного шлюза.
type Gateway interface {
	CreateInvoice(ctx context.Context, asset, amount, description, payload string, expiresIn time.Duration) (*cryptopay.Invoice, error)
	GetInvoiceStatus(ctx context.Context, invoiceID int64) (cryptopay.InvoiceStatus, error)
}

// Notifier описывает контракт отправки сообщений покупателям.
// Доставка негарантированная, сбой одного получателя не прерывает остальных.
type Notifier interface {
	SendMessage(ctx context.Context, userID int64, text string) error
}

// Config содержит настройки сервиса.
type Config struct {
	Asset           string
	InvoiceTTL      time.Duration
	PollInterval    time.Duration
	ExchangeRateRub float64
}

// Service содержит бизнес-логику магазина.
type Service struct {
	repo     Repository
	gateway  Gateway
	ledger   *ledger.Ledger
	notifier Notifier
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

// NewService создаёт сервис с указанными зависимостями.
func NewService(repo Repository, gateway Gateway, l *ledger.Ledger, notifier Notifier, logger *zap.Logger, cfg Config) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.InvoiceTTL <= 0 {
		cfg.InvoiceTTL = 30 * time.Minute
	}
	if cfg.Asset == "" {
		cfg.Asset = "USDT"
	}

	return &Service{
		repo:     repo,
		gateway:  gateway,
		ledger:   l,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует покупателя при первом обращении.
func (s *Service) RegisterUser(ctx context.Context, id int64, username, firstName string) error {
	return s.repo.CreateUser(ctx, id, username, firstName)
}

// ProductView — товар вместе с количеством свободных единиц для витрины.
// Остаток информационный: к моменту покупки он может измениться, наличие
// окончательно проверяется в момент выдачи.
type ProductView struct {
	model.Product
	AvailableCount int
}

// ListProducts возвращает активные товары с остатками.
func (s *Service) ListProducts(ctx context.Context, kind model.ProductKind) ([]ProductView, error) {
	products, err := s.repo.ListProducts(ctx, kind)
	if err != nil {
		return nil, err
	}

	res := make([]ProductView, 0, len(products))
	for _, p := range products {
		count, err := s.repo.AvailableCount(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		res = append(res, ProductView{Product: p, AvailableCount: count})
	}

	return res, nil
}

// Order описывает созданный счёт на оплату.
type Order struct {
	InvoiceID    int64
	PayURL       string
	AmountCrypto string
	ExpiresAt    time.Time
}

// CreateOrder создаёт счёт на оплату товара и открывает запись об ожидаемом
// платеже. Если свободных единиц нет, попытка отклоняется до создания счёта.
func (s *Service) CreateOrder(ctx context.Context, userID, productID int64) (*Order, error) {
	if s.gateway == nil {
		return nil, errors.New("payment gateway not configured")
	}

	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, ErrProductInactive
	}

	// Предварительная проверка: окончательно наличие перепроверит ClaimItem.
	count, err := s.repo.AvailableCount(ctx, productID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, repository.ErrOutOfStock
	}

	payload := uuid.NewString() + ":" + strconv.FormatInt(userID, 10)
	invoice, err := s.gateway.CreateInvoice(ctx, s.cfg.Asset, product.PriceCrypto, product.Name, payload, s.cfg.InvoiceTTL)
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	entry := s.ledger.Open(userID, invoice.ID, productID, s.cfg.InvoiceTTL)

	s.logger.Info("invoice created",
		zap.Int64("user_id", userID),
		zap.Int64("product_id", productID),
		zap.Int64("invoice_id", invoice.ID),
	)

	return &Order{
		InvoiceID:    invoice.ID,
		PayURL:       invoice.PayURL,
		AmountCrypto: product.PriceCrypto,
		ExpiresAt:    entry.ExpiresAt,
	}, nil
}

// Profile — данные покупателя для отображения в профиле.
type Profile struct {
	User      *model.User
	Purchases []repository.PurchaseView
	FreeKeys  []model.FreeKey
}

// GetProfile возвращает профиль покупателя с последними покупками и
// полученными бесплатными ключами.
func (s *Service) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	purchases, err := s.repo.GetPurchasesByUser(ctx, userID, 5)
	if err != nil {
		return nil, err
	}

	keys, err := s.repo.GetFreeKeysByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &Profile{User: user, Purchases: purchases, FreeKeys: keys}, nil
}

// ClaimFreeKey выдаёт покупателю бесплатный ключ указанного типа.
func (s *Service) ClaimFreeKey(ctx context.Context, userID int64, kind model.FreeKeyKind) (*model.FreeKey, error) {
	if kind != model.FreeKeyKindProxy && kind != model.FreeKeyKindVPN {
		return nil, fmt.Errorf("%w: unknown free key kind %q", ErrInvalidInput, kind)
	}
	return s.repo.ClaimFreeKey(ctx, kind, userID)
}

// AddProduct добавляет товар в каталог. Криптоэквивалент цены фиксируется
// из фиатной цены по текущему курсу.
func (s *Service) AddProduct(ctx context.Context, kind model.ProductKind, name string, priceKopecks int64, perItemUserLimit int, instruction string) (int64, error) {
	switch kind {
	case model.ProductKindProxy, model.ProductKindVPNShort, model.ProductKindVPNLong:
	default:
		return 0, fmt.Errorf("%w: unknown product kind %q", ErrInvalidInput, kind)
	}
	if name == "" {
		return 0, fmt.Errorf("%w: empty product name", ErrInvalidInput)
	}
	if priceKopecks <= 0 {
		return 0, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	if perItemUserLimit <= 0 {
		perItemUserLimit = 1
	}

	return s.repo.CreateProduct(ctx, model.Product{
		Kind:             kind,
		Name:             name,
		PriceKopecks:     priceKopecks,
		PriceCrypto:      s.cryptoAmount(priceKopecks),
		PerItemUserLimit: perItemUserLimit,
		Instruction:      instruction,
		Active:           true,
	})
}

// SetProductPrice изменяет фиатную цену товара и пересчитывает
// криптоэквивалент по текущему курсу.
func (s *Service) SetProductPrice(ctx context.Context, productID, priceKopecks int64) error {
	if priceKopecks <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	return s.repo.UpdateProductPrice(ctx, productID, priceKopecks, s.cryptoAmount(priceKopecks))
}

// SetProductInstruction изменяет инструкцию товара.
func (s *Service) SetProductInstruction(ctx context.Context, productID int64, instruction string) error {
	if instruction == "" {
		return fmt.Errorf("%w: empty instruction", ErrInvalidInput)
	}
	return s.repo.UpdateProductInstruction(ctx, productID, instruction)
}

// AddInventory добавляет партию единиц товара в пул.
func (s *Service) AddInventory(ctx context.Context, productID int64, payloads []string) (int, error) {
	if len(payloads) == 0 {
		return 0, fmt.Errorf("%w: empty item batch", ErrInvalidInput)
	}
	return s.repo.AddItems(ctx, productID, payloads)
}

// AddFreeKeys добавляет партию бесплатных ключей.
func (s *Service) AddFreeKeys(ctx context.Context, kind model.FreeKeyKind, payloads []string, instruction string) (int, error) {
	if kind != model.FreeKeyKindProxy && kind != model.FreeKeyKindVPN {
		return 0, fmt.Errorf("%w: unknown free key kind %q", ErrInvalidInput, kind)
	}
	if len(payloads) == 0 {
		return 0, fmt.Errorf("%w: empty key batch", ErrInvalidInput)
	}
	return s.repo.AddFreeKeys(ctx, kind, payloads, instruction)
}

// GetStats возвращает сводную статистику магазина.
func (s *Service) GetStats(ctx context.Context) (*repository.Stats, error) {
	return s.repo.GetStats(ctx)
}

// Broadcast отправляет сообщение всем пользователям. Сбой доставки одному
// получателю логируется и не прерывает рассылку остальным.
func (s *Service) Broadcast(ctx context.Context, text string) (sent, failed int, err error) {
	if text == "" {
		return 0, 0, fmt.Errorf("%w: empty broadcast text", ErrInvalidInput)
	}
	if s.notifier == nil {
		return 0, 0, errors.New("notifier not configured")
	}

	ids, err := s.repo.ListUserIDs(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sent, failed, err
		}
		if err := s.notifier.SendMessage(ctx, id, text); err != nil {
			failed++
			s.logger.Warn("broadcast delivery failed", zap.Int64("user_id", id), zap.Error(err))
			continue
		}
		sent++
	}

	return sent, failed, nil
}

// cryptoAmount переводит цену в копейках в сумму в криптовалюте по
// настроенному курсу. Формат суммы — строка, как того требует шлюз.
func (s *Service) cryptoAmount(priceKopecks int64) string {
	rub := float64(priceKopecks) / 100
	return strconv.FormatFloat(rub/s.cfg.ExchangeRateRub, 'f', 8, 64)
}
