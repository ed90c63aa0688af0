package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/femilianferuk-droid/proxy/internal/cryptopay"
	"github.com/femilianferuk-droid/proxy/internal/model"
	"github.com/femilianferuk-droid/proxy/internal/repository"
)

// CheckStatus — исход проверки оплаты для одного покупателя.
type CheckStatus string

const (
	// CheckNotConfirmed — оплата ещё не подтверждена, проверка повторится.
	CheckNotConfirmed CheckStatus = "not_confirmed"
	// CheckDelivered — оплата подтверждена, товар выдан этой проверкой.
	CheckDelivered CheckStatus = "delivered"
	// CheckExpired — срок ожидания оплаты истёк.
	CheckExpired CheckStatus = "expired"
	// CheckCancelled — счёт отменён на стороне шлюза.
	CheckCancelled CheckStatus = "cancelled"
	// CheckAlreadySettled — запись уже переведена в конечный статус другим
	// путём (например, фоновым циклом за мгновение до ручной проверки).
	CheckAlreadySettled CheckStatus = "already_settled"
	// CheckDeliveryFailed — оплата получена, но выдать товар не удалось;
	// требуется вмешательство администратора.
	CheckDeliveryFailed CheckStatus = "delivery_failed"
)

// CheckOutcome — результат проверки оплаты вместе с выданным товаром.
type CheckOutcome struct {
	Status      CheckStatus
	Payload     string
	Instruction string
	ExpiresAt   *time.Time
}

// StartReconciler запускает фоновый цикл сверки ожидаемых платежей со шлюзом.
// Возвращается после остановки контекста.
func (s *Service) StartReconciler(ctx context.Context) {
	if s.gateway == nil {
		return
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileTick(ctx)
		}
	}
}

// reconcileTick обрабатывает снимок всех ожидаемых платежей. Сбой обработки
// одной записи не прерывает обработку остальных.
func (s *Service) reconcileTick(ctx context.Context) {
	for _, entry := range s.ledger.Pending() {
		if ctx.Err() != nil {
			return
		}

		outcome, err := s.reconcile(ctx, entry)
		if err != nil {
			s.logger.Warn("reconcile entry failed",
				zap.Int64("user_id", entry.UserID),
				zap.Int64("invoice_id", entry.InvoiceID),
				zap.Error(err),
			)
			continue
		}

		if outcome.Status == CheckDelivered {
			s.logger.Info("payment reconciled and delivered",
				zap.Int64("user_id", entry.UserID),
				zap.Int64("invoice_id", entry.InvoiceID),
			)
		}
	}
}

// CheckPayment — ручная проверка оплаты покупателем, синхронный аналог одной
// итерации фонового цикла. Оба пути сходятся на одном и том же переходе
// статуса, поэтому выдачу выполняет ровно один из них.
func (s *Service) CheckPayment(ctx context.Context, userID int64) (*CheckOutcome, error) {
	entry, ok := s.ledger.Get(userID)
	if !ok {
		return nil, ErrNoActivePayment
	}
	if entry.Status.Terminal() {
		return &CheckOutcome{Status: statusForTerminal(entry.Status)}, nil
	}

	outcome, err := s.reconcile(ctx, entry)
	if err != nil {
		// Сбой шлюза не показывается покупателю как ошибка: оплата просто
		// ещё не подтверждена, следующая проверка повторит запрос.
		if errors.Is(err, errGateway) {
			return &CheckOutcome{Status: CheckNotConfirmed}, nil
		}
		return nil, err
	}

	return outcome, nil
}

// errGateway помечает сбои обращения к шлюзу, не меняющие состояние записи.
var errGateway = errors.New("gateway unavailable")

// reconcile продвигает одну запись об оплате. Единственная точка
// сериализации — TryTransition: проигравший гонку путь не выдаёт товар.
func (s *Service) reconcile(ctx context.Context, entry model.PendingPayment) (*CheckOutcome, error) {
	// Просрочка имеет приоритет: после expiresAt запись переходит в expired
	// и уже никогда не приводит к выдаче, даже если шлюз позже сообщит paid.
	if s.now().After(entry.ExpiresAt) {
		if s.ledger.TryTransition(entry.UserID, entry.InvoiceID, model.PaymentStatusPending, model.PaymentStatusExpired) {
			s.logger.Info("payment expired",
				zap.Int64("user_id", entry.UserID),
				zap.Int64("invoice_id", entry.InvoiceID),
			)
			return &CheckOutcome{Status: CheckExpired}, nil
		}
		return s.settledElsewhere(entry.UserID), nil
	}

	status, err := s.gateway.GetInvoiceStatus(ctx, entry.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errGateway, err)
	}

	switch status {
	case cryptopay.StatusPending:
		return &CheckOutcome{Status: CheckNotConfirmed}, nil

	case cryptopay.StatusPaid:
		if !s.ledger.TryTransition(entry.UserID, entry.InvoiceID, model.PaymentStatusPending, model.PaymentStatusPaid) {
			return s.settledElsewhere(entry.UserID), nil
		}
		return s.deliver(ctx, entry)

	case cryptopay.StatusExpired:
		if s.ledger.TryTransition(entry.UserID, entry.InvoiceID, model.PaymentStatusPending, model.PaymentStatusExpired) {
			return &CheckOutcome{Status: CheckExpired}, nil
		}
		return s.settledElsewhere(entry.UserID), nil

	case cryptopay.StatusCancelled:
		if s.ledger.TryTransition(entry.UserID, entry.InvoiceID, model.PaymentStatusPending, model.PaymentStatusCancelled) {
			return &CheckOutcome{Status: CheckCancelled}, nil
		}
		return s.settledElsewhere(entry.UserID), nil

	default:
		return nil, fmt.Errorf("unexpected invoice status %q", status)
	}
}

// settledElsewhere возвращает исход для пути, проигравшего гонку переходов:
// запись уже в конечном статусе, выдачей (если она была) занят победитель.
func (s *Service) settledElsewhere(userID int64) *CheckOutcome {
	entry, ok := s.ledger.Get(userID)
	if !ok {
		return &CheckOutcome{Status: CheckAlreadySettled}
	}
	if entry.Status == model.PaymentStatusPending {
		return &CheckOutcome{Status: CheckNotConfirmed}
	}
	return &CheckOutcome{Status: statusForTerminal(entry.Status)}
}

func statusForTerminal(status model.PaymentStatus) CheckStatus {
	switch status {
	case model.PaymentStatusExpired:
		return CheckExpired
	case model.PaymentStatusCancelled:
		return CheckCancelled
	default:
		return CheckAlreadySettled
	}
}

// deliver выдаёт оплаченный товар: атомарно занимает единицу из пула,
// записывает покупку и уведомляет покупателя. Вызывается только после
// выигранного перехода pending -> paid, поэтому исполняется не более одного
// раза на каждый ожидаемый платёж.
func (s *Service) deliver(ctx context.Context, entry model.PendingPayment) (*CheckOutcome, error) {
	product, err := s.repo.GetProduct(ctx, entry.ProductID)
	if err != nil {
		return nil, fmt.Errorf("load product for delivery: %w", err)
	}

	item, err := s.repo.ClaimItem(ctx, entry.ProductID, entry.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrOutOfStock) {
			// Оплата получена, а пул успел опустеть. Единственный сценарий,
			// не разрешимый без человека: деньги у шлюза, товара нет.
			s.logger.Error("paid invoice cannot be fulfilled: out of stock",
				zap.Int64("user_id", entry.UserID),
				zap.Int64("product_id", entry.ProductID),
				zap.Int64("invoice_id", entry.InvoiceID),
			)
			s.notify(ctx, entry.UserID,
				"Оплата получена, но товар закончился. Администратор свяжется с вами для решения вопроса.")
			return &CheckOutcome{Status: CheckDeliveryFailed}, nil
		}
		return nil, fmt.Errorf("claim item: %w", err)
	}

	var expiresAt *time.Time
	if d := product.Kind.AccessDuration(); d > 0 {
		t := s.now().Add(d)
		expiresAt = &t
	}

	if _, err := s.repo.CreatePurchase(ctx, entry.UserID, entry.ProductID, item.ID, expiresAt); err != nil {
		// Единица уже занята и не возвращается в пул; фиксируем для ручного
		// разбора вместо отката.
		s.logger.Error("record purchase failed after claim",
			zap.Int64("user_id", entry.UserID),
			zap.Int64("item_id", item.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("create purchase: %w", err)
	}

	text := "Оплата успешно получена!\n\nВаши данные:\n" + item.Payload
	if product.Instruction != "" {
		text += "\n\nИнструкция:\n" + product.Instruction
	}
	if expiresAt != nil {
		text += "\n\nСрок действия до: " + expiresAt.Format("02.01.2006")
	}
	s.notify(ctx, entry.UserID, text)

	return &CheckOutcome{
		Status:      CheckDelivered,
		Payload:     item.Payload,
		Instruction: product.Instruction,
		ExpiresAt:   expiresAt,
	}, nil
}

// notify отправляет уведомление, не прерывая выдачу при сбое: покупка уже
// зафиксирована, повторно данные доступны в профиле.
func (s *Service) notify(ctx context.Context, userID int64, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendMessage(ctx, userID, text); err != nil {
		s.logger.Warn("notification failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// StartPurchaseExpiry запускает фоновый перевод просроченных покупок в
// статус expired. Возвращается после остановки контекста.
func (s *Service) StartPurchaseExpiry(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.repo.ExpireOverduePurchases(ctx, s.now())
			if err != nil {
				s.logger.Warn("expire purchases failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				s.logger.Info("purchases expired", zap.Int64("count", expired))
			}
		}
	}
}
