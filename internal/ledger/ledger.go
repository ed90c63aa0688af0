// Package ledger отслеживает ожидаемые платежи покупателей в памяти процесса.
//
// Реестр — единственная точка сериализации гонки между фоновым циклом
// сверки и ручной проверкой оплаты покупателем: переход статуса выполняется
// только через TryTransition под общим мьютексом, сырая map наружу не
// отдаётся. Состояние не переживает перезапуск процесса: счёт, оплаченный
// после рестарта, автоматически не сверяется и разбирается администратором
// вручную.
package ledger

import (
	"sync"
	"time"

	"github.com/femilianferuk-droid/proxy/internal/model"
)

// Ledger хранит не более одной активной записи об оплате на покупателя.
type Ledger struct {
	mu      sync.Mutex
	entries map[int64]model.PendingPayment
}

// New создаёт пустой реестр ожидаемых платежей.
func New() *Ledger {
	return &Ledger{
		entries: make(map[int64]model.PendingPayment),
	}
}

// Open создаёт запись об ожидаемом платеже для покупателя. Существующая
// запись перезаписывается: исход предыдущего счёта больше не отслеживается.
func (l *Ledger) Open(userID, invoiceID, productID int64, ttl time.Duration) model.PendingPayment {
	now := time.Now()
	entry := model.PendingPayment{
		UserID:    userID,
		InvoiceID: invoiceID,
		ProductID: productID,
		Status:    model.PaymentStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	l.mu.Lock()
	l.entries[userID] = entry
	l.mu.Unlock()

	return entry
}

// Get возвращает копию записи покупателя, если она есть.
func (l *Ledger) Get(userID int64) (model.PendingPayment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[userID]
	return entry, ok
}

// TryTransition выполняет атомарный переход статуса записи покупателя.
// Переход выполняется только если запись всё ещё относится к счёту invoiceID
// и её текущий статус равен from; иначе возвращается false. Сверка invoiceID
// защищает от перехода по записи, которую покупатель успел заменить новым
// счётом между снимком и переходом.
func (l *Ledger) TryTransition(userID, invoiceID int64, from, to model.PaymentStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[userID]
	if !ok || entry.InvoiceID != invoiceID || entry.Status != from {
		return false
	}

	entry.Status = to
	l.entries[userID] = entry
	return true
}

// Pending возвращает снимок записей в статусе pending для цикла сверки.
// Снимок — копия: решения по нему всегда перепроверяются через TryTransition.
func (l *Ledger) Pending() []model.PendingPayment {
	l.mu.Lock()
	defer l.mu.Unlock()

	var res []model.PendingPayment
	for _, entry := range l.entries {
		if entry.Status == model.PaymentStatusPending {
			res = append(res, entry)
		}
	}
	return res
}
