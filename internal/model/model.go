// Package model содержит доменные сущности магазина прокси и VPN.
package model

import "time"

// ProductKind описывает тип товара в каталоге.
type ProductKind string

const (
	ProductKindProxy    ProductKind = "proxy"
	ProductKindVPNShort ProductKind = "vpn_short"
	ProductKindVPNLong  ProductKind = "vpn_long"
)

// Срок действия купленного доступа по типам товара.
const (
	VPNShortDuration = 3 * 24 * time.Hour
	VPNLongDuration  = 30 * 24 * time.Hour
)

// AccessDuration возвращает срок действия доступа для типа товара.
// Ноль означает бессрочный доступ.
func (k ProductKind) AccessDuration() time.Duration {
	switch k {
	case ProductKindVPNShort:
		return VPNShortDuration
	case ProductKindVPNLong:
		return VPNLongDuration
	default:
		return 0
	}
}

// Product описывает позицию каталога. Цена в криптовалюте фиксируется
// в момент редактирования цены администратором и не пересчитывается при чтении.
type Product struct {
	ID               int64
	Kind             ProductKind
	Name             string
	PriceKopecks     int64
	PriceCrypto      string
	PerItemUserLimit int
	Instruction      string
	Active           bool
}

// InventoryItem представляет одну единицу товара (учётные данные прокси или VPN).
// Инвариант: Available == false тогда и только тогда, когда ClaimedBy установлен.
// Выдача одноразовая: занятый item никогда не освобождается и не переиспользуется.
type InventoryItem struct {
	ID        int64
	ProductID int64
	Payload   string
	Available bool
	ClaimedBy *int64
	ClaimedAt *time.Time
}

// PurchaseStatus описывает состояние купленного доступа.
type PurchaseStatus string

const (
	PurchaseStatusActive  PurchaseStatus = "active"
	PurchaseStatusExpired PurchaseStatus = "expired"
)

// Purchase — запись о состоявшейся покупке. Только добавляется; единственное
// последующее изменение — перевод active -> expired по истечении срока.
type Purchase struct {
	ID          int64
	UserID      int64
	ProductID   int64
	ItemID      int64
	PurchasedAt time.Time
	ExpiresAt   *time.Time
	Status      PurchaseStatus
}

// PaymentStatus описывает состояние ожидаемого платежа.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusExpired   PaymentStatus = "expired"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Terminal сообщает, является ли статус конечным. Из конечного статуса
// переходов больше нет.
func (s PaymentStatus) Terminal() bool {
	return s != PaymentStatusPending
}

// PendingPayment отслеживает прогресс оплаты счёта одним покупателем.
// На одного покупателя одновременно существует не более одной активной записи.
type PendingPayment struct {
	UserID    int64
	InvoiceID int64
	ProductID int64
	Status    PaymentStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// User — покупатель, зарегистрированный при первом обращении.
type User struct {
	ID        int64
	Username  string
	FirstName string
	JoinedAt  time.Time
}

// FreeKeyKind описывает тип бесплатного ключа.
type FreeKeyKind string

const (
	FreeKeyKindProxy FreeKeyKind = "proxy"
	FreeKeyKindVPN   FreeKeyKind = "vpn"
)

// FreeKey — бесплатный ключ из раздаточного пула. Выдаётся не более одного раза.
type FreeKey struct {
	ID          int64
	Kind        FreeKeyKind
	Payload     string
	Instruction string
	UsedBy      *int64
	UsedAt      *time.Time
}
