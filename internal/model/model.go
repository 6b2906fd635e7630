// Package model содержит доменные сущности платёжного ядра аркады.
package model

import "time"

// OrderStatus хранит статус заказа. После создания заказа сюда
// записывается тип последнего полученного события провайдера как есть,
// без интерпретации — это аудиторский след, а не машина состояний.
type OrderStatus string

// OrderStatusCreated — начальный статус заказа до событий провайдера.
const OrderStatusCreated OrderStatus = "created"

// Order описывает одну попытку покупки: создаётся до оплаты,
// исполняется после подтверждения платежа. Записи никогда не удаляются.
type Order struct {
	ID          string
	UserID      string
	SKU         string
	AmountCents int64
	Currency    string
	ChargeID    string
	ChargeCode  string
	HostedURL   string
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FulfilledAt *time.Time
}

// Wallet представляет кошелёк пользователя: кредиты и абонемент.
type Wallet struct {
	UserID        string
	Credits       int64
	PassExpiresAt *time.Time
}

// HasActivePass сообщает, действует ли абонемент строго после момента now.
func (w *Wallet) HasActivePass(now time.Time) bool {
	return w.PassExpiresAt != nil && w.PassExpiresAt.After(now)
}

// TransactionKind описывает вид записи журнала операций.
type TransactionKind string

const (
	// TransactionPurchase — начисление после подтверждённой оплаты.
	TransactionPurchase TransactionKind = "purchase"
	// TransactionPlay — операция запуска или завершения игровой сессии.
	TransactionPlay TransactionKind = "play"
)

// Transaction — запись append-only журнала изменений кошелька.
type Transaction struct {
	ID           int64
	UserID       string
	Kind         TransactionKind
	SKU          string
	DeltaCredits int64
	Metadata     map[string]string
	CreatedAt    time.Time
}

// SessionMode описывает способ оплаты игровой сессии.
type SessionMode string

const (
	// SessionModeCredit — сессия оплачена одним кредитом.
	SessionModeCredit SessionMode = "credit"
	// SessionModePass — сессия покрыта действующим абонементом.
	SessionModePass SessionMode = "pass"
)

// PlaySession — выданный сервером токен доступа к одной игровой сессии.
// Запись никогда не обновляется: доступ заканчивается строго по TTL.
type PlaySession struct {
	Token     string
	UserID    string
	GameID    string
	Mode      SessionMode
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Product описывает позицию фиксированного каталога киоска.
type Product struct {
	SKU         string
	Name        string
	AmountCents int64
	Credits     int64
	PassMinutes int
}

// Catalog — фиксированный каталог товаров. Цены в центах USD.
var Catalog = map[string]Product{
	"credits10": {SKU: "credits10", Name: "10 credits", AmountCents: 500, Credits: 10},
	"credits25": {SKU: "credits25", Name: "25 credits", AmountCents: 1000, Credits: 25},
	"pass60":    {SKU: "pass60", Name: "1 hour pass", AmountCents: 700, PassMinutes: 60},
	"pass240":   {SKU: "pass240", Name: "4 hour pass", AmountCents: 2000, PassMinutes: 240},
}

// ProductBySKU возвращает позицию каталога по артикулу.
func ProductBySKU(sku string) (Product, bool) {
	p, ok := Catalog[sku]
	return p, ok
}
