package domain

import "time"

// Document is the remote/wire shape of a record: a flat JSON-like map.
type Document map[string]any

type serverTimestamp struct{}

// ServerTimestamp asks the remote store to stamp the field with its own clock
// at write time.
var ServerTimestamp = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

type PaymentPart struct {
	Method string  `json:"method"`
	Amount float64 `json:"amount"`
}

type CartExtra struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

type CartLine struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Price  float64     `json:"price"`
	Qty    int         `json:"qty"`
	Size   string      `json:"size,omitempty"`
	Note   string      `json:"note,omitempty"`
	Extras []CartExtra `json:"extras"`
}

// Order is one sale. OrderNo is assigned exactly once by the sequence
// allocator and never reused, even after voiding or purging.
type Order struct {
	OrderNo         int64         `json:"orderNo"`
	Worker          string        `json:"worker"`
	Payment         string        `json:"payment"`
	PaymentParts    []PaymentPart `json:"paymentParts"`
	OrderType       string        `json:"orderType"`
	DeliveryFee     float64       `json:"deliveryFee"`
	DeliveryName    string        `json:"deliveryName,omitempty"`
	DeliveryPhone   string        `json:"deliveryPhone,omitempty"`
	DeliveryAddress string        `json:"deliveryAddress,omitempty"`
	DeliveryZoneID  string        `json:"deliveryZoneId,omitempty"`
	Total           float64       `json:"total"`
	ItemsTotal      float64       `json:"itemsTotal"`
	CashReceived    *float64      `json:"cashReceived"`
	ChangeDue       *float64      `json:"changeDue"`
	Done            bool          `json:"done"`
	Voided          bool          `json:"voided"`
	VoidReason      string        `json:"voidReason,omitempty"`
	Note            string        `json:"note,omitempty"`
	Date            time.Time     `json:"date"`
	RestockedAt     *time.Time    `json:"restockedAt"`
	Cart            []CartLine    `json:"cart"`
	IdemKey         string        `json:"idemKey"`
	CloudID         string        `json:"cloudId,omitempty"`
}

type ShiftChange struct {
	At   time.Time `json:"at"`
	From string    `json:"from"`
	To   string    `json:"to"`
}

type DayMeta struct {
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      *time.Time    `json:"endedAt"`
	LastReportAt *time.Time    `json:"lastReportAt"`
	ResetAt      *time.Time    `json:"resetAt"`
	ActiveWorker string        `json:"activeWorker"`
	ShiftChanges []ShiftChange `json:"shiftChanges"`
}

type InventoryItem struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Unit string  `json:"unit"`
	Qty  float64 `json:"qty"`
	Min  float64 `json:"min"`
}

type Expense struct {
	ID       string    `json:"id"`
	Date     time.Time `json:"date"`
	Amount   float64   `json:"amount"`
	Category string    `json:"category"`
	Note     string    `json:"note"`
	OrderNo  int64     `json:"orderNo,omitempty"`
}

type Purchase struct {
	ID       string    `json:"id"`
	Date     time.Time `json:"date"`
	Item     string    `json:"item"`
	Category string    `json:"category"`
	Qty      float64   `json:"qty"`
	Cost     float64   `json:"cost"`
	Supplier string    `json:"supplier,omitempty"`
}

type BankTransaction struct {
	ID     string    `json:"id"`
	Date   time.Time `json:"date"`
	Kind   string    `json:"kind"`
	Amount float64   `json:"amount"`
	Note   string    `json:"note"`
}

type Customer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	ZoneID  string `json:"zoneId,omitempty"`
}

type DeliveryZone struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Fee  float64 `json:"fee"`
}

// ApplicationState is the full terminal state. The in-memory copy owned by
// the running terminal is canonical; cache and remote hold snapshots.
type ApplicationState struct {
	Menu               []Document
	Extras             []Document
	Orders             []Order
	Inventory          []InventoryItem
	Workers            []string
	PaymentMethods     []string
	OrderTypes         []string
	DayMeta            DayMeta
	Expenses           []Expense
	Purchases          []Purchase
	PurchaseCategories []string
	Customers          []Customer
	DeliveryZones      []DeliveryZone
	BankTransactions   []BankTransaction
	AdminPins          map[string]string
	InventoryLocked    bool
	InventoryLockedAt  *time.Time
	InventorySnapshot  []InventoryItem
}

const (
	OrderTypeDineIn   = "Dine-In"
	OrderTypeTakeAway = "Take-Away"
	OrderTypeDelivery = "Delivery"
)

const (
	PaymentCash  = "Cash"
	PaymentSplit = "Split"
)

const ExpenseCategoryVoidedDelivery = "Voided delivery"

const (
	EventOrderCreated = "order.created"
	EventOrderUpdated = "order.updated"
	EventOrderVoided  = "order.voided"
	EventDayClosed    = "day.closed"
)

// OrderEvent is handed to downstream consumers (receipt printing, exports,
// email). It carries only the materialized order.
type OrderEvent struct {
	Type     string    `json:"type"`
	StoreID  string    `json:"storeId"`
	Terminal string    `json:"terminal"`
	Order    *Order    `json:"order,omitempty"`
	Purged   int       `json:"purged,omitempty"`
	At       time.Time `json:"at"`
}
