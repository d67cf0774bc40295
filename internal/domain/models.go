package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type SettlementType string

const (
	SettlementEven    SettlementType = "EVEN"
	SettlementRefund  SettlementType = "REFUND"
	SettlementCollect SettlementType = "COLLECT"
)

// PaymentModeNone is recorded for exchanges that settle even.
const PaymentModeNone = "None"

type Invoice struct {
	InvoiceNo    string    `json:"invoice_no"`
	CustomerName string    `json:"customer_name"`
	Phone        string    `json:"phone"`
	BillDate     time.Time `json:"bill_date"`
	PaymentMode  string    `json:"payment_mode"`
}

// SoldLineItem is one (design, size) entry of an invoice. AlreadyReturned only
// ever grows and never exceeds SoldQty.
type SoldLineItem struct {
	LineID          int64  `json:"line_id"`
	DesignID        int64  `json:"design_id"`
	DesignCode      string `json:"design_code,omitempty"`
	ProductName     string `json:"product_name,omitempty"`
	Color           string `json:"color,omitempty"`
	Size            string `json:"size"`
	UnitPrice       Amount `json:"unit_price"`
	SoldQty         int    `json:"sold_qty"`
	AlreadyReturned int    `json:"already_returned"`
}

func (l SoldLineItem) Returnable() int {
	remaining := l.SoldQty - l.AlreadyReturned
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (l SoldLineItem) MarshalJSON() ([]byte, error) {
	type line SoldLineItem
	return json.Marshal(struct {
		line
		Returnable int `json:"returnable"`
	}{line: line(l), Returnable: l.Returnable()})
}

type InvoiceSnapshot struct {
	Invoice Invoice        `json:"sale"`
	Items   []SoldLineItem `json:"items"`
}

type ReturnItemRequest struct {
	DesignID int64  `json:"design_id" validate:"required,gt=0"`
	Size     string `json:"size" validate:"required,max=10"`
	Quantity int    `json:"quantity"`
}

type ReturnRequest struct {
	InvoiceNo   string              `json:"invoice_no" validate:"required"`
	PaymentMode string              `json:"payment_mode"`
	Items       []ReturnItemRequest `json:"items" validate:"dive"`
}

// ReturnedLine is a validated quantity taken back against a sold line.
type ReturnedLine struct {
	LineID    int64  `json:"line_id"`
	DesignID  int64  `json:"design_id"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
	UnitPrice Amount `json:"unit_price"`
	LineTotal Amount `json:"line_total"`
}

type ReturnRecord struct {
	ReturnRef   string         `json:"return_ref"`
	InvoiceNo   string         `json:"invoice_no"`
	PaymentMode string         `json:"payment_mode"`
	Items       []ReturnedLine `json:"items"`
	TotalRefund Amount         `json:"total_refund"`
	ProcessedBy string         `json:"processed_by"`
	CreatedAt   time.Time      `json:"created_at"`
}

type ReturnResponse struct {
	ReturnRef   string       `json:"return_ref"`
	TotalRefund Amount       `json:"total_refund"`
	Record      ReturnRecord `json:"record"`
}

// NewItemRequest carries the caller supplied price. A nil Price is rejected.
type NewItemRequest struct {
	DesignID int64            `json:"design_id" validate:"required,gt=0"`
	Size     string           `json:"size" validate:"required,max=10"`
	Quantity int              `json:"quantity"`
	Price    *decimal.Decimal `json:"price"`
}

type NewItem struct {
	DesignID  int64  `json:"design_id"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
	UnitPrice Amount `json:"unit_price"`
	LineTotal Amount `json:"line_total"`
}

type ExchangeRequest struct {
	InvoiceNo       string              `json:"invoice_no" validate:"required"`
	PaymentMode     string              `json:"payment_mode"`
	ReturnItems     []ReturnItemRequest `json:"return_items" validate:"dive"`
	NewItems        []NewItemRequest    `json:"new_items" validate:"dive"`
	DiscountPercent decimal.Decimal     `json:"discount_percent"`
}

type Settlement struct {
	Type   SettlementType `json:"type"`
	Amount Amount         `json:"amount"`
}

// Quote is the full monetary breakdown of an exchange.
type Quote struct {
	ReturnedValue   Amount     `json:"returned_value"`
	NewValue        Amount     `json:"new_value"`
	DiscountPercent Amount     `json:"discount_percent"`
	DiscountAmount  Amount     `json:"discount_amount"`
	NetNew          Amount     `json:"net_new"`
	Difference      Amount     `json:"difference"`
	Settlement      Settlement `json:"settlement"`
}

type ExchangeRecord struct {
	ExchangeRef     string         `json:"exchange_ref"`
	InvoiceNo       string         `json:"invoice_no"`
	PaymentMode     string         `json:"payment_mode"`
	ReturnItems     []ReturnedLine `json:"return_items"`
	NewItems        []NewItem      `json:"new_items"`
	DiscountPercent Amount         `json:"discount_percent"`
	ReturnedValue   Amount         `json:"returned_value"`
	NewValue        Amount         `json:"new_value"`
	DiscountAmount  Amount         `json:"discount_amount"`
	Settlement      Settlement     `json:"settlement"`
	ProcessedBy     string         `json:"processed_by"`
	CreatedAt       time.Time      `json:"created_at"`
}

type ExchangeResponse struct {
	ExchangeRef string         `json:"exchange_ref"`
	Settlement  Settlement     `json:"settlement"`
	Record      ExchangeRecord `json:"record"`
}

type InvoiceHistory struct {
	InvoiceNo string           `json:"invoice_no"`
	Returns   []ReturnRecord   `json:"returns"`
	Exchanges []ExchangeRecord `json:"exchanges"`
}

// LedgerDelta increments a line's returned quantity, but only while the line
// still holds ExpectedReturned.
type LedgerDelta struct {
	LineID           int64
	Quantity         int
	ExpectedReturned int
}

type ReturnCommit struct {
	Record ReturnRecord
	Ledger []LedgerDelta
}

type ExchangeCommit struct {
	Record ExchangeRecord
	Ledger []LedgerDelta
}

// StockAdjustment is a signed change to the stock of one design and size.
type StockAdjustment struct {
	DesignID int64  `json:"design_id"`
	Size     string `json:"size"`
	Qty      int    `json:"qty"`
}

// StockMovement is published after a return or exchange commits.
type StockMovement struct {
	Reference   string            `json:"reference"`
	InvoiceNo   string            `json:"invoice_no"`
	Kind        string            `json:"kind"`
	Adjustments []StockAdjustment `json:"adjustments"`
	At          time.Time         `json:"at"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username" validate:"required,min=4"`
	Password string `json:"password" validate:"required,min=6"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
