package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

type Register struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

type RegisterCreateRequest struct {
	Name string `json:"name" validate:"required,max=80"`
}

type RegisterListResponse struct {
	Items []Register `json:"items"`
}

type Shift struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	RegisterID     string     `json:"register_id"`
	RegisterName   string     `json:"register_name,omitempty"`
	UserID         string     `json:"user_id"`
	OperatorName   string     `json:"operator_name"`
	InitialCash    int64      `json:"initial_cash"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	Status         string     `json:"status"`
	CountedCash    *int64     `json:"counted_cash,omitempty"`
	ExpectedCash   *int64     `json:"expected_cash,omitempty"`
	Difference     *int64     `json:"difference,omitempty"`
	ClosedBy       string     `json:"closed_by,omitempty"`
}

// Variance classifies a closed shift by the sign of its difference.
// Open shifts have no variance.
func (s Shift) Variance() string {
	if s.Status != ShiftStatusClosed || s.Difference == nil {
		return ""
	}
	switch {
	case *s.Difference < 0:
		return VarianceShortage
	case *s.Difference > 0:
		return VarianceOverage
	default:
		return VarianceBalanced
	}
}

type ShiftOpenRequest struct {
	RegisterID  string        `json:"register_id" validate:"required"`
	InitialCash LenientAmount `json:"initial_cash"`
}

type ShiftCloseRequest struct {
	CountedCash *int64 `json:"counted_cash" validate:"required,min=0"`
}

type ShiftResponse struct {
	Shift    Shift  `json:"shift"`
	Variance string `json:"variance,omitempty"`
}

type ShiftFilter struct {
	RegisterID string
	UserID     string
	Status     string
	Limit      int
}

type ShiftListResponse struct {
	Items []Shift `json:"items"`
}

// CashMovement is a cash entry or exit of the drawer during a shift. Only
// expenses take part in the expected cash computation.
type CashMovement struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ShiftID        string    `json:"shift_id"`
	UserID         string    `json:"user_id"`
	Kind           string    `json:"kind"`
	Amount         int64     `json:"amount"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
}

type ExpenseCreateRequest struct {
	Amount      int64  `json:"amount" validate:"gt=0"`
	Description string `json:"description" validate:"required,max=200"`
}

type CashMovementListResponse struct {
	Items []CashMovement `json:"items"`
}

type Product struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organization_id"`
	SKU            string  `json:"sku"`
	Name           string  `json:"name"`
	Price          int64   `json:"price"`
	TaxRate        float64 `json:"tax_rate"`
	BagTax         int64   `json:"bag_tax"`
	Stock          int     `json:"stock"`
	Active         bool    `json:"active"`
}

type CatalogResponse struct {
	Products []Product `json:"products"`
}

type Customer struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Document       string `json:"document,omitempty"`
}

type CustomerListResponse struct {
	Items []Customer `json:"items"`
}

// CartLine is a product snapshot taken when the product first entered the
// cart. Prices are tax inclusive.
type CartLine struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice int64   `json:"unit_price"`
	TaxRate   float64 `json:"tax_rate"`
	BagTax    int64   `json:"bag_tax"`
}

func (l CartLine) Subtotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// TaxBucket groups the display-only tax breakdown of a cart by rate.
type TaxBucket struct {
	Rate   float64 `json:"rate"`
	Net    int64   `json:"net"`
	Tax    int64   `json:"tax"`
	BagTax int64   `json:"bag_tax"`
	Gross  int64   `json:"gross"`
}

type HeldOrder struct {
	ID         string     `json:"id"`
	Note       string     `json:"note,omitempty"`
	CustomerID string     `json:"customer_id,omitempty"`
	Lines      []CartLine `json:"lines"`
	Total      int64      `json:"total"`
	HeldAt     time.Time  `json:"held_at"`
}

type CartView struct {
	SessionToken string      `json:"session_token,omitempty"`
	CustomerID   string      `json:"customer_id,omitempty"`
	Lines        []CartLine  `json:"lines"`
	ItemCount    int         `json:"item_count"`
	Total        int64       `json:"total"`
	Taxes        []TaxBucket `json:"taxes"`
	HeldCount    int         `json:"held_count"`
}

type CartLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
}

type CartCustomerRequest struct {
	CustomerID string `json:"customer_id"`
}

type HoldOrderRequest struct {
	Note string `json:"note" validate:"max=120"`
}

type HoldOrderResponse struct {
	HeldOrder HeldOrder `json:"held_order"`
	Cart      CartView  `json:"cart"`
}

type HeldOrderListResponse struct {
	Items []HeldOrder `json:"items"`
}

type Payment struct {
	Method string `json:"method" validate:"required,oneof=cash transfer other"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

type CheckoutRequest struct {
	Payments       []Payment `json:"payments" validate:"required,min=1,dive"`
	AmountTendered *int64    `json:"amount_tendered,omitempty" validate:"omitempty,min=0"`
	Change         *int64    `json:"change,omitempty" validate:"omitempty,min=0"`
	IdempotencyKey string    `json:"idempotency_key,omitempty" validate:"max=120"`
}

// SaleItem is what the ledger receives per line; prices are re-read from the
// ledger catalog at settlement.
type SaleItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// SaleRequest is the atomic settlement submitted to the ledger.
type SaleRequest struct {
	OrganizationID string
	SellerID       string
	CustomerID     string
	ShiftID        string
	IdempotencyKey string
	Tendered       int64
	Change         int64
	Items          []SaleItem
	Payments       []Payment
	CreatedAt      time.Time
}

type SaleLine struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice int64   `json:"unit_price"`
	TaxRate   float64 `json:"tax_rate"`
	BagTax    int64   `json:"bag_tax"`
}

type Sale struct {
	ID             string     `json:"id"`
	Number         string     `json:"number"`
	OrganizationID string     `json:"organization_id"`
	SellerID       string     `json:"seller_id"`
	CustomerID     string     `json:"customer_id,omitempty"`
	ShiftID        string     `json:"shift_id,omitempty"`
	IdempotencyKey string     `json:"-"`
	Items          []SaleLine `json:"items"`
	Payments       []Payment  `json:"payments"`
	Total          int64      `json:"total"`
	Tendered       int64      `json:"tendered"`
	Change         int64      `json:"change"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CashAmount is the part of the sale that stayed in the drawer.
func (s Sale) CashAmount() int64 {
	var cash int64
	for _, p := range s.Payments {
		if p.Method == PaymentCash {
			cash += p.Amount
		}
	}
	return cash
}

type Receipt struct {
	InvoiceID  string      `json:"invoice_id"`
	SaleNumber string      `json:"sale_number"`
	CustomerID string      `json:"customer_id,omitempty"`
	ShiftID    string      `json:"shift_id"`
	Lines      []SaleLine  `json:"lines"`
	Taxes      []TaxBucket `json:"taxes"`
	Payments   []Payment   `json:"payments"`
	Total      int64       `json:"total"`
	Tendered   int64       `json:"tendered"`
	Change     int64       `json:"change"`
	Duplicate  bool        `json:"duplicate"`
	CreatedAt  string      `json:"created_at"`
}

type CheckoutResponse struct {
	Receipt Receipt  `json:"receipt"`
	Cart    CartView `json:"cart"`
}

type SessionResponse struct {
	Token     string   `json:"token"`
	StartedAt string   `json:"started_at"`
	Cart      CartView `json:"cart"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken    string `json:"access_token"`
	Role           string `json:"role"`
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	ExpiresAt      string `json:"expires_at"`
}

type Actor struct {
	UserID         string
	Username       string
	DisplayName    string
	OrganizationID string
	Role           string
}

type CashierCreateRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type CashierUser struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	DisplayName    string    `json:"display_name"`
	OrganizationID string    `json:"organization_id"`
	Role           string    `json:"role"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID             string
	OrganizationID string
	Username       string
	DisplayName    string
	Password       string
	Role           string
	Active         bool
	CreatedAt      time.Time
}

type AuditLog struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ActorUserID    string    `json:"actor_user_id"`
	ActorUsername  string    `json:"actor_username"`
	ActorRole      string    `json:"actor_role"`
	Action         string    `json:"action"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	Detail         string    `json:"detail"`
	CreatedAt      time.Time `json:"created_at"`
}

// LenientAmount decodes a JSON number or numeric string. Anything else,
// including null, decodes to zero instead of failing the request.
type LenientAmount int64

func (a *LenientAmount) UnmarshalJSON(data []byte) error {
	*a = 0
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil
		}
	} else {
		text = string(raw)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	*a = LenientAmount(math.Round(value))
	return nil
}

const (
	RegisterStatusActive   = "active"
	RegisterStatusInactive = "inactive"
)

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

const (
	VarianceBalanced = "balanced"
	VarianceShortage = "shortage"
	VarianceOverage  = "overage"
)

const (
	PaymentCash     = "cash"
	PaymentTransfer = "transfer"
	PaymentOther    = "other"
)

const CashMovementExpense = "expense"

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)
