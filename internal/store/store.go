package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/santialv/DOTENDERO-sub001/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid request")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrPaymentMismatch   = errors.New("payments do not match sale total")

	ErrRegisterNotFound     = errors.New("register not found")
	ErrRegisterInactive     = errors.New("register is inactive")
	ErrRegisterInUse        = errors.New("register has an open shift")
	ErrRegisterNameTaken    = errors.New("register name already exists")
	ErrRegisterAlreadyInUse = errors.New("register already in use")

	ErrShiftNotFound           = errors.New("shift not found")
	ErrShiftAlreadyClosed      = errors.New("shift already closed")
	ErrShiftAlreadyOpenForUser = errors.New("operator already has an open shift")
)

// RegisterInUseError names the operator occupying a register when it is
// known. It matches ErrRegisterAlreadyInUse with errors.Is.
type RegisterInUseError struct {
	RegisterID   string
	ShiftID      string
	OperatorID   string
	OperatorName string
}

func (e *RegisterInUseError) Error() string {
	if e.OperatorName == "" {
		return ErrRegisterAlreadyInUse.Error()
	}
	return fmt.Sprintf("%s by %s", ErrRegisterAlreadyInUse.Error(), e.OperatorName)
}

func (e *RegisterInUseError) Unwrap() error {
	return ErrRegisterAlreadyInUse
}

// Repository is the ledger: the system of record for registers, shifts,
// catalog, sales and payments. Every call is scoped to one organization.
type Repository interface {
	ListProducts(ctx context.Context, orgID string) ([]domain.Product, error)
	ListCustomers(ctx context.Context, orgID string) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, orgID string, customerID string) (*domain.Customer, error)

	ListRegisters(ctx context.Context, orgID string) ([]domain.Register, error)
	GetRegister(ctx context.Context, orgID string, registerID string) (*domain.Register, error)
	CreateRegister(ctx context.Context, register domain.Register) (*domain.Register, error)
	SetRegisterStatus(ctx context.Context, orgID string, registerID string, status string) (*domain.Register, error)
	DeleteRegister(ctx context.Context, orgID string, registerID string, at time.Time) error

	OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	CloseShift(ctx context.Context, orgID string, shiftID string, countedCash int64, closedBy string, closedAt time.Time) (*domain.Shift, error)
	GetShift(ctx context.Context, orgID string, shiftID string) (*domain.Shift, error)
	GetOpenShiftByUser(ctx context.Context, orgID string, userID string) (*domain.Shift, error)
	ListShifts(ctx context.Context, orgID string, filter domain.ShiftFilter) ([]domain.Shift, error)
	CreateCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error)
	ListCashMovements(ctx context.Context, orgID string, shiftID string) ([]domain.CashMovement, error)

	ProcessSale(ctx context.Context, req domain.SaleRequest) (*domain.Sale, bool, error)
	GetSale(ctx context.Context, orgID string, saleID string) (*domain.Sale, error)
	// FindSaleByIdempotencyKey returns ErrNotFound when no sale carries key.
	FindSaleByIdempotencyKey(ctx context.Context, orgID string, key string) (*domain.Sale, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, orgID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// ExpectedCash is initial cash plus cash kept from sales minus cash paid out.
func ExpectedCash(initialCash int64, cashSales int64, cashExpenses int64) int64 {
	return initialCash + cashSales - cashExpenses
}

// FormatSaleNumber renders the per-organization sale sequence as the
// human-readable invoice number.
func FormatSaleNumber(seq int64) string {
	return fmt.Sprintf("V-%06d", seq)
}

// IsPaymentMethod reports whether the ledger accepts the tender method.
func IsPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentTransfer, domain.PaymentOther:
		return true
	default:
		return false
	}
}

// MergeSaleItems sums quantities per product keeping first-seen order and
// rejects non-positive quantities.
func MergeSaleItems(items []domain.SaleItem) ([]domain.SaleItem, error) {
	index := make(map[string]int, len(items))
	merged := make([]domain.SaleItem, 0, len(items))
	for _, item := range items {
		if item.ProductID == "" || item.Quantity < 1 {
			return nil, fmt.Errorf("%w: invalid sale item", ErrValidation)
		}
		if pos, ok := index[item.ProductID]; ok {
			merged[pos].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	if len(merged) == 0 {
		return nil, fmt.Errorf("%w: sale has no items", ErrValidation)
	}
	return merged, nil
}

// ValidatePayments checks tender methods and amounts and returns their sum.
func ValidatePayments(payments []domain.Payment) (int64, error) {
	if len(payments) == 0 {
		return 0, fmt.Errorf("%w: sale has no payments", ErrValidation)
	}
	var sum int64
	for _, p := range payments {
		if !IsPaymentMethod(p.Method) || p.Amount < 1 {
			return 0, fmt.Errorf("%w: invalid payment", ErrValidation)
		}
		sum += p.Amount
	}
	return sum, nil
}
