package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santialv/DOTENDERO-sub001/internal/cache"
	"github.com/santialv/DOTENDERO-sub001/internal/cart"
	"github.com/santialv/DOTENDERO-sub001/internal/domain"
	"github.com/santialv/DOTENDERO-sub001/internal/session"
	"github.com/santialv/DOTENDERO-sub001/internal/store"
	"github.com/santialv/DOTENDERO-sub001/internal/store/memory"
)

const org = memory.DemoOrgID

var (
	admin    = domain.Actor{UserID: "usr-admin", Username: "admin", DisplayName: "Administrador", OrganizationID: org, Role: domain.RoleAdmin}
	cashierA = domain.Actor{UserID: "usr-cajero", Username: "cajero", DisplayName: "Cajero Uno", OrganizationID: org, Role: domain.RoleCashier}
	cashierB = domain.Actor{UserID: "usr-cajero2", Username: "cajero2", DisplayName: "Cajero Dos", OrganizationID: org, Role: domain.RoleCashier}
)

type recordingEvents struct {
	closed []domain.Shift
}

func (r *recordingEvents) ShiftClosed(_ context.Context, shift domain.Shift) error {
	r.closed = append(r.closed, shift)
	return nil
}

func newTestService(t *testing.T) (*Service, *memory.Store, *recordingEvents) {
	t.Helper()
	repo := memory.NewSeeded(org)
	repo.AddProduct(domain.Product{ID: "prod-p", OrganizationID: org, Name: "P", Price: 3000, Stock: 50, Active: true})
	repo.AddProduct(domain.Product{ID: "prod-q", OrganizationID: org, Name: "Q", Price: 5000, Stock: 50, Active: true})
	repo.AddProduct(domain.Product{ID: "prod-combo", OrganizationID: org, Name: "Combo", Price: 40000, Stock: 50, Active: true})
	repo.AddProduct(domain.Product{ID: "prod-scarce", OrganizationID: org, Name: "Scarce", Price: 1000, Stock: 1, Active: true})
	events := &recordingEvents{}
	return New(repo, Options{Events: events}), repo, events
}

func as(actor domain.Actor) context.Context {
	return WithActor(context.Background(), actor)
}

func int64Ptr(v int64) *int64 { return &v }

func openShift(t *testing.T, svc *Service, actor domain.Actor, registerID string, initial int64) domain.Shift {
	t.Helper()
	resp, err := svc.OpenShift(as(actor), domain.ShiftOpenRequest{RegisterID: registerID, InitialCash: domain.LenientAmount(initial)})
	require.NoError(t, err)
	return resp.Shift
}

func fillCart(t *testing.T, svc *Service, actor domain.Actor, productIDs ...string) string {
	t.Helper()
	sess, err := svc.BeginSession(as(actor))
	require.NoError(t, err)
	for _, id := range productIDs {
		_, err := svc.AddLine(as(actor), sess.Token, domain.CartLineRequest{ProductID: id})
		require.NoError(t, err)
	}
	return sess.Token
}

func TestOpenShiftTwiceSameOperator(t *testing.T) {
	svc, _, _ := newTestService(t)
	openShift(t, svc, cashierA, "reg-caja-1", 50000)

	_, err := svc.OpenShift(as(cashierA), domain.ShiftOpenRequest{RegisterID: "reg-caja-2"})
	require.ErrorIs(t, err, store.ErrShiftAlreadyOpenForUser)
}

func TestSecondOperatorGetsRegisterAlreadyInUse(t *testing.T) {
	svc, _, _ := newTestService(t)
	openShift(t, svc, cashierA, "reg-caja-1", 50000)

	_, err := svc.OpenShift(as(cashierB), domain.ShiftOpenRequest{RegisterID: "reg-caja-1", InitialCash: 10000})
	require.ErrorIs(t, err, store.ErrRegisterAlreadyInUse)
	assert.Contains(t, err.Error(), "Cajero Uno")
}

func TestOpenShiftClampsNegativeInitialCash(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, cashierA, "reg-caja-1", -100)
	assert.Equal(t, int64(0), shift.InitialCash)
}

func TestCheckoutComputesChangeAndClearsCart(t *testing.T) {
	svc, repo, _ := newTestService(t)
	shift := openShift(t, svc, cashierA, "reg-caja-1", 0)
	token := fillCart(t, svc, cashierA, "prod-p", "prod-q", "prod-p")

	view, err := svc.Cart(as(cashierA), token)
	require.NoError(t, err)
	require.Equal(t, int64(11000), view.Total)

	resp, err := svc.Checkout(as(cashierA), token, domain.CheckoutRequest{
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 15000}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11000), resp.Receipt.Total)
	assert.Equal(t, int64(15000), resp.Receipt.Tendered)
	assert.Equal(t, int64(4000), resp.Receipt.Change)
	assert.Equal(t, shift.ID, resp.Receipt.ShiftID)
	assert.Equal(t, []domain.Payment{{Method: domain.PaymentCash, Amount: 11000}}, resp.Receipt.Payments)
	assert.Empty(t, resp.Cart.Lines)
	assert.Empty(t, resp.Cart.CustomerID)

	sale, err := repo.GetSale(context.Background(), org, resp.Receipt.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, int64(11000), sale.CashAmount())
}

func TestCheckoutFailureLeavesCartUnchanged(t *testing.T) {
	svc, _, _ := newTestService(t)
	openShift(t, svc, cashierA, "reg-caja-1", 0)
	token := fillCart(t, svc, cashierA, "prod-p", "prod-scarce", "prod-scarce")
	_, err := svc.SetCustomer(as(cashierA), token, domain.CartCustomerRequest{CustomerID: "cust-ana"})
	require.NoError(t, err)
	before, err := svc.Cart(as(cashierA), token)
	require.NoError(t, err)

	cases := []struct {
		name string
		req  domain.CheckoutRequest
		want error
	}{
		{"short payment", domain.CheckoutRequest{Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 4000}}}, ErrInsufficientPayment},
		{"change from transfer", domain.CheckoutRequest{Payments: []domain.Payment{{Method: domain.PaymentTransfer, Amount: 6000}}}, ErrInvalidPayment},
		{"bad method", domain.CheckoutRequest{Payments: []domain.Payment{{Method: "crypto", Amount: 5000}}}, store.ErrValidation},
		{"no payments", domain.CheckoutRequest{}, store.ErrValidation},
		{"client change disagrees", domain.CheckoutRequest{Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 6000}}, Change: int64Ptr(500)}, store.ErrValidation},
		{"client tendered disagrees", domain.CheckoutRequest{Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 6000}}, AmountTendered: int64Ptr(5000)}, store.ErrValidation},
		{"stock conflict", domain.CheckoutRequest{Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 5000}}}, store.ErrInsufficientStock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Checkout(as(cashierA), token, tc.req)
			require.ErrorIs(t, err, tc.want)

			after, err := svc.Cart(as(cashierA), token)
			require.NoError(t, err)
			assert.Equal(t, before.Lines, after.Lines)
			assert.Equal(t, "cust-ana", after.CustomerID)
		})
	}
}

type invalidationCounter struct {
	cache.NoopCatalogCache
	invalidated int
}

func (c *invalidationCounter) Invalidate(context.Context, string) error {
	c.invalidated++
	return nil
}

func TestCheckoutStockConflictInvalidatesCatalog(t *testing.T) {
	repo := memory.NewSeeded(org)
	repo.AddProduct(domain.Product{ID: "prod-scarce", OrganizationID: org, Name: "Scarce", Price: 1000, Stock: 1, Active: true})
	catalog := &invalidationCounter{}
	svc := New(repo, Options{Catalog: catalog})
	openShift(t, svc, cashierA, "reg-caja-1", 0)

	token := fillCart(t, svc, cashierA, "prod-scarce", "prod-scarce")
	_, err := svc.Checkout(as(cashierA), token, domain.CheckoutRequest{
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 2000}},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 1, catalog.invalidated)

	_, err = svc.Checkout(as(cashierA), token, domain.CheckoutRequest{
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 1000}},
	})
	require.ErrorIs(t, err, ErrInsufficientPayment)
	assert.Equal(t, 1, catalog.invalidated)
}

func TestCheckoutRequiresOpenShift(t *testing.T) {
	svc, _, _ := newTestService(t)
	token := fillCart(t, svc, cashierA, "prod-p")

	_, err := svc.Checkout(as(cashierA), token, domain.CheckoutRequest{
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 3000}},
	})
	require.ErrorIs(t, err, ErrNoOpenShift)
}

func TestCheckoutEmptyCart(t *testing.T) {
	svc, _, _ := newTestService(t)
	openShift(t, svc, cashierA, "reg-caja-1", 0)
	token := fillCart(t, svc, cashierA)

	_, err := svc.Checkout(as(cashierA), token, domain.CheckoutRequest{
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 3000}},
	})
	require.ErrorIs(t, err, cart.ErrEmptyCart)
}

func TestCheckoutSplitTender(t *testing.T) {
	svc, _, _ := newTestService(t)
	openShift(t, svc, cashierA, "reg-caja-1", 0)
	token := fillCart(t, svc, cashierA, "prod-q", "prod-q")

	resp, err := svc.Checkout(as(cashierA), token, domain.CheckoutRequest{
		Payments: []domain.Payment{
			{Method: domain.PaymentTransfer, Amount: 6000},
			{Method: domain.PaymentCash, Amount: 5000},
		},
		AmountTendered: int64Ptr(11000),
		Change:         int64Ptr(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.Payment{
		{Method: domain.PaymentTransfer, Amount: 6000},
		{Method: domain.PaymentCash, Amount: 4000},
	}, resp.Receipt.Payments)
}

func stockOf(t *testing.T, repo store.Repository, productID string) int {
	t.Helper()
	products, err := repo.ListProducts(context.Background(), org)
	require.NoError(t, err)
	for _, p := range products {
		if p.ID == productID {
			return p.Stock
		}
	}
	t.Fatalf("product %s not found", productID)
	return 0
}

func TestCheckoutIdempotencyKeyReturnsOriginal(t *testing.T) {
	svc, repo, _ := newTestService(t)
	openShift(t, svc, cashierA, "reg-caja-1", 0)
	req := domain.CheckoutRequest{
		Payments:       []domain.Payment{{Method: domain.PaymentCash, Amount: 3000}},
		IdempotencyKey: "client-key-1",
	}

	token := fillCart(t, svc, cashierA, "prod-p")
	first, err := svc.Checkout(as(cashierA), token, req)
	require.NoError(t, err)
	assert.False(t, first.Receipt.Duplicate)
	assert.Empty(t, first.Cart.Lines)

	// the response was lost; the client sends the same request again
	second, err := svc.Checkout(as(cashierA), token, req)
	require.NoError(t, err)
	assert.True(t, second.Receipt.Duplicate)
	assert.Equal(t, first.Receipt.InvoiceID, second.Receipt.InvoiceID)
	assert.Equal(t, 49, stockOf(t, repo, "prod-p"))

	_, err = svc.AddLine(as(cashierA), token, domain.CartLineRequest{ProductID: "prod-q"})
	require.NoError(t, err)
	_, err = svc.Checkout(as(cashierA), token, domain.CheckoutRequest{
		Payments:       []domain.Payment{{Method: domain.PaymentCash, Amount: 5000}},
		IdempotencyKey: "client-key-1",
	})
	require.ErrorIs(t, err, ErrIdempotencyConflict)

	view, err := svc.Cart(as(cashierA), token)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, "prod-q", view.Lines[0].ProductID)
	assert.Equal(t, 50, stockOf(t, repo, "prod-q"))
}

type saleCounter struct {
	noopRecorder
	recorded int
	replayed int
}

func (c *saleCounter) SaleRecorded(string, int64) { c.recorded++ }
func (c *saleCounter) SaleReplayed(string)        { c.replayed++ }

func TestCheckoutReplayNotCountedAsSale(t *testing.T) {
	repo := memory.NewSeeded(org)
	repo.AddProduct(domain.Product{ID: "prod-p", OrganizationID: org, Name: "P", Price: 3000, Stock: 50, Active: true})
	counter := &saleCounter{}
	svc := New(repo, Options{Metrics: counter})
	openShift(t, svc, cashierA, "reg-caja-1", 0)
	req := domain.CheckoutRequest{
		Payments:       []domain.Payment{{Method: domain.PaymentCash, Amount: 3000}},
		IdempotencyKey: "count-key",
	}

	token := fillCart(t, svc, cashierA, "prod-p")
	for i := 0; i < 3; i++ {
		_, err := svc.Checkout(as(cashierA), token, req)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, counter.recorded)
	assert.Equal(t, 2, counter.replayed)
}

func TestCheckoutIdempotencyKeyOfAnotherOperator(t *testing.T) {
	svc, _, _ := newTestService(t)
	openShift(t, svc, cashierA, "reg-caja-1", 0)
	openShift(t, svc, cashierB, "reg-caja-2", 0)
	req := domain.CheckoutRequest{
		Payments:       []domain.Payment{{Method: domain.PaymentCash, Amount: 3000}},
		IdempotencyKey: "shared-key",
	}

	_, err := svc.Checkout(as(cashierA), fillCart(t, svc, cashierA, "prod-p"), req)
	require.NoError(t, err)

	tokenB := fillCart(t, svc, cashierB, "prod-p")
	_, err = svc.Checkout(as(cashierB), tokenB, req)
	require.ErrorIs(t, err, ErrIdempotencyConflict)

	view, err := svc.Cart(as(cashierB), tokenB)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), view.Total)
}

// lookupMissRepo hides recorded sales from the key lookup so the duplicate is
// only seen by ProcessSale, as when two requests race on the same key.
type lookupMissRepo struct {
	store.Repository
}

func (lookupMissRepo) FindSaleByIdempotencyKey(context.Context, string, string) (*domain.Sale, error) {
	return nil, store.ErrNotFound
}

func TestCheckoutDuplicateWithDifferentItemsKeepsCart(t *testing.T) {
	repo := memory.NewSeeded(org)
	repo.AddProduct(domain.Product{ID: "prod-p", OrganizationID: org, Name: "P", Price: 3000, Stock: 50, Active: true})
	repo.AddProduct(domain.Product{ID: "prod-q", OrganizationID: org, Name: "Q", Price: 5000, Stock: 50, Active: true})
	svc := New(lookupMissRepo{Repository: repo}, Options{})
	openShift(t, svc, cashierA, "reg-caja-1", 0)

	token := fillCart(t, svc, cashierA, "prod-p")
	_, err := svc.Checkout(as(cashierA), token, domain.CheckoutRequest{
		Payments:       []domain.Payment{{Method: domain.PaymentCash, Amount: 3000}},
		IdempotencyKey: "race-key",
	})
	require.NoError(t, err)

	_, err = svc.AddLine(as(cashierA), token, domain.CartLineRequest{ProductID: "prod-q"})
	require.NoError(t, err)
	_, err = svc.Checkout(as(cashierA), token, domain.CheckoutRequest{
		Payments:       []domain.Payment{{Method: domain.PaymentCash, Amount: 5000}},
		IdempotencyKey: "race-key",
	})
	require.ErrorIs(t, err, ErrIdempotencyConflict)

	view, err := svc.Cart(as(cashierA), token)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, "prod-q", view.Lines[0].ProductID)
}

// interleavingRepo runs during once inside ProcessSale, before the ledger
// commits, to model an operator editing the cart while a sale is in flight.
type interleavingRepo struct {
	store.Repository
	during func()
}

func (r *interleavingRepo) ProcessSale(ctx context.Context, req domain.SaleRequest) (*domain.Sale, bool, error) {
	if r.during != nil {
		during := r.during
		r.during = nil
		during()
	}
	return r.Repository.ProcessSale(ctx, req)
}

func TestCheckoutKeepsLinesAddedDuringSale(t *testing.T) {
	base := memory.NewSeeded(org)
	base.AddProduct(domain.Product{ID: "prod-p", OrganizationID: org, Name: "P", Price: 3000, Stock: 50, Active: true})
	base.AddProduct(domain.Product{ID: "prod-q", OrganizationID: org, Name: "Q", Price: 5000, Stock: 50, Active: true})
	repo := &interleavingRepo{Repository: base}
	svc := New(repo, Options{})
	openShift(t, svc, cashierA, "reg-caja-1", 0)
	token := fillCart(t, svc, cashierA, "prod-p")

	repo.during = func() {
		_, err := svc.AddLine(as(cashierA), token, domain.CartLineRequest{ProductID: "prod-q"})
		require.NoError(t, err)
	}
	resp, err := svc.Checkout(as(cashierA), token, domain.CheckoutRequest{
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 3000}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3000), resp.Receipt.Total)

	view, err := svc.Cart(as(cashierA), token)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, "prod-q", view.Lines[0].ProductID)
	assert.Equal(t, 1, view.Lines[0].Quantity)
	assert.Equal(t, view.Lines, resp.Cart.Lines)
}

func TestCloseShiftScenario(t *testing.T) {
	svc, _, events := newTestService(t)
	shift := openShift(t, svc, cashierA, "reg-caja-1", 50000)

	token := fillCart(t, svc, cashierA, "prod-combo", "prod-combo")
	_, err := svc.Checkout(as(cashierA), token, domain.CheckoutRequest{
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: 80000}},
	})
	require.NoError(t, err)
	_, err = svc.RecordExpense(as(cashierA), domain.ExpenseCreateRequest{Amount: 10000, Description: "proveedor hielo"})
	require.NoError(t, err)

	resp, err := svc.CloseShift(as(cashierA), shift.ID, domain.ShiftCloseRequest{CountedCash: int64Ptr(118000)}, CloseOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(120000), *resp.Shift.ExpectedCash)
	assert.Equal(t, int64(-2000), *resp.Shift.Difference)
	assert.Equal(t, domain.VarianceShortage, resp.Variance)
	require.Len(t, events.closed, 1)

	_, err = svc.CloseShift(as(cashierA), shift.ID, domain.ShiftCloseRequest{CountedCash: int64Ptr(120000)}, CloseOptions{})
	require.ErrorIs(t, err, store.ErrShiftAlreadyClosed)
	assert.Len(t, events.closed, 1)

	again, err := svc.GetShift(as(cashierA), shift.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-2000), *again.Shift.Difference)
}

func TestCloseShiftPermissions(t *testing.T) {
	svc, _, _ := newTestService(t)
	shift := openShift(t, svc, cashierA, "reg-caja-1", 0)
	counted := domain.ShiftCloseRequest{CountedCash: int64Ptr(0)}

	_, err := svc.CloseShift(as(cashierB), shift.ID, counted, CloseOptions{})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = svc.CloseShift(as(cashierA), shift.ID, domain.ShiftCloseRequest{}, CloseOptions{})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.CloseShift(as(cashierA), shift.ID, domain.ShiftCloseRequest{CountedCash: int64Ptr(-1)}, CloseOptions{})
	require.ErrorIs(t, err, store.ErrValidation)

	resp, err := svc.CloseShift(as(cashierB), shift.ID, counted, CloseOptions{ManagerOverride: true})
	require.NoError(t, err)
	assert.Equal(t, domain.VarianceBalanced, resp.Variance)

	other := openShift(t, svc, cashierB, "reg-caja-2", 1000)
	resp, err = svc.CloseShift(as(admin), other.ID, domain.ShiftCloseRequest{CountedCash: int64Ptr(1500)}, CloseOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.VarianceOverage, resp.Variance)
}

func TestExpenseRequiresOpenShift(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.RecordExpense(as(cashierA), domain.ExpenseCreateRequest{Amount: 1000, Description: "taxi"})
	require.ErrorIs(t, err, ErrNoOpenShift)
}

func TestRegisterAdministration(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateRegister(as(cashierA), domain.RegisterCreateRequest{Name: "Caja 9"})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = svc.CreateRegister(as(admin), domain.RegisterCreateRequest{Name: "   "})
	require.ErrorIs(t, err, store.ErrValidation)

	created, err := svc.CreateRegister(as(admin), domain.RegisterCreateRequest{Name: "Caja 9"})
	require.NoError(t, err)

	shift := openShift(t, svc, cashierA, created.ID, 0)
	require.ErrorIs(t, svc.DeleteRegister(as(admin), created.ID), store.ErrRegisterInUse)
	_, err = svc.DeactivateRegister(as(admin), created.ID)
	require.ErrorIs(t, err, store.ErrRegisterInUse)

	_, err = svc.CloseShift(as(cashierA), shift.ID, domain.ShiftCloseRequest{CountedCash: int64Ptr(0)}, CloseOptions{})
	require.NoError(t, err)
	deactivated, err := svc.DeactivateRegister(as(admin), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RegisterStatusInactive, deactivated.Status)

	_, err = svc.OpenShift(as(cashierA), domain.ShiftOpenRequest{RegisterID: created.ID})
	require.ErrorIs(t, err, store.ErrRegisterInactive)

	require.NoError(t, svc.DeleteRegister(as(admin), created.ID))
	list, err := svc.ListRegisters(as(cashierA))
	require.NoError(t, err)
	for _, r := range list.Items {
		assert.NotEqual(t, created.ID, r.ID)
	}
}

func TestGetRegister(t *testing.T) {
	svc, _, _ := newTestService(t)

	register, err := svc.GetRegister(as(cashierA), "reg-caja-1")
	require.NoError(t, err)
	assert.Equal(t, "reg-caja-1", register.ID)

	_, err = svc.GetRegister(as(cashierA), "reg-missing")
	require.ErrorIs(t, err, store.ErrRegisterNotFound)
}

func TestEndSessionDropsCart(t *testing.T) {
	svc, _, _ := newTestService(t)
	token := fillCart(t, svc, cashierA, "prod-p")
	_, err := svc.HoldOrder(as(cashierA), token, domain.HoldOrderRequest{})
	require.NoError(t, err)

	fresh, err := svc.BeginSession(as(cashierA))
	require.NoError(t, err)
	require.ErrorIs(t, svc.EndSession(as(cashierA), token), session.ErrSessionSuperseded)

	require.NoError(t, svc.EndSession(as(cashierA), fresh.Token))
	_, err = svc.Cart(as(cashierA), fresh.Token)
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	next, err := svc.BeginSession(as(cashierA))
	require.NoError(t, err)
	assert.Empty(t, next.Cart.Lines)
	assert.Zero(t, next.Cart.HeldCount)
}

func TestSupersededSessionRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	oldToken := fillCart(t, svc, cashierA, "prod-p")

	fresh, err := svc.BeginSession(as(cashierA))
	require.NoError(t, err)
	assert.Equal(t, int64(3000), fresh.Cart.Total)

	_, err = svc.AddLine(as(cashierA), oldToken, domain.CartLineRequest{ProductID: "prod-q"})
	require.ErrorIs(t, err, session.ErrSessionSuperseded)

	// another operator's session is independent
	_, err = svc.Cart(as(cashierB), fresh.Token)
	require.True(t, errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionSuperseded))
}

func TestHoldResumeThroughService(t *testing.T) {
	svc, _, _ := newTestService(t)
	token := fillCart(t, svc, cashierA, "prod-p")

	held, err := svc.HoldOrder(as(cashierA), token, domain.HoldOrderRequest{Note: "vuelve luego"})
	require.NoError(t, err)
	assert.Empty(t, held.Cart.Lines)
	assert.Equal(t, 1, held.Cart.HeldCount)

	_, err = svc.AddLine(as(cashierA), token, domain.CartLineRequest{ProductID: "prod-q"})
	require.NoError(t, err)
	resumed, err := svc.ResumeHeldOrder(as(cashierA), token, held.HeldOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), resumed.Cart.Total)

	list, err := svc.ListHeldOrders(as(cashierA), token)
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, int64(5000), list.Items[0].Total)

	_, err = svc.ResumeHeldOrder(as(cashierA), token, held.HeldOrder.ID)
	require.ErrorIs(t, err, cart.ErrHeldOrderNotFound)
}

func TestAddLineUnknownProduct(t *testing.T) {
	svc, _, _ := newTestService(t)
	token := fillCart(t, svc, cashierA)
	_, err := svc.AddLine(as(cashierA), token, domain.CartLineRequest{ProductID: "prod-missing"})
	require.ErrorIs(t, err, cart.ErrProductUnavailable)

	_, err = svc.SetCustomer(as(cashierA), token, domain.CartCustomerRequest{CustomerID: "cust-nobody"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRequiresActor(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.ListRegisters(context.Background())
	require.ErrorIs(t, err, ErrUnauthenticated)
}
