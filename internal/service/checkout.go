package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/santialv/DOTENDERO-sub001/internal/cart"
	"github.com/santialv/DOTENDERO-sub001/internal/domain"
	"github.com/santialv/DOTENDERO-sub001/internal/session"
	"github.com/santialv/DOTENDERO-sub001/internal/store"
	"github.com/santialv/DOTENDERO-sub001/internal/xid"
)

// BeginSession starts the caller's checkout session. Older tokens of the same
// operator stop working and their cart carries over.
func (s *Service) BeginSession(ctx context.Context) (domain.SessionResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	sess, err := s.sessions.Begin(ctx, actor.OrganizationID, actor.UserID)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	s.logger.Debug("checkout session started", zap.String("user_id", actor.UserID))
	return domain.SessionResponse{
		Token:     sess.Token,
		StartedAt: sess.StartedAt.Format(time.RFC3339),
		Cart:      sess.Workspace.View(sess.Token),
	}, nil
}

// EndSession drops the caller's checkout session with its cart and held
// orders. The token must be the current one.
func (s *Service) EndSession(ctx context.Context, token string) error {
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	sess, err := s.sessions.Get(ctx, actor.OrganizationID, actor.UserID, token)
	if err != nil {
		return err
	}
	if err := s.sessions.End(ctx, actor.OrganizationID, actor.UserID); err != nil {
		return err
	}
	s.logAudit(ctx, actor.OrganizationID, "end_session", "checkout_session", actor.UserID,
		fmt.Sprintf("lines=%d,held=%d", len(sess.Workspace.Active.Lines), len(sess.Workspace.Held)))
	return nil
}

func (s *Service) Cart(ctx context.Context, token string) (domain.CartView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	sess, err := s.sessions.Get(ctx, actor.OrganizationID, actor.UserID, token)
	if err != nil {
		return domain.CartView{}, err
	}
	return sess.Workspace.View(sess.Token), nil
}

// AddLine adds one unit, pricing it from the cached catalog view.
func (s *Service) AddLine(ctx context.Context, token string, req domain.CartLineRequest) (domain.CartView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	if err := s.validateRequest(req); err != nil {
		return domain.CartView{}, err
	}
	products, err := s.loadCatalog(ctx, actor.OrganizationID)
	if err != nil {
		return domain.CartView{}, err
	}
	var product domain.Product
	for _, p := range products {
		if p.ID == req.ProductID {
			product = p
			break
		}
	}
	return s.mutateCart(ctx, actor, token, func(w *cart.Workspace) error {
		return w.Active.Add(product)
	})
}

func (s *Service) RemoveLine(ctx context.Context, token string, productID string) (domain.CartView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	return s.mutateCart(ctx, actor, token, func(w *cart.Workspace) error {
		return w.Active.Remove(productID)
	})
}

func (s *Service) DeleteLine(ctx context.Context, token string, productID string) (domain.CartView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	return s.mutateCart(ctx, actor, token, func(w *cart.Workspace) error {
		return w.Active.Delete(productID)
	})
}

func (s *Service) ClearCart(ctx context.Context, token string) (domain.CartView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	return s.mutateCart(ctx, actor, token, func(w *cart.Workspace) error {
		w.Active.Clear()
		return nil
	})
}

// SetCustomer attaches a customer to the active cart; empty means walk-in.
func (s *Service) SetCustomer(ctx context.Context, token string, req domain.CartCustomerRequest) (domain.CartView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CartView{}, err
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID != "" {
		if _, err := s.repo.GetCustomer(ctx, actor.OrganizationID, customerID); err != nil {
			return domain.CartView{}, err
		}
	}
	return s.mutateCart(ctx, actor, token, func(w *cart.Workspace) error {
		w.Active.SetCustomer(customerID)
		return nil
	})
}

func (s *Service) HoldOrder(ctx context.Context, token string, req domain.HoldOrderRequest) (domain.HoldOrderResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.HoldOrderResponse{}, err
	}
	if err := s.validateRequest(req); err != nil {
		return domain.HoldOrderResponse{}, err
	}

	var held domain.HeldOrder
	sess, err := s.sessions.Update(ctx, actor.OrganizationID, actor.UserID, token, func(sess *session.Session) error {
		var err error
		held, err = sess.Workspace.Hold(xid.New("held"), req.Note, s.now())
		return err
	})
	if err != nil {
		return domain.HoldOrderResponse{}, err
	}
	s.logAudit(ctx, actor.OrganizationID, "cart_hold", "held_order", held.ID, fmt.Sprintf("items=%d,total=%d", len(held.Lines), held.Total))
	return domain.HoldOrderResponse{HeldOrder: held, Cart: sess.Workspace.View(sess.Token)}, nil
}

func (s *Service) ListHeldOrders(ctx context.Context, token string) (domain.HeldOrderListResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.HeldOrderListResponse{}, err
	}
	sess, err := s.sessions.Get(ctx, actor.OrganizationID, actor.UserID, token)
	if err != nil {
		return domain.HeldOrderListResponse{}, err
	}
	return domain.HeldOrderListResponse{Items: sess.Workspace.HeldOrders()}, nil
}

// ResumeHeldOrder brings a held order back. A non-empty active cart is parked
// in its place.
func (s *Service) ResumeHeldOrder(ctx context.Context, token string, heldID string) (domain.HoldOrderResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.HoldOrderResponse{}, err
	}

	var resumed domain.HeldOrder
	sess, err := s.sessions.Update(ctx, actor.OrganizationID, actor.UserID, token, func(sess *session.Session) error {
		var err error
		resumed, err = sess.Workspace.Resume(heldID, xid.New("held"), s.now())
		return err
	})
	if err != nil {
		return domain.HoldOrderResponse{}, err
	}
	s.logAudit(ctx, actor.OrganizationID, "cart_resume", "held_order", resumed.ID, fmt.Sprintf("items=%d", len(resumed.Lines)))
	return domain.HoldOrderResponse{HeldOrder: resumed, Cart: sess.Workspace.View(sess.Token)}, nil
}

// Checkout settles the active cart. Payments are checked here before the
// ledger sees them, the change is taken out of the cash payments, and the
// cart is cleared only after the ledger accepted the sale. On any failure the
// cart is left as it was.
func (s *Service) Checkout(ctx context.Context, token string, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	resp, err := s.checkout(ctx, actor, token, req)
	if err != nil {
		s.metrics.CheckoutRejected(actor.OrganizationID, rejectReason(err))
		return domain.CheckoutResponse{}, err
	}
	return resp, nil
}

func (s *Service) checkout(ctx context.Context, actor domain.Actor, token string, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	if err := s.validateRequest(req); err != nil {
		return domain.CheckoutResponse{}, err
	}
	sess, err := s.sessions.Get(ctx, actor.OrganizationID, actor.UserID, token)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	active := sess.Workspace.Active

	// A retry finds its sale before the cart is checked; the first attempt
	// already emptied it. The session is left untouched.
	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if idemKey != "" {
		existing, err := s.repo.FindSaleByIdempotencyKey(ctx, actor.OrganizationID, idemKey)
		switch {
		case err == nil:
			if existing.SellerID != actor.UserID || (!active.IsEmpty() && !sameSale(existing, actor.UserID, active.Items())) {
				return domain.CheckoutResponse{}, ErrIdempotencyConflict
			}
			s.metrics.SaleReplayed(actor.OrganizationID)
			return domain.CheckoutResponse{Receipt: toReceipt(existing, true), Cart: sess.Workspace.View(sess.Token)}, nil
		case !errors.Is(err, store.ErrNotFound):
			return domain.CheckoutResponse{}, err
		}
	}

	if active.IsEmpty() {
		return domain.CheckoutResponse{}, cart.ErrEmptyCart
	}
	tender, err := settleTender(active.Total(), req)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	shift, err := s.openShiftOf(ctx, actor)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if idemKey == "" {
		idemKey = fmt.Sprintf("%s:%d", sess.Token, sess.Version)
	}

	items := active.Items()
	sale, duplicate, err := s.repo.ProcessSale(ctx, domain.SaleRequest{
		OrganizationID: actor.OrganizationID,
		SellerID:       actor.UserID,
		CustomerID:     active.CustomerID,
		ShiftID:        shift.ID,
		IdempotencyKey: idemKey,
		Tendered:       tender.tendered,
		Change:         tender.change,
		Items:          items,
		Payments:       tender.settled,
		CreatedAt:      s.now(),
	})
	if err != nil {
		if staleCatalog(err) {
			if err := s.catalog.Invalidate(ctx, actor.OrganizationID); err != nil {
				s.logger.Warn("catalog cache invalidate failed", zap.String("org_id", actor.OrganizationID), zap.Error(err))
			}
		}
		return domain.CheckoutResponse{}, err
	}
	if duplicate && !sameSale(sale, actor.UserID, items) {
		return domain.CheckoutResponse{}, ErrIdempotencyConflict
	}

	view := s.settleCart(ctx, actor, token, sess.Version, sale)

	if duplicate {
		s.metrics.SaleReplayed(actor.OrganizationID)
	} else {
		sold := make(map[string]int, len(sale.Items))
		for _, line := range sale.Items {
			sold[line.ProductID] += line.Quantity
		}
		if err := s.catalog.DecrementStock(ctx, actor.OrganizationID, sold); err != nil {
			s.logger.Warn("catalog stock mirror update failed", zap.String("org_id", actor.OrganizationID), zap.Error(err))
		}
		s.logAudit(ctx, actor.OrganizationID, "checkout", "sale", sale.ID,
			fmt.Sprintf("number=%s,total=%d,tendered=%d,change=%d,payments=%d",
				sale.Number, sale.Total, tender.tendered, tender.change, len(sale.Payments)))
		s.metrics.SaleRecorded(actor.OrganizationID, sale.Total)
	}

	return domain.CheckoutResponse{Receipt: toReceipt(sale, duplicate), Cart: view}, nil
}

// settleCart removes the sold goods from the session. If the cart is still at
// the version the sale was built from it is cleared; otherwise lines were
// added meanwhile and only the sold quantities come off.
func (s *Service) settleCart(ctx context.Context, actor domain.Actor, token string, soldVersion int64, sale *domain.Sale) domain.CartView {
	sold := make([]domain.SaleItem, 0, len(sale.Items))
	for _, line := range sale.Items {
		sold = append(sold, domain.SaleItem{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	updated, err := s.sessions.Update(ctx, actor.OrganizationID, actor.UserID, token, func(sess *session.Session) error {
		if sess.Version == soldVersion {
			sess.Workspace.Active.Clear()
			return nil
		}
		sess.Workspace.Active.Subtract(sold)
		return nil
	})
	if err != nil {
		s.logger.Error("clear cart after sale failed", zap.String("sale_id", sale.ID), zap.Error(err))
		return domain.CartView{SessionToken: token, Lines: []domain.CartLine{}, Taxes: []domain.TaxBucket{}}
	}
	return updated.Workspace.View(updated.Token)
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Receipt, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Receipt{}, err
	}
	sale, err := s.repo.GetSale(ctx, actor.OrganizationID, saleID)
	if err != nil {
		return domain.Receipt{}, err
	}
	if actor.Role != domain.RoleAdmin && sale.SellerID != actor.UserID {
		return domain.Receipt{}, ErrForbidden
	}
	return toReceipt(sale, false), nil
}

func (s *Service) mutateCart(ctx context.Context, actor domain.Actor, token string, fn func(*cart.Workspace) error) (domain.CartView, error) {
	sess, err := s.sessions.Update(ctx, actor.OrganizationID, actor.UserID, token, func(sess *session.Session) error {
		return fn(&sess.Workspace)
	})
	if err != nil {
		return domain.CartView{}, err
	}
	return sess.Workspace.View(sess.Token), nil
}

type tender struct {
	tendered int64
	change   int64
	settled  []domain.Payment
}

// settleTender checks the operator's payments against the cart total and
// returns the payments as the ledger records them: change is taken out of
// the cash lines so that they add up to the total exactly.
func settleTender(total int64, req domain.CheckoutRequest) (tender, error) {
	var sum, cash int64
	for _, p := range req.Payments {
		if !store.IsPaymentMethod(p.Method) || p.Amount < 1 {
			return tender{}, fmt.Errorf("%w: invalid payment", store.ErrValidation)
		}
		sum += p.Amount
		if p.Method == domain.PaymentCash {
			cash += p.Amount
		}
	}
	if sum < total {
		return tender{}, fmt.Errorf("%w: paid %d of %d", ErrInsufficientPayment, sum, total)
	}
	change := sum - total
	if change > cash {
		return tender{}, fmt.Errorf("%w: change %d, cash %d", ErrInvalidPayment, change, cash)
	}
	if req.AmountTendered != nil && *req.AmountTendered != sum {
		return tender{}, fmt.Errorf("%w: amount_tendered %d does not match payments %d", store.ErrValidation, *req.AmountTendered, sum)
	}
	if req.Change != nil && *req.Change != change {
		return tender{}, fmt.Errorf("%w: change %d does not match computed %d", store.ErrValidation, *req.Change, change)
	}

	settled := make([]domain.Payment, 0, len(req.Payments))
	remaining := change
	for _, p := range req.Payments {
		if p.Method == domain.PaymentCash && remaining > 0 {
			taken := min(remaining, p.Amount)
			p.Amount -= taken
			remaining -= taken
		}
		if p.Amount > 0 {
			settled = append(settled, p)
		}
	}
	return tender{tendered: sum, change: change, settled: settled}, nil
}

func toReceipt(sale *domain.Sale, duplicate bool) domain.Receipt {
	lines := make([]domain.CartLine, 0, len(sale.Items))
	for _, item := range sale.Items {
		lines = append(lines, domain.CartLine(item))
	}
	return domain.Receipt{
		InvoiceID:  sale.ID,
		SaleNumber: sale.Number,
		CustomerID: sale.CustomerID,
		ShiftID:    sale.ShiftID,
		Lines:      sale.Items,
		Taxes:      cart.TaxBreakdown(lines),
		Payments:   sale.Payments,
		Total:      sale.Total,
		Tendered:   sale.Tendered,
		Change:     sale.Change,
		Duplicate:  duplicate,
		CreatedAt:  sale.CreatedAt.Format(time.RFC3339),
	}
}

// sameSale reports whether sale is the one this seller would get by
// submitting items.
func sameSale(sale *domain.Sale, sellerID string, items []domain.SaleItem) bool {
	if sale.SellerID != sellerID {
		return false
	}
	want := make(map[string]int, len(items))
	for _, item := range items {
		want[item.ProductID] += item.Quantity
	}
	got := make(map[string]int, len(sale.Items))
	for _, line := range sale.Items {
		got[line.ProductID] += line.Quantity
	}
	return maps.Equal(want, got)
}

// staleCatalog reports ledger rejections that mean the cached catalog no
// longer matches the ledger's prices, stock or product set.
func staleCatalog(err error) bool {
	return errors.Is(err, store.ErrPaymentMismatch) ||
		errors.Is(err, store.ErrInsufficientStock) ||
		errors.Is(err, store.ErrValidation)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, ErrInvalidPayment):
		return "invalid_payment"
	case errors.Is(err, ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, ErrNoOpenShift):
		return "no_open_shift"
	case errors.Is(err, cart.ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrPaymentMismatch):
		return "payment_mismatch"
	case errors.Is(err, store.ErrValidation):
		return "validation"
	case errors.Is(err, session.ErrSessionSuperseded), errors.Is(err, session.ErrSessionConflict), errors.Is(err, session.ErrSessionNotFound):
		return "session"
	default:
		return "error"
	}
}
