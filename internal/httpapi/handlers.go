package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/santialv/DOTENDERO-sub001/internal/domain"
	"github.com/santialv/DOTENDERO-sub001/internal/service"
	"github.com/santialv/DOTENDERO-sub001/internal/store"
)

var errInvalidManagerPIN = errors.New("invalid manager PIN")

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns the token mutating requests send in X-CSRF-Token.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

func (a *API) handleListRegisters(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ListRegisters(r.Context())
	a.respond(w, r, http.StatusOK, resp, err)
}

func (a *API) handleGetRegister(w http.ResponseWriter, r *http.Request) {
	register, err := a.service.GetRegister(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, http.StatusOK, map[string]any{"register": register}, err)
}

func (a *API) handleCreateRegister(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	register, err := a.service.CreateRegister(r.Context(), req)
	a.respond(w, r, http.StatusCreated, map[string]any{"register": register}, err)
}

func (a *API) handleDeactivateRegister(w http.ResponseWriter, r *http.Request) {
	register, err := a.service.DeactivateRegister(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, http.StatusOK, map[string]any{"register": register}, err)
}

func (a *API) handleActivateRegister(w http.ResponseWriter, r *http.Request) {
	register, err := a.service.ActivateRegister(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, http.StatusOK, map[string]any{"register": register}, err)
}

func (a *API) handleDeleteRegister(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteRegister(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleOpenShift(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	resp, err := a.service.OpenShift(r.Context(), req)
	a.respond(w, r, http.StatusCreated, resp, err)
}

func (a *API) handleCurrentShift(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.CurrentShift(r.Context())
	a.respond(w, r, http.StatusOK, resp, err)
}

func (a *API) handleListShifts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := a.service.ListShifts(r.Context(), domain.ShiftFilter{
		RegisterID: strings.TrimSpace(q.Get("register_id")),
		UserID:     strings.TrimSpace(q.Get("user_id")),
		Status:     strings.TrimSpace(q.Get("status")),
		Limit:      parsePositiveLimit(q.Get("limit"), 100, 500),
	})
	a.respond(w, r, http.StatusOK, resp, err)
}

func (a *API) handleGetShift(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetShift(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, http.StatusOK, resp, err)
}

// handleCloseShift closes a shift. A cashier closing somebody else's shift
// must present the manager PIN in X-Manager-PIN.
func (a *API) handleCloseShift(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	var opts service.CloseOptions
	if pin := strings.TrimSpace(r.Header.Get(headerManagerPIN)); pin != "" {
		if !a.auth.ValidateManagerPIN(pin) {
			writeStatus(w, http.StatusForbidden, "invalid_manager_pin", errInvalidManagerPIN.Error())
			return
		}
		opts.ManagerOverride = true
	}

	resp, err := a.service.CloseShift(r.Context(), chi.URLParam(r, "id"), req, opts)
	a.respond(w, r, http.StatusOK, resp, err)
}

func (a *API) handleRecordExpense(w http.ResponseWriter, r *http.Request) {
	var req domain.ExpenseCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	movement, err := a.service.RecordExpense(r.Context(), req)
	a.respond(w, r, http.StatusCreated, map[string]any{"movement": movement}, err)
}

func (a *API) handleListMovements(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ListMovements(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, http.StatusOK, resp, err)
}

func (a *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ListCatalog(r.Context())
	a.respond(w, r, http.StatusOK, resp, err)
}

func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ListCustomers(r.Context())
	a.respond(w, r, http.StatusOK, resp, err)
}

func (a *API) handleBeginSession(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.BeginSession(r.Context())
	a.respond(w, r, http.StatusCreated, resp, err)
}

func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	token, err := sessionToken(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.service.EndSession(r.Context(), token); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	a.withSession(w, r, func(token string) (any, error) {
		return a.service.Cart(r.Context(), token)
	})
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	a.withSession(w, r, func(token string) (any, error) {
		return a.service.ClearCart(r.Context(), token)
	})
}

func (a *API) handleAddLine(w http.ResponseWriter, r *http.Request) {
	var req domain.CartLineRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.withSession(w, r, func(token string) (any, error) {
		return a.service.AddLine(r.Context(), token, req)
	})
}

func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	a.withSession(w, r, func(token string) (any, error) {
		return a.service.RemoveLine(r.Context(), token, chi.URLParam(r, "productID"))
	})
}

func (a *API) handleDeleteLine(w http.ResponseWriter, r *http.Request) {
	a.withSession(w, r, func(token string) (any, error) {
		return a.service.DeleteLine(r.Context(), token, chi.URLParam(r, "productID"))
	})
}

func (a *API) handleSetCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CartCustomerRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.withSession(w, r, func(token string) (any, error) {
		return a.service.SetCustomer(r.Context(), token, req)
	})
}

func (a *API) handleHoldOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.HoldOrderRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	a.withSession(w, r, func(token string) (any, error) {
		return a.service.HoldOrder(r.Context(), token, req)
	})
}

func (a *API) handleListHeld(w http.ResponseWriter, r *http.Request) {
	a.withSession(w, r, func(token string) (any, error) {
		return a.service.ListHeldOrders(r.Context(), token)
	})
}

func (a *API) handleResumeHeld(w http.ResponseWriter, r *http.Request) {
	a.withSession(w, r, func(token string) (any, error) {
		return a.service.ResumeHeldOrder(r.Context(), token, chi.URLParam(r, "id"))
	})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	token, err := sessionToken(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp, err := a.service.Checkout(r.Context(), token, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if resp.Receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	receipt, err := a.service.GetSale(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, http.StatusOK, map[string]any{"receipt": receipt}, err)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	logs, err := a.service.ListAuditLogs(r.Context(), q.Get("date"), parsePositiveLimit(q.Get("limit"), 200, 1000))
	a.respond(w, r, http.StatusOK, map[string]any{"items": logs}, err)
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context(), actor.OrganizationID)})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	actor, _ := service.ActorFromContext(r.Context())
	cashier, err := a.auth.CreateCashier(r.Context(), actor.OrganizationID, req)
	a.respond(w, r, http.StatusCreated, map[string]any{"cashier": cashier}, err)
}

func (a *API) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (a *API) withSession(w http.ResponseWriter, r *http.Request, fn func(token string) (any, error)) {
	token, err := sessionToken(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	payload, err := fn(token)
	a.respond(w, r, http.StatusOK, payload, err)
}

func sessionToken(r *http.Request) (string, error) {
	token := strings.TrimSpace(r.Header.Get(headerCheckoutSession))
	if token == "" {
		return "", fmt.Errorf("%w: %s header required", store.ErrValidation, headerCheckoutSession)
	}
	return token, nil
}
