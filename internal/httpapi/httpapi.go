package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	"github.com/santialv/DOTENDERO-sub001/internal/cart"
	"github.com/santialv/DOTENDERO-sub001/internal/domain"
	"github.com/santialv/DOTENDERO-sub001/internal/observability"
	"github.com/santialv/DOTENDERO-sub001/internal/service"
	"github.com/santialv/DOTENDERO-sub001/internal/session"
	"github.com/santialv/DOTENDERO-sub001/internal/store"
)

const (
	headerCSRFToken       = "X-CSRF-Token"
	headerCheckoutSession = "X-Checkout-Session"
	headerManagerPIN      = "X-Manager-PIN"
	maxBodyBytes          = 1 << 20
)

type Options struct {
	AllowedOrigin string
	Metrics       *observability.Metrics
	Logger        *zap.Logger
	// SSLRedirect is enabled behind a TLS terminating proxy in production.
	SSLRedirect bool
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	metrics       *observability.Metrics
	logger        *zap.Logger
	secure        *secure.Secure
	loginLimit    func(http.Handler) http.Handler
	apiLimit      func(http.Handler) http.Handler
	pinLimiter    *httprate.RateLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}

	a := &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		metrics:       opts.Metrics,
		logger:        opts.Logger.Named("httpapi"),
		csrfSecret:    csrfSecret,
		secure: secure.New(secure.Options{
			FrameDeny:             true,
			ContentTypeNosniff:    true,
			BrowserXssFilter:      true,
			ReferrerPolicy:        "strict-origin-when-cross-origin",
			ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
			SSLRedirect:           opts.SSLRedirect,
			SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		}),
	}
	a.loginLimit = httprate.Limit(5, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(a.tooManyRequests("too many login attempts")),
	)
	a.apiLimit = httprate.Limit(600, time.Minute,
		httprate.WithKeyFuncs(actorKey),
		httprate.WithLimitHandler(a.tooManyRequests("rate limit exceeded")),
	)
	a.pinLimiter = httprate.NewRateLimiter(8, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(a.tooManyRequests("too many manager PIN attempts")),
	)
	return a
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(a.securityHeaders)
	r.Use(a.cors)
	r.Use(middleware.RequestSize(maxBodyBytes))
	r.Use(a.metrics.Middleware)
	r.Use(a.checkCSRF)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(a.loginLimit).Post("/auth/login", a.handleLogin)
		r.Get("/auth/csrf-token", a.handleCSRFToken)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleCashier, domain.RoleAdmin))
			r.Use(a.apiLimit)

			r.Get("/registers", a.handleListRegisters)
			r.Post("/registers", a.handleCreateRegister)
			r.Get("/registers/{id}", a.handleGetRegister)
			r.Post("/registers/{id}/deactivate", a.handleDeactivateRegister)
			r.Post("/registers/{id}/activate", a.handleActivateRegister)
			r.Delete("/registers/{id}", a.handleDeleteRegister)

			r.Post("/shifts/open", a.handleOpenShift)
			r.Get("/shifts/current", a.handleCurrentShift)
			r.Post("/shifts/current/expenses", a.handleRecordExpense)
			r.Get("/shifts", a.handleListShifts)
			r.Get("/shifts/{id}", a.handleGetShift)
			r.Get("/shifts/{id}/movements", a.handleListMovements)
			r.With(a.limitPINAttempts).Post("/shifts/{id}/close", a.handleCloseShift)

			r.Get("/catalog", a.handleCatalog)
			r.Get("/customers", a.handleCustomers)

			r.Post("/checkout/sessions", a.handleBeginSession)
			r.Delete("/checkout/sessions", a.handleEndSession)
			r.Get("/checkout/cart", a.handleCart)
			r.Delete("/checkout/cart", a.handleClearCart)
			r.Post("/checkout/cart/lines", a.handleAddLine)
			r.Post("/checkout/cart/lines/{productID}/decrement", a.handleRemoveLine)
			r.Delete("/checkout/cart/lines/{productID}", a.handleDeleteLine)
			r.Put("/checkout/cart/customer", a.handleSetCustomer)
			r.Post("/checkout/cart/hold", a.handleHoldOrder)
			r.Get("/checkout/held", a.handleListHeld)
			r.Post("/checkout/held/{id}/resume", a.handleResumeHeld)
			r.Post("/checkout", a.handleCheckout)

			r.Get("/sales/{id}", a.handleGetSale)
			r.Get("/audit-logs", a.handleAuditLogs)

			r.Group(func(r chi.Router) {
				r.Use(a.requireAuth(domain.RoleAdmin))
				r.Get("/users/cashiers", a.handleListCashiers)
				r.Post("/users/cashiers", a.handleCreateCashier)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeStatus(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeStatus(w, http.StatusUnauthorized, "unauthenticated", err.Error())
				return
			}
			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeStatus(w, http.StatusForbidden, "forbidden", "forbidden role")
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func actorKey(r *http.Request) (string, error) {
	if actor, ok := service.ActorFromContext(r.Context()); ok && actor.UserID != "" {
		return "user:" + actor.UserID, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

// limitPINAttempts rate limits only requests that present a manager PIN.
func (a *API) limitPINAttempts(next http.Handler) http.Handler {
	limited := a.pinLimiter.Handler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(headerManagerPIN)) == "" {
			next.ServeHTTP(w, r)
			return
		}
		limited.ServeHTTP(w, r)
	})
}

func (a *API) tooManyRequests(message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusTooManyRequests, "rate_limited", message)
	}
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(startedAt)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.secure.Process(w, r); err != nil {
			a.logger.Warn("secure headers blocked request", zap.Error(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type", "Authorization", headerCSRFToken, headerCheckoutSession, headerManagerPIN,
		}, ", "))
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// csrfTokenForHour computes the hex HMAC-SHA256 of an hour bucket.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current and the previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current-3600)))
}

var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}
		for _, exempt := range csrfExemptPaths {
			if r.URL.Path == exempt {
				next.ServeHTTP(w, r)
				return
			}
		}
		if !a.validateCSRFToken(strings.TrimSpace(r.Header.Get(headerCSRFToken))) {
			writeStatus(w, http.StatusForbidden, "csrf_invalid", "missing or invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorTable = []errorMapping{
	{store.ErrValidation, http.StatusBadRequest, "validation_error"},
	{service.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{ErrAccountInactive, http.StatusUnauthorized, "account_inactive"},
	{service.ErrForbidden, http.StatusForbidden, "forbidden"},

	{store.ErrRegisterNotFound, http.StatusNotFound, "register_not_found"},
	{store.ErrShiftNotFound, http.StatusNotFound, "shift_not_found"},
	{cart.ErrLineNotFound, http.StatusNotFound, "line_not_found"},
	{cart.ErrHeldOrderNotFound, http.StatusNotFound, "held_order_not_found"},
	{session.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{store.ErrNotFound, http.StatusNotFound, "not_found"},

	{store.ErrShiftAlreadyOpenForUser, http.StatusConflict, "shift_already_open"},
	{store.ErrRegisterAlreadyInUse, http.StatusConflict, "register_already_in_use"},
	{store.ErrShiftAlreadyClosed, http.StatusConflict, "shift_already_closed"},
	{store.ErrRegisterInUse, http.StatusConflict, "register_in_use"},
	{store.ErrRegisterNameTaken, http.StatusConflict, "register_name_taken"},
	{session.ErrSessionSuperseded, http.StatusConflict, "session_superseded"},
	{session.ErrSessionConflict, http.StatusConflict, "session_conflict"},
	{service.ErrIdempotencyConflict, http.StatusConflict, "idempotency_conflict"},

	{store.ErrRegisterInactive, http.StatusUnprocessableEntity, "register_inactive"},
	{service.ErrNoOpenShift, http.StatusUnprocessableEntity, "no_open_shift"},
	{service.ErrInsufficientPayment, http.StatusUnprocessableEntity, "insufficient_payment"},
	{service.ErrInvalidPayment, http.StatusUnprocessableEntity, "invalid_payment"},
	{store.ErrPaymentMismatch, http.StatusUnprocessableEntity, "payment_mismatch"},
	{store.ErrInsufficientStock, http.StatusUnprocessableEntity, "insufficient_stock"},
	{cart.ErrEmptyCart, http.StatusUnprocessableEntity, "empty_cart"},
	{cart.ErrProductUnavailable, http.StatusUnprocessableEntity, "product_unavailable"},
}

func classify(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError maps err to its status. 5xx details are logged and never
// returned to the client.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("internal error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	writeStatus(w, status, code, msg)
}

func writeStatus(w http.ResponseWriter, status int, code string, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", store.ErrValidation, err)
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
