package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/santialv/DOTENDERO-sub001/internal/cache"
	"github.com/santialv/DOTENDERO-sub001/internal/domain"
	"github.com/santialv/DOTENDERO-sub001/internal/session"
	"github.com/santialv/DOTENDERO-sub001/internal/store"
	"github.com/santialv/DOTENDERO-sub001/internal/xid"
)

var (
	ErrUnauthenticated     = errors.New("authentication required")
	ErrForbidden           = errors.New("operation not permitted")
	ErrNoOpenShift         = errors.New("operator has no open shift")
	ErrInsufficientPayment = errors.New("payments do not cover the total")
	ErrInvalidPayment      = errors.New("change exceeds cash tendered")
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different sale")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// ShiftEvents is notified after a shift is closed. The job queue implements it
// to schedule reconciliation.
type ShiftEvents interface {
	ShiftClosed(ctx context.Context, shift domain.Shift) error
}

// Recorder receives domain counters.
type Recorder interface {
	ShiftOpened(orgID string)
	ShiftClosed(orgID string, variance string, difference int64)
	SaleRecorded(orgID string, total int64)
	SaleReplayed(orgID string)
	CheckoutRejected(orgID string, reason string)
}

type Options struct {
	Catalog    cache.CatalogCache
	CatalogTTL time.Duration
	Sessions   *session.Manager
	Events     ShiftEvents
	Metrics    Recorder
	Logger     *zap.Logger
}

type Service struct {
	repo       store.Repository
	catalog    cache.CatalogCache
	catalogTTL time.Duration
	sessions   *session.Manager
	events     ShiftEvents
	metrics    Recorder
	logger     *zap.Logger
	validate   *validator.Validate
	loads      singleflight.Group
	now        func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Catalog == nil {
		opts.Catalog = cache.NoopCatalogCache{}
	}
	if opts.CatalogTTL <= 0 {
		opts.CatalogTTL = 5 * time.Minute
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(session.NewMemoryStore(12 * time.Hour))
	}
	if opts.Events == nil {
		opts.Events = noopEvents{}
	}
	if opts.Metrics == nil {
		opts.Metrics = noopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Service{
		repo:       repo,
		catalog:    opts.Catalog,
		catalogTTL: opts.CatalogTTL,
		sessions:   opts.Sessions,
		events:     opts.Events,
		metrics:    opts.Metrics,
		logger:     opts.Logger.Named("service"),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListCatalog(ctx context.Context) (domain.CatalogResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CatalogResponse{}, err
	}
	products, err := s.loadCatalog(ctx, actor.OrganizationID)
	if err != nil {
		return domain.CatalogResponse{}, err
	}
	return domain.CatalogResponse{Products: products}, nil
}

func (s *Service) ListCustomers(ctx context.Context) (domain.CustomerListResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CustomerListResponse{}, err
	}
	customers, err := s.repo.ListCustomers(ctx, actor.OrganizationID)
	if err != nil {
		return domain.CustomerListResponse{}, err
	}
	return domain.CustomerListResponse{Items: customers}, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	from := s.now().Truncate(24 * time.Hour)
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
		from = parsed.UTC()
	}
	if limit < 1 || limit > 1000 {
		limit = 200
	}
	return s.repo.ListAuditLogs(ctx, actor.OrganizationID, from, from.Add(24*time.Hour), limit)
}

// loadCatalog serves the tenant catalog from the cache, collapsing
// concurrent misses into one ledger read.
func (s *Service) loadCatalog(ctx context.Context, orgID string) ([]domain.Product, error) {
	products, ok, err := s.catalog.Get(ctx, orgID)
	if err != nil {
		s.logger.Warn("catalog cache read failed", zap.String("org_id", orgID), zap.Error(err))
	}
	if ok {
		return products, nil
	}

	v, err, _ := s.loads.Do(orgID, func() (interface{}, error) {
		fresh, err := s.repo.ListProducts(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if err := s.catalog.Set(ctx, orgID, fresh, s.catalogTTL); err != nil {
			s.logger.Warn("catalog cache write failed", zap.String("org_id", orgID), zap.Error(err))
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Product), nil
}

func (s *Service) validateRequest(req any) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s", store.ErrValidation, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, orgID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	if orgID == "" {
		orgID = actor.OrganizationID
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:             xid.New("audit"),
		OrganizationID: orgID,
		ActorUserID:    actor.UserID,
		ActorUsername:  actor.Username,
		ActorRole:      actor.Role,
		Action:         action,
		EntityType:     entityType,
		EntityID:       entityID,
		Detail:         detail,
		CreatedAt:      s.now(),
	}); err != nil {
		s.logger.Warn("audit log write failed",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" || actor.OrganizationID == "" {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return actor, err
	}
	if actor.Role != domain.RoleAdmin {
		return actor, ErrForbidden
	}
	return actor, nil
}

func operatorName(actor domain.Actor) string {
	if actor.DisplayName != "" {
		return actor.DisplayName
	}
	return actor.Username
}

type noopEvents struct{}

func (noopEvents) ShiftClosed(context.Context, domain.Shift) error { return nil }

type noopRecorder struct{}

func (noopRecorder) ShiftOpened(string)                {}
func (noopRecorder) ShiftClosed(string, string, int64) {}
func (noopRecorder) SaleRecorded(string, int64)        {}
func (noopRecorder) SaleReplayed(string)               {}
func (noopRecorder) CheckoutRejected(string, string)   {}
