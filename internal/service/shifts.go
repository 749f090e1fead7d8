package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/santialv/DOTENDERO-sub001/internal/domain"
	"github.com/santialv/DOTENDERO-sub001/internal/store"
)

// CloseOptions carries the administrative override for closing a shift that
// belongs to another operator. The HTTP layer sets ManagerOverride only after
// verifying the manager PIN.
type CloseOptions struct {
	ManagerOverride bool
}

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.ShiftResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	req.RegisterID = strings.TrimSpace(req.RegisterID)
	if err := s.validateRequest(req); err != nil {
		return domain.ShiftResponse{}, err
	}
	initialCash := int64(req.InitialCash)
	if initialCash < 0 {
		initialCash = 0
	}

	saved, err := s.repo.OpenShift(ctx, domain.Shift{
		OrganizationID: actor.OrganizationID,
		RegisterID:     req.RegisterID,
		UserID:         actor.UserID,
		OperatorName:   operatorName(actor),
		InitialCash:    initialCash,
		StartTime:      s.now(),
	})
	if err != nil {
		return domain.ShiftResponse{}, err
	}

	s.metrics.ShiftOpened(actor.OrganizationID)
	s.logAudit(ctx, actor.OrganizationID, "shift_open", "shift", saved.ID,
		fmt.Sprintf("register=%s,initial_cash=%d", saved.RegisterID, saved.InitialCash))
	return domain.ShiftResponse{Shift: *saved}, nil
}

// CurrentShift returns the caller's open shift.
func (s *Service) CurrentShift(ctx context.Context) (domain.ShiftResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	shift, err := s.openShiftOf(ctx, actor)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	return domain.ShiftResponse{Shift: *shift}, nil
}

func (s *Service) GetShift(ctx context.Context, shiftID string) (domain.ShiftResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	shift, err := s.repo.GetShift(ctx, actor.OrganizationID, shiftID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	if actor.Role != domain.RoleAdmin && shift.UserID != actor.UserID {
		return domain.ShiftResponse{}, ErrForbidden
	}
	return domain.ShiftResponse{Shift: *shift, Variance: shift.Variance()}, nil
}

func (s *Service) ListShifts(ctx context.Context, filter domain.ShiftFilter) (domain.ShiftListResponse, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.ShiftListResponse{}, err
	}
	if filter.Status != "" && filter.Status != domain.ShiftStatusOpen && filter.Status != domain.ShiftStatusClosed {
		return domain.ShiftListResponse{}, fmt.Errorf("%w: unknown shift status %q", store.ErrValidation, filter.Status)
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	shifts, err := s.repo.ListShifts(ctx, actor.OrganizationID, filter)
	if err != nil {
		return domain.ShiftListResponse{}, err
	}
	return domain.ShiftListResponse{Items: shifts}, nil
}

// CloseShift records the counted cash. The ledger computes the expected cash
// and the difference; a second close fails with ErrShiftAlreadyClosed.
func (s *Service) CloseShift(ctx context.Context, shiftID string, req domain.ShiftCloseRequest, opts CloseOptions) (domain.ShiftResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	if err := s.validateRequest(req); err != nil {
		return domain.ShiftResponse{}, err
	}

	current, err := s.repo.GetShift(ctx, actor.OrganizationID, shiftID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	override := false
	if current.UserID != actor.UserID {
		if actor.Role != domain.RoleAdmin && !opts.ManagerOverride {
			return domain.ShiftResponse{}, ErrForbidden
		}
		override = true
	}

	closed, err := s.repo.CloseShift(ctx, actor.OrganizationID, shiftID, *req.CountedCash, actor.UserID, s.now())
	if err != nil {
		return domain.ShiftResponse{}, err
	}

	variance := closed.Variance()
	s.metrics.ShiftClosed(actor.OrganizationID, variance, *closed.Difference)
	s.logAudit(ctx, actor.OrganizationID, "shift_close", "shift", closed.ID,
		fmt.Sprintf("counted=%d,expected=%d,difference=%d,override=%t",
			*closed.CountedCash, *closed.ExpectedCash, *closed.Difference, override))
	if err := s.events.ShiftClosed(ctx, *closed); err != nil {
		s.logger.Error("schedule shift reconciliation failed", zap.String("shift_id", closed.ID), zap.Error(err))
	}
	return domain.ShiftResponse{Shift: *closed, Variance: variance}, nil
}

// RecordExpense registers cash paid out of the drawer during the caller's
// open shift.
func (s *Service) RecordExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.CashMovement, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CashMovement{}, err
	}
	req.Description = strings.TrimSpace(req.Description)
	if err := s.validateRequest(req); err != nil {
		return domain.CashMovement{}, err
	}
	shift, err := s.openShiftOf(ctx, actor)
	if err != nil {
		return domain.CashMovement{}, err
	}

	saved, err := s.repo.CreateCashMovement(ctx, domain.CashMovement{
		OrganizationID: actor.OrganizationID,
		ShiftID:        shift.ID,
		UserID:         actor.UserID,
		Kind:           domain.CashMovementExpense,
		Amount:         req.Amount,
		Description:    req.Description,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return domain.CashMovement{}, err
	}
	s.logAudit(ctx, actor.OrganizationID, "cash_expense", "shift", shift.ID, fmt.Sprintf("amount=%d", saved.Amount))
	return *saved, nil
}

func (s *Service) ListMovements(ctx context.Context, shiftID string) (domain.CashMovementListResponse, error) {
	if _, err := s.GetShift(ctx, shiftID); err != nil {
		return domain.CashMovementListResponse{}, err
	}
	actor, _ := ActorFromContext(ctx)
	movements, err := s.repo.ListCashMovements(ctx, actor.OrganizationID, shiftID)
	if err != nil {
		return domain.CashMovementListResponse{}, err
	}
	return domain.CashMovementListResponse{Items: movements}, nil
}

func (s *Service) openShiftOf(ctx context.Context, actor domain.Actor) (*domain.Shift, error) {
	shift, err := s.repo.GetOpenShiftByUser(ctx, actor.OrganizationID, actor.UserID)
	if errors.Is(err, store.ErrShiftNotFound) {
		return nil, ErrNoOpenShift
	}
	return shift, err
}
