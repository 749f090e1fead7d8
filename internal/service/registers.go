package service

import (
	"context"
	"strings"

	"github.com/santialv/DOTENDERO-sub001/internal/domain"
)

func (s *Service) ListRegisters(ctx context.Context) (domain.RegisterListResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.RegisterListResponse{}, err
	}
	registers, err := s.repo.ListRegisters(ctx, actor.OrganizationID)
	if err != nil {
		return domain.RegisterListResponse{}, err
	}
	return domain.RegisterListResponse{Items: registers}, nil
}

func (s *Service) GetRegister(ctx context.Context, registerID string) (domain.Register, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Register{}, err
	}
	register, err := s.repo.GetRegister(ctx, actor.OrganizationID, strings.TrimSpace(registerID))
	if err != nil {
		return domain.Register{}, err
	}
	return *register, nil
}

func (s *Service) CreateRegister(ctx context.Context, req domain.RegisterCreateRequest) (domain.Register, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.Register{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateRequest(req); err != nil {
		return domain.Register{}, err
	}

	saved, err := s.repo.CreateRegister(ctx, domain.Register{
		OrganizationID: actor.OrganizationID,
		Name:           req.Name,
		Status:         domain.RegisterStatusActive,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return domain.Register{}, err
	}
	s.logAudit(ctx, actor.OrganizationID, "register_create", "register", saved.ID, saved.Name)
	return *saved, nil
}

func (s *Service) DeactivateRegister(ctx context.Context, registerID string) (domain.Register, error) {
	return s.setRegisterStatus(ctx, registerID, domain.RegisterStatusInactive, "register_deactivate")
}

func (s *Service) ActivateRegister(ctx context.Context, registerID string) (domain.Register, error) {
	return s.setRegisterStatus(ctx, registerID, domain.RegisterStatusActive, "register_activate")
}

func (s *Service) setRegisterStatus(ctx context.Context, registerID string, status string, action string) (domain.Register, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.Register{}, err
	}
	saved, err := s.repo.SetRegisterStatus(ctx, actor.OrganizationID, registerID, status)
	if err != nil {
		return domain.Register{}, err
	}
	s.logAudit(ctx, actor.OrganizationID, action, "register", saved.ID, status)
	return *saved, nil
}

// DeleteRegister hides the register from the directory. Shifts recorded on it
// keep their reference.
func (s *Service) DeleteRegister(ctx context.Context, registerID string) error {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRegister(ctx, actor.OrganizationID, registerID, s.now()); err != nil {
		return err
	}
	s.logAudit(ctx, actor.OrganizationID, "register_delete", "register", registerID, "")
	return nil
}
