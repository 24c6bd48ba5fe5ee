package app

import (
	"context"
	"errors"
	"fmt"

	"wayleave/internal/domain"
	"wayleave/internal/engine"
	"wayleave/internal/identity"
	"wayleave/internal/repo"
)

// Actor is a caller whose profile has passed full validation.
type Actor struct {
	UserID string
	Email  string
	Role   domain.Role
}

// Service exposes the protected operations for an explicit actor. The CLI
// reaches it through App with the reconciler's cached role; the HTTP server
// calls it with an actor validated per request.
type Service struct {
	Repo     repo.Repo
	Engine   engine.Engine
	Identity *identity.Provider
}

func (s Service) Records(ctx context.Context, _ Actor) ([]domain.WayleaveRecord, error) {
	return s.Repo.ListRecords(ctx)
}

// SearchRecords lists the records whose wayleave number contains query.
func (s Service) SearchRecords(ctx context.Context, actor Actor, query string) ([]domain.WayleaveRecord, error) {
	records, err := s.Records(ctx, actor)
	if err != nil {
		return nil, err
	}
	return engine.SearchRecords(records, query), nil
}

func (s Service) Record(ctx context.Context, _ Actor, id int64) (domain.WayleaveRecord, error) {
	return s.Repo.GetRecord(ctx, id)
}

func (s Service) PendingActions(ctx context.Context, actor Actor) ([]domain.WayleaveRecord, error) {
	records, err := s.Repo.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	return engine.PendingActions(actor.Role, records), nil
}

func (s Service) CreateRecord(ctx context.Context, actor Actor, number string, attachment *domain.Upload) (domain.WayleaveRecord, error) {
	return s.Engine.CreateRecord(ctx, actor.Role, number, attachment)
}

func (s Service) ApplyTransition(ctx context.Context, actor Actor, id int64, target domain.Status, evidence *domain.Upload) (domain.WayleaveRecord, error) {
	return s.Engine.ApplyTransition(ctx, id, actor.Role, target, evidence)
}

func (s Service) UpdateRecordNumber(ctx context.Context, actor Actor, id int64, number string) (domain.WayleaveRecord, error) {
	return s.Engine.UpdateRecordNumber(ctx, actor.Role, id, number)
}

func (s Service) DeleteRecord(ctx context.Context, actor Actor, id int64) error {
	return s.Engine.DeleteRecord(ctx, actor.Role, id)
}

func (s Service) AttachmentURL(ctx context.Context, _ Actor, id int64, kind engine.AttachmentKind) (string, error) {
	return s.Engine.AttachmentURL(ctx, id, kind)
}

func (s Service) ListProfiles(ctx context.Context, actor Actor) ([]domain.UserProfile, error) {
	if actor.Role != domain.RoleAdmin {
		return nil, domain.Forbidden("only Admin can list users")
	}
	return s.Repo.ListProfilesWithIdentities(ctx)
}

// SearchProfiles lists the profiles whose email contains query (Admin).
func (s Service) SearchProfiles(ctx context.Context, actor Actor, query string) ([]domain.UserProfile, error) {
	profiles, err := s.ListProfiles(ctx, actor)
	if err != nil {
		return nil, err
	}
	return engine.SearchProfiles(profiles, query), nil
}

// Overview summarizes users and records for an administrator.
func (s Service) Overview(ctx context.Context, actor Actor) (engine.Overview, error) {
	if actor.Role != domain.RoleAdmin {
		return engine.Overview{}, domain.Forbidden("only Admin can view the overview")
	}
	profiles, err := s.Repo.ListProfilesWithIdentities(ctx)
	if err != nil {
		return engine.Overview{}, err
	}
	records, err := s.Repo.ListRecords(ctx)
	if err != nil {
		return engine.Overview{}, err
	}
	return engine.Summarize(records, profiles), nil
}

// UpdateProfile applies an Admin's role or activation change to another user.
func (s Service) UpdateProfile(ctx context.Context, actor Actor, userID string, patch domain.ProfilePatch) (domain.UserProfile, error) {
	if err := checkAdminOnOther(actor, userID); err != nil {
		return domain.UserProfile{}, err
	}
	p, err := s.Repo.UpdateProfile(ctx, userID, patch)
	if !errors.Is(err, domain.ErrNotFound) {
		return p, err
	}
	// identity provisioned without a profile row: create it with the patch applied
	ident, err := s.Repo.IdentityByID(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	seed := domain.UserProfile{ID: ident.ID, Email: ident.Email, Role: domain.RoleUnassigned, Status: domain.ActivationPending}
	if patch.Role != nil {
		seed.Role = *patch.Role
	}
	if patch.Status != nil {
		seed.Status = *patch.Status
	}
	if !seed.Role.Valid() || !seed.Status.Valid() {
		return domain.UserProfile{}, &domain.ValidationError{Field: "profile", Message: fmt.Sprintf("invalid role %q or status %q", seed.Role, seed.Status)}
	}
	return s.Repo.UpsertProfile(ctx, seed)
}

func (s Service) SetRole(ctx context.Context, actor Actor, userID string, role domain.Role) (domain.UserProfile, error) {
	return s.UpdateProfile(ctx, actor, userID, domain.ProfilePatch{Role: &role})
}

func (s Service) ActivateProfile(ctx context.Context, actor Actor, userID string, status domain.Activation) (domain.UserProfile, error) {
	return s.UpdateProfile(ctx, actor, userID, domain.ProfilePatch{Status: &status})
}

// DeleteProfile removes the profile and revokes every session of that identity.
func (s Service) DeleteProfile(ctx context.Context, actor Actor, userID string) error {
	if err := checkAdminOnOther(actor, userID); err != nil {
		return err
	}
	if err := s.Repo.DeleteProfile(ctx, userID); err != nil {
		return err
	}
	return s.Identity.RevokeUser(ctx, userID)
}

func checkAdminOnOther(actor Actor, userID string) error {
	if actor.Role != domain.RoleAdmin {
		return domain.Forbidden("only Admin can manage users")
	}
	if actor.UserID == userID {
		return domain.Forbidden("administrators cannot change their own profile")
	}
	return nil
}
