package auth

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"wayleave/internal/domain"
	"wayleave/internal/identity"
	"wayleave/internal/obs"
)

// IdentityProvider issues and ends sessions.
type IdentityProvider interface {
	SignInWithPassword(ctx context.Context, email, password string) (domain.Session, error)
	SignOut(ctx context.Context) error
	GetCurrentSession(ctx context.Context) (*domain.Session, error)
}

// ProfileStore holds one authorization profile per identity.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error)
	// SeedBootstrapAdmin provisions p as Admin/active once per workspace;
	// ok is false when the grant was already used.
	SeedBootstrapAdmin(ctx context.Context, p domain.UserProfile) (domain.UserProfile, bool, error)
}

// ValidateProfile reports why a session backed by p is not usable, or nil.
func ValidateProfile(p *domain.UserProfile) error {
	switch {
	case p == nil:
		return &domain.AuthError{Reason: domain.ReasonNotProvisioned}
	case p.Status != domain.ActivationActive:
		return &domain.AuthError{Reason: domain.ReasonNotActivated}
	case !p.Role.Assigned():
		return &domain.AuthError{Reason: domain.ReasonNoRoleAssigned}
	}
	return nil
}

// Authorize fetches and validates the profile of userID. It is the stateless
// form of full validation used per request by the HTTP server.
func Authorize(ctx context.Context, profiles ProfileStore, userID string) (domain.UserProfile, error) {
	p, err := profiles.GetProfile(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	if err := ValidateProfile(p); err != nil {
		countRejection(err)
		return domain.UserProfile{}, err
	}
	return *p, nil
}

// Admit is the login-time validation of a fresh session. The bootstrap
// email is provisioned Admin/active when it has no profile and the
// workspace has not used its bootstrap grant; otherwise it is validated
// like any other.
func Admit(ctx context.Context, profiles ProfileStore, bootstrapEmail string, sess domain.Session, logger *log.Logger) (domain.UserProfile, error) {
	profile, err := profiles.GetProfile(ctx, sess.UserID)
	if err != nil {
		countRejection(err)
		return domain.UserProfile{}, err
	}
	if profile == nil && isBootstrap(bootstrapEmail, sess.Email) {
		seeded, ok, err := profiles.SeedBootstrapAdmin(ctx, domain.UserProfile{
			ID: sess.UserID, Email: identity.NormalizeEmail(sess.Email), Role: domain.RoleAdmin, Status: domain.ActivationActive,
		})
		if err != nil {
			return domain.UserProfile{}, err
		}
		if ok {
			if logger != nil {
				logger.Printf("auth: bootstrap administrator %s provisioned", seeded.Email)
			}
			profile = &seeded
		}
	}
	if err := ValidateProfile(profile); err != nil {
		countRejection(err)
		return domain.UserProfile{}, err
	}
	return *profile, nil
}

// Reconciler owns the (session, role) pair of this process. Every entry
// point holds mu for its whole run, so handlers never interleave.
type Reconciler struct {
	Identity       IdentityProvider
	Profiles       ProfileStore
	BootstrapEmail string
	AllowedDomain  string
	Logger         *log.Logger

	mu      sync.Mutex
	session *domain.Session
	role    domain.Role
}

func (r *Reconciler) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// CurrentRole returns the cached role, false when unauthenticated.
func (r *Reconciler) CurrentRole() (domain.Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return "", false
	}
	return r.role, true
}

// CurrentSession returns a copy of the cached session, nil when unauthenticated.
func (r *Reconciler) CurrentSession() *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	s := *r.session
	return &s
}

// Require returns the cached role or a NoSession error.
func (r *Reconciler) Require() (domain.Role, *domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return "", nil, &domain.AuthError{Reason: domain.ReasonNoSession}
	}
	s := *r.session
	return r.role, &s, nil
}

// InitialCheck validates the provider's current session at process start.
// A session that fails validation is signed out and its reason returned.
func (r *Reconciler) InitialCheck(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clear()
	sess, err := r.Identity.GetCurrentSession(ctx)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	return r.validate(ctx, *sess)
}

// SignIn authenticates and installs the freshly fetched profile as the
// authoritative role for the new session. Validation failures sign the
// session out again and are returned as *domain.AuthError.
func (r *Reconciler) SignIn(ctx context.Context, email, password string) (domain.Session, domain.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	email = identity.NormalizeEmail(email)
	if d := strings.ToLower(r.AllowedDomain); d != "" && !strings.HasSuffix(email, d) {
		return domain.Session{}, "", &domain.ValidationError{Field: "email", Message: "only " + d + " email addresses are allowed"}
	}
	sess, err := r.Identity.SignInWithPassword(ctx, email, password)
	if err != nil {
		return domain.Session{}, "", err
	}
	profile, err := Admit(ctx, r.Profiles, r.BootstrapEmail, sess, r.logger())
	if err != nil {
		r.forceSignOut(ctx)
		return domain.Session{}, "", err
	}
	r.session = &sess
	r.role = profile.Role
	return sess, profile.Role, nil
}

// SignOut clears local state before asking the provider to end the session.
func (r *Reconciler) SignOut(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clear()
	return r.Identity.SignOut(ctx)
}

// Handle applies one asynchronous identity event. Validation failures are
// never returned; they end in a forced sign-out.
func (r *Reconciler) Handle(ctx context.Context, ev identity.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case ev.Kind == identity.SignedIn:
		// explicit SignIn is the sole authority for this transition
	case ev.Kind == identity.SignedOut:
		r.clear()
	case ev.Kind == identity.UserDeleted:
		if r.session != nil && r.session.UserID == ev.UserID {
			r.clear()
		}
	case ev.Session == nil:
		r.clear()
	case r.session == nil || r.session.UserID != ev.Session.UserID:
		if err := r.validate(ctx, *ev.Session); err != nil {
			r.logger().Printf("auth: %s for user %s rejected: %v", ev.Kind, ev.Session.UserID, err)
		}
	case ev.Kind == identity.TokenRefreshed:
		s := *ev.Session
		r.session = &s
	}
}

// Run handles events until ctx ends or events is closed.
func (r *Reconciler) Run(ctx context.Context, events <-chan identity.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ctx, ev)
		}
	}
}

// validate runs full validation for sess with mu held.
func (r *Reconciler) validate(ctx context.Context, sess domain.Session) error {
	profile, err := r.Profiles.GetProfile(ctx, sess.UserID)
	if err == nil {
		err = ValidateProfile(profile)
	}
	if err != nil {
		countRejection(err)
		r.forceSignOut(ctx)
		return err
	}
	r.session = &sess
	r.role = profile.Role
	return nil
}

func (r *Reconciler) forceSignOut(ctx context.Context) {
	r.clear()
	if err := r.Identity.SignOut(ctx); err != nil {
		r.logger().Printf("auth: forced sign-out failed: %v", err)
	}
}

func (r *Reconciler) clear() {
	r.session = nil
	r.role = ""
}

func isBootstrap(bootstrapEmail, email string) bool {
	b := identity.NormalizeEmail(bootstrapEmail)
	return b != "" && b == identity.NormalizeEmail(email)
}

func countRejection(err error) {
	var ae *domain.AuthError
	if errors.As(err, &ae) {
		obs.AuthRejectionsTotal.WithLabelValues(string(ae.Reason)).Inc()
		return
	}
	obs.AuthRejectionsTotal.WithLabelValues("error").Inc()
}
