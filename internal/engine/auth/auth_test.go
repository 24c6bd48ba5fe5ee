package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayleave/internal/domain"
	"wayleave/internal/engine/auth"
	"wayleave/internal/identity"
)

type fakeIdentity struct {
	users    map[string]string // email -> user id
	current  *domain.Session
	signOuts int
	seq      int
}

func (f *fakeIdentity) SignInWithPassword(_ context.Context, email, password string) (domain.Session, error) {
	id, ok := f.users[email]
	if !ok || password != "secret1" {
		return domain.Session{}, &domain.AuthError{Reason: domain.ReasonBadCredentials}
	}
	f.seq++
	s := domain.Session{ID: id + "-s", UserID: id, Email: email, AccessToken: "tok-" + string(rune('0'+f.seq))}
	f.current = &s
	return s, nil
}

func (f *fakeIdentity) SignOut(context.Context) error {
	f.signOuts++
	f.current = nil
	return nil
}

func (f *fakeIdentity) GetCurrentSession(context.Context) (*domain.Session, error) {
	return f.current, nil
}

type fakeProfiles struct {
	profiles map[string]*domain.UserProfile
	upserts  int
	granted  bool
	err      error
}

func (f *fakeProfiles) GetProfile(_ context.Context, id string) (*domain.UserProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProfiles) SeedBootstrapAdmin(_ context.Context, p domain.UserProfile) (domain.UserProfile, bool, error) {
	if f.granted {
		return domain.UserProfile{}, false, nil
	}
	f.granted = true
	f.upserts++
	f.profiles[p.ID] = &p
	return p, true, nil
}

func newReconciler() (*auth.Reconciler, *fakeIdentity, *fakeProfiles) {
	idp := &fakeIdentity{users: map[string]string{
		"root@ewa.bh":    "u-root",
		"tss@ewa.bh":     "u-tss",
		"pending@ewa.bh": "u-pending",
		"bare@ewa.bh":    "u-bare",
		"edd@ewa.bh":     "u-edd",
	}}
	profiles := &fakeProfiles{profiles: map[string]*domain.UserProfile{
		"u-tss":     {ID: "u-tss", Role: domain.RoleTSS, Status: domain.ActivationActive},
		"u-pending": {ID: "u-pending", Role: domain.RoleTSS, Status: domain.ActivationPending},
		"u-bare":    {ID: "u-bare", Role: domain.RoleUnassigned, Status: domain.ActivationActive},
		"u-edd":     {ID: "u-edd", Role: domain.RoleEDD, Status: domain.ActivationActive},
	}}
	r := &auth.Reconciler{Identity: idp, Profiles: profiles, BootstrapEmail: "Root@ewa.bh", AllowedDomain: "@ewa.bh"}
	return r, idp, profiles
}

func reason(t *testing.T, err error) domain.AuthReason {
	t.Helper()
	var ae *domain.AuthError
	require.True(t, errors.As(err, &ae), "expected *AuthError, got %v", err)
	return ae.Reason
}

func TestSignInValidatesProfile(t *testing.T) {
	ctx := context.Background()
	cases := map[string]domain.AuthReason{
		"pending@ewa.bh": domain.ReasonNotActivated,
		"bare@ewa.bh":    domain.ReasonNoRoleAssigned,
	}
	for email, want := range cases {
		r, idp, _ := newReconciler()
		_, _, err := r.SignIn(ctx, email, "secret1")
		assert.ErrorIs(t, err, domain.ErrNotAuthorized)
		assert.Equal(t, want, reason(t, err))
		assert.Nil(t, r.CurrentSession(), "no session cached for %s", email)
		assert.Nil(t, idp.current, "provider session signed out for %s", email)
	}

	r, _, _ := newReconciler()
	delete(r.Profiles.(*fakeProfiles).profiles, "u-edd")
	_, _, err := r.SignIn(ctx, "edd@ewa.bh", "secret1")
	assert.Equal(t, domain.ReasonNotProvisioned, reason(t, err))
}

func TestSignInRejectsForeignDomainBeforeProvider(t *testing.T) {
	r, idp, _ := newReconciler()
	_, _, err := r.SignIn(context.Background(), "x@gmail.com", "secret1")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 0, idp.seq)
}

func TestBootstrapRunsOnce(t *testing.T) {
	ctx := context.Background()
	r, _, profiles := newReconciler()

	_, role, err := r.SignIn(ctx, "root@ewa.bh", "secret1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, role)
	assert.Equal(t, domain.ActivationActive, profiles.profiles["u-root"].Status)
	assert.Equal(t, 1, profiles.upserts)

	require.NoError(t, r.SignOut(ctx))
	_, role, err = r.SignIn(ctx, "root@ewa.bh", "secret1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, role)
	assert.Equal(t, 1, profiles.upserts, "bootstrap must not re-run once a profile exists")
}

func TestDeletedBootstrapAdminIsNotReseeded(t *testing.T) {
	ctx := context.Background()
	r, idp, profiles := newReconciler()

	_, role, err := r.SignIn(ctx, "root@ewa.bh", "secret1")
	require.NoError(t, err)
	require.Equal(t, domain.RoleAdmin, role)
	require.NoError(t, r.SignOut(ctx))

	delete(profiles.profiles, "u-root")
	_, _, err = r.SignIn(ctx, "root@ewa.bh", "secret1")
	assert.Equal(t, domain.ReasonNotProvisioned, reason(t, err))
	assert.Nil(t, idp.current)
	assert.Equal(t, 1, profiles.upserts)
}

func TestSignedInEventIgnored(t *testing.T) {
	ctx := context.Background()
	r, _, profiles := newReconciler()
	sess, role, err := r.SignIn(ctx, "tss@ewa.bh", "secret1")
	require.NoError(t, err)
	require.Equal(t, domain.RoleTSS, role)

	// a stale read racing the login must not overwrite the authoritative role
	profiles.profiles["u-tss"].Role = domain.RoleUnassigned
	r.Handle(ctx, identity.Event{Kind: identity.SignedIn, Session: &sess})
	got, ok := r.CurrentRole()
	assert.True(t, ok)
	assert.Equal(t, domain.RoleTSS, got)
}

func TestTokenRefreshedKeepsRole(t *testing.T) {
	ctx := context.Background()
	r, _, profiles := newReconciler()
	sess, _, err := r.SignIn(ctx, "tss@ewa.bh", "secret1")
	require.NoError(t, err)

	profiles.profiles["u-tss"].Role = domain.RoleEDD
	refreshed := sess
	refreshed.AccessToken = "tok-refreshed"
	r.Handle(ctx, identity.Event{Kind: identity.TokenRefreshed, Session: &refreshed})
	r.Handle(ctx, identity.Event{Kind: identity.TokenRefreshed, Session: &refreshed})

	role, _ := r.CurrentRole()
	assert.Equal(t, domain.RoleTSS, role)
	assert.Equal(t, "tok-refreshed", r.CurrentSession().AccessToken)
}

func TestEventsWithoutSessionClearState(t *testing.T) {
	ctx := context.Background()
	for _, ev := range []identity.Event{
		{Kind: identity.SignedOut},
		{Kind: identity.SignedOut},
		{Kind: identity.InitialSession},
		{Kind: identity.UserDeleted, UserID: "u-tss"},
	} {
		r, _, _ := newReconciler()
		_, _, err := r.SignIn(ctx, "tss@ewa.bh", "secret1")
		require.NoError(t, err)
		r.Handle(ctx, ev)
		r.Handle(ctx, ev)
		_, ok := r.CurrentRole()
		assert.False(t, ok, "%s should clear state", ev.Kind)
	}

	r, _, _ := newReconciler()
	_, _, err := r.SignIn(ctx, "tss@ewa.bh", "secret1")
	require.NoError(t, err)
	r.Handle(ctx, identity.Event{Kind: identity.UserDeleted, UserID: "someone-else"})
	_, ok := r.CurrentRole()
	assert.True(t, ok)
}

func TestNewIdentityEventRunsFullValidation(t *testing.T) {
	ctx := context.Background()
	r, idp, _ := newReconciler()

	r.Handle(ctx, identity.Event{Kind: identity.InitialSession, Session: &domain.Session{ID: "s", UserID: "u-edd"}})
	role, ok := r.CurrentRole()
	require.True(t, ok)
	assert.Equal(t, domain.RoleEDD, role)

	idp.current = &domain.Session{ID: "s2", UserID: "u-pending"}
	r.Handle(ctx, identity.Event{Kind: identity.TokenRefreshed, Session: idp.current})
	_, ok = r.CurrentRole()
	assert.False(t, ok, "invalid profile forces sign-out")
	assert.Nil(t, idp.current)
	assert.Equal(t, 1, idp.signOuts)
}

func TestInitialCheck(t *testing.T) {
	ctx := context.Background()
	r, idp, profiles := newReconciler()
	require.NoError(t, r.InitialCheck(ctx))
	assert.Nil(t, r.CurrentSession())

	idp.current = &domain.Session{ID: "s", UserID: "u-tss"}
	require.NoError(t, r.InitialCheck(ctx))
	role, ok := r.CurrentRole()
	require.True(t, ok)
	assert.Equal(t, domain.RoleTSS, role)

	profiles.err = &domain.StoreError{Op: "get profile", Kind: domain.ErrStoreUnavailable, Err: errors.New("down")}
	err := r.InitialCheck(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Nil(t, r.CurrentSession())
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	r, _, _ := newReconciler()
	ch := make(chan identity.Event, 2)
	ch <- identity.Event{Kind: identity.InitialSession, Session: &domain.Session{ID: "s", UserID: "u-tss"}}
	close(ch)
	r.Run(context.Background(), ch)
	role, ok := r.CurrentRole()
	require.True(t, ok)
	assert.Equal(t, domain.RoleTSS, role)
}

func TestAuthorize(t *testing.T) {
	_, _, profiles := newReconciler()
	p, err := auth.Authorize(context.Background(), profiles, "u-edd")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleEDD, p.Role)
	_, err = auth.Authorize(context.Background(), profiles, "u-bare")
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}
