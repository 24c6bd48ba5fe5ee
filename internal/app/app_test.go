package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayleave/internal/app"
	"wayleave/internal/config"
	"wayleave/internal/db"
	"wayleave/internal/domain"
	"wayleave/internal/migrate"
)

const password = "secret1"

type fixture struct {
	App   *app.App
	Ctx   context.Context
	Users map[string]string // email -> user id
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, conn.Close())

	cfg := config.Default()
	cfg.Auth.BootstrapEmail = "admin@ewa.bh"
	cfg.Auth.AllowedEmailDomain = "@ewa.bh"
	cfg.Feed.PollInterval = 10 * time.Millisecond
	ctx := context.Background()
	a, err := app.Open(ctx, ws, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	users := map[string]string{}
	for _, email := range []string{"admin@ewa.bh", "planner@ewa.bh", "tss@ewa.bh", "edd@ewa.bh"} {
		id, err := a.SignUp(ctx, email, password, password)
		require.NoError(t, err)
		users[email] = id
	}
	f := fixture{App: a, Ctx: ctx, Users: users}

	f.login(t, "admin@ewa.bh")
	for email, role := range map[string]domain.Role{"planner@ewa.bh": domain.RolePlanning, "tss@ewa.bh": domain.RoleTSS, "edd@ewa.bh": domain.RoleEDD} {
		_, err := a.SetRole(ctx, users[email], role)
		require.NoError(t, err)
		p, err := a.ActivateProfile(ctx, users[email], domain.ActivationActive)
		require.NoError(t, err)
		require.True(t, p.Usable())
	}
	require.NoError(t, a.Logout(ctx))
	return f
}

func (f fixture) login(t *testing.T, email string) domain.Role {
	t.Helper()
	_, role, err := f.App.Login(f.Ctx, email, password)
	require.NoError(t, err)
	return role
}

func TestBootstrapAdminAndProfileManagement(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, domain.RoleAdmin, f.login(t, "admin@ewa.bh"))

	profiles, err := f.App.ListProfiles(f.Ctx)
	require.NoError(t, err)
	assert.Len(t, profiles, 4)

	_, err = f.App.SetRole(f.Ctx, f.Users["admin@ewa.bh"], domain.RoleTSS)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized, "self-mutation is refused")
	assert.ErrorIs(t, f.App.DeleteProfile(f.Ctx, f.Users["admin@ewa.bh"]), domain.ErrNotAuthorized)

	require.NoError(t, f.App.DeleteProfile(f.Ctx, f.Users["tss@ewa.bh"]))
	require.NoError(t, f.App.Logout(f.Ctx))

	_, _, err = f.App.Login(f.Ctx, "tss@ewa.bh", password)
	var ae *domain.AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, domain.ReasonNotProvisioned, ae.Reason)
	assert.Nil(t, f.App.CurrentSession())

	f.login(t, "planner@ewa.bh")
	_, err = f.App.ListProfiles(f.Ctx)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestDeletedBootstrapAdminStaysLockedOut(t *testing.T) {
	f := newFixture(t)
	f.login(t, "admin@ewa.bh")
	_, err := f.App.SetRole(f.Ctx, f.Users["planner@ewa.bh"], domain.RoleAdmin)
	require.NoError(t, err)
	require.NoError(t, f.App.Logout(f.Ctx))

	assert.Equal(t, domain.RoleAdmin, f.login(t, "planner@ewa.bh"))
	require.NoError(t, f.App.DeleteProfile(f.Ctx, f.Users["admin@ewa.bh"]))
	require.NoError(t, f.App.Logout(f.Ctx))

	_, _, err = f.App.Login(f.Ctx, "admin@ewa.bh", password)
	var ae *domain.AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, domain.ReasonNotProvisioned, ae.Reason)
	assert.Nil(t, f.App.CurrentSession())
}

func TestRevalidateSeesRevocationMadeElsewhere(t *testing.T) {
	f := newFixture(t)
	f.login(t, "tss@ewa.bh")
	require.NoError(t, f.App.Revalidate(f.Ctx))

	// a second process deletes the profile without any in-process event
	require.NoError(t, f.App.Repo.DeleteProfile(f.Ctx, f.Users["tss@ewa.bh"]))
	err := f.App.Revalidate(f.Ctx)
	var ae *domain.AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, domain.ReasonNotProvisioned, ae.Reason)
	assert.Nil(t, f.App.CurrentSession())
	_, err = f.App.VisibleRecords(f.Ctx)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestSearchAndOverview(t *testing.T) {
	f := newFixture(t)
	_, err := f.App.SignUp(f.Ctx, "late@ewa.bh", password, password)
	require.NoError(t, err)

	f.login(t, "planner@ewa.bh")
	for _, n := range []string{"WL-100", "WL-101", "EWA-7"} {
		_, err := f.App.CreateRecord(f.Ctx, n, &domain.Upload{Name: "a.pdf", Data: []byte("a")})
		require.NoError(t, err)
	}
	found, err := f.App.SearchRecords(f.Ctx, "wl-10")
	require.NoError(t, err)
	assert.Len(t, found, 2)
	_, err = f.App.Overview(f.Ctx)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	require.NoError(t, f.App.Logout(f.Ctx))

	f.login(t, "admin@ewa.bh")
	o, err := f.App.Overview(f.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, o.TotalUsers)
	assert.Equal(t, 1, o.PendingUsers)
	assert.Equal(t, 3, o.TotalRecords)
	assert.Equal(t, 3, o.InProgress)
	assert.Equal(t, 0, o.Completed)

	users, err := f.App.SearchProfiles(f.Ctx, "LATE")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "late@ewa.bh", users[0].Email)
}

func TestPendingLoginIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.App.SignUp(f.Ctx, "new@ewa.bh", password, password)
	require.NoError(t, err)
	_, _, err = f.App.Login(f.Ctx, "new@ewa.bh", password)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	assert.Nil(t, f.App.CurrentSession())
	_, ok := f.App.CurrentRole()
	assert.False(t, ok)

	_, err = f.App.VisibleRecords(f.Ctx)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestWorkflowThroughFacade(t *testing.T) {
	f := newFixture(t)
	ctx := f.Ctx

	f.login(t, "planner@ewa.bh")
	rec, err := f.App.CreateRecord(ctx, "WL-001", &domain.Upload{Name: "A.pdf", Data: []byte("a")})
	require.NoError(t, err)
	assert.Empty(t, f.App.AvailableTransitions(rec.Status))
	require.NoError(t, f.App.Logout(ctx))

	f.login(t, "tss@ewa.bh")
	pending, err := f.App.PendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []domain.Status{domain.StatusForwarded}, f.App.AvailableTransitions(rec.Status))

	rec, err = f.App.ApplyTransition(ctx, rec.ID, domain.StatusForwarded, nil)
	require.NoError(t, err)
	_, err = f.App.ApplyTransition(ctx, rec.ID, domain.StatusPendingFinalReview, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
	rec, err = f.App.ApplyTransition(ctx, rec.ID, domain.StatusPendingFinalReview, &domain.Upload{Name: "B.pdf", Data: []byte("b")})
	require.NoError(t, err)
	require.NoError(t, f.App.Logout(ctx))

	f.login(t, "edd@ewa.bh")
	rec, err = f.App.ApplyTransition(ctx, rec.ID, domain.StatusCompleted, nil)
	require.NoError(t, err)
	assert.Len(t, rec.History, 4)
	url, err := f.App.AttachmentURL(ctx, rec.ID, "approved")
	require.NoError(t, err)
	assert.Contains(t, url, "/attachments/")
	assert.ErrorIs(t, f.App.DeleteRecord(ctx, rec.ID), domain.ErrNotAuthorized)
	require.NoError(t, f.App.Logout(ctx))

	f.login(t, "admin@ewa.bh")
	rec, err = f.App.UpdateRecordNumber(ctx, rec.ID, "WL-001A")
	require.NoError(t, err)
	assert.Equal(t, "WL-001A", rec.WayleaveNumber)
	require.NoError(t, f.App.DeleteRecord(ctx, rec.ID))
	records, err := f.App.VisibleRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestInitialCheckRestoresPersistedSession(t *testing.T) {
	f := newFixture(t)
	f.login(t, "tss@ewa.bh")

	ctx, cancel := context.WithCancel(f.Ctx)
	defer cancel()
	restarted := app.New(f.App.DB, ".", f.App.Config)
	require.NoError(t, restarted.Start(ctx))
	role, ok := restarted.CurrentRole()
	require.True(t, ok)
	assert.Equal(t, domain.RoleTSS, role)
}

func TestLiveCacheFollowsWrites(t *testing.T) {
	f := newFixture(t)
	f.login(t, "planner@ewa.bh")
	ctx, cancel := context.WithCancel(f.Ctx)
	defer cancel()

	watch, err := f.App.WatchRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, <-watch)

	rec, err := f.App.CreateRecord(ctx, "WL-100", &domain.Upload{Name: "a.pdf", Data: []byte("a")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		records, err := f.App.VisibleRecords(ctx)
		return err == nil && len(records) == 1 && records[0].ID == rec.ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenRejectsUnmigratedWorkspace(t *testing.T) {
	_, err := app.Open(context.Background(), t.TempDir(), config.Default())
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
}
