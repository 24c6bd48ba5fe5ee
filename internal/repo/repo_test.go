package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayleave/internal/db"
	"wayleave/internal/domain"
	"wayleave/internal/events"
	"wayleave/internal/migrate"
	"wayleave/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.New(conn)
}

func sampleRecord(number string, at time.Time) domain.WayleaveRecord {
	return domain.WayleaveRecord{
		WayleaveNumber: number,
		Status:         domain.StatusWaitingForAction,
		Attachment:     domain.Attachment{Name: "plan.pdf", Size: 10, Path: number + "/a.pdf"},
		History:        []domain.HistoryEntry{{Status: domain.StatusWaitingForAction, Timestamp: at, Actor: domain.RolePlanning}},
		CreatedAt:      at,
	}
}

func TestRecordLifecycleWritesChangeFeed(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Date(2024, 7, 20, 10, 0, 0, 0, time.UTC)

	id1, err := r.InsertRecord(ctx, sampleRecord("WL-001", t0))
	require.NoError(t, err)
	id2, err := r.InsertRecord(ctx, sampleRecord("WL-002", t0.Add(time.Hour)))
	require.NoError(t, err)

	list, err := r.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, id2, list[0].ID, "newest creation first")

	status := domain.StatusForwarded
	history := append(list[1].History, domain.HistoryEntry{Status: status, Timestamp: t0.Add(2 * time.Hour), Actor: domain.RoleTSS})
	updated, err := r.UpdateRecord(ctx, id1, domain.RecordPatch{Status: &status, History: history})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusForwarded, updated.Status)
	require.NoError(t, updated.CheckHistory())

	require.NoError(t, r.DeleteRecord(ctx, id2))
	assert.ErrorIs(t, r.DeleteRecord(ctx, id2), domain.ErrNotFound)
	_, err = r.GetRecord(ctx, id2)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	changes, err := events.Poller{DB: r.DB}.After(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, changes, 4)
	assert.Equal(t, domain.ChangeInserted, changes[0].Kind)
	assert.Equal(t, "WL-001", changes[0].Record.WayleaveNumber)
	assert.Equal(t, domain.ChangeUpdated, changes[2].Kind)
	assert.Equal(t, domain.StatusForwarded, changes[2].Record.Status)
	assert.Equal(t, domain.ChangeDeleted, changes[3].Kind)
	assert.Nil(t, changes[3].Record)
	assert.Equal(t, id2, changes[3].RecordID)
}

func TestApprovedAttachmentRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	id, err := r.InsertRecord(ctx, sampleRecord("WL-003", time.Now()))
	require.NoError(t, err)
	got, err := r.UpdateRecord(ctx, id, domain.RecordPatch{ApprovedAttachment: &domain.Attachment{Name: "ok.pdf", Size: 5, Path: "WL-003/b.pdf"}})
	require.NoError(t, err)
	require.NotNil(t, got.ApprovedAttachment)
	assert.Equal(t, "WL-003/b.pdf", got.ApprovedAttachment.Path)
}

func TestProfilesAndIdentities(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CreateIdentity(ctx, repo.Identity{ID: "u1", Email: "a@ewa.bh", PasswordHash: "h"},
		&domain.UserProfile{Role: domain.RoleUnassigned, Status: domain.ActivationPending}))
	err := r.CreateIdentity(ctx, repo.Identity{ID: "u2", Email: "a@ewa.bh", PasswordHash: "h"}, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	p, err := r.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, p.Usable())

	role := domain.RoleTSS
	active := domain.ActivationActive
	updated, err := r.UpdateProfile(ctx, "u1", domain.ProfilePatch{Role: &role, Status: &active})
	require.NoError(t, err)
	assert.True(t, updated.Usable())

	require.NoError(t, r.DeleteProfile(ctx, "u1"))
	p, err = r.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, p)

	all, err := r.ListProfilesWithIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.RoleUnassigned, all[0].Role)
	assert.Equal(t, domain.ActivationPending, all[0].Status)
}

func TestBootstrapGrantIsSpentOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateIdentity(ctx, repo.Identity{ID: "root", Email: "root@ewa.bh", PasswordHash: "h"}, nil))

	seed := domain.UserProfile{ID: "root", Email: "root@ewa.bh"}
	p, ok, err := r.SeedBootstrapAdmin(ctx, seed)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.RoleAdmin, p.Role)
	assert.Equal(t, domain.ActivationActive, p.Status)

	require.NoError(t, r.DeleteProfile(ctx, "root"))
	_, ok, err = r.SeedBootstrapAdmin(ctx, seed)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := r.GetProfile(ctx, "root")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionRotationAndRevocation(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateIdentity(ctx, repo.Identity{ID: "u1", Email: "a@ewa.bh", PasswordHash: "h"}, nil))
	exp := time.Now().Add(time.Hour)
	require.NoError(t, r.InsertSession(ctx, repo.SessionRow{ID: "s1", UserID: "u1", RefreshHash: repo.HashToken("one"), RefreshExpiresAt: exp}))

	assert.ErrorIs(t, r.RotateSession(ctx, "s1", repo.HashToken("wrong"), repo.HashToken("two"), exp), domain.ErrNotFound)
	require.NoError(t, r.RotateSession(ctx, "s1", repo.HashToken("one"), repo.HashToken("two"), exp))

	ids, err := r.RevokeUserSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)
	row, err := r.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, row.Revoked)

	require.NoError(t, r.SaveCurrentSession(ctx, domain.Session{ID: "s1", UserID: "u1"}))
	cur, err := r.LoadCurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "s1", cur.ID)
	require.NoError(t, r.ClearCurrentSession(ctx))
	cur, err = r.LoadCurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestClassifyStoreErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := repo.New(conn)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id,email,role,status,created_at FROM users").
		WillReturnError(errors.New("SQL logic error: no such table: users (1)"))
	_, err = r.GetProfile(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
	assert.True(t, domain.IsInfrastructure(err))

	mock.ExpectQuery("FROM wayleave_records").
		WillReturnError(errors.New("database is locked"))
	_, err = r.ListRecords(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, domain.ErrSchemaMismatch)

	require.NoError(t, mock.ExpectationsWereMet())
}
