package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"wayleave/internal/domain"
)

func scanProfile(row rowScanner) (domain.UserProfile, error) {
	var (
		p         domain.UserProfile
		role      string
		status    string
		createdAt string
	)
	if err := row.Scan(&p.ID, &p.Email, &role, &status, &createdAt); err != nil {
		return p, err
	}
	p.Role = domain.Role(role)
	p.Status = domain.Activation(status)
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

// GetProfile returns nil, nil when the identity has no profile.
func (r Repo) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	p, err := scanProfile(r.DB.QueryRowContext(ctx, `SELECT id,email,role,status,created_at FROM users WHERE id=?`, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get profile", err)
	}
	return &p, nil
}

func (r Repo) ListProfiles(ctx context.Context) ([]domain.UserProfile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,email,role,status,created_at FROM users ORDER BY created_at ASC, email ASC`)
	if err != nil {
		return nil, classify("list profiles", err)
	}
	defer rows.Close()
	var res []domain.UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, classify("list profiles", err)
		}
		res = append(res, p)
	}
	return res, classify("list profiles", rows.Err())
}

// ListProfilesWithIdentities returns one entry per provisioned identity; an
// identity without a profile row is reported as Unassigned/pending.
func (r Repo) ListProfilesWithIdentities(ctx context.Context) ([]domain.UserProfile, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT i.id, i.email, COALESCE(u.role,'Unassigned'), COALESCE(u.status,'pending'), COALESCE(u.created_at, i.created_at)
FROM identities i LEFT JOIN users u ON u.id = i.id
ORDER BY i.created_at ASC, i.email ASC`)
	if err != nil {
		return nil, classify("list users", err)
	}
	defer rows.Close()
	var res []domain.UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, classify("list users", err)
		}
		res = append(res, p)
	}
	return res, classify("list users", rows.Err())
}

// InsertProfile creates a profile row; tx may be nil.
func (r Repo) InsertProfile(ctx context.Context, tx *sql.Tx, p domain.UserProfile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO users(id,email,role,status,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Email, string(p.Role), string(p.Status), formatTime(p.CreatedAt))
	return classify("insert profile", err)
}

// UpsertProfile writes role and status for userID, creating the row if absent.
func (r Repo) UpsertProfile(ctx context.Context, p domain.UserProfile) (domain.UserProfile, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,email,role,status,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, status=excluded.status`,
		p.ID, p.Email, string(p.Role), string(p.Status), formatTime(p.CreatedAt))
	if err != nil {
		return domain.UserProfile{}, classify("upsert profile", err)
	}
	got, err := r.GetProfile(ctx, p.ID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	if got == nil {
		return domain.UserProfile{}, ErrNotFound
	}
	return *got, nil
}

func (r Repo) UpdateProfile(ctx context.Context, userID string, patch domain.ProfilePatch) (domain.UserProfile, error) {
	var (
		fields []string
		args   []any
	)
	if patch.Role != nil {
		if !patch.Role.Valid() {
			return domain.UserProfile{}, &domain.ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", *patch.Role)}
		}
		fields = append(fields, "role=?")
		args = append(args, string(*patch.Role))
	}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return domain.UserProfile{}, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown activation status %q", *patch.Status)}
		}
		fields = append(fields, "status=?")
		args = append(args, string(*patch.Status))
	}
	if len(fields) > 0 {
		args = append(args, userID)
		res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
		if err != nil {
			return domain.UserProfile{}, classify("update profile", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.UserProfile{}, ErrNotFound
		}
	}
	p, err := r.GetProfile(ctx, userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	if p == nil {
		return domain.UserProfile{}, ErrNotFound
	}
	return *p, nil
}

// SeedBootstrapAdmin provisions p as the bootstrap administrator unless the
// workspace already spent its one grant; ok is false in that case.
func (r Repo) SeedBootstrapAdmin(ctx context.Context, p domain.UserProfile) (seeded domain.UserProfile, ok bool, err error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	err = r.withTx(ctx, "seed bootstrap admin", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO bootstrap_grant(slot,user_id,email,granted_at) VALUES (1,?,?,?) ON CONFLICT(slot) DO NOTHING`,
			p.ID, p.Email, formatTime(p.CreatedAt))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO users(id,email,role,status,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, status=excluded.status`,
			p.ID, p.Email, string(domain.RoleAdmin), string(domain.ActivationActive), formatTime(p.CreatedAt)); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil || !ok {
		return domain.UserProfile{}, false, err
	}
	got, err := r.GetProfile(ctx, p.ID)
	if err != nil {
		return domain.UserProfile{}, false, err
	}
	if got == nil {
		return domain.UserProfile{}, false, ErrNotFound
	}
	return *got, true, nil
}

// DeleteProfile removes the profile only; the identity stays so a later login
// is rejected as not provisioned. The bootstrap grant is never re-issued.
func (r Repo) DeleteProfile(ctx context.Context, userID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM users WHERE id=?`, userID)
	if err != nil {
		return classify("delete profile", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
