package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"wayleave/internal/domain"
)

// Identity is a credential row owned by the local identity provider.
type Identity struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// SessionRow is the server-side half of an issued session.
type SessionRow struct {
	ID               string
	UserID           string
	RefreshHash      string
	RefreshExpiresAt time.Time
	Revoked          bool
	CreatedAt        time.Time
}

// HashToken returns a stable SHA-256 hex digest for the provided token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// CreateIdentity stores the credential and, when profile is non-nil, its
// profile in the same transaction.
func (r Repo) CreateIdentity(ctx context.Context, ident Identity, profile *domain.UserProfile) error {
	if ident.ID == "" || ident.Email == "" || ident.PasswordHash == "" {
		return errors.New("id, email and password hash required")
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = r.now()
	}
	return r.withTx(ctx, "create identity", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM identities WHERE email=?`, ident.Email).Scan(&exists)
		if err == nil {
			return &domain.ValidationError{Field: "email", Message: "an account with this email already exists"}
		}
		if err != sql.ErrNoRows {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO identities(id,email,password_hash,created_at) VALUES (?,?,?,?)`,
			ident.ID, ident.Email, ident.PasswordHash, formatTime(ident.CreatedAt)); err != nil {
			return err
		}
		if profile == nil {
			return nil
		}
		p := *profile
		p.ID = ident.ID
		p.Email = ident.Email
		p.CreatedAt = ident.CreatedAt
		return r.InsertProfile(ctx, tx, p)
	})
}

func scanIdentity(row rowScanner) (Identity, error) {
	var (
		i         Identity
		createdAt string
	)
	err := row.Scan(&i.ID, &i.Email, &i.PasswordHash, &createdAt)
	i.CreatedAt = parseTime(createdAt)
	return i, err
}

func (r Repo) IdentityByEmail(ctx context.Context, email string) (Identity, error) {
	i, err := scanIdentity(r.DB.QueryRowContext(ctx, `SELECT id,email,password_hash,created_at FROM identities WHERE email=?`, email))
	return i, classify("get identity", err)
}

func (r Repo) IdentityByID(ctx context.Context, id string) (Identity, error) {
	i, err := scanIdentity(r.DB.QueryRowContext(ctx, `SELECT id,email,password_hash,created_at FROM identities WHERE id=?`, id))
	return i, classify("get identity", err)
}

func (r Repo) InsertSession(ctx context.Context, s SessionRow) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,user_id,refresh_hash,refresh_expires_at,revoked,created_at) VALUES (?,?,?,?,0,?)`,
		s.ID, s.UserID, s.RefreshHash, formatTime(s.RefreshExpiresAt), formatTime(s.CreatedAt))
	return classify("insert session", err)
}

func (r Repo) GetSession(ctx context.Context, id string) (SessionRow, error) {
	var (
		s         SessionRow
		expires   string
		createdAt string
		revoked   int
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,refresh_hash,refresh_expires_at,revoked,created_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.UserID, &s.RefreshHash, &expires, &revoked, &createdAt)
	if err != nil {
		return s, classify("get session", err)
	}
	s.RefreshExpiresAt = parseTime(expires)
	s.CreatedAt = parseTime(createdAt)
	s.Revoked = revoked != 0
	return s, nil
}

// RotateSession swaps the refresh secret of a live session.
func (r Repo) RotateSession(ctx context.Context, id, oldHash, newHash string, expires time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET refresh_hash=?, refresh_expires_at=? WHERE id=? AND refresh_hash=? AND revoked=0`,
		newHash, formatTime(expires), id, oldHash)
	if err != nil {
		return classify("rotate session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) RevokeSession(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE sessions SET revoked=1 WHERE id=?`, id)
	return classify("revoke session", err)
}

// RevokeUserSessions revokes every session of userID and returns their ids.
func (r Repo) RevokeUserSessions(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.withTx(ctx, "revoke user sessions", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM sessions WHERE user_id=? AND revoked=0`, userID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET revoked=1 WHERE user_id=?`, userID)
		return err
	})
	return ids, err
}

// LoadCurrentSession returns the persisted client session, nil if none.
func (r Repo) LoadCurrentSession(ctx context.Context) (*domain.Session, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT session_json FROM current_session WHERE slot=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load current session", err)
	}
	var s domain.Session
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r Repo) SaveCurrentSession(ctx context.Context, s domain.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO current_session(slot,session_json,updated_at) VALUES (1,?,?)
ON CONFLICT(slot) DO UPDATE SET session_json=excluded.session_json, updated_at=excluded.updated_at`,
		string(payload), formatTime(r.now()))
	return classify("save current session", err)
}

func (r Repo) ClearCurrentSession(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM current_session`)
	return classify("clear current session", err)
}
