package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"wayleave/internal/domain"
	"wayleave/internal/events"
)

// Repo is the sqlite-backed Record Store, Profile Store and identity table access.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var ErrNotFound = domain.ErrNotFound

func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{}, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// classify maps driver errors onto the domain taxonomy. A missing table or
// column means migrations were not applied, which an operator must fix.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	var se *domain.StoreError
	if errors.As(err, &se) || errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrStaleRecord) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.StoreError{Op: op, Kind: domain.ErrStoreUnavailable, Err: err}
	}
	lowered := strings.ToLower(err.Error())
	if strings.Contains(lowered, "no such table") || strings.Contains(lowered, "no such column") || strings.Contains(lowered, "has no column") {
		return &domain.StoreError{Op: op + " (run wl migrate)", Kind: domain.ErrSchemaMismatch, Err: err}
	}
	return &domain.StoreError{Op: op, Kind: domain.ErrStoreUnavailable, Err: err}
}

func (r Repo) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	return classify(op, tx.Commit())
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
