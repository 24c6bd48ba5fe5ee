package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"wayleave/internal/domain"
)

const recordColumns = `id,wayleave_number,status,history_json,attachment_name,attachment_size,attachment_path,
approved_attachment_name,approved_attachment_size,approved_attachment_path,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.WayleaveRecord, error) {
	var (
		rec         domain.WayleaveRecord
		status      string
		historyJSON string
		createdAt   string
		apName      sql.NullString
		apSize      sql.NullInt64
		apPath      sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.WayleaveNumber, &status, &historyJSON,
		&rec.Attachment.Name, &rec.Attachment.Size, &rec.Attachment.Path,
		&apName, &apSize, &apPath, &createdAt)
	if err != nil {
		return rec, err
	}
	rec.Status = domain.Status(status)
	rec.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(historyJSON), &rec.History); err != nil {
		return rec, fmt.Errorf("record %d history: %w", rec.ID, err)
	}
	if apName.Valid && apPath.Valid && apPath.String != "" {
		rec.ApprovedAttachment = &domain.Attachment{Name: apName.String, Size: apSize.Int64, Path: apPath.String}
	}
	return rec, nil
}

// InsertRecord stores a new record and returns its store-assigned id.
func (r Repo) InsertRecord(ctx context.Context, rec domain.WayleaveRecord) (int64, error) {
	history, err := json.Marshal(rec.History)
	if err != nil {
		return 0, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	var id int64
	err = r.withTx(ctx, "insert record", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO wayleave_records(wayleave_number,status,history_json,attachment_name,attachment_size,attachment_path,created_at)
VALUES (?,?,?,?,?,?,?)`,
			rec.WayleaveNumber, string(rec.Status), string(history),
			rec.Attachment.Name, rec.Attachment.Size, rec.Attachment.Path, formatTime(rec.CreatedAt))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		rec.ID = id
		return r.Events.Append(ctx, tx, domain.ChangeInserted, id, &rec)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) GetRecord(ctx context.Context, id int64) (domain.WayleaveRecord, error) {
	rec, err := scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM wayleave_records WHERE id=?`, id))
	if err != nil {
		return rec, classify("get record", err)
	}
	return rec, nil
}

// ListRecords returns all records, newest creation first.
func (r Repo) ListRecords(ctx context.Context) ([]domain.WayleaveRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+recordColumns+` FROM wayleave_records ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, classify("list records", err)
	}
	defer rows.Close()
	var res []domain.WayleaveRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify("list records", err)
		}
		res = append(res, rec)
	}
	return res, classify("list records", rows.Err())
}

// UpdateRecord applies patch to record id and returns the stored result.
func (r Repo) UpdateRecord(ctx context.Context, id int64, patch domain.RecordPatch) (domain.WayleaveRecord, error) {
	var out domain.WayleaveRecord
	err := r.withTx(ctx, "update record", func(tx *sql.Tx) error {
		var (
			fields []string
			args   []any
		)
		if patch.WayleaveNumber != nil {
			fields = append(fields, "wayleave_number=?")
			args = append(args, *patch.WayleaveNumber)
		}
		if patch.Status != nil {
			fields = append(fields, "status=?")
			args = append(args, string(*patch.Status))
		}
		if patch.History != nil {
			history, err := json.Marshal(patch.History)
			if err != nil {
				return err
			}
			fields = append(fields, "history_json=?")
			args = append(args, string(history))
		}
		if patch.ApprovedAttachment != nil {
			fields = append(fields, "approved_attachment_name=?", "approved_attachment_size=?", "approved_attachment_path=?")
			args = append(args, patch.ApprovedAttachment.Name, patch.ApprovedAttachment.Size, patch.ApprovedAttachment.Path)
		}
		if len(fields) > 0 {
			where := "id=?"
			args = append(args, id)
			if patch.Expect != nil {
				where += " AND status=? AND json_array_length(history_json)=?"
				args = append(args, string(patch.Expect.Status), patch.Expect.HistoryLen)
				if patch.ApprovedAttachment != nil {
					where += " AND approved_attachment_path IS NULL"
				}
			}
			res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE wayleave_records SET %s WHERE %s`, strings.Join(fields, ","), where), args...)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return missingOrStale(ctx, tx, id, patch.Expect != nil)
			}
		}
		rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM wayleave_records WHERE id=?`, id))
		if err != nil {
			return err
		}
		out = rec
		if len(fields) == 0 {
			return nil
		}
		return r.Events.Append(ctx, tx, domain.ChangeUpdated, id, &rec)
	})
	return out, err
}

// missingOrStale explains an UPDATE that matched no row.
func missingOrStale(ctx context.Context, tx *sql.Tx, id int64, conditional bool) error {
	if !conditional {
		return ErrNotFound
	}
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM wayleave_records WHERE id=?`, id).Scan(&one)
	if err != nil {
		return err
	}
	return domain.ErrStaleRecord
}

// DeleteRecord removes the row; attachments are the caller's concern.
func (r Repo) DeleteRecord(ctx context.Context, id int64) error {
	return r.withTx(ctx, "delete record", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM wayleave_records WHERE id=?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return r.Events.Append(ctx, tx, domain.ChangeDeleted, id, nil)
	})
}
