package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"wayleave/internal/domain"
)

// Writer appends change-feed rows inside the caller's transaction so the
// feed never disagrees with the committed record state.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind domain.ChangeKind, recordID int64, record *domain.WayleaveRecord) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	var payload any
	if record != nil {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal change payload: %w", err)
		}
		payload = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO record_changes(ts,kind,record_id,payload_json) VALUES (?,?,?,?)`,
		ts, string(kind), recordID, payload)
	return err
}
