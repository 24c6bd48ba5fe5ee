package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"wayleave/internal/domain"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollBatch    = 100
)

// Poller turns record_changes rows into a stream of domain.Change values.
type Poller struct {
	DB       *sql.DB
	Interval time.Duration
	Batch    int
	Logger   *log.Logger
}

func (p Poller) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

// Latest returns the newest change sequence, 0 for an empty feed.
func (p Poller) Latest(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := p.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM record_changes`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// After returns up to limit changes with seq greater than cursor, oldest first.
func (p Poller) After(ctx context.Context, cursor int64, limit int) ([]domain.Change, error) {
	if limit <= 0 {
		limit = defaultPollBatch
	}
	rows, err := p.DB.QueryContext(ctx, `SELECT seq,kind,record_id,payload_json FROM record_changes WHERE seq > ? ORDER BY seq ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Change
	for rows.Next() {
		var (
			c       domain.Change
			kind    string
			payload sql.NullString
		)
		if err := rows.Scan(&c.Seq, &kind, &c.RecordID, &payload); err != nil {
			return nil, err
		}
		c.Kind = domain.ChangeKind(kind)
		if payload.Valid && payload.String != "" {
			var rec domain.WayleaveRecord
			if err := json.Unmarshal([]byte(payload.String), &rec); err != nil {
				return nil, fmt.Errorf("change %d payload: %w", c.Seq, err)
			}
			c.Record = &rec
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// Run delivers every change after cursor to out until ctx ends. A failed poll
// is logged and retried on the next tick; the cursor only advances past
// changes that were handed to out.
func (p Poller) Run(ctx context.Context, cursor int64, out chan<- domain.Change) {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cursor = p.drain(ctx, cursor, out)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p Poller) drain(ctx context.Context, cursor int64, out chan<- domain.Change) int64 {
	for {
		batch, err := p.After(ctx, cursor, p.Batch)
		if err != nil {
			if ctx.Err() == nil {
				p.logger().Printf("feed: poll after %d failed: %v", cursor, err)
			}
			return cursor
		}
		for _, c := range batch {
			select {
			case out <- c:
				cursor = c.Seq
			case <-ctx.Done():
				return cursor
			}
		}
		if len(batch) < p.batch() {
			return cursor
		}
	}
}

func (p Poller) batch() int {
	if p.Batch <= 0 {
		return defaultPollBatch
	}
	return p.Batch
}

// Subscribe starts a poller from the current end of the feed. The channel is
// closed when ctx ends.
func (p Poller) Subscribe(ctx context.Context) (<-chan domain.Change, error) {
	cursor, err := p.Latest(ctx)
	if err != nil {
		return nil, err
	}
	return p.SubscribeFrom(ctx, cursor), nil
}

// SubscribeFrom starts a poller from an explicit cursor.
func (p Poller) SubscribeFrom(ctx context.Context, cursor int64) <-chan domain.Change {
	ch := make(chan domain.Change, p.batch())
	go func() {
		defer close(ch)
		p.Run(ctx, cursor, ch)
	}()
	return ch
}
