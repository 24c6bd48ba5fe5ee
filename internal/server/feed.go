package server

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"wayleave/internal/domain"
	"wayleave/internal/engine/auth"
	"wayleave/internal/obs"
)

const (
	feedWriteTimeout = 5 * time.Second
	// feedRecheck bounds how long a revoked session keeps an idle feed open.
	feedRecheck = 5 * time.Second
)

// FeedHello is the first message on a feed connection. Cursor is the
// sequence the stream resumes after.
type FeedHello struct {
	Kind   string `json:"kind"`
	Cursor int64  `json:"cursor"`
}

// registerFeed streams record changes over a websocket. A client that
// reconnects passes ?since=<seq> to resume without gaps. The caller's
// session and profile are validated again before every change and on a
// ticker, so a revoked or demoted user is cut off.
func registerFeed(r chi.Router, basePath string, cfg Config) {
	recheck := cfg.FeedRecheck
	if recheck <= 0 {
		recheck = feedRecheck
	}
	r.Get(path.Join(basePath, "feed"), func(w http.ResponseWriter, req *http.Request) {
		p, ok := principalFromContext(req.Context())
		if !ok {
			respondStatusError(w, handleError(&domain.AuthError{Reason: domain.ReasonNoSession}))
			return
		}
		actor := p.Actor
		var err error
		cursor := int64(-1)
		if v := req.URL.Query().Get("since"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "since must be a non-negative sequence number", nil))
				return
			}
			cursor = n
		}
		if cursor < 0 {
			cursor, err = cfg.Feed.Latest(req.Context())
			if err != nil {
				respondStatusError(w, handleError(&domain.StoreError{Op: "read change feed", Kind: domain.ErrStoreUnavailable, Err: err}))
				return
			}
		}

		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		obs.FeedSubscribers.Inc()
		defer obs.FeedSubscribers.Dec()
		ctx, cancel := context.WithCancel(req.Context())
		defer cancel()
		cfg.logger().Printf("feed: %s (%s) subscribed after %d", actor.Email, actor.Role, cursor)

		changes := cfg.Feed.SubscribeFrom(ctx, cursor)
		if err := writeFeed(ctx, conn, FeedHello{Kind: "ready", Cursor: cursor}); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
			return
		}
		readErr := make(chan error, 1)
		go func() {
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					readErr <- err
					return
				}
			}
		}()
		ticker := time.NewTicker(recheck)
		defer ticker.Stop()
		guard := func() bool {
			if err := stillAuthorized(ctx, cfg, p); err != nil {
				code, reason := closeReason(err)
				cfg.logger().Printf("feed: closing %s: %v", actor.Email, err)
				_ = conn.Close(code, reason)
				return false
			}
			return true
		}
		for {
			select {
			case <-ticker.C:
				if !guard() {
					return
				}
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case <-readErr:
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case c, ok := <-changes:
				if !ok {
					_ = conn.Close(websocket.StatusNormalClosure, "closed")
					return
				}
				if !guard() {
					return
				}
				if err := writeFeed(ctx, conn, c); err != nil {
					_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
					return
				}
			}
		}
	})
}

// stillAuthorized repeats the request-time validation for an open feed.
func stillAuthorized(ctx context.Context, cfg Config, p Principal) error {
	if err := cfg.Identity.CheckSession(ctx, p.SessionID, p.Actor.UserID); err != nil {
		return err
	}
	_, err := auth.Authorize(ctx, cfg.Profiles, p.Actor.UserID)
	return err
}

// closeReason maps a failed recheck onto a websocket close frame.
func closeReason(err error) (websocket.StatusCode, string) {
	var ae *domain.AuthError
	if errors.As(err, &ae) {
		reason := string(ae.Reason)
		if reason == "" {
			reason = "unauthorized"
		}
		return websocket.StatusPolicyViolation, reason
	}
	return websocket.StatusTryAgainLater, "store_unavailable"
}

func writeFeed(ctx context.Context, conn *websocket.Conn, v any) error {
	writeCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, v)
}
