package wayleavesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client is a minimal wayleave HTTP API client. After Login it carries the
// session tokens and refreshes the access token once when a call returns 401.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration

	mu      sync.Mutex
	session Session
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Attachment struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Path string `json:"path"`
}

type HistoryEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
}

// Record represents a wayleave record as served by the API.
type Record struct {
	ID                   int64          `json:"id"`
	WayleaveNumber       string         `json:"wayleave_number"`
	Status               string         `json:"status"`
	Attachment           Attachment     `json:"attachment"`
	ApprovedAttachment   *Attachment    `json:"approved_attachment,omitempty"`
	History              []HistoryEntry `json:"history"`
	CreatedAt            time.Time      `json:"created_at"`
	AvailableTransitions []string       `json:"available_transitions,omitempty"`
}

type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type Session struct {
	UserID           string    `json:"user_id"`
	Email            string    `json:"email"`
	Role             string    `json:"role"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Change is one record change-feed event. Record is nil for deletes.
type Change struct {
	Seq      int64   `json:"seq"`
	Kind     string  `json:"kind"`
	RecordID int64   `json:"record_id"`
	Record   *Record `json:"record,omitempty"`
}

// File is an attachment to upload.
type File struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// Session returns the tokens currently held by the client.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSession installs previously obtained tokens.
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) SignUp(ctx context.Context, email, password string) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
	}
	err := c.do(ctx, http.MethodPost, "auth/signup", map[string]any{
		"email": email, "password": password, "password_confirm": password,
	}, &resp, false)
	return resp.UserID, err
}

// Login signs in and keeps the returned session for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{"email": email, "password": password}, &resp, false); err != nil {
		return Session{}, err
	}
	c.SetSession(resp)
	return resp, nil
}

// Refresh rotates the refresh token.
func (c *Client) Refresh(ctx context.Context) (Session, error) {
	cur := c.Session()
	if cur.RefreshToken == "" {
		return Session{}, &APIError{StatusCode: http.StatusUnauthorized, Code: "unauthorized", Message: "no session"}
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/refresh", map[string]any{"refresh_token": cur.RefreshToken}, &resp, false); err != nil {
		return Session{}, err
	}
	c.SetSession(resp)
	return resp, nil
}

func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "auth/logout", nil, nil, false)
	c.SetSession(Session{})
	return err
}

func (c *Client) Records(ctx context.Context) ([]Record, error) {
	var resp struct {
		Items []Record `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "records", nil, &resp, true)
	return resp.Items, err
}

// SearchRecords lists records whose wayleave number contains query.
func (c *Client) SearchRecords(ctx context.Context, query string) ([]Record, error) {
	var resp struct {
		Items []Record `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "records?query="+url.QueryEscape(query), nil, &resp, true)
	return resp.Items, err
}

// Pending returns the records waiting on the caller's role.
func (c *Client) Pending(ctx context.Context) ([]Record, error) {
	var resp struct {
		Items []Record `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "records/pending", nil, &resp, true)
	return resp.Items, err
}

func (c *Client) Record(ctx context.Context, id int64) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, recordPath(id), nil, &resp, true)
	return resp, err
}

func (c *Client) CreateRecord(ctx context.Context, number string, attachment File) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPost, "records", map[string]any{
		"wayleave_number": number,
		"attachment":      attachment,
	}, &resp, true)
	return resp, err
}

// Transition moves a record to status. evidence is required for PendingFinalReview.
func (c *Client) Transition(ctx context.Context, id int64, status string, evidence *File) (Record, error) {
	body := map[string]any{"status": status}
	if evidence != nil {
		body["evidence"] = evidence
	}
	var resp Record
	err := c.do(ctx, http.MethodPost, recordPath(id)+"/transitions", body, &resp, true)
	return resp, err
}

func (c *Client) RenameRecord(ctx context.Context, id int64, number string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPatch, recordPath(id), map[string]any{"wayleave_number": number}, &resp, true)
	return resp, err
}

func (c *Client) DeleteRecord(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, recordPath(id), nil, nil, true)
}

// AttachmentURL returns a signed download URL; kind is "initial" or "approved".
func (c *Client) AttachmentURL(ctx context.Context, id int64, kind string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/attachments/%s/url", recordPath(id), url.PathEscape(kind)), nil, &resp, true)
	return resp.URL, err
}

func (c *Client) Profiles(ctx context.Context) ([]Profile, error) {
	var resp struct {
		Items []Profile `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "profiles", nil, &resp, true)
	return resp.Items, err
}

// SearchProfiles lists profiles whose email contains query (Admin).
func (c *Client) SearchProfiles(ctx context.Context, query string) ([]Profile, error) {
	var resp struct {
		Items []Profile `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "profiles?search="+url.QueryEscape(query), nil, &resp, true)
	return resp.Items, err
}

// Overview is the administrator's summary of users and records.
type Overview struct {
	TotalUsers   int            `json:"total_users"`
	PendingUsers int            `json:"pending_users"`
	TotalRecords int            `json:"total_records"`
	InProgress   int            `json:"in_progress_records"`
	Completed    int            `json:"completed_records"`
	ByStatus     map[string]int `json:"by_status"`
}

func (c *Client) Overview(ctx context.Context) (Overview, error) {
	var resp Overview
	err := c.do(ctx, http.MethodGet, "overview", nil, &resp, true)
	return resp, err
}

// UpdateProfile sets role and/or status of another user; empty values are left unchanged.
func (c *Client) UpdateProfile(ctx context.Context, userID, role, status string) (Profile, error) {
	body := map[string]any{}
	if role != "" {
		body["role"] = role
	}
	if status != "" {
		body["status"] = status
	}
	var resp Profile
	err := c.do(ctx, http.MethodPatch, "profiles/"+url.PathEscape(userID), body, &resp, true)
	return resp, err
}

func (c *Client) DeleteProfile(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "profiles/"+url.PathEscape(userID), nil, nil, true)
}

// Watch streams record changes after since (negative for "from now") until
// ctx ends or the server closes the feed.
func (c *Client) Watch(ctx context.Context, since int64) (<-chan Change, error) {
	u, err := url.Parse(c.base() + "/feed")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	if since >= 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	u.RawQuery = q.Encode()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.Session().AccessToken)
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	var hello struct {
		Kind string `json:"kind"`
	}
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		conn.Close(websocket.StatusInternalError, "no hello")
		return nil, err
	}
	out := make(chan Change, 16)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var ch Change
			if err := wsjson.Read(ctx, conn, &ch); err != nil {
				return
			}
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any, retry bool) error {
	err := c.doOnce(ctx, method, endpoint, body, out)
	var ae *APIError
	if retry && errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized && c.Session().RefreshToken != "" {
		if _, rerr := c.Refresh(ctx); rerr != nil {
			return err
		}
		return c.doOnce(ctx, method, endpoint, body, out)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, body any, out any) error {
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.Session().AccessToken; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func recordPath(id int64) string {
	return "records/" + strconv.FormatInt(id, 10)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
