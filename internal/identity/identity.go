package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"wayleave/internal/domain"
	"wayleave/internal/repo"
)

// EventKind names a session lifecycle event.
type EventKind string

const (
	InitialSession EventKind = "INITIAL_SESSION"
	SignedIn       EventKind = "SIGNED_IN"
	TokenRefreshed EventKind = "TOKEN_REFRESHED"
	SignedOut      EventKind = "SIGNED_OUT"
	UserDeleted    EventKind = "USER_DELETED"
)

// Event is delivered to subscribers out of band. Session is nil when the
// event carries no session.
type Event struct {
	Kind    EventKind
	Session *domain.Session
	UserID  string
}

const (
	accessAudience = "wayleave-api"
	subscriberBuf  = 32
)

// Claims are carried by access tokens.
type Claims struct {
	Email     string `json:"email"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Provider is the local Identity Provider backed by the workspace database.
type Provider struct {
	Repo              repo.Repo
	Secret            []byte
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	AllowedDomain     string
	MinPasswordLength int
	// BootstrapEmail signs up without a profile so its first login can
	// provision the initial administrator.
	BootstrapEmail string
	Now            func() time.Time
	Logger         *log.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func (p *Provider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Provider) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CheckDomain rejects addresses outside AllowedDomain.
func (p *Provider) CheckDomain(email string) error {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return &domain.ValidationError{Field: "email", Message: "a valid email address is required"}
	}
	if d := strings.ToLower(p.AllowedDomain); d != "" && !strings.HasSuffix(email, d) {
		return &domain.ValidationError{Field: "email", Message: fmt.Sprintf("only %s email addresses are allowed", d)}
	}
	return nil
}

// SignUp registers a credential and provisions an Unassigned/pending profile.
func (p *Provider) SignUp(ctx context.Context, email, password, confirm string) (string, error) {
	email = NormalizeEmail(email)
	if err := p.CheckDomain(email); err != nil {
		return "", err
	}
	if min := p.MinPasswordLength; min > 0 && len(password) < min {
		return "", &domain.ValidationError{Field: "password", Message: fmt.Sprintf("password must be at least %d characters", min)}
	}
	if password != confirm {
		return "", &domain.ValidationError{Field: "password", Message: "passwords do not match"}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	ident := repo.Identity{ID: uuid.NewString(), Email: email, PasswordHash: string(hash), CreatedAt: p.now().UTC()}
	var profile *domain.UserProfile
	if email != NormalizeEmail(p.BootstrapEmail) {
		profile = &domain.UserProfile{Role: domain.RoleUnassigned, Status: domain.ActivationPending}
	}
	if err := p.Repo.CreateIdentity(ctx, ident, profile); err != nil {
		return "", err
	}
	return ident.ID, nil
}

// Authenticate verifies the credential and opens a session without making
// it the workspace's current session. The HTTP server logs callers in this way.
func (p *Provider) Authenticate(ctx context.Context, email, password string) (domain.Session, error) {
	ident, err := p.Repo.IdentityByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Session{}, &domain.AuthError{Reason: domain.ReasonBadCredentials}
	}
	if err != nil {
		return domain.Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(ident.PasswordHash), []byte(password)); err != nil {
		return domain.Session{}, &domain.AuthError{Reason: domain.ReasonBadCredentials}
	}
	now := p.now().UTC()
	sess := domain.Session{ID: uuid.NewString(), UserID: ident.ID, Email: ident.Email}
	secret := newSecret()
	sess.RefreshToken = sess.ID + "." + secret
	sess.RefreshExpiresAt = now.Add(p.RefreshTTL)
	if err := p.Repo.InsertSession(ctx, repo.SessionRow{
		ID: sess.ID, UserID: ident.ID, RefreshHash: repo.HashToken(secret), RefreshExpiresAt: sess.RefreshExpiresAt, CreatedAt: now,
	}); err != nil {
		return domain.Session{}, err
	}
	if err := p.issueAccess(&sess, now); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// SignInWithPassword authenticates and persists the session as the
// workspace's current session.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (domain.Session, error) {
	sess, err := p.Authenticate(ctx, email, password)
	if err != nil {
		return domain.Session{}, err
	}
	if err := p.Repo.SaveCurrentSession(ctx, sess); err != nil {
		return domain.Session{}, err
	}
	p.publish(Event{Kind: SignedIn, Session: &sess, UserID: sess.UserID})
	return sess, nil
}

// EndSession revokes one session by id. Ending an unknown session is not an error.
func (p *Provider) EndSession(ctx context.Context, sessionID string) error {
	return p.Repo.RevokeSession(ctx, sessionID)
}

// SignOut revokes and forgets the current session. Signing out without a
// session is not an error.
func (p *Provider) SignOut(ctx context.Context) error {
	cur, err := p.Repo.LoadCurrentSession(ctx)
	if err != nil {
		return err
	}
	if cur != nil {
		if err := p.Repo.RevokeSession(ctx, cur.ID); err != nil {
			return err
		}
	}
	if err := p.Repo.ClearCurrentSession(ctx); err != nil {
		return err
	}
	p.publish(Event{Kind: SignedOut})
	return nil
}

// GetCurrentSession returns the persisted session, refreshing an expired
// access token. A revoked or fully expired session yields nil.
func (p *Provider) GetCurrentSession(ctx context.Context) (*domain.Session, error) {
	cur, err := p.Repo.LoadCurrentSession(ctx)
	if err != nil || cur == nil {
		return nil, err
	}
	row, err := p.Repo.GetSession(ctx, cur.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, p.Repo.ClearCurrentSession(ctx)
	}
	if err != nil {
		return nil, err
	}
	now := p.now()
	if row.Revoked || !now.Before(row.RefreshExpiresAt) {
		return nil, p.Repo.ClearCurrentSession(ctx)
	}
	if now.Before(cur.AccessExpiresAt) {
		return cur, nil
	}
	refreshed, err := p.Refresh(ctx, cur.RefreshToken)
	if errors.Is(err, domain.ErrNotAuthorized) {
		return nil, p.Repo.ClearCurrentSession(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &refreshed, nil
}

// Refresh rotates the refresh secret and issues a new access token.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (domain.Session, error) {
	sid, secret, ok := strings.Cut(strings.TrimSpace(refreshToken), ".")
	if !ok || sid == "" || secret == "" {
		return domain.Session{}, &domain.AuthError{Reason: domain.ReasonNoSession, Message: "malformed refresh token"}
	}
	row, err := p.Repo.GetSession(ctx, sid)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Session{}, &domain.AuthError{Reason: domain.ReasonNoSession}
	}
	if err != nil {
		return domain.Session{}, err
	}
	now := p.now().UTC()
	if row.Revoked || !now.Before(row.RefreshExpiresAt) || row.RefreshHash != repo.HashToken(secret) {
		return domain.Session{}, &domain.AuthError{Reason: domain.ReasonNoSession, Message: "session expired; sign in again"}
	}
	ident, err := p.Repo.IdentityByID(ctx, row.UserID)
	if err != nil {
		return domain.Session{}, err
	}
	next := newSecret()
	expires := now.Add(p.RefreshTTL)
	if err := p.Repo.RotateSession(ctx, sid, row.RefreshHash, repo.HashToken(next), expires); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Session{}, &domain.AuthError{Reason: domain.ReasonNoSession, Message: "refresh token already used"}
		}
		return domain.Session{}, err
	}
	sess := domain.Session{
		ID: sid, UserID: row.UserID, Email: ident.Email,
		RefreshToken: sid + "." + next, RefreshExpiresAt: expires,
	}
	if err := p.issueAccess(&sess, now); err != nil {
		return domain.Session{}, err
	}
	cur, err := p.Repo.LoadCurrentSession(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	if cur != nil && cur.ID == sid {
		if err := p.Repo.SaveCurrentSession(ctx, sess); err != nil {
			return domain.Session{}, err
		}
	}
	p.publish(Event{Kind: TokenRefreshed, Session: &sess, UserID: sess.UserID})
	return sess, nil
}

// Verify checks an access token and its backing session.
func (p *Provider) Verify(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return p.Secret, nil
	}, jwt.WithAudience(accessAudience), jwt.WithTimeFunc(p.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return nil, &domain.AuthError{Reason: domain.ReasonNoSession, Message: "invalid or expired token"}
	}
	if err := p.CheckSession(ctx, claims.SessionID, claims.Subject); err != nil {
		return nil, err
	}
	return claims, nil
}

// CheckSession reports whether sessionID is still live for userID. Long-lived
// connections call it after the access token that opened them was verified.
func (p *Provider) CheckSession(ctx context.Context, sessionID, userID string) error {
	row, err := p.Repo.GetSession(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && (row.Revoked || row.UserID != userID)) {
		return &domain.AuthError{Reason: domain.ReasonNoSession, Message: "session revoked"}
	}
	return err
}

// RevokeUser ends every session of userID. If the current session belongs
// to that user it is forgotten and SignedOut is emitted.
func (p *Provider) RevokeUser(ctx context.Context, userID string) error {
	if _, err := p.Repo.RevokeUserSessions(ctx, userID); err != nil {
		return err
	}
	p.publish(Event{Kind: UserDeleted, UserID: userID})
	cur, err := p.Repo.LoadCurrentSession(ctx)
	if err != nil {
		return err
	}
	if cur != nil && cur.UserID == userID {
		if err := p.Repo.ClearCurrentSession(ctx); err != nil {
			return err
		}
		p.publish(Event{Kind: SignedOut, UserID: userID})
	}
	return nil
}

// Subscribe returns a channel of session events, starting with
// InitialSession. Slow subscribers lose events rather than block the
// provider. The channel is closed when ctx ends.
func (p *Provider) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuf)
	cur, err := p.Repo.LoadCurrentSession(ctx)
	if err != nil {
		p.logger().Printf("identity: load current session for subscriber: %v", err)
	}
	ch <- Event{Kind: InitialSession, Session: cur, UserID: userOf(cur)}

	p.mu.Lock()
	if p.subs == nil {
		p.subs = make(map[int]chan Event)
	}
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, id)
		close(ch)
		p.mu.Unlock()
	}()
	return ch
}

func (p *Provider) publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.logger().Printf("identity: subscriber %d is slow; dropped %s", id, ev.Kind)
		}
	}
}

func (p *Provider) issueAccess(sess *domain.Session, now time.Time) error {
	exp := now.Add(p.AccessTTL)
	claims := Claims{
		Email:     sess.Email,
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.UserID,
			Audience:  jwt.ClaimStrings{accessAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.Secret)
	if err != nil {
		return fmt.Errorf("sign access token: %w", err)
	}
	sess.AccessToken = token
	sess.AccessExpiresAt = exp
	return nil
}

func newSecret() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

func userOf(s *domain.Session) string {
	if s == nil {
		return ""
	}
	return s.UserID
}
