package blob

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

var (
	ErrInvalidPath  = errors.New("invalid attachment path")
	ErrInvalidToken = errors.New("invalid or expired attachment token")
)

const tokenAudience = "wayleave-attachment"

// Store keeps attachments as files under Root and signs short-lived
// retrieval tokens with Secret.
type Store struct {
	Root    string
	Secret  []byte
	BaseURL string
	Now     func() time.Time

	mu      sync.Mutex
	entropy io.Reader
}

func New(root string, secret []byte, baseURL string) *Store {
	return &Store{Root: root, Secret: secret, BaseURL: strings.TrimRight(baseURL, "/"), Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) newID() ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entropy == nil {
		s.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy)
}

// Upload writes data as <prefix>/<ulid><ext>, ext taken from name, and
// returns the stored path.
func (s *Store) Upload(ctx context.Context, data []byte, name, prefix string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := sanitizeSegment(prefix)
	if dir == "" {
		return "", fmt.Errorf("%w: empty prefix", ErrInvalidPath)
	}
	ext := strings.ToLower(path.Ext(filepath.Base(name)))
	rel := path.Join(dir, s.newID().String()+ext)
	full, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("upload %s: %w", rel, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", rel, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("upload %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("upload %s: %w", rel, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("upload %s: %w", rel, err)
	}
	return rel, nil
}

// Remove deletes every path; missing files are not an error.
func (s *Store) Remove(ctx context.Context, paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		full, err := s.resolve(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Open returns the stored file for p.
func (s *Store) Open(p string) (*os.File, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

// SignedURL returns BaseURL/attachments/<token>, the token valid for ttl.
func (s *Store) SignedURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := s.resolve(p); err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", fmt.Errorf("signed url ttl must be positive")
	}
	token, err := s.Sign(p, ttl)
	if err != nil {
		return "", err
	}
	return s.BaseURL + "/attachments/" + url.PathEscape(token), nil
}

func (s *Store) Sign(p string, ttl time.Duration) (string, error) {
	if len(s.Secret) == 0 {
		return "", errors.New("attachment signing secret not configured")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   p,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}

// Verify checks a token produced by Sign and returns the attachment path.
func (s *Store) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return s.Secret, nil
	}, jwt.WithAudience(tokenAudience), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if _, err := s.resolve(claims.Subject); err != nil {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func (s *Store) resolve(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	clean := path.Clean(p)
	if clean != p || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return filepath.Join(s.Root, filepath.FromSlash(clean)), nil
}

// sanitizeSegment turns a free-text wayleave number into one path segment.
func sanitizeSegment(v string) string {
	v = strings.TrimSpace(v)
	var b strings.Builder
	for _, r := range v {
		switch {
		case r == '/' || r == '\\' || r == 0:
			b.WriteRune('_')
		case r < 0x20:
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "." || out == ".." {
		return strings.Repeat("_", len(out))
	}
	return out
}
