package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/common/logger"
)

// Service implements login, logout, and token validation on top of Store.
type Service struct {
	store  *Store
	cfg    config.AuthConfig
	logger *logger.Logger

	// now is swapped in tests.
	now func() time.Time
}

// NewService wires the auth service.
func NewService(store *Store, cfg config.AuthConfig, log *logger.Logger) *Service {
	return &Service{store: store, cfg: cfg, logger: log, now: time.Now}
}

// Store exposes the underlying global store for project/prompt handlers.
func (s *Service) Store() *Store { return s.store }

// hashToken peppers and hashes a raw session token. Only this value ever
// touches the database.
func (s *Service) hashToken(token string) string {
	sum := sha256.Sum256([]byte(token + s.cfg.TokenPepper))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", errkind.Storage("token entropy: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CreateUser registers an account with a plaintext password.
func (s *Service) CreateUser(ctx context.Context, username, password string) (*User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return s.store.CreateUser(ctx, username, hash)
}

// ResetPassword replaces a user's password by username.
func (s *Service) ResetPassword(ctx context.Context, username, password string) error {
	u, err := s.store.UserByName(ctx, username)
	if err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.store.SetPassword(ctx, u.ID, hash)
}

// Login verifies credentials and mints a session. The returned token is the
// only copy; the store holds its hash.
func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*User, string, error) {
	u, err := s.store.UserByName(ctx, username)
	if err != nil {
		// Burn a verify on a dummy hash so unknown users cost the same
		// as wrong passwords.
		VerifyPassword(password, dummyHash)
		return nil, "", errkind.Auth("invalid credentials")
	}
	if !VerifyPassword(password, u.PasswordHash) {
		return nil, "", errkind.Auth("invalid credentials")
	}
	if u.DisabledAt != nil {
		return nil, "", errkind.Auth("account disabled")
	}

	token, err := newToken()
	if err != nil {
		return nil, "", err
	}
	now := s.now()
	sess := &Session{
		ID:         uuid.NewString(),
		UserID:     u.ID,
		TokenHash:  s.hashToken(token),
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(s.cfg.SessionTTLDuration()).UnixMilli(),
		LastSeenAt: now.UnixMilli(),
		LastSeenIP: ip,
		UserAgent:  userAgent,
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, "", err
	}
	s.logger.WithField("user", u.Username).Info("login")
	return u, token, nil
}

// ValidateToken resolves a raw token to its user. Expiry is strict: a token
// past expires_at fails even by one millisecond. With sliding refresh on, the
// expiry is pushed out whenever less than half the TTL remains.
func (s *Service) ValidateToken(ctx context.Context, token, ip string) (*User, *Session, error) {
	if token == "" {
		return nil, nil, errkind.Auth("missing token")
	}
	sess, err := s.store.SessionByTokenHash(ctx, s.hashToken(token))
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	if sess.RevokedAt != nil {
		return nil, nil, errkind.Auth("session revoked")
	}
	if now.UnixMilli() >= sess.ExpiresAt {
		return nil, nil, errkind.Auth("session expired")
	}
	u, err := s.store.UserByID(ctx, sess.UserID)
	if err != nil {
		return nil, nil, err
	}
	if u.DisabledAt != nil {
		return nil, nil, errkind.Auth("account disabled")
	}

	newExpiry := int64(0)
	ttl := s.cfg.SessionTTLDuration()
	if s.cfg.SlidingRefresh && time.Duration(sess.ExpiresAt-now.UnixMilli())*time.Millisecond < ttl/2 {
		newExpiry = now.Add(ttl).UnixMilli()
		sess.ExpiresAt = newExpiry
	}
	if err := s.store.TouchSession(ctx, sess.ID, now.UnixMilli(), ip, newExpiry); err != nil {
		s.logger.WithError(err).Warn("session touch failed")
	}
	return u, sess, nil
}

// Logout revokes the session behind a raw token. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.store.RevokeSession(ctx, s.hashToken(token))
}

// dummyHash is a throwaway scrypt hash used to equalize login timing for
// unknown usernames.
var dummyHash = func() string {
	h, err := HashPassword("timing-equalizer")
	if err != nil {
		panic(err)
	}
	return h
}()
