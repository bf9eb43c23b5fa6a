package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/util"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var ErrSessionInvalid = errors.New("session invalid")

// Session is the authenticated state derived from a token.
type Session struct {
	AccountId uuid.UUID
	Username  string
	ExpiresAt time.Time
}

// Sessions validates signed tokens and caches the result keyed by the
// token's SHA-256 hash, never the token itself. A cache miss is not a
// failure: the session is rebuilt from the token's own claims and
// re-cached. Revocations are backed by the database, so losing the
// in-memory state never resurrects a revoked token.
type Sessions struct {
	cache   *Cache[Session]
	revoked *Revoked
	secret  []byte
	ttl     time.Duration
}

func NewSessions(database *db.DB, secret []byte, capacity int, ttl time.Duration) *Sessions {
	return &Sessions{
		cache:   New[Session](capacity, ttl),
		revoked: NewRevoked(database, capacity),
		secret:  secret,
		ttl:     ttl,
	}
}

// Issue signs a token for the account and primes the cache.
func (s *Sessions) Issue(account *domain.Account) (string, error) {
	expiresAt := time.Now().Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   account.Username,
		ID:        account.Id.String(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	s.cache.Put(util.TokenHash(token), Session{
		AccountId: account.Id,
		Username:  account.Username,
		ExpiresAt: expiresAt,
	})
	return token, nil
}

// Validate resolves a token to a session. Revocation wins over the
// cache, and an expired token is invalid no matter what the cache holds.
func (s *Sessions) Validate(token string) (*Session, error) {
	hash := util.TokenHash(token)
	revoked, err := s.revoked.IsRevoked(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("%w: token revoked", ErrSessionInvalid)
	}

	if session, ok := s.cache.Get(hash); ok {
		if time.Now().After(session.ExpiresAt) {
			s.cache.Invalidate(hash)
			return nil, fmt.Errorf("%w: token expired", ErrSessionInvalid)
		}
		return &session, nil
	}

	session, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	s.cache.Put(hash, *session)
	return session, nil
}

// Revoke blacklists a token until it would have expired on its own.
func (s *Sessions) Revoke(token string) error {
	hash := util.TokenHash(token)
	s.cache.Invalidate(hash)

	until := time.Now().Add(s.ttl)
	if session, err := s.parse(token); err == nil {
		until = session.ExpiresAt
	}
	return s.revoked.Revoke(hash, until)
}

func (s *Sessions) parse(token string) (*Session, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}

	accountId, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad account id claim", ErrSessionInvalid)
	}

	return &Session{
		AccountId: accountId,
		Username:  claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
