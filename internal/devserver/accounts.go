package devserver

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/learnlog/internal/crypto"
	"github.com/and161185/learnlog/internal/errs"
	"github.com/and161185/learnlog/internal/limiter"
)

type user struct {
	id       uuid.UUID
	username string
	pwdHash  []byte
	salt     []byte
}

type refreshGrant struct {
	userID    uuid.UUID
	expiresAt time.Time
}

// accounts holds users and outstanding refresh tokens.
type accounts struct {
	params     pkgcrypto.Params
	signKey    []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	lim        limiter.Limiter
	now        func() time.Time

	mu      sync.Mutex
	users   map[string]*user
	refresh map[string]refreshGrant
}

// Register creates a new user with a per-user salt.
func (a *accounts) Register(username, password string) (uuid.UUID, error) {
	if username == "" || password == "" {
		return uuid.Nil, errors.New("empty username/password")
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	salt, err := pkgcrypto.RandBytes(16)
	if err != nil {
		return uuid.Nil, err
	}
	u := &user{id: uid, username: username, salt: salt, pwdHash: a.params.Hash([]byte(password), salt)}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[username]; ok {
		return uuid.Nil, errs.ErrAlreadyExists
	}
	a.users[username] = u
	return uid, nil
}

// login authenticates with rate limiting by (username, ip) and returns the user ID.
func (a *accounts) login(ctx context.Context, username, password, ip string) (uuid.UUID, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := a.lim.Allow(ctx, username, ipHash)
	if err != nil {
		return uuid.Nil, err
	}
	if !allowed {
		return uuid.Nil, errs.ErrRateLimited
	}

	a.mu.Lock()
	u, ok := a.users[username]
	a.mu.Unlock()
	if !ok || !a.params.Verify([]byte(password), u.salt, u.pwdHash) {
		if blocked, _, ferr := a.lim.Failure(ctx, username, ipHash); ferr == nil && blocked {
			return uuid.Nil, errs.ErrRateLimited
		}
		// unknown user and wrong password look the same
		return uuid.Nil, errs.ErrUnauthorized
	}

	_ = a.lim.Success(ctx, username, ipHash)
	return u.id, nil
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (a *accounts) issueAccessToken(userID uuid.UUID) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(a.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(a.signKey)
	return signed, exp, err
}

// verifyAccessToken checks signature and expiry and returns the subject.
func (a *accounts) verifyAccessToken(tok string) (uuid.UUID, error) {
	if tok == "" {
		return uuid.Nil, errors.New("no bearer token")
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return a.signKey, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil || !parsed.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, errors.New("bad subject")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range a.users {
		if u.id == id {
			return id, nil
		}
	}
	return uuid.Nil, errors.New("unknown subject")
}

// issueRefreshToken creates an opaque refresh token bound to userID.
func (a *accounts) issueRefreshToken(userID uuid.UUID) (string, error) {
	b, err := pkgcrypto.RandBytes(32)
	if err != nil {
		return "", err
	}
	tok := base64.RawURLEncoding.EncodeToString(b)
	a.mu.Lock()
	a.refresh[tok] = refreshGrant{userID: userID, expiresAt: a.now().Add(a.refreshTTL)}
	a.mu.Unlock()
	return tok, nil
}

// rotate consumes a refresh token and returns its owner. Each token is single use.
func (a *accounts) rotate(tok string) (uuid.UUID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.refresh[tok]
	if !ok {
		return uuid.Nil, errs.ErrUnauthorized
	}
	delete(a.refresh, tok)
	if !a.now().Before(g.expiresAt) {
		return uuid.Nil, errs.ErrUnauthorized
	}
	return g.userID, nil
}

func (a *accounts) revoke(tok string) {
	a.mu.Lock()
	delete(a.refresh, tok)
	a.mu.Unlock()
}

// RevokeAll drops every refresh token, forcing clients to log in again.
func (a *accounts) RevokeAll() {
	a.mu.Lock()
	clear(a.refresh)
	a.mu.Unlock()
}
