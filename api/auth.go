/*
auth.go - Password hashing, bearer tokens and caller resolution

PURPOSE:
  The ledger treats credentials as opaque and trusts the Actor it is given.
  This file is where both become concrete for HTTP:
  - Passwords are hashed with bcrypt before they reach the ledger, and
    Passwords.Verify is the ledger.CredentialVerifier used at login
  - Login issues an HS256 JWT whose subject is the account id
  - RequireAuth resolves the token to a Caller on every request, re-reading
    the account so a deleted account or a changed admin flag takes effect
    immediately

SEE ALSO:
  - handlers.go: Login handler
  - ledger/auth.go: Authenticate, EnsureAdmin
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/diz-ledger/ledger"
)

// =============================================================================
// PASSWORDS
// =============================================================================

// maxPasswordBytes is the most bcrypt will hash.
const maxPasswordBytes = 72

// Passwords hashes and verifies account passwords with bcrypt.
type Passwords struct {
	Cost int
}

// Hash returns the credential to store for password.
func (p Passwords) Hash(password string) (ledger.Credential, error) {
	if password == "" {
		return "", ledger.ErrInvalidCredential
	}
	cost := p.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", fmt.Errorf("password longer than %d bytes: %w", maxPasswordBytes, ledger.ErrInvalidCredential)
	}
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return ledger.Credential(hash), nil
}

// Verify implements ledger.CredentialVerifier.
func (p Passwords) Verify(stored ledger.Credential, presented string) error {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented))
}

var _ ledger.CredentialVerifier = Passwords{}

// =============================================================================
// TOKENS
// =============================================================================

var errInvalidToken = errors.New("invalid token")

// Tokens issues and validates bearer tokens.
type Tokens struct {
	Secret []byte
	TTL    time.Duration
}

// Issue returns a signed token for id and its expiry.
func (t *Tokens) Issue(id ledger.AccountID) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(t.TTL)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(int64(id), 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse validates token and returns the account id it was issued for.
func (t *Tokens) Parse(token string) (ledger.AccountID, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return 0, errInvalidToken
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, errInvalidToken
	}
	return ledger.AccountID(id), nil
}

// =============================================================================
// CALLER
// =============================================================================

// Caller is the authenticated account behind a request.
type Caller struct {
	ID       ledger.AccountID
	Username string
	IsAdmin  bool
}

// Actor returns the authority the ledger should see for this caller.
func (c Caller) Actor() ledger.Actor {
	return ledger.Actor{ID: c.ID, IsAdmin: c.IsAdmin}
}

type contextKey string

const callerKey contextKey = "caller"

// CallerFrom returns the caller stored by RequireAuth.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// RequireAuth rejects requests without a valid bearer token for a live account.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearer(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing or malformed Authorization header")
			return
		}
		id, err := h.Tokens.Parse(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		acc, err := h.Engine.Account(r.Context(), id)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}

		caller := Caller{ID: acc.ID, Username: acc.Username, IsAdmin: acc.IsAdmin}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// RequireAdmin rejects callers without admin rights. Use after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		if !caller.IsAdmin {
			writeError(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
