/*
auth.go - Admin login and bearer-token authentication

PURPOSE:
  The back office is used by station admins only. POST /api/auth/login
  exchanges a username and password for an HS256 JWT; every other /api
  route requires it as "Authorization: Bearer <token>".

CREDENTIALS:
  Admin rows hold bcrypt hashes. SeedAdmin creates or resets the account
  named in configuration at startup.

SEE ALSO:
  - server.go: Route groups using Middleware
  - store/sqlite/sqlite.go: admins table
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/fuel-loyalty/logging"
	"github.com/warp/fuel-loyalty/store/sqlite"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const bearerSchema = "Bearer "

var ErrInvalidCredentials = errors.New("invalid username or password")

// AdminStore persists admin credentials.
type AdminStore interface {
	GetAdmin(ctx context.Context, username string) (*sqlite.AdminRecord, error)
	SaveAdmin(ctx context.Context, a sqlite.AdminRecord) error
}

// AdminClaims are the JWT claims issued at login.
type AdminClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	Store  AdminStore
	Secret []byte
	TTL    time.Duration
	Cost   int // bcrypt cost for SeedAdmin
	Now    func() time.Time
}

func NewAuthenticator(store AdminStore, secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{
		Store:  store,
		Secret: []byte(secret),
		TTL:    ttl,
		Cost:   bcrypt.DefaultCost,
		Now:    time.Now,
	}
}

// SeedAdmin creates the admin, or resets its password if it exists.
func (a *Authenticator) SeedAdmin(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("seed admin: username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.Cost)
	if err != nil {
		return fmt.Errorf("error while hashing password: %w", err)
	}
	return a.Store.SaveAdmin(ctx, sqlite.AdminRecord{
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    a.Now().UTC(),
	})
}

// Authenticate checks the credentials and issues a token.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (string, time.Time, error) {
	admin, err := a.Store.GetAdmin(ctx, username)
	if err != nil {
		return "", time.Time{}, err
	}
	if admin == nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return a.IssueToken(username)
}

// IssueToken signs a token for username.
func (a *Authenticator) IssueToken(username string) (string, time.Time, error) {
	now := a.Now()
	expires := now.Add(a.TTL)
	claims := AdminClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Verify parses and validates a token.
func (a *Authenticator) Verify(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (any, error) { return a.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// =============================================================================
// HTTP
// =============================================================================

type adminKey struct{}

// AdminFromContext returns the authenticated admin's username.
func AdminFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(adminKey{}).(string)
	return u, ok
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerSchema) {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		claims, err := a.Verify(strings.TrimPrefix(header, bearerSchema))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}

		ctx := context.WithValue(r.Context(), adminKey{}, claims.Username)
		log := logging.FromContext(ctx).With(zap.String("admin", claims.Username))
		next.ServeHTTP(w, r.WithContext(logging.WithLogger(ctx, log)))
	})
}

// Login exchanges credentials for a token.
func (a *Authenticator) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required", nil)
		return
	}

	token, expires, err := a.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		logging.FromContext(r.Context()).Warn("login rejected", zap.String("username", req.Username))
		writeError(w, http.StatusUnauthorized, "Invalid username or password", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Login failed", err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: formatTime(expires)})
}
