package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/transchord/internal/api/response"
	"github.com/kiranshivaraju/transchord/internal/config"
)

// ErrInvalidCredentials is returned by Login for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Auth issues and verifies HS256 bearer tokens for the single configured account.
type Auth struct {
	secret       []byte
	ttl          time.Duration
	username     string
	passwordHash []byte
	now          func() time.Time
}

// NewAuth creates a new Auth from the server's auth settings.
func NewAuth(cfg config.AuthConfig) *Auth {
	return &Auth{
		secret:       []byte(cfg.JWTSecret),
		ttl:          cfg.TokenTTL,
		username:     cfg.Username,
		passwordHash: []byte(cfg.PasswordHash),
		now:          time.Now,
	}
}

// Login checks username and password against the configured account and returns a
// signed access token with its expiry.
func (a *Auth) Login(username, password string) (string, time.Time, error) {
	// The hash is always compared so an unknown user costs as much as a wrong password.
	hashErr := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password))
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	if hashErr != nil || !userOK || a.username == "" {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return a.IssueToken(username)
}

// IssueToken signs an access token for username.
func (a *Auth) IssueToken(username string) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// Authenticate validates the Bearer token and sets the username in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearerToken(r)
		if raw == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims,
			func(*jwt.Token) (any, error) { return a.secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(a.now),
		)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			response.Error(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Token has expired", nil)
			return
		case err != nil, claims.Subject == "":
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Could not validate credentials", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(SetUsername(r.Context(), claims.Subject)))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
