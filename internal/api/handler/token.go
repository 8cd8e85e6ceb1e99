package handler

import (
	"errors"
	"net/http"
	"time"

	mw "github.com/kiranshivaraju/transchord/internal/api/middleware"
	"github.com/kiranshivaraju/transchord/internal/api/response"
)

// TokenIssuer exchanges credentials for an access token.
type TokenIssuer interface {
	Login(username, password string) (string, time.Time, error)
}

type tokenRequest struct {
	Username string `form:"username" validate:"required"`
	Password string `form:"password" validate:"required"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewTokenHandler returns an http.HandlerFunc for POST /api/v1/token. Credentials are
// read from a form body.
func NewTokenHandler(auth TokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid form body", nil)
			return
		}
		req := tokenRequest{
			Username: r.PostFormValue("username"),
			Password: r.PostFormValue("password"),
		}
		if err := validate.Struct(req); err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid credentials form", validationDetails(err))
			return
		}

		token, expires, err := auth.Login(req.Username, req.Password)
		if err != nil {
			if errors.Is(err, mw.ErrInvalidCredentials) {
				response.Error(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Incorrect username or password", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		response.JSON(w, tokenResponse{AccessToken: token, TokenType: "bearer", ExpiresAt: expires.UTC()})
	}
}
