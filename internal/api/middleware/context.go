package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const usernameKey contextKey = "username"

// SetUsername stores the authenticated subject on ctx.
func SetUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey, username)
}

// GetUsername returns the subject set by Authenticate.
func GetUsername(r *http.Request) (string, bool) {
	name, ok := r.Context().Value(usernameKey).(string)
	return name, ok && name != ""
}
