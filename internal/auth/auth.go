package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/vnmchuo/imagegen-gateway/internal/httpjson"
)

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	deviceIDKey  contextKey = "device_id"
	planKey      contextKey = "plan"
	requestIDKey contextKey = "request_id"
)

// NewMiddleware validates the bearer session token and puts the account id
// into the request context. Requests without a valid session get a 401.
func NewMiddleware(sessions *Sessions) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := chimiddleware.GetReqID(ctx)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx = WithRequestID(ctx, requestID)
			w.Header().Set("X-Request-ID", requestID)

			token, err := bearerToken(r)
			if err == nil {
				var claims *Claims
				claims, err = sessions.Validate(token)
				if err == nil {
					ctx = WithUserID(ctx, claims.Subject)
					ctx = context.WithValue(ctx, deviceIDKey, claims.DeviceID)
					ctx = context.WithValue(ctx, planKey, claims.Plan)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			msg := "invalid or expired session"
			if errors.Is(err, ErrMissingToken) {
				msg = "missing bearer token"
			}
			httpjson.Error(w, http.StatusUnauthorized, msg)
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Helpers to extract from context
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func GetDeviceID(ctx context.Context) string {
	if id, ok := ctx.Value(deviceIDKey).(string); ok {
		return id
	}
	return ""
}

func GetPlan(ctx context.Context) string {
	if p, ok := ctx.Value(planKey).(string); ok {
		return p
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
