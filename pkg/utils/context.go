package utils

import (
	"context"

	"github.com/google/uuid"
)

type ContextKey string

const (
	UserIDCtxKey    ContextKey = "user_id"
	PermissionsKey  ContextKey = "permissions"
	RequestIDCtxKey ContextKey = "request_id"
	UserIDKey       string     = "user_id"
	RoleKey         string     = "role"
	ExpKey          string     = "exp"
)

// UserIDFromContext returns the authenticated user placed by the auth middleware.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDCtxKey).(uuid.UUID)
	return userID, ok && userID != uuid.Nil
}
