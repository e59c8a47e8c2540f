package rest

import (
	"context"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/security"
	"github.com/google/uuid"
)

type ctxKeyAuth struct{}

// AuthContext is the verified caller. Handlers never read a user id from
// the request body or path.
type AuthContext struct {
	UserID uuid.UUID
	Role   string
	Ver    int64
}

func withAuth(ctx context.Context, a AuthContext) context.Context {
	return context.WithValue(ctx, ctxKeyAuth{}, a)
}

func GetAuth(ctx context.Context) (AuthContext, bool) {
	a, ok := ctx.Value(ctxKeyAuth{}).(AuthContext)
	if !ok || a.UserID == uuid.Nil {
		return AuthContext{}, false
	}
	return a, true
}

func authFromClaims(c security.TokenClaims) AuthContext {
	return AuthContext{UserID: c.UserID, Role: c.Role, Ver: c.Ver}
}
