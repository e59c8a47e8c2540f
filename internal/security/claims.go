package security

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// TokenClaims is what the HTTP layer trusts about the caller.
// UserID is the only identity the waitlist ever sees.
type TokenClaims struct {
	UserID uuid.UUID
	Role   string
	Ver    int64
	Exp    time.Time
	Issuer string
}

func (c TokenClaims) IsAdmin() bool { return c.Role == RoleAdmin }
