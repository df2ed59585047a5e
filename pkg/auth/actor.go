package auth

import (
	"github.com/google/uuid"

	"github.com/mercato-dev/mercato-backend/pkg/enums"
)

// Actor is the validated identity passed into every service method. It is
// built once at the HTTP boundary from the verified token claims; services
// never read identity out of a loosely-typed context bag.
type Actor struct {
	UserID uuid.UUID
	Role   enums.Role
}

// IsValid reports whether the actor carries a usable identity.
func (a Actor) IsValid() bool {
	return a.UserID != uuid.Nil && a.Role.IsValid()
}

// IsAdmin reports whether the actor bypasses ownership checks.
func (a Actor) IsAdmin() bool {
	return a.Role == enums.RoleAdmin
}

// Owns reports whether the actor owns the given subject, with admins
// always passing.
func (a Actor) Owns(subjectID uuid.UUID) bool {
	if a.IsAdmin() {
		return true
	}
	return a.UserID == subjectID
}
