package auth

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

// Role is the dashboard a user signs in to.
type Role string

const (
	RolePatient     Role = "patient"
	RoleDoctor      Role = "doctor"
	RoleFrontOffice Role = "front-office"
	RoleAdmin       Role = "admin"
)

// Caller is the request-scoped authorization context. Handlers build it from
// the verified token and pass it explicitly into service calls.
type Caller struct {
	UserID    string      `json:"user_id"`
	Role      Role        `json:"role"`
	FamilyID  uuid.UUID   `json:"family_id,omitempty"`
	DoctorID  uuid.UUID   `json:"doctor_id,omitempty"`
	MemberIDs []uuid.UUID `json:"member_ids,omitempty"`
}

// IsStaff reports whether the caller acts on behalf of any family.
func (c Caller) IsStaff() bool {
	return c.Role == RoleFrontOffice || c.Role == RoleAdmin
}

// HasMember reports whether the token already lists memberID as part of
// the caller's family.
func (c Caller) HasMember(memberID uuid.UUID) bool {
	return slices.Contains(c.MemberIDs, memberID)
}

// Actor is the label written to appointment history.
func (c Caller) Actor() string {
	if c.UserID == "" {
		return string(c.Role)
	}
	return string(c.Role) + ":" + c.UserID
}

type callerKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller set by the auth middleware.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// System is used by CLI and background jobs.
func System() Caller {
	return Caller{UserID: "system", Role: RoleAdmin}
}
