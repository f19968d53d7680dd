// Package auth holds the caller identity supplied by the upstream
// authentication service and the capability checks applied to it.
package auth

import (
	"context"
	"strings"

	"checkout-service/internal/apperr"
)

// Role is the role attached to a verified identity
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"
)

// ParseRole validates a role name; empty means customer
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleCustomer:
		return RoleCustomer, nil
	case RoleOperator:
		return RoleOperator, nil
	default:
		return "", apperr.Validation("unknown role %q", s)
	}
}

// Capability is a level of access an operation demands
type Capability int

const (
	AuthenticatedUser Capability = iota + 1
	PrivilegedOperator
)

func (c Capability) String() string {
	switch c {
	case AuthenticatedUser:
		return "authenticated-user"
	case PrivilegedOperator:
		return "privileged-operator"
	default:
		return "unknown"
	}
}

// Identity is the (userID, role) tuple of a validated request
type Identity struct {
	UserID string
	Role   Role
}

// Has reports whether the identity holds capability c
func (id *Identity) Has(c Capability) bool {
	if id == nil || id.UserID == "" {
		return false
	}
	switch c {
	case AuthenticatedUser:
		return true
	case PrivilegedOperator:
		return id.Role == RoleOperator
	default:
		return false
	}
}

// IsOperator is shorthand for Has(PrivilegedOperator)
func (id *Identity) IsOperator() bool {
	return id.Has(PrivilegedOperator)
}

// Actor names the identity in audit trails
func (id *Identity) Actor() string {
	if id == nil {
		return ""
	}
	return id.UserID
}

// Require fails with Unauthorized when there is no identity and Forbidden when
// the identity lacks capability c.
func Require(id *Identity, c Capability) error {
	if id == nil || id.UserID == "" {
		return apperr.Unauthorized("authentication required")
	}
	if !id.Has(c) {
		return apperr.Forbidden("%s capability required", c)
	}
	return nil
}

// RequireSelf admits only the user named by userID.
func RequireSelf(id *Identity, userID string) error {
	if err := Require(id, AuthenticatedUser); err != nil {
		return err
	}
	if id.UserID != userID {
		return apperr.Forbidden("user %s may not act for user %s", id.UserID, userID)
	}
	return nil
}

// RequireSelfOrOperator admits the user named by userID or any operator.
func RequireSelfOrOperator(id *Identity, userID string) error {
	if err := Require(id, AuthenticatedUser); err != nil {
		return err
	}
	if id.UserID != userID && !id.IsOperator() {
		return apperr.Forbidden("%s capability required to access user %s", PrivilegedOperator, userID)
	}
	return nil
}

type ctxKey struct{}

// WithIdentity stores id in ctx
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored in ctx, or nil for anonymous callers
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKey{}).(*Identity)
	return id
}
