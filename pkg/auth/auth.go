// Package auth carries request identity: the principal, its role, and
// the JWT bearer middleware that establishes both.
package auth

import (
	"context"
	"errors"
)

// Role is the coarse authorization level carried by every principal.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleOps      Role = "OPS"
	RoleQA       Role = "QA"
	RoleAdmin    Role = "ADMIN"
)

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleOps, RoleQA, RoleAdmin:
		return true
	}
	return false
}

// CanGovern reports whether the role may drive governance transitions
// and exports. Only OPS and ADMIN may.
func (r Role) CanGovern() bool {
	return r == RoleOps || r == RoleAdmin
}

// Principal is the authenticated caller.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext retrieves the principal set by the middleware.
func FromContext(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return Principal{}, errors.New("no principal in context")
	}
	return p, nil
}
