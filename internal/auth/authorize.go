package auth

import "context"

const (
	// RoleVerifier may submit verifications, which spend transaction fees.
	RoleVerifier = "verifier"
	// RoleAdmin may do everything.
	RoleAdmin = "admin"
)

// Authorize succeeds when the context carries an authenticated user holding
// one of allowed or the admin role.
func Authorize(ctx context.Context, allowed ...string) error {
	if _, ok := UserIDFromContext(ctx); !ok {
		return ErrUnauthorized
	}
	if HasRole(ctx, RoleAdmin) {
		return nil
	}
	for _, role := range allowed {
		if HasRole(ctx, role) {
			return nil
		}
	}
	return ErrUnauthorized
}
