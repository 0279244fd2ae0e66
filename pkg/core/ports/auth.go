package ports

import (
	"context"

	"github.com/google/uuid"

	"orderflow/pkg/core/errs"
)

// AuthContext identifies the org and actor behind an operation. Every
// operator-facing entrypoint resolves one before touching data; repositories
// additionally scope all queries by org id.
type AuthContext struct {
	OrgID uuid.UUID
	Actor string // operator login or "system"
}

type authKey struct{}

// WithAuth attaches the auth context to a request context.
func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, authKey{}, auth)
}

// AuthFrom extracts the auth context; missing auth is an authorization error,
// never a default org.
func AuthFrom(ctx context.Context) (AuthContext, error) {
	auth, ok := ctx.Value(authKey{}).(AuthContext)
	if !ok || auth.OrgID == uuid.Nil {
		return AuthContext{}, errs.Errorf(errs.KindAuthorization, "ports.auth", "no org in context")
	}
	return auth, nil
}

// SystemAuth is the auth context of background jobs acting for an org.
func SystemAuth(orgID uuid.UUID) AuthContext {
	return AuthContext{OrgID: orgID, Actor: "system"}
}
