package auth

import "context"

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
	// RoleService is granted to callers presenting the store's service-role key.
	RoleService Role = "service"
)

// CanProvision reports whether the role may create setup claims and tokens.
func (r Role) CanProvision() bool {
	return r == RoleAdmin || r == RoleOperator || r == RoleService
}

// CanSendCommand reports whether the role may queue device commands.
func (r Role) CanSendCommand() bool {
	return r == RoleAdmin || r == RoleOperator || r == RoleService
}

// IsGlobal reports whether the role spans every tenant.
func (r Role) IsGlobal() bool {
	return r == RoleService
}

// OperatorClaims identifies a human operator or a trusted backend calling the
// administrative endpoints.
type OperatorClaims struct {
	Subject  string `json:"sub"`
	Email    string `json:"email"`
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
}

// CanAccessTenant returns true when the claims grant access to tenantID.
func (c *OperatorClaims) CanAccessTenant(tenantID string) bool {
	if c.Role.IsGlobal() {
		return true
	}
	return c.TenantID != "" && c.TenantID == tenantID
}

type ctxKey struct{}

func ContextWithClaims(ctx context.Context, c *OperatorClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func ClaimsFromContext(ctx context.Context) (*OperatorClaims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*OperatorClaims)
	return c, ok
}
