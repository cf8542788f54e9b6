package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// OperatorAuthenticator turns a bearer credential into OperatorClaims.
type OperatorAuthenticator interface {
	Authenticate(bearer string) (*OperatorClaims, error)
}

// Validator validates operator JWTs against one or more JWKS endpoints.
type Validator struct {
	kf jwt.Keyfunc
}

// NewValidator fetches JWKS from one or more comma-separated URLs and returns
// a Validator that can parse and verify JWTs signed by any of those key sets.
func NewValidator(jwksURLs string) (*Validator, error) {
	urls := splitTrimmed(jwksURLs)
	if len(urls) == 0 {
		return nil, fmt.Errorf("auth: no JWKS URLs provided")
	}

	k, err := keyfunc.NewDefault(urls)
	if err != nil {
		return nil, fmt.Errorf("auth: fetch JWKS: %w", err)
	}

	return &Validator{kf: k.Keyfunc}, nil
}

// NewValidatorFromKeyfunc builds a Validator around an existing key lookup.
func NewValidatorFromKeyfunc(kf jwt.Keyfunc) *Validator {
	return &Validator{kf: kf}
}

// Authenticate parses and verifies a raw JWT string and returns the extracted claims.
func (v *Validator) Authenticate(tokenStr string) (*OperatorClaims, error) {
	token, err := jwt.Parse(tokenStr, v.kf,
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	claims := &OperatorClaims{
		Subject:  stringClaim(mapClaims, "sub"),
		Email:    stringClaim(mapClaims, "email"),
		TenantID: stringClaim(mapClaims, "tenant_id"),
		Role:     Role(stringClaim(mapClaims, "role")),
	}
	if claims.TenantID == "" {
		// Keycloak-issued tokens carry the tenant as org_id.
		claims.TenantID = stringClaim(mapClaims, "org_id")
	}
	if claims.Role == RoleService {
		// Only the static service key may hold the global role.
		claims.Role = RoleViewer
	}
	return claims, nil
}

// ServiceKeyAuthenticator accepts exactly one static bearer secret, the
// store's service-role key, and grants RoleService.
type ServiceKeyAuthenticator struct {
	key []byte
}

func NewServiceKeyAuthenticator(key string) *ServiceKeyAuthenticator {
	return &ServiceKeyAuthenticator{key: []byte(key)}
}

func (a *ServiceKeyAuthenticator) Authenticate(bearer string) (*OperatorClaims, error) {
	if len(a.key) == 0 || subtle.ConstantTimeCompare([]byte(bearer), a.key) != 1 {
		return nil, ErrInvalidToken
	}
	return &OperatorClaims{Subject: "service-role", Role: RoleService}, nil
}

// ChainAuthenticator tries each authenticator in order.
type ChainAuthenticator []OperatorAuthenticator

func (c ChainAuthenticator) Authenticate(bearer string) (*OperatorClaims, error) {
	for _, a := range c {
		if a == nil {
			continue
		}
		if claims, err := a.Authenticate(bearer); err == nil {
			return claims, nil
		}
	}
	return nil, ErrInvalidToken
}

func stringClaim(m jwt.MapClaims, key string) string {
	v, _ := m[key].(string)
	return v
}

func splitTrimmed(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
