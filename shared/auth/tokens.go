package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenIssuer    = "universal-bridge"
	DeviceAudience = "bridge-devices"
	SetupAudience  = "setup-tokens"

	DefaultDeviceTokenTTL = 24 * time.Hour
	DefaultSetupTokenTTL  = time.Hour
)

// ErrInvalidToken is the only failure verification reports. Expired, forged
// and wrong-audience tokens are indistinguishable to callers.
var ErrInvalidToken = errors.New("invalid token")

// DeviceClaims is the payload of a device token.
type DeviceClaims struct {
	jwt.RegisteredClaims
	DeviceID     string   `json:"device_id"`
	TenantID     string   `json:"tenant_id"`
	FarmID       string   `json:"farm_id,omitempty"`
	DeviceType   string   `json:"device_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// SetupClaims is the payload of a setup (provisioning) token.
type SetupClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	FarmID   string `json:"farm_id,omitempty"`
}

// DeviceIdentity carries the fields stamped into a device token.
type DeviceIdentity struct {
	DeviceID     string
	TenantID     string
	FarmID       string
	DeviceType   string
	Capabilities []string
}

// TokenService issues and verifies HS256 device and setup tokens. It holds no
// state beyond the signing secret.
type TokenService struct {
	secret    []byte
	deviceTTL time.Duration
	setupTTL  time.Duration
	now       func() time.Time
}

// TokenOption customises a TokenService.
type TokenOption func(*TokenService)

// WithDeviceTTL overrides the device-token lifetime.
func WithDeviceTTL(d time.Duration) TokenOption {
	return func(s *TokenService) {
		if d > 0 {
			s.deviceTTL = d
		}
	}
}

// WithSetupTTL overrides the setup-token lifetime.
func WithSetupTTL(d time.Duration) TokenOption {
	return func(s *TokenService) {
		if d > 0 {
			s.setupTTL = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) { s.now = now }
}

// NewTokenService returns a TokenService signing with secret.
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("auth: JWT secret must be at least 16 bytes")
	}
	s := &TokenService{
		secret:    []byte(secret),
		deviceTTL: DefaultDeviceTokenTTL,
		setupTTL:  DefaultSetupTokenTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DeviceTokenTTL returns the configured device-token lifetime.
func (s *TokenService) DeviceTokenTTL() time.Duration { return s.deviceTTL }

func (s *TokenService) registered(subject, audience string, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    TokenIssuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *TokenService) sign(claims jwt.Claims) (string, error) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tok, nil
}

// GenerateDeviceToken signs a device token for id.
func (s *TokenService) GenerateDeviceToken(id DeviceIdentity) (string, error) {
	if id.DeviceID == "" || id.TenantID == "" {
		return "", fmt.Errorf("auth: device_id and tenant_id required")
	}
	claims := &DeviceClaims{
		RegisteredClaims: s.registered(id.DeviceID, DeviceAudience, s.deviceTTL),
		DeviceID:         id.DeviceID,
		TenantID:         id.TenantID,
		FarmID:           id.FarmID,
		DeviceType:       id.DeviceType,
		Capabilities:     id.Capabilities,
	}
	return s.sign(claims)
}

// VerifyToken checks signature, issuer, audience and expiry of a device token.
func (s *TokenService) VerifyToken(token string) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	if err := s.parse(token, claims, DeviceAudience); err != nil {
		return nil, err
	}
	if claims.DeviceID == "" || claims.TenantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RefreshDeviceToken verifies token and issues a brand-new one carrying the
// same identity. The old token is not revoked and stays valid until it expires.
func (s *TokenService) RefreshDeviceToken(token string) (string, error) {
	claims, err := s.VerifyToken(token)
	if err != nil {
		return "", err
	}
	return s.GenerateDeviceToken(DeviceIdentity{
		DeviceID:     claims.DeviceID,
		TenantID:     claims.TenantID,
		FarmID:       claims.FarmID,
		DeviceType:   claims.DeviceType,
		Capabilities: claims.Capabilities,
	})
}

// GenerateSetupToken signs a setup token for tenantID (and optionally farmID).
func (s *TokenService) GenerateSetupToken(tenantID, farmID string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("auth: tenant_id required")
	}
	claims := &SetupClaims{
		RegisteredClaims: s.registered(tenantID, SetupAudience, s.setupTTL),
		TenantID:         tenantID,
		FarmID:           farmID,
	}
	return s.sign(claims)
}

// VerifySetupToken is VerifyToken for the setup audience. A device token is
// never accepted here, nor a setup token by VerifyToken.
func (s *TokenService) VerifySetupToken(token string) (*SetupClaims, error) {
	claims := &SetupClaims{}
	if err := s.parse(token, claims, SetupAudience); err != nil {
		return nil, err
	}
	if claims.TenantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *TokenService) parse(token string, claims jwt.Claims, audience string) error {
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

// DecodeToken returns the claims of token without verifying anything. It is
// for display and refresh hinting only.
func (s *TokenService) DecodeToken(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenTimeToLive returns max(0, exp-now) for token, without verifying it.
// Never use the result for an authorization decision.
func (s *TokenService) TokenTimeToLive(token string) time.Duration {
	claims, err := s.DecodeToken(token)
	if err != nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	if ttl := exp.Sub(s.now()); ttl > 0 {
		return ttl
	}
	return 0
}
