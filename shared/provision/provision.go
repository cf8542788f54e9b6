// Package provision implements the setup-token provisioning state machine:
// CLAIMED (setup token issued) → BOUND (device identity + device key issued).
// A claim may also be EXPIRED, which is only ever decided at lookup time.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"time"

	"github.com/velomano/smart-on-sub004/shared/auth"
	"github.com/velomano/smart-on-sub004/shared/metrics"
	"github.com/velomano/smart-on-sub004/shared/storage"
)

var (
	// ErrAuthentication covers unknown, expired and reused setup tokens, IP
	// allow-list mismatches and bad device keys. Callers surface it as a
	// generic 401 and never echo which case it was.
	ErrAuthentication = errors.New("provision: authentication failed")
	// ErrValidation is a malformed request, rejected before any write.
	ErrValidation = errors.New("provision: invalid request")
)

const (
	// ExpiredClaimGrace is how long expired claims are retained before the sweep.
	ExpiredClaimGrace = 24 * time.Hour
	// MaxClaimTTL bounds operator-requested claim lifetimes.
	MaxClaimTTL = 7 * 24 * time.Hour
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// ValidDeviceID reports whether id can be used as a device ID. IDs appear in
// MQTT topics and broker subjects, so separators and wildcards are refused.
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// Store is the slice of the external store provisioning needs.
type Store interface {
	storage.ClaimStore
	GetDevice(ctx context.Context, tenantID, deviceID string) (*storage.Device, error)
}

// BoundEvent is emitted after a successful bind.
type BoundEvent struct {
	TokenHash string
	TenantID  string
	FarmID    string
	DeviceID  string
}

// Service runs the provisioning state machine.
type Service struct {
	store   Store
	tokens  *auth.TokenService
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	onBound func(BoundEvent)
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithMetrics records bind outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithBoundHook registers fn to run after every successful bind.
func WithBoundHook(fn func(BoundEvent)) Option { return func(s *Service) { s.onBound = fn } }

// NewService returns a provisioning Service.
func NewService(store Store, tokens *auth.TokenService, opts ...Option) *Service {
	s := &Service{
		store:  store,
		tokens: tokens,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────────────────────────────────
// Claims
// ──────────────────────────────────────────────────────────────────────────────

// ClaimRequest describes a claim to issue.
type ClaimRequest struct {
	TenantID    string
	FarmID      string
	TTL         time.Duration
	IPAllowList []string
	UserAgent   string
}

// ClaimResult carries the raw setup token. It is returned exactly once.
type ClaimResult struct {
	ClaimID    string
	SetupToken string
	ExpiresAt  time.Time
}

// CreateClaim issues a setup token. Only its SHA-256 hash is stored.
func (s *Service) CreateClaim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id required", ErrValidation)
	}
	if req.TTL <= 0 || req.TTL > MaxClaimTTL {
		return nil, fmt.Errorf("%w: ttl must be within (0, %s]", ErrValidation, MaxClaimTTL)
	}
	for _, entry := range req.IPAllowList {
		if _, err := parseAllowEntry(entry); err != nil {
			return nil, fmt.Errorf("%w: ip_allowlist entry %q", ErrValidation, entry)
		}
	}

	raw, err := auth.NewSetupToken()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	claim := &storage.Claim{
		TokenHash:   auth.HashToken(raw),
		TenantID:    req.TenantID,
		FarmID:      req.FarmID,
		ExpiresAt:   now.Add(req.TTL),
		IPAllowList: req.IPAllowList,
		UserAgent:   req.UserAgent,
		CreatedAt:   now,
	}
	if err := s.store.InsertClaim(ctx, claim); err != nil {
		return nil, fmt.Errorf("create claim: %w", err)
	}
	s.log.InfoContext(ctx, "claim created", "claim_id", claim.ID, "tenant_id", claim.TenantID,
		"farm_id", claim.FarmID, "expires_at", claim.ExpiresAt)
	return &ClaimResult{ClaimID: claim.ID, SetupToken: raw, ExpiresAt: claim.ExpiresAt}, nil
}

// GetClaimByToken returns the unused, unexpired claim for rawToken, or nil.
// Unknown, expired and used tokens are indistinguishable.
func (s *Service) GetClaimByToken(ctx context.Context, rawToken string) (*storage.Claim, error) {
	if rawToken == "" {
		return nil, nil
	}
	claim, err := s.store.GetActiveClaimByHash(ctx, auth.HashToken(rawToken), s.now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup claim: %w", err)
	}
	return claim, nil
}

// MarkClaimAsUsed is the CLAIMED → BOUND transition on its own. It fails with
// storage.ErrClaimUsed for the loser of a race.
func (s *Service) MarkClaimAsUsed(ctx context.Context, claimID, deviceID string) error {
	return s.store.MarkClaimUsed(ctx, claimID, deviceID, s.now().UTC())
}

// CleanupExpiredClaims deletes claims that expired more than
// ExpiredClaimGrace ago. Expiry itself is enforced at lookup.
func (s *Service) CleanupExpiredClaims(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredClaims(ctx, s.now().UTC().Add(-ExpiredClaimGrace))
	if err != nil {
		return 0, fmt.Errorf("cleanup claims: %w", err)
	}
	if n > 0 {
		s.log.InfoContext(ctx, "expired claims removed", "count", n)
	}
	return n, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Bind
// ──────────────────────────────────────────────────────────────────────────────

// BindRequest is a device presenting its setup token.
type BindRequest struct {
	SetupToken   string
	DeviceID     string
	DeviceType   string
	Capabilities []string
	RemoteIP     string
}

// BindResult carries the raw device key, returned exactly once.
type BindResult struct {
	DeviceID       string
	TenantID       string
	FarmID         string
	DeviceKey      string
	DeviceToken    string
	TokenExpiresAt time.Time
}

// Bind consumes the setup token and issues the device identity. All
// validation happens before the single atomic store write.
func (s *Service) Bind(ctx context.Context, req BindRequest) (*BindResult, error) {
	res, err := s.bind(ctx, req)
	switch {
	case err == nil:
		s.metrics.Bind("ok")
	case errors.Is(err, ErrValidation):
		s.metrics.Bind("invalid")
	case errors.Is(err, ErrAuthentication):
		s.metrics.Bind("denied")
	default:
		s.metrics.Bind("error")
	}
	return res, err
}

func (s *Service) bind(ctx context.Context, req BindRequest) (*BindResult, error) {
	if req.SetupToken == "" {
		return nil, ErrAuthentication
	}
	if !ValidDeviceID(req.DeviceID) {
		return nil, fmt.Errorf("%w: device_id", ErrValidation)
	}
	for _, c := range req.Capabilities {
		if c == "" {
			return nil, fmt.Errorf("%w: empty capability", ErrValidation)
		}
	}

	claim, err := s.GetClaimByToken(ctx, req.SetupToken)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		s.log.WarnContext(ctx, "bind rejected", "reason", "unknown, expired or used token")
		return nil, ErrAuthentication
	}
	if !ipAllowed(claim.IPAllowList, req.RemoteIP) {
		s.log.WarnContext(ctx, "bind rejected", "reason", "ip not allow-listed", "claim_id", claim.ID, "ip", req.RemoteIP)
		return nil, ErrAuthentication
	}

	rawKey, err := auth.NewDeviceKey()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	device := &storage.Device{
		TenantID:      claim.TenantID,
		FarmID:        claim.FarmID,
		DeviceID:      req.DeviceID,
		DeviceType:    req.DeviceType,
		Capabilities:  req.Capabilities,
		DeviceKeyHash: auth.HashDeviceKey(rawKey),
		Status:        storage.DeviceActive,
		CreatedAt:     now,
	}
	if err := s.store.BindClaim(ctx, claim.ID, device, now); err != nil {
		if errors.Is(err, storage.ErrClaimUsed) {
			s.log.WarnContext(ctx, "bind rejected", "reason", "claim already used", "claim_id", claim.ID)
			return nil, ErrAuthentication
		}
		return nil, fmt.Errorf("bind claim: %w", err)
	}

	token, err := s.tokens.GenerateDeviceToken(auth.DeviceIdentity{
		DeviceID:     device.DeviceID,
		TenantID:     device.TenantID,
		FarmID:       device.FarmID,
		DeviceType:   device.DeviceType,
		Capabilities: device.Capabilities,
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "device bound", "claim_id", claim.ID, "tenant_id", device.TenantID, "device_id", device.DeviceID)
	if s.onBound != nil {
		s.onBound(BoundEvent{
			TokenHash: claim.TokenHash,
			TenantID:  device.TenantID,
			FarmID:    device.FarmID,
			DeviceID:  device.DeviceID,
		})
	}
	return &BindResult{
		DeviceID:       device.DeviceID,
		TenantID:       device.TenantID,
		FarmID:         device.FarmID,
		DeviceKey:      rawKey,
		DeviceToken:    token,
		TokenExpiresAt: now.Add(s.tokens.DeviceTokenTTL()),
	}, nil
}

// AuthenticateDevice verifies a raw device key by recomputing its hash.
func (s *Service) AuthenticateDevice(ctx context.Context, tenantID, deviceID, rawKey string) (*storage.Device, error) {
	if tenantID == "" || deviceID == "" || rawKey == "" {
		return nil, ErrAuthentication
	}
	device, err := s.store.GetDevice(ctx, tenantID, deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrAuthentication
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device: %w", err)
	}
	if device.Status == storage.DeviceDeleted || device.DeviceKeyHash == "" ||
		!auth.CompareHash(rawKey, device.DeviceKeyHash) {
		return nil, ErrAuthentication
	}
	return device, nil
}

func parseAllowEntry(entry string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(entry); err == nil {
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}

// ipAllowed reports whether ip is covered by list. An empty list allows all.
func ipAllowed(list []string, ip string) bool {
	if len(list) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range list {
		p, err := parseAllowEntry(entry)
		if err != nil {
			continue
		}
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
