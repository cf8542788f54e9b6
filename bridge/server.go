package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/velomano/smart-on-sub004/shared/auth"
	"github.com/velomano/smart-on-sub004/shared/bus"
	"github.com/velomano/smart-on-sub004/shared/mqttbridge"
	"github.com/velomano/smart-on-sub004/shared/provision"
	"github.com/velomano/smart-on-sub004/shared/storage"
	"github.com/velomano/smart-on-sub004/shared/wsbridge"
)

const (
	maxBodyBytes     = 1 << 20
	signatureSkew    = 5 * time.Minute
	defaultClaimTTL  = 10 * time.Minute
	errUnauthorized  = "unauthorized"
	errForbidden     = "forbidden"
	errInvalidBody   = "invalid request"
	errInternal      = "internal error"
	errDeviceMissing = "device not found"
)

// apiStore is what the HTTP API reads directly; everything else goes
// through the bus or the provisioning service.
type apiStore interface {
	GetDevice(ctx context.Context, tenantID, deviceID string) (*storage.Device, error)
	GetCommand(ctx context.Context, key storage.CommandKey) (*storage.Command, error)
	Ping(ctx context.Context) error
}

type server struct {
	store     apiStore
	bus       bus.Processor
	prov      *provision.Service
	tokens    *auth.TokenService
	operators auth.OperatorAuthenticator
	mqtt      *mqttbridge.Manager
	hub       *wsbridge.Hub
	now       func() time.Time
}

// ──────────────────────────────────────────────────────────────────────────────
// Routing
// ──────────────────────────────────────────────────────────────────────────────

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	protect := auth.HTTPMiddleware(s.operators)

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Device-facing
	mux.HandleFunc("POST /api/bridge/telemetry", s.handleTelemetry)
	mux.HandleFunc("POST /api/provisioning/bind", s.handleBind)
	mux.HandleFunc("POST /api/auth/token", s.handleDeviceToken)
	mux.HandleFunc("POST /api/auth/verify", s.handleVerify)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/auth/verify-setup-token", s.handleVerifySetupToken)

	// Operator-facing
	mux.Handle("POST /api/provisioning/claim", protect(http.HandlerFunc(s.handleClaim)))
	mux.Handle("POST /api/auth/setup-token", protect(http.HandlerFunc(s.handleSetupToken)))
	mux.Handle("POST /api/auth/decode-token", protect(http.HandlerFunc(s.handleDecodeToken)))
	mux.Handle("POST /api/commands", protect(http.HandlerFunc(s.handleCreateCommand)))
	mux.Handle("GET /api/devices/{deviceId}/commands/{commandId}", protect(http.HandlerFunc(s.handleGetCommand)))
	mux.Handle("GET /api/mqtt/status", protect(http.HandlerFunc(s.handleMQTTStatus)))

	if s.hub != nil {
		s.hub.Register(mux)
	}
	return auth.RequestIDMiddleware(mux)
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		auth.Logger(ctx).Warn("health check: store unreachable", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ──────────────────────────────────────────────────────────────────────────────
// Telemetry
// ──────────────────────────────────────────────────────────────────────────────

// handleTelemetry accepts {readings:[...]} from a device authenticated by a
// device token or its raw key, optionally signed.
func (s *server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := auth.Logger(ctx)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, errInvalidBody)
		return
	}
	device, err := s.authenticateDevice(r, body)
	if errors.Is(err, errDeviceAuth) {
		writeError(w, http.StatusUnauthorized, errUnauthorized)
		return
	}
	if err != nil {
		log.Error("telemetry: device lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}

	res, err := s.bus.Process(ctx, bus.DeviceMessage{
		Type:      bus.TypeTelemetry,
		Protocol:  bus.ProtocolHTTP,
		DeviceID:  device.DeviceID,
		TenantID:  device.TenantID,
		FarmID:    device.FarmID,
		Payload:   body,
		Timestamp: s.now(),
	})
	if !s.writeBusError(w, log, err) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"stored": res.Stored, "dropped": res.Dropped})
}

var errDeviceAuth = errors.New("device authentication failed")

// authenticateDevice accepts a device JWT (Bearer) or a raw x-device-key.
// When x-signature is present it must be the HMAC of "{x-timestamp}.{body}"
// keyed with the device key hash, and the timestamp must be recent.
func (s *server) authenticateDevice(r *http.Request, body []byte) (*storage.Device, error) {
	ctx := r.Context()
	log := auth.Logger(ctx)
	tenantID := r.Header.Get("x-tenant-id")
	deviceID := r.Header.Get("x-device-id")

	var device *storage.Device
	switch {
	case auth.BearerToken(r) != "":
		claims, err := s.tokens.VerifyToken(auth.BearerToken(r))
		if err != nil {
			return nil, errDeviceAuth
		}
		if (deviceID != "" && deviceID != claims.DeviceID) || (tenantID != "" && tenantID != claims.TenantID) {
			log.Warn("device token does not match headers", "device_id", deviceID)
			return nil, errDeviceAuth
		}
		d, err := s.store.GetDevice(ctx, claims.TenantID, claims.DeviceID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errDeviceAuth
		}
		if err != nil {
			return nil, err
		}
		if d.Status == storage.DeviceDeleted {
			return nil, errDeviceAuth
		}
		device = d
	case r.Header.Get("x-device-key") != "":
		d, err := s.prov.AuthenticateDevice(ctx, tenantID, deviceID, r.Header.Get("x-device-key"))
		if errors.Is(err, provision.ErrAuthentication) {
			log.Warn("device key rejected", "tenant_id", tenantID, "device_id", deviceID)
			return nil, errDeviceAuth
		}
		if err != nil {
			return nil, err
		}
		device = d
	default:
		return nil, errDeviceAuth
	}

	if sig := r.Header.Get("x-signature"); sig != "" {
		if !s.validSignature(device, r.Header.Get("x-timestamp"), body, sig) {
			log.Warn("telemetry signature rejected", "device_id", device.DeviceID)
			return nil, errDeviceAuth
		}
	}
	return device, nil
}

func (s *server) validSignature(device *storage.Device, ts string, body []byte, sig string) bool {
	if device.DeviceKeyHash == "" {
		return false
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if d := s.now().Sub(time.Unix(sec, 0)); d > signatureSkew || d < -signatureSkew {
		return false
	}
	payload := append([]byte(ts+"."), body...)
	return auth.VerifySignature([]byte(device.DeviceKeyHash), payload, sig)
}

// ──────────────────────────────────────────────────────────────────────────────
// Provisioning
// ──────────────────────────────────────────────────────────────────────────────

type claimRequest struct {
	TenantID    string   `json:"tenant_id"`
	FarmID      string   `json:"farm_id"`
	TTLSeconds  int      `json:"ttl_seconds"`
	IPAllowList []string `json:"ip_allowlist"`
}

func (s *server) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	op, _ := auth.ClaimsFromContext(ctx)
	if req.TenantID == "" {
		req.TenantID = op.TenantID
	}
	if !op.Role.CanProvision() || !op.CanAccessTenant(req.TenantID) {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if req.TTLSeconds == 0 {
		ttl = defaultClaimTTL
	}

	res, err := s.prov.CreateClaim(ctx, provision.ClaimRequest{
		TenantID:    req.TenantID,
		FarmID:      req.FarmID,
		TTL:         ttl,
		IPAllowList: req.IPAllowList,
		UserAgent:   r.UserAgent(),
	})
	if errors.Is(err, provision.ErrValidation) {
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return
	}
	if err != nil {
		auth.Logger(ctx).Error("create claim", "err", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"claim_id":    res.ClaimID,
		"setup_token": res.SetupToken,
		"expires_at":  res.ExpiresAt,
	})
}

type bindRequest struct {
	DeviceID     string   `json:"device_id"`
	DeviceType   string   `json:"device_type"`
	Capabilities []string `json:"capabilities"`
}

func (s *server) handleBind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req bindRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.prov.Bind(ctx, provision.BindRequest{
		SetupToken:   r.Header.Get("x-setup-token"),
		DeviceID:     req.DeviceID,
		DeviceType:   req.DeviceType,
		Capabilities: req.Capabilities,
		RemoteIP:     remoteIP(r),
	})
	switch {
	case errors.Is(err, provision.ErrValidation):
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return
	case errors.Is(err, provision.ErrAuthentication):
		writeError(w, http.StatusUnauthorized, errUnauthorized)
		return
	case err != nil:
		auth.Logger(ctx).Error("bind", "err", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"device_id":        res.DeviceID,
		"tenant_id":        res.TenantID,
		"farm_id":          res.FarmID,
		"device_key":       res.DeviceKey,
		"device_token":     res.DeviceToken,
		"token_expires_at": res.TokenExpiresAt,
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ──────────────────────────────────────────────────────────────────────────────
// Token lifecycle
// ──────────────────────────────────────────────────────────────────────────────

type tokenRequest struct {
	Token string `json:"token"`
}

// token returns the body token, falling back to the bearer header.
func (t tokenRequest) token(r *http.Request) string {
	if t.Token != "" {
		return t.Token
	}
	return auth.BearerToken(r)
}

type deviceTokenRequest struct {
	TenantID  string `json:"tenant_id"`
	DeviceID  string `json:"device_id"`
	DeviceKey string `json:"device_key"`
}

// handleDeviceToken exchanges a raw device key for a device token.
func (s *server) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req deviceTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := s.prov.AuthenticateDevice(ctx, req.TenantID, req.DeviceID, req.DeviceKey)
	if errors.Is(err, provision.ErrAuthentication) {
		writeError(w, http.StatusUnauthorized, errUnauthorized)
		return
	}
	if err != nil {
		auth.Logger(ctx).Error("device token: lookup", "err", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	token, err := s.tokens.GenerateDeviceToken(auth.DeviceIdentity{
		DeviceID:     d.DeviceID,
		TenantID:     d.TenantID,
		FarmID:       d.FarmID,
		DeviceType:   d.DeviceType,
		Capabilities: d.Capabilities,
	})
	if err != nil {
		auth.Logger(ctx).Error("device token: sign", "err", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	writeToken(w, "token", token, s.tokens.DeviceTokenTTL())
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claims, err := s.tokens.VerifyToken(req.token(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":        true,
		"device_id":    claims.DeviceID,
		"tenant_id":    claims.TenantID,
		"farm_id":      claims.FarmID,
		"device_type":  claims.DeviceType,
		"capabilities": claims.Capabilities,
		"expires_at":   claims.ExpiresAt.Time,
	})
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, err := s.tokens.RefreshDeviceToken(req.token(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeToken(w, "token", token, s.tokens.DeviceTokenTTL())
}

type setupTokenRequest struct {
	TenantID string `json:"tenant_id"`
	FarmID   string `json:"farm_id"`
}

func (s *server) handleSetupToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req setupTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	op, _ := auth.ClaimsFromContext(ctx)
	if req.TenantID == "" {
		req.TenantID = op.TenantID
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return
	}
	if !op.Role.CanProvision() || !op.CanAccessTenant(req.TenantID) {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	token, err := s.tokens.GenerateSetupToken(req.TenantID, req.FarmID)
	if err != nil {
		auth.Logger(ctx).Error("setup token: sign", "err", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	writeToken(w, "setup_token", token, s.tokens.TokenTimeToLive(token))
}

func (s *server) handleVerifySetupToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claims, err := s.tokens.VerifySetupToken(req.token(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      true,
		"tenant_id":  claims.TenantID,
		"farm_id":    claims.FarmID,
		"expires_at": claims.ExpiresAt.Time,
	})
}

// handleDecodeToken shows a token's claims without verifying it.
func (s *server) handleDecodeToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token := req.Token
	claims, err := s.tokens.DecodeToken(token)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"claims":     claims,
		"expires_in": int64(s.tokens.TokenTimeToLive(token).Seconds()),
	})
}

func writeToken(w http.ResponseWriter, field, token string, ttl time.Duration) {
	writeJSON(w, http.StatusOK, map[string]any{
		field:        token,
		"token_type": "Bearer",
		"expires_in": int64(ttl.Seconds()),
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Commands and status
// ──────────────────────────────────────────────────────────────────────────────

type commandRequest struct {
	TenantID  string         `json:"tenant_id"`
	FarmID    string         `json:"farm_id"`
	DeviceID  string         `json:"device_id"`
	CommandID string         `json:"command_id"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params"`
}

// handleCreateCommand queues a command through the bus, exactly as a
// command message from any adapter would.
func (s *server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := auth.Logger(ctx)
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	op, _ := auth.ClaimsFromContext(ctx)
	if req.TenantID == "" {
		req.TenantID = op.TenantID
	}
	if !op.CanAccessTenant(req.TenantID) || !op.Role.CanSendCommand() {
		writeError(w, http.StatusForbidden, errForbidden)
		return
	}
	payload, err := json.Marshal(bus.CommandPayload{CommandID: req.CommandID, Type: req.Type, Params: req.Params})
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return
	}
	res, err := s.bus.Process(ctx, bus.DeviceMessage{
		Type:      bus.TypeCommand,
		Protocol:  bus.ProtocolHTTP,
		DeviceID:  req.DeviceID,
		TenantID:  req.TenantID,
		FarmID:    req.FarmID,
		Payload:   payload,
		Timestamp: s.now(),
	})
	if !s.writeBusError(w, log, err) {
		return
	}
	code := http.StatusCreated
	if res.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]string{
		"command_id": res.CommandID,
		"device_id":  req.DeviceID,
		"status":     res.CommandStatus,
	})
}

// handleGetCommand reads one command of one device. Global operators name
// the tenant with ?tenant_id=; everyone else reads their own.
func (s *server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	op, _ := auth.ClaimsFromContext(ctx)
	key := storage.CommandKey{
		TenantID:  op.TenantID,
		DeviceID:  r.PathValue("deviceId"),
		CommandID: r.PathValue("commandId"),
	}
	if t := r.URL.Query().Get("tenant_id"); t != "" {
		key.TenantID = t
	}
	if !op.CanAccessTenant(key.TenantID) {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	cmd, err := s.store.GetCommand(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		auth.Logger(ctx).Error("get command", "err", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"command_id": cmd.CommandID,
		"tenant_id":  cmd.TenantID,
		"farm_id":    cmd.FarmID,
		"device_id":  cmd.DeviceID,
		"type":       cmd.Type,
		"params":     cmd.Params,
		"status":     cmd.Status,
		"detail":     cmd.Detail,
		"created_at": cmd.CreatedAt,
		"sent_at":    cmd.SentAt,
		"acked_at":   cmd.AckedAt,
	})
}

func (s *server) handleMQTTStatus(w http.ResponseWriter, r *http.Request) {
	op, _ := auth.ClaimsFromContext(r.Context())
	out := []mqttbridge.ConnStatus{}
	if s.mqtt != nil {
		for _, st := range s.mqtt.Status() {
			if op.CanAccessTenant(st.TenantID) {
				out = append(out, st)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

// writeBusError maps a bus failure to a response. It reports whether the
// caller may go on writing a success response.
func (s *server) writeBusError(w http.ResponseWriter, log *slog.Logger, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, bus.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid payload")
	case errors.Is(err, bus.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, errDeviceMissing)
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "command id already in use")
	default:
		log.Error("message processing failed", "err", err)
		writeError(w, http.StatusInternalServerError, errInternal)
	}
	return false
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, errInvalidBody)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
