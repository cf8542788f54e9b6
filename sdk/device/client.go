// Package device is a small Go client for field devices and edge gateways
// talking to the bridge over HTTP: bind with a setup token, keep a device
// token fresh, and post signed telemetry.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/velomano/smart-on-sub004/shared/auth"
)

// refreshBefore is how long before expiry a cached token is replaced.
const refreshBefore = 5 * time.Minute

// Credentials are what a device must persist after binding.
type Credentials struct {
	TenantID  string `json:"tenant_id"`
	FarmID    string `json:"farm_id"`
	DeviceID  string `json:"device_id"`
	DeviceKey string `json:"device_key"`
}

// BindRequest describes the device to the bridge.
type BindRequest struct {
	DeviceID     string   `json:"device_id"`
	DeviceType   string   `json:"device_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Reading is one measurement. A zero TS lets the bridge stamp it.
type Reading struct {
	Key     string
	Value   float64
	Unit    string
	TS      time.Time
	Quality string
}

type wireReading struct {
	Key     string  `json:"key"`
	Value   float64 `json:"value"`
	Unit    string  `json:"unit,omitempty"`
	TS      string  `json:"ts,omitempty"`
	Quality string  `json:"quality,omitempty"`
}

// TelemetryResult reports how many readings the bridge stored and dropped.
type TelemetryResult struct {
	Stored  int `json:"stored"`
	Dropped int `json:"dropped"`
}

// APIError is a non-2xx answer from the bridge.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bridge: HTTP %d: %s", e.Status, e.Message)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	now     func() time.Time
	sign    bool

	mu       sync.Mutex
	creds    Credentials
	token    string
	tokenExp time.Time
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithCredentials restores credentials saved from an earlier Bind.
func WithCredentials(cr Credentials) Option { return func(c *Client) { c.creds = cr } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithSigning adds x-timestamp and x-signature headers to telemetry.
func WithSigning() Option { return func(c *Client) { c.sign = true } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Credentials returns the current device credentials.
func (c *Client) Credentials() Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// Bind consumes setupToken and stores the issued credentials and token.
func (c *Client) Bind(ctx context.Context, setupToken string, req BindRequest) (Credentials, error) {
	var out struct {
		Credentials
		DeviceToken    string    `json:"device_token"`
		TokenExpiresAt time.Time `json:"token_expires_at"`
	}
	hdr := http.Header{"X-Setup-Token": {setupToken}}
	if err := c.post(ctx, "/api/provisioning/bind", hdr, req, &out); err != nil {
		return Credentials{}, fmt.Errorf("bind: %w", err)
	}
	c.mu.Lock()
	c.creds = out.Credentials
	c.token, c.tokenExp = out.DeviceToken, out.TokenExpiresAt
	c.mu.Unlock()
	return out.Credentials, nil
}

// Token returns a device token, refreshing it shortly before it expires and
// falling back to the device key when it cannot be refreshed.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, exp, creds := c.token, c.tokenExp, c.creds
	c.mu.Unlock()

	now := c.now()
	if token != "" && now.Before(exp.Add(-refreshBefore)) {
		return token, nil
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	err := errNoToken
	if token != "" && now.Before(exp) {
		err = c.post(ctx, "/api/auth/refresh", nil, map[string]string{"token": token}, &out)
	}
	if err != nil {
		if creds.DeviceKey == "" {
			return "", fmt.Errorf("token: no device key")
		}
		if err = c.post(ctx, "/api/auth/token", nil, map[string]string{
			"tenant_id":  creds.TenantID,
			"device_id":  creds.DeviceID,
			"device_key": creds.DeviceKey,
		}, &out); err != nil {
			return "", fmt.Errorf("token: %w", err)
		}
	}

	c.mu.Lock()
	c.token, c.tokenExp = out.Token, now.Add(time.Duration(out.ExpiresIn)*time.Second)
	c.mu.Unlock()
	return out.Token, nil
}

var errNoToken = fmt.Errorf("no token")

// SendTelemetry posts readings authenticated with the device token.
func (c *Client) SendTelemetry(ctx context.Context, readings []Reading) (TelemetryResult, error) {
	var res TelemetryResult
	token, err := c.Token(ctx)
	if err != nil {
		return res, err
	}
	wire := make([]wireReading, len(readings))
	for i, r := range readings {
		wire[i] = wireReading{Key: r.Key, Value: r.Value, Unit: r.Unit, Quality: r.Quality}
		if !r.TS.IsZero() {
			wire[i].TS = r.TS.UTC().Format(time.RFC3339Nano)
		}
	}
	body, err := json.Marshal(map[string]any{"readings": wire})
	if err != nil {
		return res, err
	}

	hdr := http.Header{"Authorization": {"Bearer " + token}}
	if c.sign {
		creds := c.Credentials()
		ts := strconv.FormatInt(c.now().Unix(), 10)
		secret := []byte(auth.HashDeviceKey(creds.DeviceKey))
		hdr.Set("X-Timestamp", ts)
		hdr.Set("X-Signature", auth.Sign(secret, append([]byte(ts+"."), body...)))
	}
	if err := c.do(ctx, "/api/bridge/telemetry", hdr, body, &res); err != nil {
		return res, fmt.Errorf("telemetry: %w", err)
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, path string, hdr http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, path, hdr, body, out)
}

func (c *Client) do(ctx context.Context, path string, hdr http.Header, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(b, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(b))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
