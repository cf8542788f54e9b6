package device

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

// fakeBridge counts token endpoint calls and records telemetry headers.
type fakeBridge struct {
	mu       sync.Mutex
	calls    map[string]int
	lastHdr  http.Header
	lastBody map[string]any
	refuse   bool
}

func (f *fakeBridge) handler() http.Handler {
	mux := http.NewServeMux()
	hit := func(path string) {
		f.mu.Lock()
		f.calls[path]++
		f.mu.Unlock()
	}
	mux.HandleFunc("POST /api/auth/token", func(w http.ResponseWriter, r *http.Request) {
		hit(r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"token": "tok-key", "expires_in": 3600})
	})
	mux.HandleFunc("POST /api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		hit(r.URL.Path)
		f.mu.Lock()
		refuse := f.refuse
		f.mu.Unlock()
		if refuse {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid token"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"token": "tok-refreshed", "expires_in": 3600})
	})
	mux.HandleFunc("POST /api/bridge/telemetry", func(w http.ResponseWriter, r *http.Request) {
		hit(r.URL.Path)
		f.mu.Lock()
		f.lastHdr = r.Header.Clone()
		f.lastBody = map[string]any{}
		json.NewDecoder(r.Body).Decode(&f.lastBody)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]int{"stored": 1, "dropped": 0})
	})
	mux.HandleFunc("POST /api/provisioning/bind", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
	})
	return mux
}

func (f *fakeBridge) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func newFake(c *qt.C) (*fakeBridge, string) {
	f := &fakeBridge{calls: map[string]int{}}
	srv := httptest.NewServer(f.handler())
	c.Cleanup(srv.Close)
	return f, srv.URL
}

var creds = Credentials{TenantID: "T1", FarmID: "F1", DeviceID: "d1", DeviceKey: "dk_secret"}

func TestTokenIsCachedThenRefreshed(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f, url := newFake(c)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cl := New(url, WithCredentials(creds), WithClock(func() time.Time { return now }))

	tok, err := cl.Token(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(tok, qt.Equals, "tok-key")
	tok, err = cl.Token(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(tok, qt.Equals, "tok-key")
	c.Assert(f.count("/api/auth/token"), qt.Equals, 1)

	// Inside the refresh window the token is refreshed, not re-issued.
	now = now.Add(57 * time.Minute)
	tok, err = cl.Token(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(tok, qt.Equals, "tok-refreshed")
	c.Assert(f.count("/api/auth/refresh"), qt.Equals, 1)

	// A refused refresh falls back to the device key.
	f.mu.Lock()
	f.refuse = true
	f.mu.Unlock()
	now = now.Add(57 * time.Minute)
	tok, err = cl.Token(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(tok, qt.Equals, "tok-key")
	c.Assert(f.count("/api/auth/token"), qt.Equals, 2)
}

func TestSendTelemetrySigns(t *testing.T) {
	c := qt.New(t)
	f, url := newFake(c)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cl := New(url, WithCredentials(creds), WithSigning(), WithClock(func() time.Time { return now }))

	res, err := cl.SendTelemetry(context.Background(), []Reading{
		{Key: "temp", Value: 21.5, Unit: "C", TS: now.Add(-time.Second)},
		{Key: "hum", Value: 40},
	})
	c.Assert(err, qt.IsNil)
	c.Assert(res, qt.Equals, TelemetryResult{Stored: 1})

	f.mu.Lock()
	defer f.mu.Unlock()
	c.Assert(f.lastHdr.Get("Authorization"), qt.Equals, "Bearer tok-key")
	c.Assert(f.lastHdr.Get("X-Timestamp"), qt.Equals, strconv.FormatInt(now.Unix(), 10))
	c.Assert(f.lastHdr.Get("X-Signature"), qt.HasLen, 64)

	readings := f.lastBody["readings"].([]any)
	c.Assert(readings, qt.HasLen, 2)
	c.Assert(readings[0].(map[string]any)["ts"], qt.Equals, "2026-03-01T09:59:59Z")
	_, hasTS := readings[1].(map[string]any)["ts"]
	c.Assert(hasTS, qt.IsFalse)
}

func TestAPIError(t *testing.T) {
	c := qt.New(t)
	_, url := newFake(c)
	_, err := New(url).Bind(context.Background(), "st_used", BindRequest{DeviceID: "d1"})
	var apiErr *APIError
	c.Assert(errors.As(err, &apiErr), qt.IsTrue)
	c.Assert(apiErr.Status, qt.Equals, http.StatusUnauthorized)
	c.Assert(apiErr.Message, qt.Equals, "unauthorized")

	_, err = New(url).Token(context.Background())
	c.Assert(err, qt.ErrorMatches, "token: no device key")
}
