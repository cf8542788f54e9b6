package provision

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/velomano/smart-on-sub004/shared/auth"
	"github.com/velomano/smart-on-sub004/shared/storage"
)

type fixture struct {
	store  *storage.SQLStore
	tokens *auth.TokenService
	svc    *Service
	now    time.Time
	bound  []BoundEvent
}

func newFixture(c *qt.C) *fixture {
	f := &fixture{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store, err := storage.OpenSQLite(context.Background(), filepath.Join(c.TempDir(), "bridge.db"))
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { store.Close() })
	f.store = store

	clock := func() time.Time { return f.now }
	f.tokens, err = auth.NewTokenService("provisioning-test-secret-0123456789", auth.WithClock(clock))
	c.Assert(err, qt.IsNil)

	var mu sync.Mutex
	f.svc = NewService(store, f.tokens, WithClock(clock), WithBoundHook(func(ev BoundEvent) {
		mu.Lock()
		f.bound = append(f.bound, ev)
		mu.Unlock()
	}))
	return f
}

func TestClaimBindScenario(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)

	claim, err := f.svc.CreateClaim(ctx, ClaimRequest{TenantID: "T1", TTL: 600 * time.Second})
	c.Assert(err, qt.IsNil)
	c.Assert(strings.HasPrefix(claim.SetupToken, "st_"), qt.IsTrue)
	c.Assert(claim.ExpiresAt.Equal(f.now.Add(10*time.Minute)), qt.IsTrue)

	res, err := f.svc.Bind(ctx, BindRequest{SetupToken: claim.SetupToken, DeviceID: "sensor-42",
		DeviceType: "soil-probe", Capabilities: []string{"temperature"}})
	c.Assert(err, qt.IsNil)
	c.Assert(strings.HasPrefix(res.DeviceKey, "dk_"), qt.IsTrue)
	c.Assert(res.TenantID, qt.Equals, "T1")

	claims, err := f.tokens.VerifyToken(res.DeviceToken)
	c.Assert(err, qt.IsNil)
	c.Assert(claims.DeviceID, qt.Equals, "sensor-42")

	device, err := f.store.GetDevice(ctx, "T1", "sensor-42")
	c.Assert(err, qt.IsNil)
	c.Assert(device.Status, qt.Equals, storage.DeviceActive)
	c.Assert(device.DeviceKeyHash, qt.Equals, auth.HashDeviceKey(res.DeviceKey))

	_, err = f.svc.Bind(ctx, BindRequest{SetupToken: claim.SetupToken, DeviceID: "sensor-43"})
	c.Assert(err, qt.ErrorIs, ErrAuthentication)

	c.Assert(f.bound, qt.HasLen, 1)
	c.Assert(f.bound[0].TokenHash, qt.Equals, auth.HashToken(claim.SetupToken))
	c.Assert(f.bound[0].DeviceID, qt.Equals, "sensor-42")
}

func TestConcurrentBindSucceedsOnce(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)

	claim, err := f.svc.CreateClaim(ctx, ClaimRequest{TenantID: "T1", TTL: time.Hour})
	c.Assert(err, qt.IsNil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Bind(ctx, BindRequest{SetupToken: claim.SetupToken, DeviceID: "sensor-42"})
			if err != nil && !errors.Is(err, ErrAuthentication) {
				t.Errorf("unexpected error: %v", err)
			}
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	c.Assert(success, qt.Equals, 1)
}

func TestExpiredClaimIsIndistinguishable(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)

	claim, err := f.svc.CreateClaim(ctx, ClaimRequest{TenantID: "T1", TTL: time.Minute})
	c.Assert(err, qt.IsNil)

	got, err := f.svc.GetClaimByToken(ctx, claim.SetupToken)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Not(qt.IsNil))

	f.now = f.now.Add(2 * time.Minute)
	got, err = f.svc.GetClaimByToken(ctx, claim.SetupToken)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.IsNil)

	got, err = f.svc.GetClaimByToken(ctx, "st_never-issued")
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.IsNil)

	_, err = f.svc.Bind(ctx, BindRequest{SetupToken: claim.SetupToken, DeviceID: "d1"})
	c.Assert(err, qt.ErrorIs, ErrAuthentication)
}

func TestValidationPrecedesState(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)

	claim, err := f.svc.CreateClaim(ctx, ClaimRequest{TenantID: "T1", TTL: time.Hour})
	c.Assert(err, qt.IsNil)

	_, err = f.svc.Bind(ctx, BindRequest{SetupToken: claim.SetupToken, DeviceID: "farms/+/bad"})
	c.Assert(err, qt.ErrorIs, ErrValidation)
	_, err = f.svc.Bind(ctx, BindRequest{SetupToken: claim.SetupToken, DeviceID: "d1", Capabilities: []string{""}})
	c.Assert(err, qt.ErrorIs, ErrValidation)

	// The claim is still usable after rejected malformed binds.
	got, err := f.svc.GetClaimByToken(ctx, claim.SetupToken)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Not(qt.IsNil))

	_, err = f.svc.CreateClaim(ctx, ClaimRequest{TenantID: "", TTL: time.Hour})
	c.Assert(err, qt.ErrorIs, ErrValidation)
	_, err = f.svc.CreateClaim(ctx, ClaimRequest{TenantID: "T1", TTL: 0})
	c.Assert(err, qt.ErrorIs, ErrValidation)
	_, err = f.svc.CreateClaim(ctx, ClaimRequest{TenantID: "T1", TTL: time.Hour, IPAllowList: []string{"not-an-ip"}})
	c.Assert(err, qt.ErrorIs, ErrValidation)
}

func TestIPAllowList(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)

	claim, err := f.svc.CreateClaim(ctx, ClaimRequest{TenantID: "T1", TTL: time.Hour,
		IPAllowList: []string{"10.0.0.0/24", "192.168.1.7"}})
	c.Assert(err, qt.IsNil)

	_, err = f.svc.Bind(ctx, BindRequest{SetupToken: claim.SetupToken, DeviceID: "d1", RemoteIP: "10.0.1.5"})
	c.Assert(err, qt.ErrorIs, ErrAuthentication)

	_, err = f.svc.Bind(ctx, BindRequest{SetupToken: claim.SetupToken, DeviceID: "d1", RemoteIP: "10.0.0.5"})
	c.Assert(err, qt.IsNil)
}

func TestIPAllowedMatching(t *testing.T) {
	c := qt.New(t)
	c.Assert(ipAllowed(nil, ""), qt.IsTrue)
	c.Assert(ipAllowed([]string{"192.168.1.7"}, "192.168.1.7"), qt.IsTrue)
	c.Assert(ipAllowed([]string{"192.168.1.7"}, "::ffff:192.168.1.7"), qt.IsTrue)
	c.Assert(ipAllowed([]string{"192.168.1.7"}, "192.168.1.8"), qt.IsFalse)
	c.Assert(ipAllowed([]string{"2001:db8::/32"}, "2001:db8::1"), qt.IsTrue)
	c.Assert(ipAllowed([]string{"10.0.0.0/8"}, "garbage"), qt.IsFalse)
}

func TestRawCredentialsNeverPersisted(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)

	claim, err := f.svc.CreateClaim(ctx, ClaimRequest{TenantID: "T1", TTL: time.Hour})
	c.Assert(err, qt.IsNil)
	res, err := f.svc.Bind(ctx, BindRequest{SetupToken: claim.SetupToken, DeviceID: "d1"})
	c.Assert(err, qt.IsNil)

	for _, table := range []string{"iot_devices", "device_claims"} {
		rows, err := f.store.DB().QueryContext(ctx, "SELECT * FROM "+table)
		c.Assert(err, qt.IsNil)
		cols, err := rows.Columns()
		c.Assert(err, qt.IsNil)
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			c.Assert(rows.Scan(ptrs...), qt.IsNil)
			for _, v := range vals {
				var s string
				switch v := v.(type) {
				case string:
					s = v
				case []byte:
					s = string(v)
				}
				c.Assert(strings.Contains(s, res.DeviceKey), qt.IsFalse, qt.Commentf("device key in %s", table))
				c.Assert(strings.Contains(s, claim.SetupToken), qt.IsFalse, qt.Commentf("setup token in %s", table))
			}
		}
		c.Assert(rows.Err(), qt.IsNil)
		rows.Close()
	}
}

func TestAuthenticateDevice(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)

	claim, err := f.svc.CreateClaim(ctx, ClaimRequest{TenantID: "T1", FarmID: "F1", TTL: time.Hour})
	c.Assert(err, qt.IsNil)
	res, err := f.svc.Bind(ctx, BindRequest{SetupToken: claim.SetupToken, DeviceID: "d1"})
	c.Assert(err, qt.IsNil)

	device, err := f.svc.AuthenticateDevice(ctx, "T1", "d1", res.DeviceKey)
	c.Assert(err, qt.IsNil)
	c.Assert(device.FarmID, qt.Equals, "F1")

	_, err = f.svc.AuthenticateDevice(ctx, "T1", "d1", "dk_wrong")
	c.Assert(err, qt.ErrorIs, ErrAuthentication)
	_, err = f.svc.AuthenticateDevice(ctx, "T2", "d1", res.DeviceKey)
	c.Assert(err, qt.ErrorIs, ErrAuthentication)
}

func TestCleanupExpiredClaimsKeepsGrace(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	f := newFixture(c)

	_, err := f.svc.CreateClaim(ctx, ClaimRequest{TenantID: "T1", TTL: time.Hour})
	c.Assert(err, qt.IsNil)

	f.now = f.now.Add(2 * time.Hour)
	n, err := f.svc.CleanupExpiredClaims(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(0))

	f.now = f.now.Add(24 * time.Hour)
	n, err = f.svc.CleanupExpiredClaims(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(1))
}
