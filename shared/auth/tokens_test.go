package auth

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(c *qt.C, now *time.Time, opts ...TokenOption) *TokenService {
	opts = append(opts, WithClock(func() time.Time { return *now }))
	s, err := NewTokenService(testSecret, opts...)
	c.Assert(err, qt.IsNil)
	return s
}

func TestDeviceTokenRoundTrip(t *testing.T) {
	c := qt.New(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := newTestService(c, &now)

	tok, err := s.GenerateDeviceToken(DeviceIdentity{
		DeviceID:     "sensor-42",
		TenantID:     "T1",
		FarmID:       "F1",
		DeviceType:   "soil-probe",
		Capabilities: []string{"temperature", "humidity"},
	})
	c.Assert(err, qt.IsNil)

	claims, err := s.VerifyToken(tok)
	c.Assert(err, qt.IsNil)
	c.Assert(claims.DeviceID, qt.Equals, "sensor-42")
	c.Assert(claims.TenantID, qt.Equals, "T1")
	c.Assert(claims.FarmID, qt.Equals, "F1")
	c.Assert(claims.Capabilities, qt.DeepEquals, []string{"temperature", "humidity"})
	c.Assert(s.TokenTimeToLive(tok), qt.Equals, 24*time.Hour)
}

func TestVerifyTokenFailuresAreOpaque(t *testing.T) {
	c := qt.New(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := newTestService(c, &now, WithDeviceTTL(time.Minute))

	tok, err := s.GenerateDeviceToken(DeviceIdentity{DeviceID: "d1", TenantID: "T1"})
	c.Assert(err, qt.IsNil)

	other, err := NewTokenService("another-secret-another-secret")
	c.Assert(err, qt.IsNil)
	forged, err := other.GenerateDeviceToken(DeviceIdentity{DeviceID: "d1", TenantID: "T1"})
	c.Assert(err, qt.IsNil)

	setup, err := s.GenerateSetupToken("T1", "")
	c.Assert(err, qt.IsNil)

	_, err = s.VerifyToken(forged)
	c.Assert(err, qt.Equals, ErrInvalidToken)

	_, err = s.VerifyToken(setup)
	c.Assert(err, qt.Equals, ErrInvalidToken)

	_, err = s.VerifyToken("not-a-jwt")
	c.Assert(err, qt.Equals, ErrInvalidToken)

	now = now.Add(2 * time.Minute)
	_, err = s.VerifyToken(tok)
	c.Assert(err, qt.Equals, ErrInvalidToken)
	c.Assert(s.TokenTimeToLive(tok), qt.Equals, time.Duration(0))
}

func TestSetupTokenNotAcceptedAsDeviceTokenAndViceVersa(t *testing.T) {
	c := qt.New(t)
	now := time.Now()
	s := newTestService(c, &now)

	setup, err := s.GenerateSetupToken("T1", "F9")
	c.Assert(err, qt.IsNil)
	claims, err := s.VerifySetupToken(setup)
	c.Assert(err, qt.IsNil)
	c.Assert(claims.TenantID, qt.Equals, "T1")
	c.Assert(claims.FarmID, qt.Equals, "F9")
	c.Assert(s.TokenTimeToLive(setup) <= time.Hour, qt.IsTrue)

	dev, err := s.GenerateDeviceToken(DeviceIdentity{DeviceID: "d", TenantID: "T1"})
	c.Assert(err, qt.IsNil)
	_, err = s.VerifySetupToken(dev)
	c.Assert(err, qt.Equals, ErrInvalidToken)
}

func TestRefreshIssuesNewTokenWithoutRevokingOld(t *testing.T) {
	c := qt.New(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := newTestService(c, &now)

	old, err := s.GenerateDeviceToken(DeviceIdentity{DeviceID: "d1", TenantID: "T1", DeviceType: "valve"})
	c.Assert(err, qt.IsNil)

	now = now.Add(time.Hour)
	fresh, err := s.RefreshDeviceToken(old)
	c.Assert(err, qt.IsNil)
	c.Assert(fresh, qt.Not(qt.Equals), old)

	claims, err := s.VerifyToken(fresh)
	c.Assert(err, qt.IsNil)
	c.Assert(claims.DeviceType, qt.Equals, "valve")

	_, err = s.VerifyToken(old)
	c.Assert(err, qt.IsNil)
	c.Assert(s.TokenTimeToLive(old), qt.Equals, 23*time.Hour)
	c.Assert(s.TokenTimeToLive(fresh), qt.Equals, 24*time.Hour)
}

func TestDecodeTokenSkipsVerification(t *testing.T) {
	c := qt.New(t)
	other, err := NewTokenService("another-secret-another-secret")
	c.Assert(err, qt.IsNil)
	tok, err := other.GenerateDeviceToken(DeviceIdentity{DeviceID: "d7", TenantID: "T2"})
	c.Assert(err, qt.IsNil)

	now := time.Now()
	s := newTestService(c, &now)
	claims, err := s.DecodeToken(tok)
	c.Assert(err, qt.IsNil)
	c.Assert(claims["device_id"], qt.Equals, "d7")
	iss, err := claims.GetIssuer()
	c.Assert(err, qt.IsNil)
	c.Assert(iss, qt.Equals, TokenIssuer)

	_, err = s.DecodeToken("garbage")
	c.Assert(err, qt.Equals, ErrInvalidToken)
}

func TestTokenWithoutExpiryRejected(t *testing.T) {
	c := qt.New(t)
	now := time.Now()
	s := newTestService(c, &now)

	claims := &DeviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   TokenIssuer,
			Audience: jwt.ClaimStrings{DeviceAudience},
		},
		DeviceID: "d1",
		TenantID: "T1",
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	c.Assert(err, qt.IsNil)
	_, err = s.VerifyToken(tok)
	c.Assert(err, qt.Equals, ErrInvalidToken)
}

func TestNewTokenServiceRejectsShortSecret(t *testing.T) {
	_, err := NewTokenService("short")
	qt.Assert(t, err, qt.Not(qt.IsNil))
}
