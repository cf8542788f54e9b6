package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func newTestStore(c *qt.C) *SQLStore {
	s, err := OpenSQLite(context.Background(), filepath.Join(c.TempDir(), "bridge.db"))
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { s.Close() })
	return s
}

func TestRebindPostgres(t *testing.T) {
	c := qt.New(t)
	pg := &SQLStore{dialect: dialectPostgres}
	c.Assert(pg.q(`SELECT a FROM t WHERE x = ? AND y = ?`), qt.Equals, `SELECT a FROM t WHERE x = $1 AND y = $2`)
	lite := &SQLStore{dialect: dialectSQLite}
	c.Assert(lite.q(`x = ?`), qt.Equals, `x = ?`)
}

func TestDeviceLifecycle(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := newTestStore(c)

	d := &Device{TenantID: "T1", FarmID: "F1", DeviceID: "d1", DeviceType: "esp32",
		Capabilities: []string{"temp"}, DeviceKeyHash: "abc"}
	c.Assert(s.InsertDevice(ctx, d), qt.IsNil)
	c.Assert(d.ID, qt.Not(qt.Equals), "")
	c.Assert(s.InsertDevice(ctx, &Device{TenantID: "T1", DeviceID: "d1"}), qt.Equals, ErrConflict)

	// Same device_id under another tenant is a different device.
	c.Assert(s.InsertDevice(ctx, &Device{TenantID: "T2", DeviceID: "d1"}), qt.IsNil)

	got, err := s.GetDevice(ctx, "T1", "d1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, DeviceActive)
	c.Assert(got.Capabilities, qt.DeepEquals, []string{"temp"})
	c.Assert(got.LastSeenAt, qt.IsNil)

	seen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.Assert(s.TouchDevice(ctx, "T1", "d1", seen), qt.IsNil)
	got, err = s.GetDevice(ctx, "T1", "d1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.LastSeenAt.Equal(seen), qt.IsTrue)

	got.Status = DeviceOnline
	got.Metadata = map[string]any{"fw": "1.2.0"}
	c.Assert(s.UpdateDevice(ctx, got), qt.IsNil)
	got, err = s.GetDevice(ctx, "T1", "d1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, DeviceOnline)
	c.Assert(got.Metadata["fw"], qt.Equals, "1.2.0")

	_, err = s.GetDevice(ctx, "T1", "missing")
	c.Assert(err, qt.Equals, ErrNotFound)
	c.Assert(s.TouchDevice(ctx, "T1", "missing", seen), qt.Equals, ErrNotFound)
}

func TestReadingsIgnoreDuplicates(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := newTestStore(c)

	d := &Device{TenantID: "T1", DeviceID: "d1"}
	c.Assert(s.InsertDevice(ctx, d), qt.IsNil)

	sn := &Sensor{DeviceID: d.ID, Key: "temp", Unit: "C"}
	c.Assert(s.UpsertSensor(ctx, sn), qt.IsNil)
	again := &Sensor{DeviceID: d.ID, Key: "temp", Unit: "C"}
	c.Assert(s.UpsertSensor(ctx, again), qt.IsNil)
	c.Assert(again.ID, qt.Equals, sn.ID)

	sensors, err := s.ListSensors(ctx, d.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(sensors, qt.HasLen, 1)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	readings := []Reading{{SensorID: sn.ID, Value: 21.5, Unit: "C", Timestamp: ts}}
	n, err := s.InsertReadings(ctx, readings)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 1)

	n, err = s.InsertReadings(ctx, readings)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 0)

	count, err := s.CountReadings(ctx, sn.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 1)
}

func TestCommandTransitions(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := newTestStore(c)

	cmd := &Command{TenantID: "T1", FarmID: "F1", DeviceID: "d1", CommandID: "c-1",
		Type: "relay", Params: map[string]any{"on": true}}
	c.Assert(s.InsertCommand(ctx, cmd), qt.IsNil)
	c.Assert(s.InsertCommand(ctx, &Command{TenantID: "T1", DeviceID: "d1", CommandID: "c-1", Type: "x"}), qt.Equals, ErrConflict)

	pending, err := s.ListPendingCommands(ctx, 10)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 1)
	c.Assert(pending[0].Params["on"], qt.Equals, true)

	key := cmd.Key()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ok, err := s.MarkCommandSent(ctx, key, at)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	ok, err = s.MarkCommandSent(ctx, key, at)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)

	pending, err = s.ListPendingCommands(ctx, 10)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 0)

	c.Assert(s.UpdateCommandStatus(ctx, key, CommandAcked, "done", at.Add(time.Second)), qt.IsNil)
	got, err := s.GetCommand(ctx, key)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, CommandAcked)
	c.Assert(got.Detail, qt.Equals, "done")
	c.Assert(got.SentAt.Equal(at), qt.IsTrue)
	c.Assert(got.AckedAt.Equal(at.Add(time.Second)), qt.IsTrue)

	nope := CommandKey{TenantID: "T1", DeviceID: "d1", CommandID: "nope"}
	_, err = s.GetCommand(ctx, nope)
	c.Assert(err, qt.Equals, ErrNotFound)
	c.Assert(s.UpdateCommandStatus(ctx, nope, CommandAcked, "", at), qt.Equals, ErrNotFound)
}

func TestCommandIDsAreScopedToDevice(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := newTestStore(c)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mine := &Command{TenantID: "T1", DeviceID: "d1", CommandID: "c1", Type: "relay"}
	theirs := &Command{TenantID: "T2", DeviceID: "d1", CommandID: "c1", Type: "pump"}
	sibling := &Command{TenantID: "T1", DeviceID: "d2", CommandID: "c1", Type: "fan"}
	for _, cmd := range []*Command{mine, theirs, sibling} {
		c.Assert(s.InsertCommand(ctx, cmd), qt.IsNil)
	}

	ok, err := s.MarkCommandSent(ctx, mine.Key(), at)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(s.UpdateCommandStatus(ctx, theirs.Key(), CommandFailed, "jammed", at), qt.IsNil)

	got, err := s.GetCommand(ctx, mine.Key())
	c.Assert(err, qt.IsNil)
	c.Assert(got.Type, qt.Equals, "relay")
	c.Assert(got.Status, qt.Equals, CommandSent)

	got, err = s.GetCommand(ctx, theirs.Key())
	c.Assert(err, qt.IsNil)
	c.Assert(got.Type, qt.Equals, "pump")
	c.Assert(got.Status, qt.Equals, CommandFailed)

	got, err = s.GetCommand(ctx, sibling.Key())
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, CommandPending)
}

func TestClaimLookupHonoursExpiryAndUse(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := newTestStore(c)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	claim := &Claim{TokenHash: "h1", TenantID: "T1", FarmID: "F1", ExpiresAt: now.Add(time.Hour),
		IPAllowList: []string{"10.0.0.1"}}
	c.Assert(s.InsertClaim(ctx, claim), qt.IsNil)
	c.Assert(s.InsertClaim(ctx, &Claim{TokenHash: "h1", TenantID: "T1", ExpiresAt: now}), qt.Equals, ErrConflict)

	got, err := s.GetActiveClaimByHash(ctx, "h1", now)
	c.Assert(err, qt.IsNil)
	c.Assert(got.ID, qt.Equals, claim.ID)
	c.Assert(got.IPAllowList, qt.DeepEquals, []string{"10.0.0.1"})

	_, err = s.GetActiveClaimByHash(ctx, "h1", now.Add(2*time.Hour))
	c.Assert(err, qt.Equals, ErrNotFound)

	c.Assert(s.MarkClaimUsed(ctx, claim.ID, "d1", now), qt.IsNil)
	c.Assert(s.MarkClaimUsed(ctx, claim.ID, "d2", now), qt.Equals, ErrClaimUsed)
	_, err = s.GetActiveClaimByHash(ctx, "h1", now)
	c.Assert(err, qt.Equals, ErrNotFound)
}

func TestBindClaimIsSingleUse(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := newTestStore(c)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	claim := &Claim{TokenHash: "h1", TenantID: "T1", ExpiresAt: now.Add(time.Hour)}
	c.Assert(s.InsertClaim(ctx, claim), qt.IsNil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		used    int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.BindClaim(ctx, claim.ID, &Device{TenantID: "T1", DeviceID: "d1", DeviceKeyHash: "k"}, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, ErrClaimUsed):
				used++
			default:
				t.Errorf("unexpected bind error: %v", err)
			}
		}()
	}
	wg.Wait()
	c.Assert(success, qt.Equals, 1)
	c.Assert(used, qt.Equals, 7)
}

func TestBindClaimRekeysExistingDevice(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := newTestStore(c)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	c.Assert(s.InsertDevice(ctx, &Device{TenantID: "T1", DeviceID: "d1", DeviceKeyHash: "old", Status: DeviceInactive}), qt.IsNil)
	claim := &Claim{TokenHash: "h1", TenantID: "T1", ExpiresAt: now.Add(time.Hour)}
	c.Assert(s.InsertClaim(ctx, claim), qt.IsNil)

	c.Assert(s.BindClaim(ctx, claim.ID, &Device{TenantID: "T1", DeviceID: "d1", DeviceKeyHash: "new"}, now), qt.IsNil)
	got, err := s.GetDevice(ctx, "T1", "d1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.DeviceKeyHash, qt.Equals, "new")
	c.Assert(got.Status, qt.Equals, DeviceActive)
}

func TestDeleteExpiredClaims(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := newTestStore(c)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	c.Assert(s.InsertClaim(ctx, &Claim{TokenHash: "old", TenantID: "T1", ExpiresAt: now.Add(-48 * time.Hour)}), qt.IsNil)
	c.Assert(s.InsertClaim(ctx, &Claim{TokenHash: "fresh", TenantID: "T1", ExpiresAt: now.Add(time.Hour)}), qt.IsNil)

	n, err := s.DeleteExpiredClaims(ctx, now.Add(-24*time.Hour))
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(1))
	_, err = s.GetActiveClaimByHash(ctx, "fresh", now)
	c.Assert(err, qt.IsNil)
}

func TestBrokerConfigs(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := newTestStore(c)

	c.Assert(s.UpsertBrokerConfig(ctx, &FarmBrokerConfig{FarmID: "F1", TenantID: "T1", BrokerURL: "mqtt://broker",
		Port: 1883, AuthMode: BrokerAuthUserPass, Username: "u", SecretEnc: "enc", ClientIDPrefix: "bridge", QoS: 1, Active: true}), qt.IsNil)
	c.Assert(s.UpsertBrokerConfig(ctx, &FarmBrokerConfig{FarmID: "F2", TenantID: "T1", BrokerURL: "mqtt://other", Active: false}), qt.IsNil)

	configs, err := s.ListActiveBrokerConfigs(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(configs, qt.HasLen, 1)
	c.Assert(configs[0].FarmID, qt.Equals, "F1")
	c.Assert(configs[0].QoS, qt.Equals, byte(1))
	c.Assert(configs[0].LastTestOK, qt.IsNil)

	c.Assert(s.UpsertBrokerConfig(ctx, &FarmBrokerConfig{FarmID: "F1", TenantID: "T1", BrokerURL: "mqtt://moved", Active: true}), qt.IsNil)
	configs, err = s.ListActiveBrokerConfigs(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(configs[0].BrokerURL, qt.Equals, "mqtt://moved")
}
