package main

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestLoadConfigDefaults(t *testing.T) {
	c := qt.New(t)
	c.Setenv("JWT_SECRET", "")
	c.Setenv("DATABASE_URL", "")
	c.Setenv("SUPABASE_DB_URL", "postgres://bridge@db/bridge")
	c.Setenv("TOKEN_EXPIRES_IN", "2h")
	c.Setenv("BRIDGE_MAX_CONNECTIONS", "not-a-number")

	cfg := loadConfig()
	c.Assert(cfg.HTTPAddr, qt.Equals, ":8080")
	c.Assert(cfg.DatabaseURL, qt.Equals, "postgres://bridge@db/bridge")
	c.Assert(cfg.DeviceTokenTTL, qt.Equals, 2*time.Hour)
	c.Assert(cfg.SetupTokenTTL, qt.Equals, time.Hour)
	c.Assert(cfg.MaxConnections, qt.Equals, 1000)
	c.Assert(cfg.DispatchInterval, qt.Equals, 10*time.Second)
	c.Assert(cfg.validate(), qt.ErrorMatches, "JWT_SECRET is required")
}

func TestConfigValidate(t *testing.T) {
	c := qt.New(t)
	base := config{JWTSecret: "0123456789abcdef", EncryptionKey: "k", StoreDriver: "sqlite", ServiceRoleKey: "svc"}
	c.Assert(base.validate(), qt.IsNil)

	cfg := base
	cfg.EncryptionKey = ""
	c.Assert(cfg.validate(), qt.ErrorMatches, "BRIDGE_ENCRYPTION_KEY is required")

	cfg = base
	cfg.StoreDriver = "postgres"
	c.Assert(cfg.validate(), qt.ErrorMatches, "DATABASE_URL or SUPABASE_DB_URL is required .*")

	cfg = base
	cfg.StoreDriver = "mongo"
	c.Assert(cfg.validate(), qt.ErrorMatches, `unknown STORE_DRIVER "mongo"`)
}
