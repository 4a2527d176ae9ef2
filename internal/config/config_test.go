package config_test

import (
	"CDPLedger/internal/config"
	"CDPLedger/internal/state"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cdpledger.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimal = `
[protocol]
admins  = ["bridge"]
oracles = ["oracle"]

[[collateral]]
denom          = "uatom"
decimals       = 6
price_exponent = 6
`

// ============================================================================
// Load
// ============================================================================

func TestLoad_ExampleFileValidates(t *testing.T) {
	cfg, err := config.Load("../../configs/cdpledger.example.toml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config invalid: %v", err)
	}
	if len(cfg.Collaterals) != 2 {
		t.Errorf("collaterals = %d, want 2", len(cfg.Collaterals))
	}
	if cfg.Pipeline.PersistFlushTimeout.Duration != 10*time.Millisecond {
		t.Errorf("persist_flush_timeout = %v", cfg.Pipeline.PersistFlushTimeout.Duration)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[server]
grpc_addr = ":7000"

[protocol]
mcr           = 150000000
max_price_age = "90s"
admins        = ["bridge"]
oracles       = ["oracle"]

[[collateral]]
denom          = "uatom"
decimals       = 6
price_exponent = 6
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.GRPCAddr != ":7000" {
		t.Errorf("grpc_addr = %q", cfg.Server.GRPCAddr)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("http_addr = %q, want default", cfg.Server.HTTPAddr)
	}
	if cfg.Protocol.MCR != 150_000_000 {
		t.Errorf("mcr = %d", cfg.Protocol.MCR)
	}
	if cfg.Protocol.LiquidationThreshold != state.DefaultProtocolParams.LiquidationThreshold {
		t.Errorf("liquidation_threshold = %d, want default", cfg.Protocol.LiquidationThreshold)
	}
	if cfg.Protocol.MaxPriceAge.Duration != 90*time.Second {
		t.Errorf("max_price_age = %v", cfg.Protocol.MaxPriceAge.Duration)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.SnapshotInterval != 100_000 {
		t.Errorf("snapshot_interval = %d", cfg.Pipeline.SnapshotInterval)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, "[server\ngrpc_addr = ")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CDP_POSTGRES_URL", "postgres://u:p@db:5432/cdp")
	t.Setenv("CDP_NATS_ENABLED", "true")
	t.Setenv("CDP_ORACLES", " feed-a, ,feed-b ")
	t.Setenv("CDP_MAX_PRICE_AGE", "2m")
	t.Setenv("CDP_SNAPSHOT_INTERVAL", "500")
	t.Setenv("CDP_REDIS_DB", "not-a-number")

	cfg, err := config.Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://u:p@db:5432/cdp" {
		t.Errorf("dsn = %q", cfg.Postgres.DSN)
	}
	if !cfg.NATS.Enabled {
		t.Error("nats not enabled")
	}
	if got := strings.Join(cfg.Protocol.Oracles, ","); got != "feed-a,feed-b" {
		t.Errorf("oracles = %q", got)
	}
	if cfg.Protocol.MaxPriceAge.Duration != 2*time.Minute {
		t.Errorf("max_price_age = %v", cfg.Protocol.MaxPriceAge.Duration)
	}
	if cfg.Pipeline.SnapshotInterval != 500 {
		t.Errorf("snapshot_interval = %d", cfg.Pipeline.SnapshotInterval)
	}
	if cfg.Redis.DB != 0 {
		t.Errorf("unparsable CDP_REDIS_DB applied: %d", cfg.Redis.DB)
	}
}

func TestPath(t *testing.T) {
	if got := config.Path("fallback.toml"); got != "fallback.toml" {
		t.Errorf("Path = %q", got)
	}
	t.Setenv(config.EnvPath, "/etc/cdp.toml")
	if got := config.Path("fallback.toml"); got != "/etc/cdp.toml" {
		t.Errorf("Path = %q", got)
	}
}

// ============================================================================
// Validate
// ============================================================================

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		cfg, err := config.Load(writeConfig(t, minimal))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"valid", func(c *config.Config) {}, ""},
		{"bad log level", func(c *config.Config) { c.LogLevel = "loud" }, "log_level"},
		{"no listeners", func(c *config.Config) { c.Server.GRPCAddr, c.Server.HTTPAddr = "", "" }, "at least one of grpc_addr"},
		{"nats without url", func(c *config.Config) { c.NATS.Enabled, c.NATS.URL = true, "" }, "nats: url"},
		{"redis without addr", func(c *config.Config) { c.Redis.Enabled, c.Redis.Addr = true, "" }, "redis: addr"},
		{"archive without bucket", func(c *config.Config) {
			c.Archive.Enabled = true
			c.Postgres.DSN = "postgres://localhost/cdp"
		}, "archive: bucket"},
		{"archive without postgres", func(c *config.Config) {
			c.Archive.Enabled, c.Archive.Bucket = true, "snaps"
		}, "requires postgres.dsn"},
		{"zero batch", func(c *config.Config) { c.Pipeline.PersistBatchSize = 0 }, "persist_batch_size"},
		{"mcr below threshold", func(c *config.Config) { c.Protocol.MCR = 105_000_000 }, "mcr"},
		{"fee too high", func(c *config.Config) { c.Protocol.BorrowFeeBps = 10_000 }, "borrow_fee_bps"},
		{"no oracles", func(c *config.Config) { c.Protocol.Oracles = nil }, "oracle"},
		{"no collateral", func(c *config.Config) { c.Collaterals = nil }, "[[collateral]]"},
		{"duplicate collateral", func(c *config.Config) {
			c.Collaterals = append(c.Collaterals, c.Collaterals[0])
		}, "duplicate denom"},
		{"collateral is stable", func(c *config.Config) { c.Collaterals[0].Denom = "ucdp" }, "stable denom"},
		{"decimal underflow", func(c *config.Config) { c.Collaterals[0].PriceExponent = -2 }, "collateral uatom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := config.Defaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("defaults alone must not validate")
	}
	for _, want := range []string{"admin", "oracle", "[[collateral]]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

// ============================================================================
// Conversions
// ============================================================================

func TestCoreConfig(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cc := cfg.CoreConfig()
	if cc.Stable != "ucdp" {
		t.Errorf("stable = %q", cc.Stable)
	}
	if cc.Params != state.DefaultProtocolParams {
		t.Errorf("params = %+v", cc.Params)
	}
	if len(cc.Collaterals) != 1 || cc.Collaterals[0].Denom != "uatom" || cc.Collaterals[0].PriceExponent != 6 {
		t.Errorf("collaterals = %+v", cc.Collaterals)
	}
	if cc.MaxPriceAge != 5*time.Minute {
		t.Errorf("max price age = %v", cc.MaxPriceAge)
	}
	if cc.IdempotencyCacheSize != 1_000_000 {
		t.Errorf("idempotency cache = %d", cc.IdempotencyCacheSize)
	}
}

func TestRedacted(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.AdminToken = "s3cret"
	cfg.Archive.SecretKey = "aws-secret"
	cfg.Postgres.DSN = "postgres://cdp:hunter2@db:5432/cdp?sslmode=disable"

	r := cfg.Redacted()
	if r.Server.AdminToken != "***" || r.Archive.SecretKey != "***" {
		t.Errorf("secrets not masked: %+v", r.Server)
	}
	if r.Postgres.DSN != "postgres://cdp:***@db:5432/cdp?sslmode=disable" {
		t.Errorf("dsn = %q", r.Postgres.DSN)
	}
	if r.Archive.AccessKey != "" {
		t.Errorf("empty access key became %q", r.Archive.AccessKey)
	}
	if cfg.Server.AdminToken != "s3cret" {
		t.Error("Redacted mutated the original")
	}
}
