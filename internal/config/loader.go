package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPath names the variable that points at the TOML file.
const EnvPath = "CDP_CONFIG"

// Load reads the TOML file at path on top of Defaults, then applies CDP_*
// environment overrides. A missing file is not an error, so a node can be
// configured from the environment alone. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// Path returns the config file location: CDP_CONFIG, or fallback.
func Path(fallback string) string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return fallback
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setStr(&cfg.Server.GRPCAddr, "CDP_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "CDP_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "CDP_METRICS_ADDR")
	setStr(&cfg.Server.AdminToken, "CDP_ADMIN_TOKEN")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CDP_POSTGRES_URL")
	setBool(&cfg.Postgres.RunMigrations, "CDP_RUN_MIGRATIONS")
	setStr(&cfg.Postgres.MigrationsDir, "CDP_MIGRATIONS_DIR")

	// ── NATS ──
	setBool(&cfg.NATS.Enabled, "CDP_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "CDP_NATS_URL")
	setInt(&cfg.NATS.QueueSize, "CDP_NATS_QUEUE_SIZE")
	setBool(&cfg.NATS.Publish, "CDP_NATS_PUBLISH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "CDP_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CDP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CDP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CDP_REDIS_DB")
	setStr(&cfg.Redis.Prefix, "CDP_REDIS_PREFIX")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "CDP_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "CDP_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "CDP_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "CDP_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.Prefix, "CDP_ARCHIVE_PREFIX")
	setStr(&cfg.Archive.AccessKey, "CDP_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "CDP_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.ForcePathStyle, "CDP_ARCHIVE_FORCE_PATH_STYLE")

	// ── Pipeline ──
	setInt(&cfg.Pipeline.PersistBatchSize, "CDP_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Pipeline.PersistFlushTimeout, "CDP_PERSIST_FLUSH_TIMEOUT")
	setInt64(&cfg.Pipeline.SnapshotInterval, "CDP_SNAPSHOT_INTERVAL")
	setInt(&cfg.Pipeline.SnapshotKeep, "CDP_SNAPSHOT_KEEP")
	setInt64(&cfg.Pipeline.InvariantCheckInterval, "CDP_INVARIANT_CHECK_INTERVAL")
	setInt(&cfg.Pipeline.IdempotencyCacheSize, "CDP_IDEMPOTENCY_CACHE_SIZE")

	// ── Protocol ──
	setStr(&cfg.Protocol.StableDenom, "CDP_STABLE_DENOM")
	setDuration(&cfg.Protocol.MaxPriceAge, "CDP_MAX_PRICE_AGE")
	setStringSlice(&cfg.Protocol.Admins, "CDP_ADMINS")
	setStringSlice(&cfg.Protocol.Oracles, "CDP_ORACLES")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "CDP_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
