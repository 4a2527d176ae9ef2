// Package config holds the node configuration: listen addresses, the
// Postgres / NATS / Redis / S3 connections, pipeline sizing and the
// protocol parameters handed to the deterministic core.
package config

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/state"
	"CDPLedger/internal/valuation"
	"fmt"
	"strings"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig       `toml:"server"`
	Postgres    PostgresConfig     `toml:"postgres"`
	NATS        NATSConfig         `toml:"nats"`
	Redis       RedisConfig        `toml:"redis"`
	Archive     ArchiveConfig      `toml:"archive"`
	Pipeline    PipelineConfig     `toml:"pipeline"`
	Protocol    ProtocolConfig     `toml:"protocol"`
	Collaterals []CollateralConfig `toml:"collateral"`
	LogLevel    string             `toml:"log_level"`
}

// ServerConfig holds listen addresses. AdminToken, when set, guards the
// admin service and the /v1/admin routes.
type ServerConfig struct {
	GRPCAddr    string `toml:"grpc_addr"`
	HTTPAddr    string `toml:"http_addr"`
	MetricsAddr string `toml:"metrics_addr"`
	AdminToken  string `toml:"admin_token"`
}

// PostgresConfig holds the event log database. An empty DSN runs the node
// in memory only: no persistence, no recovery, no history queries.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	RunMigrations bool   `toml:"run_migrations"`
	// MigrationsDir overrides the embedded migrations when set.
	MigrationsDir string `toml:"migrations_dir"`
}

// NATSConfig holds the JetStream connection used for inbound commands and
// outbound ledger events.
type NATSConfig struct {
	Enabled   bool   `toml:"enabled"`
	URL       string `toml:"url"`
	QueueSize int    `toml:"queue_size"`
	// Publish forwards committed events to the outbound stream.
	Publish bool `toml:"publish"`
}

// RedisConfig selects the Redis-backed sorted index. When disabled the
// node keeps the index in process memory.
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// ArchiveConfig holds the S3-compatible snapshot archive.
type ArchiveConfig struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// PipelineConfig sizes the channels and workers around the core.
type PipelineConfig struct {
	PersistChanSize        int      `toml:"persist_chan_size"`
	ProjectionChanSize     int      `toml:"projection_chan_size"`
	PublishChanSize        int      `toml:"publish_chan_size"`
	SequencerQueueSize     int      `toml:"sequencer_queue_size"`
	PersistBatchSize       int      `toml:"persist_batch_size"`
	PersistFlushTimeout    duration `toml:"persist_flush_timeout"`
	SnapshotInterval       int64    `toml:"snapshot_interval"`
	SnapshotCheckEvery     duration `toml:"snapshot_check_every"`
	SnapshotKeep           int      `toml:"snapshot_keep"`
	InvariantCheckInterval int64    `toml:"invariant_check_interval"`
	IdempotencyCacheSize   int      `toml:"idempotency_cache_size"`
}

// ProtocolConfig carries the risk parameters and the callers allowed to
// bridge funds and publish prices.
type ProtocolConfig struct {
	StableDenom          string   `toml:"stable_denom"`
	MCR                  uint64   `toml:"mcr"`
	LiquidationThreshold uint64   `toml:"liquidation_threshold"`
	MinCollateral        uint64   `toml:"min_collateral"`
	MinLoan              uint64   `toml:"min_loan"`
	BorrowFeeBps         uint64   `toml:"borrow_fee_bps"`
	MaxPriceAge          duration `toml:"max_price_age"`
	MinConfidence        uint64   `toml:"min_confidence"`
	Admins               []string `toml:"admins"`
	Oracles              []string `toml:"oracles"`
}

// CollateralConfig registers one collateral denom.
type CollateralConfig struct {
	Denom         string `toml:"denom"`
	Decimals      int    `toml:"decimals"`
	PriceExponent int    `toml:"price_exponent"`
}

// duration is a wrapper around time.Duration that decodes TOML strings
// such as "10ms" or "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible defaults for a local
// node: in-memory index, no NATS, no archive.
func Defaults() Config {
	p := state.DefaultProtocolParams
	return Config{
		Server: ServerConfig{
			GRPCAddr:    ":9090",
			HTTPAddr:    ":8080",
			MetricsAddr: ":9091",
		},
		Postgres: PostgresConfig{
			RunMigrations: true,
		},
		NATS: NATSConfig{
			URL:       "nats://localhost:4222",
			QueueSize: 4096,
			Publish:   true,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "cdp",
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "snapshots",
		},
		Pipeline: PipelineConfig{
			PersistChanSize:        1024,
			ProjectionChanSize:     2048,
			PublishChanSize:        1024,
			SequencerQueueSize:     1024,
			PersistBatchSize:       50,
			PersistFlushTimeout:    duration{10 * time.Millisecond},
			SnapshotInterval:       100_000,
			SnapshotCheckEvery:     duration{10 * time.Second},
			SnapshotKeep:           5,
			InvariantCheckInterval: 1000,
			IdempotencyCacheSize:   1_000_000,
		},
		Protocol: ProtocolConfig{
			StableDenom:          "ucdp",
			MCR:                  p.MCR,
			LiquidationThreshold: p.LiquidationThreshold,
			MinCollateral:        p.MinCollateral,
			MinLoan:              p.MinLoan,
			BorrowFeeBps:         p.BorrowFeeBps,
			MaxPriceAge:          duration{5 * time.Minute},
			MinConfidence:        1,
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks that all required fields are present and values are in
// range. Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: trace, debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.GRPCAddr == "" && c.Server.HTTPAddr == "" {
		errs = append(errs, "server: at least one of grpc_addr, http_addr must be set")
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			errs = append(errs, "nats: url must not be empty when enabled")
		}
		if c.NATS.QueueSize < 1 {
			errs = append(errs, "nats: queue_size must be >= 1")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty when enabled")
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
		if c.Postgres.DSN == "" {
			errs = append(errs, "archive: requires postgres.dsn")
		}
	}

	pl := c.Pipeline
	if pl.PersistChanSize < 1 || pl.ProjectionChanSize < 1 || pl.PublishChanSize < 1 || pl.SequencerQueueSize < 1 {
		errs = append(errs, "pipeline: channel sizes must be >= 1")
	}
	if pl.PersistBatchSize < 1 {
		errs = append(errs, "pipeline: persist_batch_size must be >= 1")
	}
	if pl.PersistFlushTimeout.Duration <= 0 {
		errs = append(errs, "pipeline: persist_flush_timeout must be > 0")
	}
	if pl.SnapshotInterval < 1 {
		errs = append(errs, "pipeline: snapshot_interval must be >= 1")
	}
	if pl.SnapshotKeep < 0 {
		errs = append(errs, "pipeline: snapshot_keep must be >= 0")
	}

	if c.Protocol.StableDenom == "" {
		errs = append(errs, "protocol: stable_denom must not be empty")
	}
	params := c.Params()
	if err := state.ValidateProtocolParams(&params); err != nil {
		errs = append(errs, "protocol: "+err.Error())
	}
	if c.Protocol.MaxPriceAge.Duration <= 0 {
		errs = append(errs, "protocol: max_price_age must be > 0")
	}
	if len(c.Protocol.Admins) == 0 {
		errs = append(errs, "protocol: at least one admin is required")
	}
	if len(c.Protocol.Oracles) == 0 {
		errs = append(errs, "protocol: at least one oracle is required")
	}

	if len(c.Collaterals) == 0 {
		errs = append(errs, "collateral: at least one [[collateral]] entry is required")
	}
	seen := make(map[string]bool, len(c.Collaterals))
	for _, col := range c.Collaterals {
		if seen[col.Denom] {
			errs = append(errs, fmt.Sprintf("collateral: duplicate denom %q", col.Denom))
		}
		seen[col.Denom] = true
		if col.Denom == c.Protocol.StableDenom {
			errs = append(errs, fmt.Sprintf("collateral: %q is the stable denom", col.Denom))
		}
		if err := col.collateral().Validate(); err != nil {
			errs = append(errs, "collateral: "+err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Params returns the protocol parameters in core units.
func (c *Config) Params() state.ProtocolParams {
	return state.ProtocolParams{
		MCR:                  c.Protocol.MCR,
		LiquidationThreshold: c.Protocol.LiquidationThreshold,
		MinCollateral:        c.Protocol.MinCollateral,
		MinLoan:              c.Protocol.MinLoan,
		BorrowFeeBps:         c.Protocol.BorrowFeeBps,
	}
}

// CoreConfig builds the deterministic core configuration.
func (c *Config) CoreConfig() core.Config {
	cols := make([]valuation.Collateral, len(c.Collaterals))
	for i, col := range c.Collaterals {
		cols[i] = col.collateral()
	}
	return core.Config{
		Stable:                 c.Protocol.StableDenom,
		Collaterals:            cols,
		Params:                 c.Params(),
		MaxPriceAge:            c.Protocol.MaxPriceAge.Duration,
		MinConfidence:          c.Protocol.MinConfidence,
		Admins:                 c.Protocol.Admins,
		Oracles:                c.Protocol.Oracles,
		InvariantCheckInterval: c.Pipeline.InvariantCheckInterval,
		IdempotencyCacheSize:   c.Pipeline.IdempotencyCacheSize,
	}
}

// ArchiveSettings converts the archive section for the snapshot archiver.
func (c *Config) ArchiveSettings() persistence.ArchiveConfig {
	a := c.Archive
	return persistence.ArchiveConfig{
		Endpoint:       a.Endpoint,
		Region:         a.Region,
		Bucket:         a.Bucket,
		Prefix:         a.Prefix,
		AccessKey:      a.AccessKey,
		SecretKey:      a.SecretKey,
		ForcePathStyle: a.ForcePathStyle,
	}
}

// SnapshotterSettings converts the snapshot cadence for the snapshotter.
func (c *Config) SnapshotterSettings() persistence.SnapshotterConfig {
	return persistence.SnapshotterConfig{
		Interval:   c.Pipeline.SnapshotInterval,
		CheckEvery: c.Pipeline.SnapshotCheckEvery.Duration,
		Keep:       c.Pipeline.SnapshotKeep,
	}
}

func (c CollateralConfig) collateral() valuation.Collateral {
	return valuation.Collateral{Denom: c.Denom, Decimals: c.Decimals, PriceExponent: c.PriceExponent}
}

// Redacted returns a copy safe to log: secrets are masked.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&c.Server.AdminToken)
	mask(&c.Redis.Password)
	mask(&c.Archive.AccessKey)
	mask(&c.Archive.SecretKey)
	if c.Postgres.DSN != "" {
		c.Postgres.DSN = redactDSN(c.Postgres.DSN)
	}
	return c
}

// redactDSN masks the password of a postgres:// URL.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || scheme+3 > at {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		return dsn[:scheme+3] + userinfo[:colon] + ":***" + dsn[at:]
	}
	return dsn
}
