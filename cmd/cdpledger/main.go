package main

import (
	"CDPLedger/internal/config"
	"CDPLedger/internal/core"
	"CDPLedger/internal/index"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"
	"CDPLedger/internal/server"
	"CDPLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const drainTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		logger := observability.NewLogger("main")
		logger.Fatal().Err(err).Msg("cdpledger stopped")
	}
}

func run() error {
	cfgPath := flag.String("config", config.Path("configs/cdpledger.toml"), "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	zerolog.SetGlobalLevel(observability.ParseLogLevel(cfg.LogLevel))
	logger := observability.NewLogger("main")
	logger.Info().Str("path", *cfgPath).Interface("config", cfg.Redacted()).Msg("CDPLedger starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := openPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	var (
		dbChecker core.DBIdempotencyChecker
		snapMgr   *persistence.SnapshotManager
	)
	if db != nil {
		defer db.Close()
		healthChecker.AddCheck("postgres", db.PingContext)
		dbChecker = persistence.NewPostgresIdempotencyChecker(db)
		snapMgr = persistence.NewSnapshotManager(db)
	} else {
		logger.Warn().Msg("postgres.dsn not set: running in memory, nothing survives a restart")
	}

	var archiver *persistence.SnapshotArchiver
	if cfg.Archive.Enabled {
		if archiver, err = persistence.NewSnapshotArchiver(ctx, cfg.ArchiveSettings()); err != nil {
			return fmt.Errorf("snapshot archive: %w", err)
		}
	}

	// --- Deterministic core ---
	coreOut := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	projectionOut := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)
	c, err := core.NewDeterministicCore(cfg.CoreConfig(), coreOut, projectionOut, dbChecker, metrics)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}

	if snapMgr != nil {
		res, err := persistence.Recover(ctx, c, snapMgr, archiver)
		if err != nil {
			return fmt.Errorf("recovery: %w", err)
		}
		logger.Info().
			Int64("snapshot_sequence", res.SnapshotSequence).
			Str("snapshot_source", res.SnapshotSource).
			Int64("replayed", res.Replayed).
			Int64("next_sequence", c.GetSequence()).
			Msg("state recovered")
	}

	// --- Sorted index ---
	sorter, closeSorter, err := openSorter(ctx, cfg.Redis, healthChecker)
	if err != nil {
		return err
	}
	defer closeSorter()
	feeder := projection.NewIndexFeeder(sorter)
	if err := feeder.Seed(ctx, projection.SeedFromCore(c)); err != nil {
		return fmt.Errorf("seed index: %w", err)
	}

	sequencer := core.NewSequencer(c, cfg.Pipeline.SequencerQueueSize, metrics)

	// --- Pipeline workers ---
	// They run on their own context so they can drain after the serving
	// side stops; closing the core channels is what ends them.
	pipeCtx, cancelPipe := context.WithCancel(context.Background())
	defer cancelPipe()
	pipe, pipeCtx := errgroup.WithContext(pipeCtx)

	var persistIn chan core.CoreOutput
	if db != nil {
		persistIn = make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
		worker := persistence.NewPersistenceWorker(db, persistIn, cfg.Pipeline.PersistBatchSize, cfg.Pipeline.PersistFlushTimeout.Duration, metrics)
		pipe.Go(func() error { return worker.Run(pipeCtx) })
	}

	projWorker := projection.NewWorker(db, feeder, projectionOut, metrics).
		WithResync(func(ctx context.Context) (projection.IndexSeed, error) {
			var seed projection.IndexSeed
			err := sequencer.Read(ctx, func(c *core.DeterministicCore) {
				seed = projection.SeedFromCore(c)
			})
			return seed, err
		})
	pipe.Go(func() error { return projWorker.Run(pipeCtx) })

	// --- NATS ---
	var (
		publishIn chan ingestion.PublishableEvent
		natsConn  *nats.Conn
		natsSub   *ingestion.NATSSubscriber
		natsLoop  *ingestion.Loop
		rawEvents chan ingestion.RawEvent
	)
	if cfg.NATS.Enabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		natsConn = nc
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats: " + nc.Status().String())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure nats streams: %w", err)
		}
		if cfg.NATS.Publish {
			if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
				return fmt.Errorf("ensure outbound stream: %w", err)
			}
			publishIn = make(chan ingestion.PublishableEvent, cfg.Pipeline.PublishChanSize)
			publisher := ingestion.NewOutboundPublisher(js, publishIn)
			pipe.Go(func() error { return publisher.Run(pipeCtx) })
		}

		subjects := ingestion.DefaultSubjects()
		rawEvents = make(chan ingestion.RawEvent, cfg.NATS.QueueSize)
		natsSub = ingestion.NewNATSSubscriber(js, rawEvents)
		if err := natsSub.Subscribe(ctx, subjects); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		natsLoop = ingestion.NewLoop(subjects, sequencer, cfg.NATS.QueueSize)
	}

	pipe.Go(func() error {
		ingestion.Tee(pipeCtx, coreOut, persistIn, publishIn, metrics)
		return nil
	})

	// --- Services ---
	queryService := query.NewQueryService(sequencer, db, sorter, metrics)
	ingestService := ingestion.NewGRPCIngestService(sequencer, cfg.Protocol.Admins[0]).
		WithOracle(cfg.Protocol.Oracles[0])

	var snapshotter *persistence.Snapshotter
	if snapMgr != nil {
		snapshotter = persistence.NewSnapshotter(sequencer, snapMgr, archiver, cfg.SnapshotterSettings(), metrics)
	}

	srv := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		DB:            db,
		Reader:        sequencer,
		QueryService:  queryService,
		IngestService: ingestService,
		SnapshotMgr:   snapMgr,
		Snapshotter:   snapshotter,
		HealthChecker: healthChecker,
		AdminToken:    cfg.Server.AdminToken,
	})

	// --- Serving side ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sequencer.Run(gctx) })
	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error { return srv.StartGRPC(gctx) })
	}
	if cfg.Server.HTTPAddr != "" {
		g.Go(func() error { return srv.StartHTTPGateway(gctx) })
	}
	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr) })
	}
	if snapshotter != nil {
		g.Go(func() error { return snapshotter.Run(gctx) })
	}
	if natsLoop != nil {
		g.Go(func() error { return natsLoop.Run(gctx, rawEvents) })
	}

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", c.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Bool("postgres", db != nil).
		Bool("nats", natsConn != nil).
		Bool("redis", cfg.Redis.Enabled).
		Msg("CDPLedger ready")

	serveErr := g.Wait()
	if serveErr != nil {
		logger.Error().Err(serveErr).Msg("component failed, shutting down")
	} else {
		logger.Info().Msg("shutdown signal received")
	}

	// --- Graceful shutdown ---
	// The sequencer has stopped, so nothing emits on the core channels any
	// more. Closing them lets the workers flush and return.
	healthChecker.SetReady(false)
	if natsSub != nil {
		natsSub.Stop()
	}
	close(coreOut)
	close(projectionOut)

	drained := make(chan error, 1)
	go func() { drained <- pipe.Wait() }()
	select {
	case err := <-drained:
		if err != nil {
			logger.Error().Err(err).Msg("pipeline worker failed")
		}
	case <-time.After(drainTimeout):
		logger.Error().Dur("timeout", drainTimeout).Msg("pipeline drain timed out")
		cancelPipe()
		<-drained
	}

	if snapMgr != nil {
		finalSnapshot(snapMgr, archiver, c, cfg, metrics, logger)
	}

	logger.Info().Int64("sequence", c.GetSequence()).Msg("CDPLedger shutdown complete")
	return serveErr
}

// openPostgres connects and migrates. It returns a nil DB when no DSN is
// configured.
func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if cfg.RunMigrations {
		migrator := persistence.NewMigratorFS(db, migrations.FS)
		if cfg.MigrationsDir != "" {
			migrator = persistence.NewMigrator(db, cfg.MigrationsDir)
		}
		if err := migrator.Up(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return db, nil
}

// openSorter returns the Redis index when enabled, the in-process one
// otherwise. The Redis index is rebuilt from the core on every start.
func openSorter(ctx context.Context, cfg config.RedisConfig, health *observability.HealthChecker) (index.Sorter, func(), error) {
	if !cfg.Enabled {
		return index.NewMemorySorter(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	health.AddCheck("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	return index.NewRedisSorter(rdb, cfg.Prefix), func() { rdb.Close() }, nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// stoppedReader reads the core directly once the sequencer has exited.
type stoppedReader struct{ c *core.DeterministicCore }

func (r stoppedReader) Read(_ context.Context, fn func(*core.DeterministicCore)) error {
	fn(r.c)
	return nil
}

func finalSnapshot(
	mgr *persistence.SnapshotManager,
	archiver *persistence.SnapshotArchiver,
	c *core.DeterministicCore,
	cfg *config.Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	snap, err := persistence.NewSnapshotter(stoppedReader{c}, mgr, archiver, cfg.SnapshotterSettings(), metrics).Take(ctx)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("final snapshot failed")
	case snap != nil:
		logger.Info().Int64("sequence", snap.Sequence).Msg("final snapshot saved")
	}
}
