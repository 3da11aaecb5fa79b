package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ProtectionLedger/internal/config"
	"ProtectionLedger/internal/core"
	"ProtectionLedger/internal/ingestion"
	"ProtectionLedger/internal/keeper"
	"ProtectionLedger/internal/observability"
	"ProtectionLedger/internal/persistence"
	"ProtectionLedger/internal/projection"
	"ProtectionLedger/internal/query"
	"ProtectionLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Recover from the event log and serve commands and queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := observability.NewLoggerTo(os.Stdout, "protectionledger", observability.ParseLogLevel(cfg.LogLevel))
		return serve(cfg, logger)
	},
}

func serve(cfg config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("protection ledger starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")
	healthChecker.AddCheck("postgres", db.PingContext)

	if cfg.AutoMigrate {
		if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	// --- Channels ---
	// persist blocks (backpressure), projection and publish drop
	persistChan := make(chan *core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan *core.CoreOutput, cfg.ProjectionChanSize)
	submitChan := make(chan core.Submission, cfg.SubmitChanSize)
	var publishChan chan *core.CoreOutput
	if cfg.NATSEnabled {
		publishChan = make(chan *core.CoreOutput, cfg.PublishChanSize)
	}

	// --- Core ---
	protocol := core.NewProtocolCore(core.Config{
		Owner:          cfg.Owner,
		DSMAddress:     cfg.DSMAddress,
		LRUCapacity:    cfg.IdempotencyLRUCapacity,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		Metrics:        metrics,
		Logger:         logger,
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
	})

	// --- Recovery ---
	checkpoints := persistence.NewCheckpointStore(db)
	stats, err := persistence.Recover(ctx, checkpoints, protocol, cfg.ReplayPageSize, logger)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	logger.Info().
		Int("events", stats.Events).
		Int64("last_sequence", stats.LastSequence).
		Bool("checkpoint_verified", stats.CheckpointVerified).
		Msg("event log replayed")

	// --- Persistence worker ---
	// runs on its own context: it drains the persist channel after the core stops
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, publishChan, persistence.WorkerConfig{
		BatchSize:          cfg.PersistBatchSize,
		FlushTimeout:       cfg.PersistFlushTimeout,
		CheckpointInterval: cfg.CheckpointInterval,
	}, metrics, logger)
	persistDone := make(chan error, 1)
	go func() { persistDone <- persistWorker.Run(workerCtx) }()

	// --- Bootstrap ---
	if cfg.PoolsFile != "" {
		if err := bootstrap(cfg, protocol, logger); err != nil {
			return err
		}
	}

	// --- Read model ---
	store := projection.NewStore()
	store.Seed(protocol.Views(), protocol.GetSequence()-1)
	if err := projection.RebuildProjections(ctx, db, store); err != nil {
		logger.Warn().Err(err).Msg("projection tables not rebuilt")
	}

	errChan := make(chan error, 10)

	projWorker := projection.NewProjectionWorker(store, db, projectionChan, metrics, logger)
	go func() { errChan <- projWorker.Run(workerCtx) }()

	// read before the core goroutine owns the state
	partitions := protocol.SequenceValidator().Partitions()
	startSequence := protocol.GetSequence() - 1

	coreDone := make(chan struct{})
	go func() {
		protocol.Run(ctx, submitChan)
		close(coreDone)
	}()

	// --- NATS ---
	var (
		nc         *nats.Conn
		subscriber *ingestion.NATSSubscriber
	)
	if cfg.NATSEnabled {
		var js jetstream.JetStream
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats: not connected")
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}

		rawEventChan := make(chan ingestion.RawEvent, cfg.SubmitChanSize)
		subscriber = ingestion.NewNATSSubscriber(js, rawEventChan, logger)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubscriberConfig()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		router := ingestion.NewRouter(rawEventChan, submitChan, logger)
		go func() { errChan <- router.Run(ctx) }()

		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, logger)
		go func() { errChan <- publisher.Run(workerCtx) }()

		if cfg.Keeper.Enabled {
			k, err := keeper.New(keeper.Config{
				AssessSchedule: cfg.Keeper.AssessSchedule,
				AccrueSchedule: cfg.Keeper.AccrueSchedule,
				PublishTimeout: cfg.Keeper.PublishTimeout,
				MaxAttempts:    cfg.Keeper.MaxAttempts,
			}, js, store, partitions, metrics, logger)
			if err != nil {
				return fmt.Errorf("keeper: %w", err)
			}
			go func() { errChan <- k.Run(ctx) }()
		}
	}

	// --- gRPC + HTTP gateway ---
	srv := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, server.ServerDeps{
		QueryService:  query.NewQueryService(store, db, metrics),
		IngestService: ingestion.NewGRPCIngestService(submitChan),
		EventLog:      checkpoints,
		Rebuild: func(ctx context.Context) (int64, error) {
			seq := store.LastSequence()
			return seq, projection.RebuildProjections(ctx, db, store)
		},
		HealthChecker: healthChecker,
		Gatherer:      reg,
		Logger:        logger,
	})
	go func() { errChan <- srv.StartGRPC(ctx) }()
	go func() { errChan <- srv.StartHTTPGateway(ctx) }()

	healthChecker.SetReady(true)
	srv.SetServing(true)

	logger.Info().
		Int64("sequence", startSequence).
		Int("pools", len(store.Pools())).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Bool("nats", cfg.NATSEnabled).
		Bool("keeper", cfg.Keeper.Enabled).
		Msg("protection ledger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop intake, let the core finish its current command, then drain the
	// persist channel before the workers stop
	healthChecker.SetReady(false)
	srv.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	<-coreDone

	close(persistChan)
	close(projectionChan)
	select {
	case err := <-persistDone:
		if err != nil {
			logger.Error().Err(err).Msg("persistence worker")
		}
	case <-time.After(30 * time.Second):
		logger.Error().Msg("persistence worker did not drain in time")
	}
	cancelWorkers()

	logger.Info().Int64("sequence", protocol.GetSequence()-1).Msg("protection ledger stopped")
	return runErr
}

// bootstrap applies the pools file before the core goroutine starts
func bootstrap(cfg config.Config, protocol *core.ProtocolCore, logger zerolog.Logger) error {
	f, err := config.LoadPoolsFile(cfg.PoolsFile)
	if err != nil {
		return err
	}
	cmds, err := f.Commands(cfg.Owner)
	if err != nil {
		return err
	}
	res, err := config.Bootstrap(protocol, cmds, logger)
	if err != nil {
		return err
	}
	logger.Info().
		Str("file", cfg.PoolsFile).
		Int("applied", res.Applied).
		Int("skipped", res.Skipped).
		Msg("bootstrap complete")
	return nil
}
