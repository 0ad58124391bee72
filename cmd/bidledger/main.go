package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"BidLedger/internal/archive"
	"BidLedger/internal/config"
	"BidLedger/internal/core"
	"BidLedger/internal/fence"
	"BidLedger/internal/funds"
	"BidLedger/internal/identity"
	"BidLedger/internal/ingestion"
	"BidLedger/internal/money"
	"BidLedger/internal/observability"
	"BidLedger/internal/persistence"
	"BidLedger/internal/projection"
	"BidLedger/internal/query"
	"BidLedger/internal/realtime"
	"BidLedger/internal/server"

	"github.com/go-redis/redis/v9"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default: $BID_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	logger := observability.NewLoggerWithLevel("main", observability.ParseLevel(cfg.LogLevel))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger.Info().Msg("BidLedger starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir)
	if cfg.Postgres.AutoMigrate {
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	} else if pending, err := migrator.Pending(ctx); err != nil {
		logger.Fatal().Err(err).Msg("check migrations")
	} else if len(pending) > 0 {
		logger.Fatal().Strs("pending", pending).Msg("migrations not applied; run cmd/migrate up")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	health.AddCheck("postgres", db.PingContext)

	// --- Collaborators ---
	store := persistence.NewStore(db)
	snapshots := persistence.NewSnapshotManager(db)

	var settleFence core.Fence = fence.NewMemory()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis ping")
		}
		health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		owner := cfg.Redis.FenceOwner
		if owner == "" {
			owner, _ = os.Hostname()
		}
		settleFence = fence.NewRedis(rdb, owner, cfg.Redis.FenceTTL)
		logger.Info().Str("addr", cfg.Redis.Addr).Str("owner", owner).Msg("redis settlement fence")
	}

	provider, err := newFundsProvider(cfg.Funds)
	if err != nil {
		logger.Fatal().Err(err).Msg("funds provider")
	}
	dispatcher := funds.NewDispatcher(provider, cfg.Funds.QueueSize, cfg.Funds.Workers,
		cfg.Funds.MaxAttempts, cfg.Funds.RetryBackoff, metrics)

	// --- Channels ---
	// Persist channel blocks (backpressure); projection channel drops.
	persistChan := make(chan core.Output, cfg.Channels.PersistSize)
	projectionChan := make(chan core.Output, cfg.Channels.ProjectionSize)
	boardChan := make(chan core.Output, cfg.Channels.ProjectionSize)
	publishChan := make(chan core.Output, cfg.Channels.PublishSize)

	// --- Engine ---
	engine := core.NewEngine(engineConfig(cfg), core.Deps{
		Store:          store,
		Funds:          provider,
		Dispatcher:     dispatcher,
		Fence:          settleFence,
		Dedup:          persistence.NewPostgresIdempotencyChecker(db),
		Metrics:        metrics,
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
	})
	if err := engine.Recover(ctx); err != nil {
		logger.Fatal().Err(err).Msg("recover deadlines")
	}

	// --- Read side ---
	board := projection.NewBoard(cfg.Board.RecentBids, cfg.Board.ClosedRetain)
	hub := projection.NewHub(cfg.Board.SubscriberBuf, metrics)
	queries := query.NewQueryService(board, engine, store, snapshots)

	resolver := identity.Chain{identity.BearerResolver{}}
	if len(cfg.Server.APITokens) > 0 {
		tokens := make(map[string]uuid.UUID, len(cfg.Server.APITokens))
		for tok, id := range cfg.Server.APITokens {
			bidder, err := uuid.Parse(id)
			if err != nil {
				logger.Fatal().Err(err).Msg("parse api token bidder id")
			}
			tokens[tok] = bidder
		}
		resolver = append(identity.Chain{identity.NewTokenTable(tokens)}, resolver...)
	}
	svc := server.NewService(engine, queries, resolver, cfg.Server.AdminToken)

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, svc, metrics)
	router, err := server.NewRouter(server.HTTPDeps{
		Service:        svc,
		Health:         health,
		Metrics:        metrics,
		Feed:           realtime.NewHandler(board, hub, engine, cfg.Server.AllowedOrigins),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build router")
	}
	httpServer := server.NewHTTPServer(cfg.Server.HTTPAddr, router)

	// --- Goroutines ---
	g, gctx := errgroup.WithContext(ctx)

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics)
	g.Go(func() error { return persistWorker.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return engine.Scheduler().Run(gctx) })

	publish := publishChan
	if !cfg.NATS.Enabled {
		publish = nil
	}
	g.Go(func() error {
		fanOut(gctx, projectionChan, boardChan, publish, metrics)
		return nil
	})
	g.Go(func() error { return projection.NewProjectionWorker(board, hub, boardChan).Run(gctx) })

	if cfg.NATS.Enabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats not connected")
			}
			return nil
		})
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			logger.Fatal().Err(err).Msg("ensure NATS streams")
		}

		commands := make(chan ingestion.RawCommand, cfg.Channels.CommandSize)
		subscriber := ingestion.NewNATSSubscriber(js, commands)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}
		defer subscriber.Stop()

		processor := ingestion.NewCommandProcessor(engine, commands, cfg.NATS.CommandWorkers, metrics)
		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)
		g.Go(func() error { return processor.Run(gctx) })
		g.Go(func() error { return publisher.Run(gctx) })
	}

	if cfg.MinIO.Endpoint != "" {
		objects, err := archive.NewMinioStore(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.Bucket, cfg.MinIO.Secure)
		if err != nil {
			logger.Fatal().Err(err).Msg("minio client")
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.Fatal().Err(err).Msg("minio bucket")
		}
		archiver := archive.NewArchiver(snapshots, objects, cfg.MinIO.Interval, cfg.MinIO.Batch, cfg.MinIO.Workers, metrics)
		g.Go(func() error { return archiver.Run(gctx) })
	}

	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return httpServer.Start(gctx) })

	grpcServer.SetServing(true)
	health.SetReady(true)
	logger.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Bool("nats", cfg.NATS.Enabled).
		Msg("BidLedger ready")

	err = g.Wait()
	health.SetReady(false)
	engine.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("shutdown after failure")
		os.Exit(1)
	}
	logger.Info().Msg("BidLedger shutdown complete")
}

func engineConfig(cfg config.Config) core.Config {
	ec := core.DefaultConfig()
	ec.HoldAttempts = cfg.Funds.HoldAttempts
	ec.HoldBackoff = cfg.Funds.HoldBackoff
	ec.SettleAcquireTimeout = cfg.Engine.SettleAcquireTimeout
	ec.SettleMaxAttempts = cfg.Engine.SettleMaxAttempts
	ec.FenceRecheck = cfg.Engine.FenceRecheck
	ec.SchedulerTick = cfg.Engine.SchedulerTick
	ec.SchedulerWorkers = cfg.Engine.SchedulerWorkers
	ec.UnitInbox = cfg.Engine.UnitInbox
	ec.IdempotencyCapacity = cfg.Engine.IdempotencyCapacity
	ec.RegistryShards = cfg.Engine.RegistryShards
	ec.TombstoneCapacity = cfg.Engine.TombstoneCapacity
	return ec
}

func newFundsProvider(cfg config.FundsConfig) (funds.Provider, error) {
	if cfg.Provider == "http" {
		return funds.NewHTTPProvider(cfg.URL, cfg.Timeout), nil
	}
	limit, err := money.Parse(cfg.WalletLimit)
	if err != nil {
		return nil, err
	}
	return funds.NewWallet(limit), nil
}

// fanOut copies each projection output to the board and the publisher.
// Both sends drop when the consumer is behind; a nil publish channel
// disables publishing.
func fanOut(ctx context.Context, in <-chan core.Output, board, publish chan<- core.Output, metrics *observability.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}
			select {
			case board <- out:
			default:
				if metrics != nil {
					metrics.ProjectionDrops.WithLabelValues("board").Inc()
				}
			}
			if publish == nil {
				continue
			}
			select {
			case publish <- out:
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

