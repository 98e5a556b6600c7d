// Command medledger-server runs the dashboard service: the HTTP API, the gRPC health surface,
// the ledger event indexer and the live refresh subscriptions.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/and161185/medledger/internal/auth"
	"github.com/and161185/medledger/internal/config"
	"github.com/and161185/medledger/internal/contentstore"
	"github.com/and161185/medledger/internal/indexer"
	"github.com/and161185/medledger/internal/ledger"
	"github.com/and161185/medledger/internal/ledger/ledgertest"
	"github.com/and161185/medledger/internal/limiter"
	"github.com/and161185/medledger/internal/migrate"
	"github.com/and161185/medledger/internal/repository"
	"github.com/and161185/medledger/internal/repository/memory"
	"github.com/and161185/medledger/internal/repository/postgres"
	grpcserver "github.com/and161185/medledger/internal/server/grpc"
	httpserver "github.com/and161185/medledger/internal/server/http"
	"github.com/and161185/medledger/internal/service"
	"github.com/and161185/medledger/internal/session"
	"github.com/and161185/medledger/internal/subscription"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	envFile := flag.String("env", "", "path to a .env file (default .env when present)")
	dev := flag.Bool("dev", false, "development logging and gRPC reflection")
	inMemory := flag.Bool("memory", false, "run against an in-memory ledger and content store")
	flag.Parse()

	cfg := config.Load(*envFile)

	logger, _ := zap.NewProduction()
	if *dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.HTTPAddr),
		zap.String("grpc", cfg.GRPCAddr),
	)

	if cfg.JWTSecret == "" {
		logger.Fatal("missing JWT_SECRET")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger
	var l ledger.Ledger
	defaultAdmin := common.HexToAddress(cfg.DefaultAdmin)
	if *inMemory {
		l = ledgertest.New(defaultAdmin)
		logger.Warn("using in-memory ledger")
	} else {
		if !common.IsHexAddress(cfg.Contract) {
			logger.Fatal("CONTRACT_ADDRESS is not a hex address", zap.String("value", cfg.Contract))
		}
		sess, err := session.Open(ctx, session.Config{
			RPCURL:       cfg.RPCURL,
			Contract:     common.HexToAddress(cfg.Contract),
			PrivateKey:   cfg.PrivateKey,
			LogPageSize:  cfg.LogPageSize,
			PollInterval: cfg.PollInterval,
		}, logger.Named("session"))
		if err != nil {
			logger.Fatal("open session", zap.Error(err))
		}
		defer sess.Close()
		l = sess.Ledger()
	}

	// Content store
	var store contentstore.Store = contentstore.NewMemory()
	if !*inMemory {
		store = contentstore.NewIPFS(cfg.IPFSAPIURL, cfg.IPFSTimeout, logger.Named("ipfs"))
		if cfg.CacheDir != "" {
			cached, err := contentstore.NewCached(store, cfg.CacheDir, logger.Named("cache"))
			if err != nil {
				logger.Fatal("open content cache", zap.Error(err))
			}
			defer func() { _ = cached.Close() }()
			store = cached
		}
	}

	// Event index
	var (
		repo repository.EventRepository = memory.NewEventRepo()
		db   *postgres.DB
	)
	if cfg.DatabaseURL != "" {
		if err := migrate.Up(ctx, cfg.DatabaseURL, logger.Named("migrate")); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		var err error
		db, err = postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("connect database", zap.Error(err))
		}
		defer db.Close()
		repo = postgres.NewEventRepo(db)
	}
	idx := indexer.New(l, repo, cfg.Confirmations, logger.Named("indexer"))

	// Nonces and login limiter
	var (
		nonces auth.NonceStore = auth.NewMemoryNonces()
		lim    limiter.Limiter
	)
	switch {
	case cfg.RedisAddr != "":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("connect redis", zap.Error(err))
		}
		nonces = auth.NewRedisNonces(rdb)
		lim = limiter.NewRedis(rdb, cfg.LoginWindow, cfg.LoginMaxFails, cfg.LoginBlockFor)
	case db != nil:
		lim = limiter.NewPG(db.Pool, cfg.LoginWindow, cfg.LoginMaxFails, cfg.LoginBlockFor)
	default:
		logger.Warn("no redis or database configured, login attempts are not limited")
	}

	// Services
	dir := service.NewDirectoryService(service.DirectoryConfig{
		Ledger:       l,
		Source:       indexer.Source{Repo: repo},
		Store:        store,
		DefaultAdmin: defaultAdmin,
		Width:        cfg.FetchWidth,
		Logger:       logger.Named("directory"),
	})
	records := service.NewRecordService(l, store, logger.Named("records"))
	authSvc := service.NewAuthService(service.AuthConfig{
		Ledger:    l,
		Nonces:    nonces,
		Limiter:   lim,
		SignKey:   []byte(cfg.JWTSecret),
		AccessTTL: cfg.JWTTTL,
		NonceTTL:  cfg.NonceTTL,
		Logger:    logger.Named("auth"),
	})

	// gRPC health
	gs, health := grpcserver.New(grpcserver.Options{
		Secret:     []byte(cfg.JWTSecret),
		Reflection: *dev,
		Logger:     logger.Named("grpc"),
	})

	// Indexer loop plus pushed events
	go idx.Run(ctx, cfg.SyncInterval, health.Report)
	refresher := subscription.NewRefresher(func(ctx context.Context) error {
		_, err := idx.Sync(ctx)
		health.Report(err)
		return err
	}, logger.Named("refresh"))
	go refresher.Run(ctx)
	subs := subscription.NewManager(l, logger.Named("subscription"))
	if err := subs.RefreshOn(ctx, refresher); err != nil {
		logger.Warn("live events unavailable, relying on periodic sync", zap.Error(err))
	}
	defer subs.Close()

	// HTTP API
	api := httpserver.NewServer(httpserver.Deps{
		Directory: dir,
		Records:   records,
		Auth:      authSvc,
		Ledger:    l,
		Secret:    []byte(cfg.JWTSecret),
		Logger:    logger.Named("http"),
	})
	hs := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		errCh <- gs.Serve(lis)
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		stopGRPC(gs, 5*time.Second)
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// stopGRPC waits up to timeout for in-flight RPCs before forcing the server down.
func stopGRPC(s *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.Stop()
	}
}
