// Command lotteryd serves one ticket lottery over HTTP.
package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	lottery "github.com/kydenul/ticket-lottery"
	"github.com/kydenul/ticket-lottery/server"
)

// memoryTreasuryRewards is how many rewards the memory ledger treasury can pay
const memoryTreasuryRewards = 1_000_000

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("lotteryd: %v", err)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("lotteryd", pflag.ContinueOnError)
	configFile := fs.StringP("config", "c", "", "config file (default: search ., ./config, /etc/lottery, $HOME/.lottery)")
	fs.String("lottery.id", lottery.DefaultLotteryID, "lottery id")
	fs.String("lottery.backend", lottery.BackendRedis, "registry backend: redis or memory")
	fs.String("ledger.mode", lottery.LedgerModeHTTP, "token ledger: http or memory")
	fs.String("server.addr", lottery.DefaultServerAddr, "HTTP listen address")
	fs.String("log.level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cm := lottery.NewConfigManager()
	if *configFile != "" {
		cm.SetConfigFile(*configFile)
	}
	if err := cm.BindFlags(fs); err != nil {
		return err
	}
	cfg, err := cm.LoadConfig()
	if err != nil {
		return err
	}

	logger, err := lottery.NewLoggerFromConfig(cfg.Log)
	if err != nil {
		return err
	}
	cm.SetLogger(logger)
	if zl, ok := logger.(*lottery.ZapLogger); ok {
		defer func() { _ = zl.Sync() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := lottery.NewPerformanceMonitor()

	store, locker, closeStore, err := buildStore(ctx, cfg, monitor, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ledger, err := buildLedger(cfg, logger)
	if err != nil {
		return err
	}
	breaker := lottery.NewCircuitBreakerLedger(ledger, cfg.CircuitBreaker, logger)
	dispatcher := lottery.NewDispatcher(breaker, cfg.Ledger, nil, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		lottery.NewMonitorCollector(monitor),
		lottery.NewBreakerCollector(breaker),
	)

	l, err := lottery.New(cfg.Lottery, lottery.Dependencies{
		Store:      store,
		Locker:     locker,
		Entropy:    lottery.NewCryptoEntropy(),
		Dispatcher: dispatcher,
		Monitor:    monitor,
		Metrics:    lottery.NewMetrics(registry),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	reconciler := lottery.NewReconciler(l, breaker, cfg.Reconciler, logger)
	srv := server.New(l, cfg.Server, server.Options{
		Logger:   logger,
		Breaker:  lottery.NewCircuitBreakerHealthCheck(breaker),
		Gatherer: registry,
	})

	if err := cm.WatchConfig(func(c *lottery.Config) {
		if zl, ok := logger.(*lottery.ZapLogger); ok {
			if err := zl.SetLevel(c.Log.Level); err != nil {
				logger.Error("Ignoring log level %q: %v", c.Log.Level, err)
			}
		}
		srv.Limiter().SetLimit(c.Server.RateLimit, c.Server.RateLimitBurst)
		reconciler.SetGracePeriod(c.Reconciler.GracePeriod)
		if c.CircuitBreaker != nil && *c.CircuitBreaker != breaker.Config() {
			breaker.Reconfigure(c.CircuitBreaker)
		}
	}); err != nil {
		logger.Error("Config watching disabled: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := dispatcher.Start(gctx); err != nil {
		return err
	}
	if cfg.Reconciler.Enabled {
		if err := reconciler.Start(gctx); err != nil {
			return err
		}
	}

	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down lottery %s", l.ID())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown: %v", err)
		}
		if err := reconciler.Stop(shutdownCtx); err != nil {
			logger.Error("Reconciler shutdown: %v", err)
		}
		return dispatcher.Stop(shutdownCtx)
	})

	logger.Info("Lottery %s running: backend=%s, ledger=%s, addr=%s",
		l.ID(), cfg.Lottery.Backend, cfg.Ledger.Mode, cfg.Server.Addr)
	return g.Wait()
}

func buildStore(
	ctx context.Context, cfg *lottery.Config, monitor *lottery.PerformanceMonitor, logger lottery.Logger,
) (lottery.Store, lottery.Locker, func(), error) {
	lc := cfg.Lottery
	if lc.Backend == lottery.BackendMemory {
		logger.Info("Using in-memory registry; state is lost on exit")
		return lottery.NewMemoryStore(), lottery.NewLocalLockManager(lc.RetryAttempts, lc.RetryInterval), func() {}, nil
	}

	rdb := lottery.NewRedisClientFromConfig(cfg.Redis)
	closeFn := func() { _ = rdb.Close() }

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		closeFn()
		return nil, nil, nil, lottery.ErrRedisConnectionFailed.WithDetails(cfg.Redis.Addr).WithCause(err)
	}

	store := lottery.NewRedisStoreWithRetry(rdb, logger, lc.RetryAttempts, lc.RetryInterval)
	store.SetPerformanceMonitor(monitor)

	// the lottery records lock stats on the shared monitor itself
	locker := lottery.NewLockManagerWithRetry(rdb, lc.RetryAttempts, lc.RetryInterval)
	logRedis(logger, rdb)

	return store, locker, closeFn, nil
}

func logRedis(logger lottery.Logger, rdb *redis.Client) {
	opts := rdb.Options()
	logger.Info("Using Redis registry at %s db=%d pool=%d", opts.Addr, opts.DB, opts.PoolSize)
}

func buildLedger(cfg *lottery.Config, logger lottery.Logger) (lottery.TokenLedger, error) {
	if cfg.Ledger.Mode == lottery.LedgerModeHTTP {
		return lottery.NewHTTPLedger(cfg.Ledger, logger)
	}

	lc := cfg.Lottery
	reward, err := lc.RewardAmountValue()
	if err != nil {
		return nil, err
	}

	ledger := lottery.NewMemoryLedger(lottery.Account(lc.RewardTokenID))
	ledger.SetAutoRegister(true)
	ledger.Register(lottery.Account(lc.TreasuryID))
	supply := new(big.Int).Mul(reward, big.NewInt(memoryTreasuryRewards))
	if supply.Sign() > 0 {
		if err := ledger.Mint(lottery.Account(lc.TreasuryID), supply); err != nil {
			return nil, fmt.Errorf("fund memory treasury: %w", err)
		}
	}

	logger.Info("Using in-memory token ledger; treasury %s funded with %s", lc.TreasuryID, supply)
	return ledger, nil
}
