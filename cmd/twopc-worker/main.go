// Command twopc-worker moves messages from a queue into a database table, each message in
// its own two-phase commit transaction. It stops once the queue stays empty for the
// configured receive wait and exits with status 1 when a transfer cannot be settled.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/sijms/go-ora/v2"
	"go.uber.org/zap"

	"github.com/oagudo/twopc"
	"github.com/oagudo/twopc/internal/config"
	"github.com/oagudo/twopc/internal/logger"
	"github.com/oagudo/twopc/internal/telemetry"
	"github.com/oagudo/twopc/queue"
	"github.com/oagudo/twopc/sqlstore"
	"github.com/oagudo/twopc/worker"
)

const serviceName = "twopc-worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		}
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Parse(serviceName, args)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log, serviceName)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	tel, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Warn("shutting down telemetry", zap.Error(err))
		}
	}()

	store, closeStore, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer closeStore()

	source, closeQueue, err := openQueue(cfg.Queue, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeQueue(); err != nil {
			log.Warn("closing queue", zap.Error(err))
		}
	}()

	coordinator := twopc.NewCoordinator(
		twopc.WithDefaultTimeout(cfg.Worker.TxTimeout),
		twopc.WithReapInterval(cfg.Worker.ReapInterval),
		twopc.WithRollbackRetry(cfg.Worker.RollbackAttempts, twopc.Exponential(100*time.Millisecond, 5*time.Second)),
		twopc.WithLogger(log),
		twopc.WithMeter(tel.Meter),
		twopc.WithTracer(tel.Tracer),
	)
	coordinator.Start()

	var reported sync.WaitGroup
	reported.Add(1)
	go func() {
		defer reported.Done()
		for err := range coordinator.Errors() {
			log.Error("transaction expired", zap.Error(err))
		}
	}()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := coordinator.Stop(stopCtx); err != nil {
			log.Warn("stopping coordinator", zap.Error(err))
			return
		}
		reported.Wait()
	}()

	return runLoops(ctx, cfg.Worker, coordinator, source, worker.FromStore(store), log)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*sqlstore.Store, func(), error) {
	dialect, err := sqlstore.ParseDialect(cfg.Dialect)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Warn("closing database", zap.Error(err))
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("connecting to %s database: %w", cfg.Driver, err)
	}

	if !dialect.SupportsTwoPhase() {
		log.Warn("dialect has no prepared transactions, the store commits in one phase",
			zap.String("dialect", string(dialect)))
	}

	store := sqlstore.New(db, dialect,
		sqlstore.WithTableName(cfg.Table),
		sqlstore.WithLogger(log))

	if cfg.Bootstrap {
		if err := store.Bootstrap(ctx); err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("bootstrapping schema: %w", err)
		}
		log.Info("schema bootstrapped", zap.String("table", cfg.Table))
	}

	return store, closeDB, nil
}

// runLoops runs the work loops until all of them stop. The first failing loop stops the others.
func runLoops(ctx context.Context, cfg config.WorkerConfig, coordinator *twopc.Coordinator, source queue.Source, store worker.ConnSource, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		errs  []error
		total worker.Stats
	)

	for i := range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			loopLog := log.With(zap.Int("loop", i))
			loop := worker.New(coordinator, source, store,
				worker.WithTxTimeout(cfg.TxTimeout),
				worker.WithReceiveWait(cfg.ReceiveWait),
				worker.WithMaxMessages(cfg.MaxMessages),
				worker.WithLogger(loopLog))

			stats, err := loop.Run(ctx)

			mu.Lock()
			defer mu.Unlock()
			total = total.Add(stats)
			if err != nil {
				loopLog.Error("work loop failed", zap.Error(err))
				errs = append(errs, err)
				cancel()
			}
		}()
	}
	wg.Wait()

	log.Info("work loops stopped",
		zap.Int("received", total.Received),
		zap.Int("committed", total.Committed),
		zap.Int("rolled_back", total.RolledBack),
		zap.Int("malformed", total.Malformed))

	return errors.Join(errs...)
}
