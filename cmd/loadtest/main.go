// Command loadtest drives concurrent deposits and withdrawals through the
// dispatcher and reports throughput, conflicts and projection lag.
//
// Configure via environment variables:
//
//	N=20000              total number of commands
//	ACCOUNTS=50          number of accounts; fewer means more conflicts
//	WORKERS=16           concurrent senders
//	BACKEND=mem          mem, sqlite or nats
//	SQLITE_PATH=...      database file of the sqlite backend
//	NATS_URL=...         server of the nats backend
//	REDIS_ADDR=...       keep read models and checkpoints in Redis
//	SNAPSHOT_EVERY=50    0 disables snapshots
//	CONFLICT_RETRIES=5   retries of a command after a version conflict
//	SERIAL_TARGETS=false run commands of one account one at a time
//	METRICS_ADDR=:9090   serve Prometheus metrics, empty disables
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/evsrc/adapters/prometheus"
	"github.com/codewandler/evsrc/core/dispatch"
	"github.com/codewandler/evsrc/core/es"
	"github.com/codewandler/evsrc/internal/config"
)

type Config struct {
	Ops             int           `env:"N" envDefault:"20000"`
	Accounts        int           `env:"ACCOUNTS" envDefault:"50"`
	Workers         int           `env:"WORKERS" envDefault:"16"`
	BatchSize       int           `env:"B" envDefault:"1000"`
	Backend         string        `env:"BACKEND" envDefault:"mem"`
	SQLitePath      string        `env:"SQLITE_PATH" envDefault:"loadtest.db"`
	NATSURL         string        `env:"NATS_URL"`
	RedisAddr       string        `env:"REDIS_ADDR"`
	SnapshotEvery   uint64        `env:"SNAPSHOT_EVERY" envDefault:"50"`
	SnapshotCache   int           `env:"SNAPSHOT_CACHE" envDefault:"1000"`
	ConflictRetries int           `env:"CONFLICT_RETRIES" envDefault:"5"`
	SerialTargets   bool          `env:"SERIAL_TARGETS" envDefault:"false"`
	CommandTimeout  time.Duration `env:"COMMAND_TIMEOUT" envDefault:"5s"`
	SettleTimeout   time.Duration `env:"SETTLE_TIMEOUT" envDefault:"30s"`
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	cfg, err := config.Load[Config]()
	if err != nil {
		config.Exitf("loadtest: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)}))
	slog.SetDefault(log)

	if err := run(ctx, log, cfg); err != nil {
		log.Error("loadtest failed", slog.Any("error", err))
		os.Exit(1)
	}
}

type stats struct {
	ok, rejected, conflicts, timeouts, failed atomic.Int64
}

func (s *stats) record(err error) {
	switch {
	case err == nil:
		s.ok.Add(1)
	case errors.Is(err, es.ErrDomainRuleViolation):
		s.rejected.Add(1)
	case errors.Is(err, es.ErrVersionConflict):
		s.conflicts.Add(1)
	case errors.Is(err, dispatch.ErrTimeout):
		s.timeouts.Add(1)
	default:
		s.failed.Add(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg Config) error {
	fmt.Println("=== Load Test Configuration ===")
	fmt.Printf("  Backend:          %s\n", cfg.Backend)
	fmt.Printf("  Commands:         %d\n", cfg.Ops)
	fmt.Printf("  Accounts:         %d\n", cfg.Accounts)
	fmt.Printf("  Workers:          %d\n", cfg.Workers)
	fmt.Printf("  Snapshot every:   %d\n", cfg.SnapshotEvery)
	fmt.Printf("  Conflict retries: %d\n", cfg.ConflictRetries)
	fmt.Printf("  Serial targets:   %v\n", cfg.SerialTargets)
	fmt.Println()

	reg := promclient.NewRegistry()
	m := prometheus.NewAllMetrics(reg)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() { _ = srv.Close() }()
		log.Info("serving metrics", slog.String("addr", cfg.MetricsAddr))
	}

	b, err := openBackend(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	var snapshots es.SnapshotStore = es.NewKVSnapshotStore(b.kv)
	if cfg.SnapshotCache > 0 {
		snapshots = es.NewCachedSnapshotStore(snapshots,
			es.WithSnapshotCacheLRU(cfg.SnapshotCache),
			es.WithMetrics(m.ES),
			es.WithLog(log),
		)
	}

	balances, err := es.NewProjectionUpdater(es.ProjectionConfig[Balance]{
		Name:    "balances",
		Store:   b.kv,
		Folds:   balanceFolds(),
		Log:     log,
		Metrics: m.ES,
	})
	if err != nil {
		return err
	}

	env := es.NewEnv(
		es.WithCtx(ctx),
		es.WithLog(log),
		es.WithStore(b.store),
		es.WithSnapshotStore(snapshots),
		es.WithSnapshotEvery(cfg.SnapshotEvery),
		es.WithMetrics(m.ES),
		es.WithAggregates(NewAccount("")),
		es.WithProjection(balances, es.WithCheckpoint(es.NewKVCpStore(b.kv, "loadtest-balances"))),
	)
	if err := env.Start(); err != nil {
		return err
	}
	defer env.Shutdown()
	accounts := es.Repo(env, NewAccount)

	dispatchOpts := []dispatch.Option{
		dispatch.WithLog(log),
		dispatch.WithMetrics(m.Dispatch),
		dispatch.WithCommandTimeout(cfg.CommandTimeout),
		dispatch.WithConflictRetries(cfg.ConflictRetries),
	}
	if cfg.SerialTargets {
		dispatchOpts = append(dispatchOpts, dispatch.WithSerialTargets())
	}
	d := dispatch.New(dispatchOpts...)
	defer d.Close()
	registerHandlers(d, accounts)

	// === open accounts ===

	ids := make([]string, cfg.Accounts)
	for i := range ids {
		ids[i] = fmt.Sprintf("acc-%d", i)
		err := d.Send(ctx, dispatch.NewCommand(ids[i], OpenAccount{Owner: fmt.Sprintf("owner-%d", i)}))
		if err != nil && !errors.Is(err, es.ErrDomainRuleViolation) {
			return fmt.Errorf("open %s: %w", ids[i], err)
		}
	}

	// === workload ===

	log.Info("=== Starting Load Test ===")
	var (
		st       stats
		done     atomic.Int64
		startAt  = time.Now()
		lastTime = startAt
		g, gctx  = errgroup.WithContext(ctx)
	)
	g.SetLimit(cfg.Workers)

	for i := 0; i < cfg.Ops; i++ {
		if gctx.Err() != nil {
			break
		}
		target := ids[rand.IntN(len(ids))]
		var payload any = Deposit{Amount: rand.Int64N(100) + 1}
		if rand.IntN(3) == 0 {
			payload = Withdraw{Amount: rand.Int64N(150) + 1}
		}
		g.Go(func() error {
			st.record(d.Send(gctx, dispatch.NewCommand(target, payload)))
			n := done.Add(1)
			if n%int64(cfg.BatchSize) == 0 {
				report(cfg.BatchSize, &lastTime)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	took := time.Since(startAt)

	// === settle ===

	lag, err := settle(ctx, cfg.SettleTimeout, accounts, balances, ids)
	if err != nil {
		return err
	}

	runtime.GC()
	fmt.Println()
	fmt.Println("==========================================")
	fmt.Printf("   total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("      commands/s: %d\n", int(float64(cfg.Ops)/took.Seconds()))
	fmt.Printf("              ok: %d\n", st.ok.Load())
	fmt.Printf("        rejected: %d\n", st.rejected.Load())
	fmt.Printf("       conflicts: %d\n", st.conflicts.Load())
	fmt.Printf("        timeouts: %d\n", st.timeouts.Load())
	fmt.Printf("          failed: %d\n", st.failed.Load())
	fmt.Printf(" projection lag:  %d ms\n", lag.Milliseconds())
	return nil
}

func registerHandlers(d *dispatch.Dispatcher, accounts es.TypedRepository[*Account]) {
	dispatch.MustHandleCommand(d, func(cc dispatch.CommandCtx, cmd OpenAccount) error {
		a, err := accounts.GetOrCreate(cc, cc.Target())
		if err != nil {
			return err
		}
		if err := a.Open(cmd.Owner); err != nil {
			return err
		}
		return accounts.Save(cc, a, es.WithCausation(cc))
	})
	dispatch.MustHandleCommand(d, func(cc dispatch.CommandCtx, cmd Deposit) error {
		a, err := accounts.GetByID(cc, cc.Target())
		if err != nil {
			return err
		}
		if err := a.Deposit(cmd.Amount); err != nil {
			return err
		}
		return accounts.Save(cc, a, es.WithCausation(cc))
	})
	dispatch.MustHandleCommand(d, func(cc dispatch.CommandCtx, cmd Withdraw) error {
		a, err := accounts.GetByID(cc, cc.Target())
		if err != nil {
			return err
		}
		if err := a.Withdraw(cmd.Amount); err != nil {
			return err
		}
		return accounts.Save(cc, a, es.WithCausation(cc))
	})
}

var reportMu sync.Mutex

func report(batch int, lastTime *time.Time) {
	reportMu.Lock()
	defer reportMu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	now := time.Now()
	took := now.Sub(*lastTime)
	fmt.Printf(" | %5d commands | %6d ms | %6d commands/s | (%d / %d) MiB mem (sys) |\n",
		batch, took.Milliseconds(), int(float64(batch)/took.Seconds()), mem.Alloc/1024/1024, mem.Sys/1024/1024)
	*lastTime = now
}

// settle waits until every read model matches its aggregate and returns how
// long that took.
func settle(
	ctx context.Context,
	timeout time.Duration,
	accounts es.TypedRepository[*Account],
	balances *es.ProjectionUpdater[Balance],
	ids []string,
) (time.Duration, error) {
	startAt := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pending := append([]string(nil), ids...)
	for len(pending) > 0 {
		id := pending[0]
		a, err := accounts.GetByID(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("load %s: %w", id, err)
		}
		rm, err := balances.Get(ctx, id)
		if err == nil && rm.Model.Balance == a.Balance {
			pending = pending[1:]
			continue
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("projection of %s did not settle: %w", id, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
	return time.Since(startAt), nil
}
