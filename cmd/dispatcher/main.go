// The dispatcher daemon wires the execution core together: outbox store,
// paper broker, policy gates, gateway, recovery at boot, then the dispatch
// loop and the broker event feed.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Hartman25/MiniQuantDeskV4-sub000/config"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/broker"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/broker/wsfeed"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/dispatch"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/gates"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/gateway"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/idmap"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/logger"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/metrics"
	"github.com/Hartman25/MiniQuantDeskV4-sub000/internal/outbox"
	outboxredis "github.com/Hartman25/MiniQuantDeskV4-sub000/internal/outbox/redis"
	outboxsqlite "github.com/Hartman25/MiniQuantDeskV4-sub000/internal/outbox/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	slogger := logger.Init("dispatcher", slog.LevelInfo)

	cfg := config.Load()
	runID := uuid.New()
	slogger.Info("starting", "run_id", runID.String(), "backend", cfg.OutboxBackend)

	met := metrics.New()
	health := metrics.NewHealthStatus()
	srv := metrics.NewServer(cfg.MetricsAddr, health)
	srv.Start()

	var (
		store      outbox.Store
		mappings   dispatch.MappingStore
		checkStore func(context.Context)
	)
	switch cfg.OutboxBackend {
	case "redis":
		st, err := outboxredis.New(outboxredis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Fatalf("[dispatcher] redis outbox: %v", err)
		}
		defer st.Close()
		store = st
		checkStore = func(ctx context.Context) {
			health.SetOutboxOK(st.Client().Ping(ctx).Err() == nil)
		}
	default:
		st, err := outboxsqlite.New(outboxsqlite.Config{DBPath: cfg.SQLitePath})
		if err != nil {
			log.Fatalf("[dispatcher] sqlite outbox: %v", err)
		}
		defer st.Close()
		store = st
		mappings = st
		checkStore = func(ctx context.Context) {
			health.CheckSQLite(ctx, st.DB())
		}
	}
	health.SetOutboxOK(true)

	paper := broker.NewPaper()

	// Boot is fail-closed: the integrity gate starts disarmed and the
	// reconcile guard starts dirty. Dispatch cannot reach the broker until
	// an explicit arm and a clean reconcile pass.
	arm := gates.Boot("")
	risk := gates.NewRiskToggle(true)
	reconcile := gates.NewReconcileGuard(cfg.ReconcileFreshnessMS, func() int64 {
		return time.Now().UnixMilli()
	})

	gw := gateway.New(paper, arm, risk, reconcile)
	ids := idmap.New()

	worker := dispatch.NewWorker(dispatch.WorkerConfig{
		RunID:     runID,
		OwnerTag:  cfg.DispatcherID,
		BatchSize: cfg.DispatchBatch,
		Store:     store,
		Gateway:   gw,
		IDs:       ids,
		Mappings:  mappings,
		Metrics:   met,
	})

	// The run ID travels in the context so every slog line of this process
	// can be correlated to the run's outbox rows.
	ctx, cancel := context.WithCancel(logger.WithRunID(context.Background(), runID.String()))
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slogger.Info("shutting down", logger.WithRun(ctx)...)
		cancel()
	}()

	// Keep /healthz honest: re-ping the outbox store for as long as the
	// process runs.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkStore(ctx)
			}
		}
	}()

	if err := worker.RestoreMappings(ctx); err != nil {
		log.Fatalf("[dispatcher] restore mappings: %v", err)
	}

	// Placeholder arm/reconcile until the operator surface lands: paper
	// trading arms immediately and trusts an initial clean reconcile.
	if err := arm.Arm(); err != nil {
		log.Fatalf("[dispatcher] arm: %v", err)
	}
	reconcile.RecordResult(true)

	recovery := dispatch.NewRecovery(dispatch.RecoveryConfig{
		Store:   store,
		Gateway: gw,
		Broker:  paper,
		IDs:     ids,
		Metrics: met,
	})
	report, err := recovery.Run(ctx, runID)
	if err != nil {
		log.Fatalf("[dispatcher] boot recovery: %v", err)
	}
	slogger.Info("boot recovery done", append(logger.WithRun(ctx),
		"inspected", report.Inspected,
		"resubmitted", report.Resubmitted,
		"acked", report.Acked)...)

	if cfg.BrokerFeedURL != "" {
		feed := wsfeed.New(wsfeed.Config{URL: cfg.BrokerFeedURL})
		feed.OnReconnect = met.FeedReconnects.Inc

		eventCh := make(chan wsfeed.FeedEvent, 256)
		go func() {
			if err := feed.Run(ctx, eventCh); err != nil {
				log.Printf("[dispatcher] feed: %v", err)
			}
		}()
		go func() {
			for ev := range eventCh {
				if err := worker.ApplyEvent(ctx, ev.OrderID, ev.Event, ev.EventID); err != nil {
					// Transition errors are operator halt signals.
					log.Printf("[dispatcher] HALT: apply %s on %s: %v", ev.Event.Type, ev.OrderID, err)
					arm.Halt(gates.ReasonIntegrityViolation)
				}
			}
		}()
	}

	interval := time.Duration(cfg.DispatchInterval) * time.Millisecond
	if err := worker.Run(ctx, interval); err != nil {
		arm.Halt(gates.ReasonIntegrityViolation)
		log.Fatalf("[dispatcher] fatal: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	srv.Stop(shutdownCtx)
}
