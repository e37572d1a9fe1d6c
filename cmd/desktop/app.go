package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nf-motors/vehicle-eval/backend/cmd/desktop/handlers"
	"github.com/nf-motors/vehicle-eval/backend/internal/config"
	"github.com/nf-motors/vehicle-eval/backend/internal/db"
	"github.com/nf-motors/vehicle-eval/backend/internal/logging"
	"github.com/nf-motors/vehicle-eval/backend/internal/router"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/images"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/monitor"
	"github.com/nf-motors/vehicle-eval/backend/internal/sync/queue"
	"github.com/nf-motors/vehicle-eval/backend/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// app holds the wired sync subsystem of one agent process.
type app struct {
	cfg      *config.Config
	repo     *db.Repository
	queue    *queue.SyncQueue
	cache    *images.Cache
	engine   *sync.SyncEngine
	monitor  *monitor.Monitor
	router   *router.Router
	hub      *WSHub
	registry *prometheus.Registry
	log      *logging.Logger
}

// newApp wires the subsystem on top of an open store and a remote gateway.
// online is the initial host network signal.
func newApp(cfg *config.Config, database *db.DB, gateway sync.RemoteGateway, online bool) *app {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(registry)

	repo := db.NewRepository(database.DB)
	q := queue.NewSyncQueue(repo, cfg.Sync.MaxRetries, queue.WithMetrics(metrics))
	cache := images.NewCache(repo, cfg.Sync.MaxImageBytes)
	engine := sync.NewSyncEngine(repo, q, cache, gateway, metrics)
	mon := monitor.New(gateway, engine, monitor.Config{
		ProbeDelay:    cfg.Sync.ProbeDelay,
		CheckInterval: cfg.Sync.CheckInterval,
		ProbeTimeout:  cfg.Sync.ProbeTimeout,
	}, online, monitor.WithMetrics(metrics))

	return &app{
		cfg:      cfg,
		repo:     repo,
		queue:    q,
		cache:    cache,
		engine:   engine,
		monitor:  mon,
		router:   router.New(repo, q, cache, gateway, mon),
		hub:      NewWSHub(),
		registry: registry,
		log:      logging.Get().Named("agent"),
	}
}

// routes registers the agent's endpoints.
func (a *app) routes() http.Handler {
	records := handlers.NewRecordsHandler(a.router, a.cfg.Sync.MaxImageBytes)
	syncH := handlers.NewSyncHandler(a.monitor, a.queue)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", a.health)

	mux.HandleFunc("GET /api/session", records.GetSession)
	mux.HandleFunc("GET /api/records", records.ListRecords)
	mux.HandleFunc("POST /api/records", records.CreateRecord)
	mux.HandleFunc("GET /api/records/{id}", records.GetRecord)
	mux.HandleFunc("PATCH /api/records/{id}", records.UpdateRecord)
	mux.HandleFunc("DELETE /api/records/{id}", records.DeleteRecord)
	mux.HandleFunc("POST /api/records/{id}/images", records.AttachImage)
	mux.HandleFunc("POST /api/activities", records.LogActivity)

	mux.HandleFunc("GET /api/sync/status", syncH.GetStatus)
	mux.HandleFunc("POST /api/sync/now", syncH.TriggerSync)
	mux.HandleFunc("GET /api/sync/dead-letters", syncH.ListDeadLetters)
	mux.HandleFunc("POST /api/sync/dead-letters/{seq}/requeue", syncH.RequeueDeadLetter)
	mux.HandleFunc("POST /api/network", syncH.SetNetwork)

	mux.Handle("GET /ws", HandleWebSocket(a.hub))
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return mux
}

func (a *app) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"vehicle-eval-agent","mode":"` + string(a.monitor.Mode()) + `"}`))
}

// prune drops old synced activities beyond the configured history.
func (a *app) prune(ctx context.Context) {
	if a.cfg.Sync.KeepActivities <= 0 {
		return
	}
	n, err := a.repo.PruneActivities(ctx, a.cfg.Sync.KeepActivities)
	if err != nil {
		a.log.Warn("Failed to prune activities", map[string]interface{}{"error": err.Error()})
		return
	}
	if n > 0 {
		a.log.Info("Pruned activities", map[string]interface{}{"removed": n})
	}
}

// serve runs the monitor, the event hub and the HTTP listener until ctx is
// done or one of them fails.
func (a *app) serve(ctx context.Context, srv *http.Server) error {
	a.prune(ctx)

	g, ctx := errgroup.WithContext(ctx)

	events, unsubscribe := a.monitor.Subscribe(64)
	a.monitor.Start(ctx)

	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.hub.Forward(ctx, events)
		return nil
	})
	g.Go(func() error {
		a.log.Info("Agent listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.monitor.Stop()
		unsubscribe()
		return err
	})

	return g.Wait()
}
