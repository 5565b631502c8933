// Command server is the §6.2 HTTP façade reference implementation: a
// thin JSON API in front of pkg/queue, adapted from the teacher's
// ui/service.go handler shapes and examples/basic/main.go bootstrap
// style, but scoped to exactly the endpoints §6.2 declares.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jdziat/declarative-pipeline/pkg/backend"
	"github.com/jdziat/declarative-pipeline/pkg/config"
	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/dispatch"
	"github.com/jdziat/declarative-pipeline/pkg/effects"
	"github.com/jdziat/declarative-pipeline/pkg/queue"
	"github.com/jdziat/declarative-pipeline/pkg/storage"
)

func main() {
	cfg := config.Load()
	logger := slog.Default()

	store, closeStore := buildStorage(cfg, logger)
	defer closeStore()

	backends := backend.NewRegistry()
	if cfg.ModalURL != "" {
		backends.Register("modal", backend.NewHTTPBackend(backend.HTTPConfig{
			URL:   cfg.ModalURL,
			Token: cfg.ModalToken,
		}))
	}
	if cfg.RayURL != "" {
		backends.Register("ray", backend.NewHTTPBackend(backend.HTTPConfig{URL: cfg.RayURL}))
	}

	// q is captured by the enqueue effect closure before it exists so the
	// "enqueue child job" effect (§4.4) can call back into the queue it is
	// itself attached to.
	var q *queue.Queue
	fx := effects.New(
		effects.WithLogger(logger),
		effects.WithSlackWebhookURL(cfg.SlackWebhookURL),
		effects.WithDiscordWebhookURL(cfg.DiscordWebhookURL),
		effects.WithEnqueue(func(ctx context.Context, job *core.Job) (string, error) {
			return q.Enqueue(ctx, job)
		}),
	)

	q = queue.New(store, queue.WithEffects(fx), queue.WithLogger(logger))

	d := dispatch.New(backends)
	worker := queue.NewWorker(q, d, queue.WithLanes(map[string]int{
		queue.LaneDefault: cfg.WorkerConcurrency,
		queue.LaneCPU:     cfg.WorkerConcurrency,
		queue.LaneGPU:     cfg.GPUWorkerConcurrency,
	}), queue.WithWorkerLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped", "error", err)
		}
	}()

	mux := newMux(q)
	port := cfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	srv := &http.Server{
		Addr:              addr(port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = q.Close()
}

// buildStorage picks RedisStorage when REDIS_URL is set, else falls back
// to an on-disk sqlite-backed GormStorage — matching the teacher's
// examples, which default to sqlite when no broker URL is configured.
func buildStorage(cfg config.Config, logger *slog.Logger) (queue.Storage, func()) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse REDIS_URL: %v", err)
		}
		s := storage.NewRedisStorage(redis.NewClient(opts))
		return s, func() { _ = s.Close() }
	}

	db, err := gorm.Open(sqlite.Open("pipeline.db"), &gorm.Config{})
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	s := storage.NewGormStorage(db)
	if err := s.AutoMigrate(context.Background()); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	return s, func() { _ = s.Close() }
}

func addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
