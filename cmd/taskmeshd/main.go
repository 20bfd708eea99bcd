package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/taskmesh/internal/bootstrap"
	"github.com/example/taskmesh/internal/config"
	"github.com/example/taskmesh/internal/observability"
	"github.com/example/taskmesh/internal/state"
)

// leaseReaper is implemented by every queue backend; the daemon runs it
// periodically so expired leases do not linger.
type leaseReaper interface {
	ReapExpired(ctx context.Context) (int64, error)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	shutdownTrace, err := observability.InitTracingFromEnv("taskmeshd")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap backends: %v", err)
	}
	defer func() { _ = backends.Close() }()

	go runLeaseReaper(ctx, backends.Queue, cfg.LockTTL)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/v1/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, observability.Default.Snapshot())
	})
	mux.HandleFunc("/v1/metrics/prometheus", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
	})

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("taskmeshd serving metrics on %s (store=%s queue=%s objects=%s)", cfg.MetricsAddr, cfg.Store, cfg.Queue, cfg.Objects)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("taskmeshd failed: %v", err)
	}
	log.Println("taskmeshd shutting down")
}

// runLeaseReaper periodically returns expired leases to the claimable pool.
// The claim predicate already ignores expired leases, so this is cleanup, not
// correctness.
func runLeaseReaper(ctx context.Context, queue state.LockedQueue, lockTTL time.Duration) {
	reaper, ok := queue.(leaseReaper)
	if !ok {
		return
	}
	ticker := time.NewTicker(lockTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := reaper.ReapExpired(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("lease reaper: %v", err)
			continue
		}
		if n > 0 {
			log.Printf("lease reaper released %d expired leases", n)
			observability.Default.IncCounter("queue_leases_reaped_total", nil, float64(n))
		}
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
