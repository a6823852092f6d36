// Command taskengine is the demo HTTP service wrapping the task
// scheduling and execution core: submit/get/cancel tasks over a tiny
// JSON API, expose Prometheus metrics, and replay OTel traces through
// the same exporters the teacher's orchestrator used.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/taskmesh/engine"
	"github.com/taskmesh/engine/cmd/taskengine/examples"
	"github.com/taskmesh/engine/internal/logging"
	"github.com/taskmesh/engine/internal/obsmetrics"
	"github.com/taskmesh/engine/internal/otelinit"
)

type submitRequest struct {
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	Category          string         `json:"category"`
	BasePriority      float64        `json:"base_priority"`
	URL               string         `json:"url"`
	Method            string         `json:"method"`
	DependsOn         []string       `json:"depends_on"`
	ResourceConstraints map[string]int `json:"resource_constraints"`
}

func main() {
	const service = "taskengine"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	cfg := engine.DefaultConfig()
	eng, err := engine.New(ctx, cfg, engine.Options{
		Meter:         meter,
		ResourcePools: map[string]int{"cpu": 8, "http_conn": 64},
		StorePath:     "./data/taskmesh.db",
	})
	if err != nil {
		slog.Error("engine init failed", "error", err)
		return
	}

	exporter := obsmetrics.NewExporter()
	go watchTerminalEvents(eng, exporter)
	go pollQueueMetrics(ctx, eng, exporter)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", exporter.Handler())
	mux.HandleFunc("/v1/tasks", handleSubmit(eng))
	mux.HandleFunc("/v1/tasks/", handleTaskByID(eng))

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	slog.Info("taskengine started", "addr", srv.Addr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := eng.Shutdown(8 * time.Second); err != nil {
		slog.Warn("engine shutdown returned an error", "error", err)
	}
	otelinit.Flush(shutdownCtx, shutdownTrace)
	otelinit.Flush(shutdownCtx, shutdownMetrics)
	slog.Info("shutdown complete")
}

func handleSubmit(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		spec := engine.Spec{
			Title:               req.Title,
			Description:         req.Description,
			Category:            engine.Category(req.Category),
			BasePriority:        engine.PriorityTier(req.BasePriority),
			ResourceConstraints: req.ResourceConstraints,
			Execute:             examples.NewHTTPTask(req.Method, req.URL).Execute,
		}
		for _, dep := range req.DependsOn {
			spec.DependsOn = append(spec.DependsOn, engine.DependencySpec{DependsOn: dep, Type: engine.DependencyBlocks})
		}

		id, err := eng.Submit(spec)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	}
}

func handleTaskByID(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/tasks/"):]
		if id == "" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			t, ok := eng.GetTask(id)
			if !ok {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(t)
		case http.MethodDelete:
			ok, err := eng.Cancel(id, "cancelled via API")
			if err != nil {
				writeEngineError(w, err)
				return
			}
			if !ok {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	kind, _ := engine.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case engine.KindValidation, engine.KindCycleDetected:
		status = http.StatusBadRequest
	case engine.KindNotFound:
		status = http.StatusNotFound
	case engine.KindQueueFull:
		status = http.StatusTooManyRequests
	case engine.KindShutdown:
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

// watchTerminalEvents feeds the Prometheus counter from the engine's own
// event bus rather than having the core call into obsmetrics directly
// (spec §1: the core never calls an observability sink itself).
func watchTerminalEvents(eng *engine.Engine, exporter *obsmetrics.Exporter) {
	sub := eng.Subscribe()
	defer sub.Unsubscribe()
	for ev := range sub.Events() {
		switch ev.Kind {
		case engine.EventTaskCompleted:
			exporter.RecordTerminal("completed")
		case engine.EventTaskFailed:
			if ev.Message == "retry scheduled" {
				continue // not terminal yet, just requeued with backoff
			}
			if ev.ErrorKind == engine.KindCancellationRequested {
				exporter.RecordTerminal("cancelled")
			} else {
				exporter.RecordTerminal("failed")
			}
		}
	}
}

func pollQueueMetrics(ctx context.Context, eng *engine.Engine, exporter *obsmetrics.Exporter) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exporter.Collect(eng)
		}
	}
}
