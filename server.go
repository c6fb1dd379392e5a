package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"changkun.de/x/plandash/internal/eventlog"
	"changkun.de/x/plandash/internal/handler"
	"changkun.de/x/plandash/internal/logger"
	"changkun.de/x/plandash/internal/service"
	"changkun.de/x/plandash/internal/store"
	"changkun.de/x/plandash/internal/watcher"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func runServer(ctx context.Context, cfg Config) error {
	paths := store.Paths{Root: cfg.PlanDir}
	if err := os.MkdirAll(paths.Root, 0o755); err != nil {
		return fmt.Errorf("create plan dir: %w", err)
	}

	evlog, err := eventlog.Open(paths.EventLog())
	if err != nil {
		return err
	}
	defer evlog.Close()

	fp := store.NewFingerprints()
	svc, err := service.New(service.Config{
		Paths:              paths,
		Fingerprints:       fp,
		Log:                evlog,
		SkipClarifications: !cfg.Clarifications,
	})
	if err != nil {
		return err
	}
	logger.Main.Info("plan directory", "path", paths.Root, "structure", svc.Layout().Structure())

	if report, err := svc.Reconcile(ctx); err != nil {
		logger.Main.Warn("reconcile index", "error", err)
	} else if report.Changed() {
		logger.Main.Info("index repaired",
			"added", len(report.Added), "removed", len(report.Removed), "refreshed", len(report.Refreshed))
	}

	h := handler.NewHandler(svc)
	srv := &http.Server{
		Handler:           loggingMiddleware(buildMux(h, cfg.UIDir)),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		host, _, _ := net.SplitHostPort(cfg.Addr)
		logger.Main.Warn("requested address unavailable, finding free port", "addr", cfg.Addr, "error", err)
		ln, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Main.Info("listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	if cfg.Watch {
		w := watcher.New(paths, fp, svc, watcher.WithDelay(cfg.WatchDelay))
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Main.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// buildMux constructs the HTTP request router.
func buildMux(h *handler.Handler, uiDir string) *http.ServeMux {
	mux := http.NewServeMux()

	// Static dashboard files, when a build directory is configured.
	if uiDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(uiDir)))
	}

	mux.HandleFunc("GET /api/health", h.Health)

	// Task collection.
	mux.HandleFunc("GET /api/tasks", h.ListTasks)
	mux.HandleFunc("POST /api/tasks", h.CreateTask)
	mux.HandleFunc("POST /api/tasks/migrate", h.MigrateTasks)

	// Task instance routes.
	mux.HandleFunc("GET /api/tasks/{id}", h.GetTask)
	mux.HandleFunc("PUT /api/tasks/{id}", h.UpdateTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.UpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.DeleteTask)

	// Collaborator documents.
	mux.HandleFunc("GET /api/human-requests", h.GetHumanRequests)
	mux.HandleFunc("PUT /api/human-requests", h.UpdateHumanRequests)
	mux.HandleFunc("GET /api/roadmap", h.GetRoadmap)
	mux.HandleFunc("GET /api/user-stories", h.GetUserStories)

	// Live feed.
	mux.HandleFunc("GET /ws", h.Feed)

	return mux
}

// statusResponseWriter wraps http.ResponseWriter to capture the HTTP status code.
type statusResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the live feed take over the connection.
func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// loggingMiddleware logs each HTTP request with method, path, status, and duration.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		dur := time.Since(start).Round(time.Millisecond)
		if strings.HasPrefix(r.URL.Path, "/api/") {
			logger.Handler.Info(r.Method+" "+r.URL.Path, "status", sw.status, "dur", dur)
		} else {
			logger.Handler.Debug(r.Method+" "+r.URL.Path, "status", sw.status, "dur", dur)
		}
	})
}
