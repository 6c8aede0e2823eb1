package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/lineage"
	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/monitoring"
	"github.com/sells-group/reconcile/internal/resilience"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline with an HTTP ingestion and query surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		env.Pipeline.Start(ctx)

		checker := monitoring.NewChecker(env.Collector, env.Alerter, env.Pipeline, monitoringConfig())
		go checker.Run(ctx)

		r := chi.NewRouter()
		r.Use(chimiddleware.RequestID)
		r.Use(chimiddleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/batches", func(w http.ResponseWriter, req *http.Request) {
			var records []model.Record
			if err := json.NewDecoder(req.Body).Decode(&records); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if len(records) == 0 {
				writeError(w, http.StatusBadRequest, "empty batch")
				return
			}
			now := time.Now().UTC()
			for i := range records {
				if records[i].IngestedAt.IsZero() {
					records[i].IngestedAt = now
				}
			}

			runID := uuid.NewString()
			if err := env.Pipeline.Submit(req.Context(), runID, records); err != nil {
				zap.L().Error("batch submit failed", zap.String("run_id", runID), zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "submit failed")
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"run_id":  runID,
				"records": len(records),
			})
		})

		r.Get("/subjects/{id}", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")

			entity, err := env.Store.GetEntity(req.Context(), id)
			if eris.Is(err, lineage.ErrNotFound) {
				// Fall back to record id lookup.
				entity, err = env.Store.EntityForRecord(req.Context(), id)
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, "entity lookup failed")
				return
			}
			if entity == nil {
				writeError(w, http.StatusNotFound, "unknown subject")
				return
			}

			verdict, err := env.Store.LatestVerdict(req.Context(), entity.EntityID)
			if err != nil && !eris.Is(err, lineage.ErrNotFound) {
				writeError(w, http.StatusInternalServerError, "verdict lookup failed")
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"entity":  entity,
				"verdict": verdict,
			})
		})

		r.Get("/subjects/{id}/lineage", func(w http.ResponseWriter, req *http.Request) {
			entries, err := env.Store.EntriesBySubject(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "lineage lookup failed")
				return
			}
			writeJSON(w, http.StatusOK, entries)
		})

		r.Get("/findings/{metric}", func(w http.ResponseWriter, req *http.Request) {
			finding, err := env.Store.LatestFinding(req.Context(), chi.URLParam(req, "metric"))
			if eris.Is(err, lineage.ErrNotFound) {
				writeError(w, http.StatusNotFound, "no finding for metric")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, "finding lookup failed")
				return
			}
			writeJSON(w, http.StatusOK, finding)
		})

		r.Get("/metrics/snapshot", func(w http.ResponseWriter, req *http.Request) {
			snap, err := env.Collector.Collect(req.Context(), cfg.Monitoring.LookbackWindowHours)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "collect failed")
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})

		r.Get("/dlq", func(w http.ResponseWriter, req *http.Request) {
			entries := env.Pipeline.DLQ().List(resilience.DLQFilter{})
			writeJSON(w, http.StatusOK, entries)
		})

		r.Post("/dlq/{id}/replay", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")
			if err := env.Pipeline.ReplayDLQ(req.Context(), id); err != nil {
				zap.L().Warn("dlq replay failed", zap.String("entry_id", id), zap.Error(err))
				writeError(w, http.StatusConflict, eris.Cause(err).Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "replayed", "entry_id": id})
		})

		r.Post("/rca", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				TargetMetric string `json:"target_metric"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.TargetMetric == "" {
				writeError(w, http.StatusBadRequest, "target_metric is required")
				return
			}
			if err := env.Pipeline.TriggerRCA(req.Context(), body.TargetMetric, "manual"); err != nil {
				writeError(w, http.StatusServiceUnavailable, "trigger failed")
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"target_metric": body.TargetMetric})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
