package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"themis/storage"
	"themis/util/goroutine"
)

// Server exposes health, metrics, and audit stats over HTTP.
type Server struct {
	audit  storage.AuditStore
	logger *zap.SugaredLogger
	srv    *http.Server
}

// NewServer creates the HTTP server.
func NewServer(host string, port int, audit storage.AuditStore, logger *zap.SugaredLogger) *Server {
	s := &Server{audit: audit, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		defer goroutine.Recover("api-server", s.logger)
		s.logger.Infow("API server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("API server failed", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats returns audit entry counts per category over the window
// named by the "hours" query parameter (default 24).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &hours); err != nil || hours <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid hours parameter"})
			return
		}
	}

	now := time.Now().UTC()
	from := now.Add(-time.Duration(hours) * time.Hour)

	counts := make(map[string]int64)
	for _, category := range []string{"AML", "KYC", "GDPR", "ACCESS"} {
		count, err := s.audit.Count(r.Context(), storage.Query{
			From:     from,
			To:       now,
			Category: category,
		})
		if err != nil {
			s.logger.Errorw("Stats query failed", "category", category, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats query failed"})
			return
		}
		counts[category] = count
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":       from.Format(time.RFC3339),
		"to":         now.Format(time.RFC3339),
		"categories": counts,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
