package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// APIServer exposes operational endpoints for the running engine: health,
// a status snapshot, the paper trade book and prometheus metrics. It is not
// a trading control surface; all endpoints are read-only.
type APIServer struct {
	server *http.Server
	engine *Engine
	book   *PaperBook
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer on the configured port.
func NewAPIServer(engine *Engine, book *PaperBook, port int, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine: engine,
		book:   book,
		logger: logger.Named("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/paper-trades", s.paperTradesHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.engine.Status())
}

func (s *APIServer) paperTradesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, struct {
		Trades   []PaperTrade `json:"trades"`
		TotalPnl float64      `json:"total_pnl"`
	}{
		Trades:   s.book.All(),
		TotalPnl: s.book.TotalPnl(),
	})
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
