// Package admin is the inspection surface: health and status endpoints
// plus Prometheus metrics, served over a mux router. Event-shaped
// metrics are counted straight off the bus; level-shaped metrics are
// polled from the status provider at scrape time.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deluthium-bridge/internal/bus"
	"deluthium-bridge/pkg/types"
)

// StatusProvider exposes the live counters the status endpoint reports.
type StatusProvider interface {
	SessionCount() int
	QuoteCounts() map[types.QuoteState]int
	CacheSize() int
	BridgeOrderCount() int
}

// Server is the admin HTTP server.
type Server struct {
	provider StatusProvider
	registry *prometheus.Registry
	server   *http.Server
	logger   *slog.Logger
	started  time.Time

	quoteEvents *prometheus.CounterVec
	rateErrors  prometheus.Counter
	bridgeFills prometheus.Counter
	bridgeFaults prometheus.Counter
}

// NewServer builds the server and wires bus-driven counters.
func NewServer(port int, provider StatusProvider, b *bus.Bus, extra func(*mux.Router), logger *slog.Logger) *Server {
	registry := prometheus.NewRegistry()

	s := &Server{
		provider: provider,
		registry: registry,
		logger:   logger.With("component", "admin"),
		started:  time.Now(),
		quoteEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_quote_events_total",
			Help: "Quote lifecycle events by type.",
		}, []string{"event_type"}),
		rateErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_rate_errors_total",
			Help: "Rate refresh and scaling errors.",
		}),
		bridgeFills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_orderbook_fills_total",
			Help: "Order-book bridge fills.",
		}),
		bridgeFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_orderbook_errors_total",
			Help: "Order-book bridge downstream errors.",
		}),
	}
	registry.MustRegister(s.quoteEvents, s.rateErrors, s.bridgeFills, s.bridgeFaults)

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bridge_fix_sessions",
		Help: "Live FIX sessions.",
	}, func() float64 { return float64(provider.SessionCount()) }))
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bridge_rate_cache_entries",
		Help: "Entries in the rate cache.",
	}, func() float64 { return float64(provider.CacheSize()) }))
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bridge_orderbook_orders",
		Help: "Bridge orders across all states.",
	}, func() float64 { return float64(provider.BridgeOrderCount()) }))

	if b != nil {
		b.Subscribe(bus.TopicQuoteEvent, func(p any) {
			if e, ok := p.(types.AuditEntry); ok {
				s.quoteEvents.WithLabelValues(e.EventType).Inc()
			}
		})
		b.Subscribe(bus.TopicRateError, func(any) { s.rateErrors.Inc() })
		b.Subscribe(bus.TopicBridgeFilled, func(any) { s.bridgeFills.Inc() })
		b.Subscribe(bus.TopicBridgeError, func(any) { s.bridgeFaults.Inc() })
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if extra != nil {
		extra(r)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Stop.
func (s *Server) Start() error {
	s.logger.Info("admin server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"uptime_s":  int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	counts := s.provider.QuoteCounts()
	byState := make(map[string]int, len(counts))
	for state, n := range counts {
		byState[string(state)] = n
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"fix_sessions":  s.provider.SessionCount(),
		"quotes":        byState,
		"cache_entries": s.provider.CacheSize(),
		"bridge_orders": s.provider.BridgeOrderCount(),
	})
}
