package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Event metrics
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kstats_events_total",
			Help: "Total activity events received, partitioned by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	VoiceConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kstats_voice_connected",
			Help: "1 while a voice session is being accumulated",
		},
	)

	TicksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kstats_ticks_dropped_total",
			Help: "Timer ticks dropped because the engine queue was full",
		},
		[]string{"timer"},
	)

	// Persistence metrics
	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kstats_flushes_total",
			Help: "Durable writes of the aggregate, partitioned by result",
		},
		[]string{"result"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kstats_flush_duration_seconds",
			Help:    "Durable write duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kstats_storage_errors_total",
			Help: "Durable storage failures, partitioned by operation",
		},
		[]string{"op"},
	)

	// Cache metrics
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kstats_cache_hits_total",
			Help: "TTL cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kstats_cache_misses_total",
			Help: "TTL cache misses, including expired entries",
		},
		[]string{"cache"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		EventsTotal,
		VoiceConnected,
		TicksDropped,
		FlushesTotal,
		FlushDuration,
		StorageErrors,
		CacheHits,
		CacheMisses,
	)
}

// StatsView is what the HTTP server needs from the stats engine.
type StatsView interface {
	Current() (any, error)
	Reset(ctx context.Context) error
}

// Server is the metrics and stats HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. When view is non-nil the server
// also exposes GET /stats and POST /stats/reset.
func NewServer(addr string, view StatsView, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "metrics").Logger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	if view != nil {
		mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
			current, err := view.Current()
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, current)
		})
		mux.HandleFunc("POST /stats/reset", func(w http.ResponseWriter, r *http.Request) {
			if err := view.Reset(r.Context()); err != nil {
				logger.Error().Err(err).Msg("Stats reset failed")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			current, err := view.Current()
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, current)
		})
	}

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger,
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
