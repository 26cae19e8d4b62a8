package api

import (
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics with bounded cardinality (no per-player labels to prevent DoS)
var (
	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Currently active WebSocket connections",
	})

	roomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rooms_active",
		Help: "Rooms currently alive on this server",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaking_queue_depth",
		Help: "Players waiting in matchmaking",
	})

	framesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_frames_in_total",
		Help: "Inbound WebSocket frames accepted",
	})

	framesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_frames_out_total",
		Help: "Outbound WebSocket frames sent",
	})

	inputsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_inputs_applied_total",
		Help: "Inputs applied by the authoritative loop",
	})

	inputsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "game_inputs_rejected_total",
		Help: "Inputs rejected before application",
	}, []string{"reason"}) // Bounded: validator names and anti-cheat flag types

	cheatFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anticheat_flags_total",
		Help: "Anti-cheat flags raised",
	}, []string{"type"}) // Bounded: the fixed flag type set

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "game_tick_duration_seconds",
		Help:    "Time spent in one simulation tick",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
	})

	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected before registration",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "auth", "ws_total_limit", "ws_ip_limit"
)

// PromMetrics is the prometheus-backed metrics sink handed to the rest of
// the server.
type PromMetrics struct{}

func (PromMetrics) SetConnections(n int) { wsConnectionsActive.Set(float64(n)) }
func (PromMetrics) SetActiveRooms(n int) { roomsActive.Set(float64(n)) }
func (PromMetrics) SetQueueDepth(n int)  { queueDepth.Set(float64(n)) }
func (PromMetrics) IncFramesIn()         { framesIn.Inc() }
func (PromMetrics) IncFramesOut(n int)   { framesOut.Add(float64(n)) }
func (PromMetrics) IncInputApplied()     { inputsApplied.Inc() }

func (PromMetrics) IncInputRejected(reason string) {
	inputsRejected.WithLabelValues(reason).Inc()
}

func (PromMetrics) IncFlag(flagType string) {
	cheatFlags.WithLabelValues(flagType).Inc()
}

func (PromMetrics) ObserveTick(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// RecordConnectionRejected increments the rejection counter.
// reason must be one of: "rate_limit", "origin", "auth", "ws_total_limit", "ws_ip_limit"
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// ObservabilityConfig configures the debug server
type ObservabilityConfig struct {
	Enabled    bool
	ListenAddr string // MUST be "127.0.0.1:6060" in production
}

// DefaultObservabilityConfig returns safe defaults
func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060", // Localhost only - NEVER expose externally
	}
}

// StartDebugServer starts the internal observability server.
// CRITICAL: This MUST bind to localhost only to prevent pprof-based DoS
func StartDebugServer(cfg ObservabilityConfig) error {
	if !cfg.Enabled {
		log.Println("📊 Debug server disabled")
		return nil
	}

	// SECURITY: Validate address is localhost
	if cfg.ListenAddr != "127.0.0.1:6060" && cfg.ListenAddr != "localhost:6060" {
		if os.Getenv("ALLOW_DEBUG_EXTERNAL") != "true" {
			log.Println("⚠️ Debug server forced to localhost for security")
			cfg.ListenAddr = "127.0.0.1:6060"
		}
	}

	mux := http.NewServeMux()

	// pprof endpoints for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	go func() {
		log.Printf("📊 Debug server starting on %s", cfg.ListenAddr)
		log.Printf("   - pprof:   http://%s/debug/pprof/", cfg.ListenAddr)
		log.Printf("   - metrics: http://%s/metrics", cfg.ListenAddr)

		if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
			log.Printf("⚠️ Debug server error: %v", err)
		}
	}()

	return nil
}
