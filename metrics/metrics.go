// Package metrics holds the Prometheus collectors the service exports.
// Collectors register against private registries so that tests and
// embedders never pollute the default global one.
package metrics

import (
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshstats/meshstats/common/log"
	"github.com/meshstats/meshstats/metrics/pprof"
)

var (
	// PrivateMetrics holds every collector plus the go process ones.
	PrivateMetrics = prometheus.NewRegistry()
	// IngestMetrics covers the MQTT → grouper → store pipeline.
	IngestMetrics = prometheus.NewRegistry()
	// HTTPMetrics covers the public API surface.
	HTTPMetrics = prometheus.NewRegistry()

	// GroupOpen is the number of packet groups currently open.
	GroupOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "group_open",
		Help: "Number of packet groups currently held in memory",
	})
	// GroupClosed counts groups handed to the store.
	GroupClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "group_closed",
		Help: "Number of packet groups closed and persisted",
	})
	// LateReconciled counts relays attached after their group closed.
	LateReconciled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "late_reconciled",
		Help: "Number of late gateway relays reconciled against stored packets",
	})
	// LateBeyondRetention counts late relays older than the retention bound.
	LateBeyondRetention = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "late_beyond_retention",
		Help: "Number of late relays discarded for exceeding retention",
	})
	// ReplaySuppressed counts envelopes dropped by fingerprint.
	ReplaySuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replay_suppressed",
		Help: "Number of envelopes dropped as broker replays",
	})
	// PrivateDropped counts packets whose sender declined republishing.
	PrivateDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "private_dropped",
		Help: "Number of packets dropped by the privacy gate",
	})
	// DecryptFailed counts envelopes no ring key could open.
	DecryptFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "decrypt_failed",
		Help: "Number of envelopes that failed decryption with every key",
	})
	// MalformedEnvelopes counts bodies that failed protobuf decoding.
	MalformedEnvelopes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "malformed_envelopes",
		Help: "Number of envelopes that failed protobuf decoding",
	})
	// UnsupportedPort counts decodable packets on ports we do not store.
	UnsupportedPort = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unsupported_port",
		Help: "Number of packets on ports that are counted but not persisted",
	}, []string{"port"})
	// GatewaysPerPacket observes the relay count of each closed group.
	GatewaysPerPacket = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateways_per_packet_histogram",
		Help:    "Distribution of distinct gateways per persisted packet",
		Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15, 20, 30},
	})

	// MQTTConnected reports the broker link state.
	MQTTConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_connected",
		Help: "Whether the MQTT broker connection is up",
	})
	// BotConnected reports the radio link state.
	BotConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_connected",
		Help: "Whether the command bot radio link is up",
	})
	// BotCommands counts processed radio commands by verb.
	BotCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_commands",
		Help: "Number of radio commands processed",
	}, []string{"verb"})
	// BotRateLimited counts commands refused by the sliding window.
	BotRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_rate_limited",
		Help: "Number of radio commands dropped by the rate limiter",
	})
	// SchedulerJobRuns counts job completions by job and outcome.
	SchedulerJobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_job_runs",
		Help: "Number of scheduler job runs",
	}, []string{"job", "outcome"})

	// HTTPCallCounter counts API requests by code and method.
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})
	// HTTPLatency observes request handling time.
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_response_duration",
		Help:        "histogram of request latencies",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: prometheus.Labels{"handler": "http"},
	}, []string{"method"})
	// HTTPInFlight gauges requests currently being served.
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight",
		Help: "A gauge of requests currently being served.",
	})

	metricsBound sync.Once
)

func bindMetrics() {
	metricsBound.Do(bindAll)
}

func bindAll() {
	// The private go-level metrics live in private.
	PrivateMetrics.Register(prometheus.NewGoCollector())
	PrivateMetrics.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	ingest := []prometheus.Collector{
		GroupOpen,
		GroupClosed,
		LateReconciled,
		LateBeyondRetention,
		ReplaySuppressed,
		PrivateDropped,
		DecryptFailed,
		MalformedEnvelopes,
		UnsupportedPort,
		GatewaysPerPacket,
		MQTTConnected,
		BotConnected,
		BotCommands,
		BotRateLimited,
		SchedulerJobRuns,
	}
	for _, c := range ingest {
		IngestMetrics.Register(c)
		PrivateMetrics.Register(c)
	}

	httpCollectors := []prometheus.Collector{
		HTTPCallCounter,
		HTTPLatency,
		HTTPInFlight,
	}
	for _, c := range httpCollectors {
		HTTPMetrics.Register(c)
		PrivateMetrics.Register(c)
	}
}

// Handler returns the exposition handler for mounting on the API router.
func Handler() http.Handler {
	bindMetrics()
	return promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics})
}

// Start starts a standalone metrics server with debug endpoints. It
// returns the listener so callers can find the bound port; nil when the
// bind failed.
func Start(l log.Logger, metricsBind string) net.Listener {
	l.Debugw("metrics listener starting", "at", metricsBind)
	bindMetrics()

	lis, err := net.Listen("tcp", metricsBind)
	if err != nil {
		l.Warnw("metrics listen failed", "err", err)
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.Handle("/debug/pprof/", pprof.WithProfile())

	s := http.Server{Addr: lis.Addr().String(), Handler: mux}
	go func() {
		if err := s.Serve(lis); err != nil && err != http.ErrServerClosed {
			l.Errorw("metrics server stopped", "err", err)
		}
	}()
	return lis
}
