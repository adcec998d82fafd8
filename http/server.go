// Package http serves the read model over the store and stats engine,
// the subscription and admin surfaces and the dashboard bundle.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshstats/meshstats/common/log"
	"github.com/meshstats/meshstats/mesh"
	"github.com/meshstats/meshstats/metrics"
	"github.com/meshstats/meshstats/sched"
	"github.com/meshstats/meshstats/stats"
	"github.com/meshstats/meshstats/store"
)

// Store is the durable surface the API reads and, for the admin and
// mock routes, writes.
type Store interface {
	Ping(ctx context.Context) (time.Duration, error)
	LastPackets(ctx context.Context, limit int) ([]store.Packet, error)
	LastPacketsBySender(ctx context.Context, nodeID int64, limit int) ([]store.Packet, error)
	LastPacketDetails(ctx context.Context, limit int) ([]store.PacketDetail, error)
	GatewayObservationsForSender(ctx context.Context, nodeID int64, limit int) ([]store.Relay, error)
	RecentCommandLogs(ctx context.Context, nodeID int64, limit int) ([]store.CommandLog, error)
	Info(ctx context.Context) (store.DatabaseInfo, error)
	Expire(ctx context.Context, olderThan time.Time) (store.ExpireResult, error)
	InsertGroupedPacket(ctx context.Context, g *mesh.GroupedPacket) error
	UpsertNodeInfo(ctx context.Context, info mesh.NodeInfo) error
}

// Stats is the aggregate engine surface.
type Stats interface {
	Today(ctx context.Context) (stats.DayStat, error)
	DayStat(ctx context.Context, day time.Time) (stats.DayStat, error)
	HourlyStat(ctx context.Context, day time.Time) (stats.HourlyStat, error)
	Comparisons(ctx context.Context) (stats.Comparisons, error)
	Rolling(ctx context.Context) (stats.RollingStats, error)
	Network(ctx context.Context) (stats.NetworkStats, error)
	TopSenders(ctx context.Context, limit int, window time.Duration) ([]store.SenderCount, error)
	GatewayHistogram(ctx context.Context, sampleCap int) ([]stats.HistogramBucket, error)
	GatewayPercentiles(ctx context.Context, nodeID int64, sampleCap int) (stats.GatewayPercentiles, error)
	Bot(ctx context.Context, days int) (stats.BotStats, error)
}

// Subs is the subscription service surface.
type Subs interface {
	List(ctx context.Context, variant string) ([]store.Subscription, error)
	Subscribe(ctx context.Context, userNodeID int64, variant string) error
	Unsubscribe(ctx context.Context, userNodeID int64) error
}

// Connectable reports a link state for the health endpoint.
type Connectable interface {
	Connected() bool
}

// Jobs reports scheduler state for the health endpoint.
type Jobs interface {
	Status() []sched.JobStatus
}

// Config tunes the server.
type Config struct {
	Bind      string
	StaticDir string
	// AccessLog is an optional Apache-combined access log path. Empty
	// disables access logging.
	AccessLog string
}

// Server is the API listener.
type Server struct {
	l     log.Logger
	st    Store
	stats Stats
	subs  Subs
	mqtt  Connectable
	bot   Connectable
	jobs  Jobs
	cfg   Config

	srv       *http.Server
	startedAt time.Time
	draining  atomic.Bool
}

// New builds the server. Start binds it.
func New(l log.Logger, st Store, eng Stats, subs Subs, mqtt, bot Connectable, jobs Jobs, cfg Config) (*Server, error) {
	s := &Server{
		l:     l.Named("http"),
		st:    st,
		stats: eng,
		subs:  subs,
		mqtt:  mqtt,
		bot:   bot,
		jobs:  jobs,
		cfg:   cfg,
	}
	s.startedAt = time.Now()

	h := http.Handler(s.router())
	h = handlers.CORS(
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = promhttp.InstrumentHandlerCounter(metrics.HTTPCallCounter, h)
	h = promhttp.InstrumentHandlerDuration(metrics.HTTPLatency, h)
	h = promhttp.InstrumentHandlerInFlight(metrics.HTTPInFlight, h)
	if cfg.AccessLog != "" {
		f, err := os.OpenFile(cfg.AccessLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open access log: %w", err)
		}
		h = handlers.CombinedLoggingHandler(f, h)
	}

	s.srv = &http.Server{
		Addr:              cfg.Bind,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("api listen on %q: %w", s.cfg.Bind, err)
	}
	s.l.Infow("api listening", "addr", lis.Addr().String())

	if err := s.srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown flips the server to draining, answers everything 503 from
// then on, and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	return s.srv.Shutdown(ctx)
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.drain)

	r.Route("/stats", func(r chi.Router) {
		r.Get("/last", s.handleLast)
		r.Get("/last/{n}", s.handleLast)
		r.Get("/today", s.handleToday)
		r.Get("/today/detailed", s.handleTodayDetailed)
		r.Get("/comparisons", s.handleComparisons)
		r.Get("/rolling", s.handleRolling)
		r.Get("/top_senders", s.handleTopSenders)
		r.Get("/gateway_histogram", s.handleGatewayHistogram)
		r.Get("/user/{nodeID}/last", s.handleUserLast)
		r.Get("/user/{nodeID}/last/{n}", s.handleUserLast)
		r.Get("/{date}", s.handleDay)
	})

	r.Route("/users/{nodeID}", func(r chi.Router) {
		r.Get("/messages", s.handleUserMessages)
		r.Get("/gateways", s.handleUserGateways)
		r.Get("/gateway_percentiles", s.handleUserGatewayPercentiles)
	})

	r.Get("/messages/recent", s.handleMessagesRecent)
	r.Get("/messages/detailed", s.handleMessagesDetailed)

	r.Get("/subscriptions", s.handleSubscriptions)
	r.Post("/subscribe/{nodeID}/{variant}", s.handleSubscribe)
	r.Delete("/subscribe/{nodeID}", s.handleUnsubscribe)

	r.Get("/network/stats", s.handleNetwork)

	r.Route("/bot", func(r chi.Router) {
		r.Get("/stats", s.handleBotStats)
		r.Get("/commands/recent", s.handleBotCommandsRecent)
		r.Get("/commands/user/{nodeID}", s.handleBotCommandsUser)
	})

	r.Get("/health", s.handleHealth)

	r.Route("/admin/database", func(r chi.Router) {
		r.Get("/info", s.handleDatabaseInfo)
		r.Delete("/expire", s.handleDatabaseExpire)
	})

	r.Post("/mock/message", s.handleMockMessage)
	r.Post("/mock/user", s.handleMockUser)

	r.Handle("/metrics", metrics.Handler())

	if s.cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return r
}

// drain rejects everything once shutdown has begun.
func (s *Server) drain(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			s.writeError(w, http.StatusServiceUnavailable, "shutting down", "the service is draining")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiError is the wire shape of every non-2xx answer.
type apiError struct {
	Error      string `json:"error"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"status_code"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.l.Errorw("response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg, detail string) {
	s.writeJSON(w, status, apiError{Error: msg, Detail: detail, StatusCode: status})
}

// internalError logs the cause and answers an opaque 500.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.l.Errorw("request failed", "path", r.URL.Path, "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal error", "")
}
