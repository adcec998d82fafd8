package http

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"

	"github.com/meshstats/meshstats/mesh"
	"github.com/meshstats/meshstats/sched"
	"github.com/meshstats/meshstats/store"
	"github.com/meshstats/meshstats/subscription"
)

const (
	defaultLimit = 10
	maxLimit     = 100
	sampleCap    = 1000
)

// nodeParam accepts a node id as decimal or !hex and canonicalises it.
func nodeParam(r *http.Request) (mesh.NodeID, error) {
	return mesh.ParseNodeRef(chi.URLParam(r, "nodeID"))
}

// limitQuery reads ?limit= bounded to [1, maxLimit].
func limitQuery(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, errors.New("limit must be an integer in [1, 100]")
	}
	return n, nil
}

func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	n := 1
	if raw := chi.URLParam(r, "n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxLimit {
			s.writeError(w, http.StatusBadRequest, "invalid count", "n must be an integer in [1, 100]")
			return
		}
		n = v
	}

	pkts, err := s.st.LastPackets(r.Context(), n)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if n == 1 {
		if len(pkts) == 0 {
			s.writeError(w, http.StatusNotFound, "no packets", "nothing stored yet")
			return
		}
		s.writeJSON(w, http.StatusOK, pkts[0])
		return
	}
	s.writeJSON(w, http.StatusOK, pkts)
}

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	day, err := s.stats.Today(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, day)
}

func (s *Server) handleTodayDetailed(w http.ResponseWriter, r *http.Request) {
	day, err := s.stats.Today(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	hourly, err := s.stats.HourlyStat(r.Context(), time.Now().UTC())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Day    any `json:"day"`
		Hourly any `json:"hourly"`
	}{day, hourly})
}

func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "date")
	day, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid date", "expected YYYY-MM-DD")
		return
	}
	stat, err := s.stats.DayStat(r.Context(), day)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stat)
}

func (s *Server) handleComparisons(w http.ResponseWriter, r *http.Request) {
	cmp, err := s.stats.Comparisons(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleRolling(w http.ResponseWriter, r *http.Request) {
	roll, err := s.stats.Rolling(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, roll)
}

func (s *Server) handleTopSenders(w http.ResponseWriter, r *http.Request) {
	limit, err := limitQuery(r, defaultLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		v, convErr := strconv.Atoi(raw)
		if convErr != nil || v < 1 || v > 24*30 {
			s.writeError(w, http.StatusBadRequest, "invalid hours", "hours must be in [1, 720]")
			return
		}
		hours = v
	}
	top, err := s.stats.TopSenders(r.Context(), limit, time.Duration(hours)*time.Hour)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, top)
}

func (s *Server) handleGatewayHistogram(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.stats.GatewayHistogram(r.Context(), sampleCap)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleUserLast(w http.ResponseWriter, r *http.Request) {
	node, err := nodeParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid node id", err.Error())
		return
	}
	n := 1
	if raw := chi.URLParam(r, "n"); raw != "" {
		v, convErr := strconv.Atoi(raw)
		if convErr != nil || v < 1 || v > maxLimit {
			s.writeError(w, http.StatusBadRequest, "invalid count", "n must be an integer in [1, 100]")
			return
		}
		n = v
	}
	pkts, err := s.st.LastPacketsBySender(r.Context(), int64(node), n)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pkts)
}

func (s *Server) handleUserMessages(w http.ResponseWriter, r *http.Request) {
	node, err := nodeParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid node id", err.Error())
		return
	}
	limit, err := limitQuery(r, defaultLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	pkts, err := s.st.LastPacketsBySender(r.Context(), int64(node), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pkts)
}

func (s *Server) handleUserGateways(w http.ResponseWriter, r *http.Request) {
	node, err := nodeParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid node id", err.Error())
		return
	}
	limit, err := limitQuery(r, defaultLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	relays, err := s.st.GatewayObservationsForSender(r.Context(), int64(node), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, relays)
}

func (s *Server) handleUserGatewayPercentiles(w http.ResponseWriter, r *http.Request) {
	node, err := nodeParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid node id", err.Error())
		return
	}
	limit := sampleCap
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, convErr := strconv.Atoi(raw)
		if convErr != nil || v < 1 || v > 10000 {
			s.writeError(w, http.StatusBadRequest, "invalid limit", "limit must be in [1, 10000]")
			return
		}
		limit = v
	}
	pct, err := s.stats.GatewayPercentiles(r.Context(), int64(node), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pct)
}

func (s *Server) handleMessagesRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := limitQuery(r, defaultLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	pkts, err := s.st.LastPackets(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pkts)
}

func (s *Server) handleMessagesDetailed(w http.ResponseWriter, r *http.Request) {
	limit, err := limitQuery(r, defaultLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	details, err := s.st.LastPacketDetails(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	variant := r.URL.Query().Get("subscription_type")
	subs, err := s.subs.List(r.Context(), variant)
	if err != nil {
		if errors.Is(err, subscription.ErrUnknownVariant) {
			s.writeError(w, http.StatusBadRequest, "invalid subscription type", err.Error())
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	node, err := nodeParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid node id", err.Error())
		return
	}
	if err := s.subs.Subscribe(r.Context(), int64(node), chi.URLParam(r, "variant")); err != nil {
		if errors.Is(err, subscription.ErrUnknownVariant) {
			s.writeError(w, http.StatusBadRequest, "invalid subscription type", err.Error())
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"node_id": int64(node), "status": "subscribed"})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	node, err := nodeParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid node id", err.Error())
		return
	}
	if err := s.subs.Unsubscribe(r.Context(), int64(node)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no subscription", "the node has no active subscription")
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"node_id": int64(node), "status": "unsubscribed"})
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	net, err := s.stats.Network(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, net)
}

func (s *Server) handleBotStats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 90 {
			s.writeError(w, http.StatusBadRequest, "invalid days", "days must be in [1, 90]")
			return
		}
		days = v
	}
	bs, err := s.stats.Bot(r.Context(), days)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bs)
}

func (s *Server) handleBotCommandsRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := limitQuery(r, defaultLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	logs, err := s.st.RecentCommandLogs(r.Context(), -1, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleBotCommandsUser(w http.ResponseWriter, r *http.Request) {
	node, err := nodeParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid node id", err.Error())
		return
	}
	limit, err := limitQuery(r, defaultLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	logs, err := s.st.RecentCommandLogs(r.Context(), int64(node), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}

// healthReport is the health endpoint body.
type healthReport struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	DBLatencyMS   float64           `json:"db_latency_ms"`
	DBError       string            `json:"db_error,omitempty"`
	MQTTConnected bool              `json:"mqtt_connected"`
	BotConnected  bool              `json:"bot_connected"`
	Scheduler     []sched.JobStatus `json:"scheduler"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := healthReport{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		MQTTConnected: s.mqtt.Connected(),
		BotConnected:  s.bot.Connected(),
		Scheduler:     s.jobs.Status(),
	}

	lat, err := s.st.Ping(r.Context())
	if err != nil {
		rep.Status = "degraded"
		rep.DBError = err.Error()
		s.writeJSON(w, http.StatusServiceUnavailable, rep)
		return
	}
	rep.DBLatencyMS = float64(lat.Microseconds()) / 1000

	if !rep.MQTTConnected || !rep.BotConnected {
		rep.Status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDatabaseInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.st.Info(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDatabaseExpire(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("days")
	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 {
		s.writeError(w, http.StatusBadRequest, "invalid days", "days must be a positive integer")
		return
	}
	res, err := s.st.Expire(r.Context(), time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// mockMessage is the /mock/message request body. It feeds the normal
// grouped-packet write path, so every downstream view sees it.
type mockMessage struct {
	From     string   `json:"from"`
	PacketID uint32   `json:"packet_id"`
	Payload  string   `json:"payload"`
	Gateways []string `json:"gateways"`
	SentAt   string   `json:"sent_at"`
}

func (s *Server) handleMockMessage(w http.ResponseWriter, r *http.Request) {
	var req mockMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	sender, err := mesh.ParseNodeRef(req.From)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid sender", err.Error())
		return
	}
	if len(req.Gateways) == 0 {
		s.writeError(w, http.StatusBadRequest, "no gateways", "at least one gateway id is required")
		return
	}

	now := time.Now().UTC()
	sentAt := now
	if req.SentAt != "" {
		sentAt, err = time.Parse(time.RFC3339, req.SentAt)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid sent_at", "expected RFC3339")
			return
		}
	}

	id := req.PacketID
	if id == 0 {
		id = uuid.New().ID()
	}

	relays := make([]mesh.Relay, 0, len(req.Gateways))
	for _, g := range req.Gateways {
		gw, gwErr := mesh.ParseNodeRef(g)
		if gwErr != nil {
			s.writeError(w, http.StatusBadRequest, "invalid gateway", gwErr.Error())
			return
		}
		relays = append(relays, mesh.Relay{GatewayID: gw.String(), ObservedAt: now})
	}

	g := &mesh.GroupedPacket{
		Packet: &mesh.ParsedPacket{
			PacketID: id,
			Sender:   sender,
			SentAt:   sentAt,
			Payload:  req.Payload,
		},
		Relays:       relays,
		Fingerprints: []mesh.Fingerprint{sha256.Sum256([]byte(uuid.NewString()))},
		FirstSeen:    now,
		LastSeen:     now,
	}
	if err := s.st.InsertGroupedPacket(r.Context(), g); err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"packet_id": id,
		"sender":    sender.String(),
		"gateways":  len(relays),
	})
}

// mockUser is the /mock/user request body.
type mockUser struct {
	NodeID    string `json:"node_id"`
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
	Role      string `json:"role"`
}

func (s *Server) handleMockUser(w http.ResponseWriter, r *http.Request) {
	var req mockUser
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	node, err := mesh.ParseNodeRef(req.NodeID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid node id", err.Error())
		return
	}

	info := mesh.NodeInfo{
		Node:      node,
		LongName:  req.LongName,
		ShortName: req.ShortName,
		Role:      req.Role,
		SeenAt:    time.Now().UTC(),
	}
	if err := s.st.UpsertNodeInfo(r.Context(), info); err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"node_id": node.String(), "status": "upserted"})
}
