// Package grouper coalesces the relays of one mesh packet, observed
// through independent gateways at independent times, into exactly one
// stored packet whose gateway count is the number of distinct relaying
// gateways. A single goroutine owns all grouping state, so arrivals for
// the same packet can never race each other into the store.
package grouper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	clock "github.com/jonboulle/clockwork"

	"github.com/meshstats/meshstats/common/log"
	"github.com/meshstats/meshstats/mesh"
	"github.com/meshstats/meshstats/metrics"
	"github.com/meshstats/meshstats/store"
)

// Store is the durable side of the grouper: fingerprint membership,
// grouped inserts and late-relay reconciliation.
type Store interface {
	SeenFingerprint(ctx context.Context, fp mesh.Fingerprint) (bool, error)
	InsertGroupedPacket(ctx context.Context, g *mesh.GroupedPacket) error
	PacketByKey(ctx context.Context, key mesh.PacketKey) (store.Packet, error)
	ReconcileLateRelay(ctx context.Context, key mesh.PacketKey, relay mesh.Relay, fp mesh.Fingerprint, retention time.Duration) (bool, error)
}

// Config tunes the grouping behaviour.
type Config struct {
	// Window is how long a group stays open after its first arrival.
	Window time.Duration
	// Quiesce is the settle time: a group past its window stays open
	// while arrivals keep landing within Quiesce of each other.
	Quiesce time.Duration
	// Retention bounds how far back late arrivals may attach.
	Retention time.Duration
	// Backlog is the observation channel capacity.
	Backlog int
}

// DefaultConfig matches the documented tuning defaults.
func DefaultConfig() Config {
	return Config{
		Window:    10 * time.Second,
		Quiesce:   2 * time.Second,
		Retention: 24 * time.Hour,
		Backlog:   256,
	}
}

// fingerprintCacheSize bounds the in-process cache of recently seen
// envelope hashes. A positive hit stays positive, so the cache only
// ever short-circuits the store lookup.
const fingerprintCacheSize = 4096

// group is the in-flight state for one packet key.
type group struct {
	key       mesh.PacketKey
	packet    *mesh.ParsedPacket
	firstSeen time.Time
	lastSeen  time.Time
	relays    []mesh.Relay
	gateways  map[string]struct{}
	fps       []mesh.Fingerprint
	fpSet     map[mesh.Fingerprint]struct{}
}

func (g *group) addRelay(gatewayID string, at time.Time) bool {
	if _, ok := g.gateways[gatewayID]; ok {
		return false
	}
	g.gateways[gatewayID] = struct{}{}
	g.relays = append(g.relays, mesh.Relay{GatewayID: gatewayID, ObservedAt: at})
	return true
}

func (g *group) addFingerprint(fp mesh.Fingerprint) {
	if _, ok := g.fpSet[fp]; ok {
		return
	}
	g.fpSet[fp] = struct{}{}
	g.fps = append(g.fps, fp)
}

// Grouper is the single-writer grouping engine.
type Grouper struct {
	l     log.Logger
	clock clock.Clock
	store Store
	cfg   Config

	obsCh  chan *mesh.Observation
	close  chan bool
	done   chan bool
	groups map[mesh.PacketKey]*group
	seen   *lru.Cache
}

// New builds a grouper. Start must be called before Submit.
func New(l log.Logger, c clock.Clock, st Store, cfg Config) *Grouper {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Quiesce < 0 || cfg.Quiesce >= cfg.Window {
		cfg.Quiesce = 0
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultConfig().Backlog
	}

	seen, _ := lru.New(fingerprintCacheSize)
	return &Grouper{
		l:      l.Named("grouper"),
		clock:  c,
		store:  st,
		cfg:    cfg,
		obsCh:  make(chan *mesh.Observation, cfg.Backlog),
		close:  make(chan bool),
		done:   make(chan bool),
		groups: make(map[mesh.PacketKey]*group),
		seen:   seen,
	}
}

// Start launches the grouping goroutine.
func (g *Grouper) Start() {
	go g.run()
}

// Submit hands one observation to the grouping goroutine. It blocks
// when the backlog is full, which is the backpressure the broker flow
// control sees. Submitting after Stop returns an error.
func (g *Grouper) Submit(obs *mesh.Observation) error {
	select {
	case g.obsCh <- obs:
		return nil
	case <-g.done:
		return errors.New("grouper stopped")
	}
}

// Stop flushes every open group regardless of window and waits for the
// grouping goroutine to exit. The context bounds the wait.
func (g *Grouper) Stop(ctx context.Context) error {
	select {
	case <-g.done:
		return nil
	default:
	}
	close(g.close)

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("grouper flush: %w", ctx.Err())
	}
}

// tickPeriod keeps the close-predicate scan at least twice per quiesce
// interval so no group overstays its window by more than one tick.
func (g *Grouper) tickPeriod() time.Duration {
	p := g.cfg.Quiesce / 2
	if p <= 0 {
		p = g.cfg.Window / 4
	}
	if p < 100*time.Millisecond {
		p = 100 * time.Millisecond
	}
	return p
}

func (g *Grouper) run() {
	defer close(g.done)

	ticker := g.clock.NewTicker(g.tickPeriod())
	defer ticker.Stop()

	for {
		select {
		case obs := <-g.obsCh:
			g.handle(obs)
		case <-ticker.Chan():
			g.closeExpired()
		case <-g.close:
			g.drain()
			g.flushAll()
			return
		}
	}
}

// drain empties the observation backlog before the final flush so
// nothing accepted by Submit is lost on shutdown.
func (g *Grouper) drain() {
	for {
		select {
		case obs := <-g.obsCh:
			g.handle(obs)
		default:
			return
		}
	}
}

func (g *Grouper) handle(obs *mesh.Observation) {
	ctx := context.Background()

	if g.replayed(ctx, obs.Fingerprint) {
		metrics.ReplaySuppressed.Inc()
		g.l.Debugw("replay suppressed", "key", obs.Key(), "gateway", obs.GatewayID)
		return
	}

	key := obs.Key()
	if gr, ok := g.groups[key]; ok {
		// A fingerprint already in the open group is a replay: it must
		// not extend last-seen or the quiescence deadline never passes.
		if _, dup := gr.fpSet[obs.Fingerprint]; dup {
			metrics.ReplaySuppressed.Inc()
			g.l.Debugw("replay suppressed", "key", key, "gateway", obs.GatewayID)
			return
		}
		gr.addRelay(obs.GatewayID, obs.ArrivedAt)
		gr.addFingerprint(obs.Fingerprint)
		gr.lastSeen = obs.ArrivedAt
		return
	}

	stored, err := g.store.PacketByKey(ctx, key)
	switch {
	case err == nil:
		g.lateArrival(ctx, key, stored, obs)
		return
	case errors.Is(err, store.ErrNotFound):
		// First sighting, fall through to open a group.
	default:
		g.l.Errorw("packet lookup failed, dropping observation", "key", key, "err", err)
		return
	}

	gr := &group{
		key:       key,
		packet:    obs.Packet,
		firstSeen: obs.ArrivedAt,
		lastSeen:  obs.ArrivedAt,
		gateways:  make(map[string]struct{}),
		fpSet:     make(map[mesh.Fingerprint]struct{}),
	}
	gr.addRelay(obs.GatewayID, obs.ArrivedAt)
	gr.addFingerprint(obs.Fingerprint)
	g.groups[key] = gr
	metrics.GroupOpen.Set(float64(len(g.groups)))
}

// replayed reports whether this envelope was already ingested, checking
// the process-local cache before the durable fingerprint table.
func (g *Grouper) replayed(ctx context.Context, fp mesh.Fingerprint) bool {
	if g.seen.Contains(fp) {
		return true
	}
	seen, err := g.store.SeenFingerprint(ctx, fp)
	if err != nil {
		g.l.Errorw("fingerprint lookup failed, treating as fresh", "err", err)
		return false
	}
	if seen {
		g.seen.Add(fp, struct{}{})
	}
	return seen
}

func (g *Grouper) lateArrival(ctx context.Context, key mesh.PacketKey, stored store.Packet, obs *mesh.Observation) {
	// Retention runs from when the packet was persisted, not the
	// sender-reported sent time, so a skewed sender clock cannot shrink
	// the late window.
	age := g.clock.Now().UTC().Sub(stored.CreatedAt)
	if age > g.cfg.Retention {
		metrics.LateBeyondRetention.Inc()
		g.l.Infow("late relay beyond retention", "key", key, "gateway", obs.GatewayID, "age", age)
		return
	}

	relay := mesh.Relay{GatewayID: obs.GatewayID, ObservedAt: obs.ArrivedAt}
	attached, err := g.store.ReconcileLateRelay(ctx, key, relay, obs.Fingerprint, g.cfg.Retention)
	if errors.Is(err, store.ErrNotFoundOrExpired) {
		metrics.LateBeyondRetention.Inc()
		return
	}
	if err != nil {
		g.l.Errorw("late relay reconcile failed", "key", key, "gateway", obs.GatewayID, "err", err)
		return
	}
	g.seen.Add(obs.Fingerprint, struct{}{})
	if attached {
		metrics.LateReconciled.Inc()
		g.l.Infow("late relay reconciled", "key", key, "gateway", obs.GatewayID)
	}
}

// closeExpired persists every group past the close predicate, oldest
// first so the emission order follows close time.
func (g *Grouper) closeExpired() {
	now := g.clock.Now()

	var due []*group
	for _, gr := range g.groups {
		if now.Sub(gr.firstSeen) >= g.cfg.Window && now.Sub(gr.lastSeen) >= g.cfg.Quiesce {
			due = append(due, gr)
		}
	}
	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].firstSeen.Before(due[j].firstSeen)
	})

	for _, gr := range due {
		g.closeGroup(gr)
	}
	metrics.GroupOpen.Set(float64(len(g.groups)))
}

// flushAll closes every open group immediately, ignoring the window.
func (g *Grouper) flushAll() {
	due := make([]*group, 0, len(g.groups))
	for _, gr := range g.groups {
		due = append(due, gr)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].firstSeen.Before(due[j].firstSeen)
	})

	for _, gr := range due {
		g.closeGroup(gr)
	}
	metrics.GroupOpen.Set(0)
}

func (g *Grouper) closeGroup(gr *group) {
	delete(g.groups, gr.key)

	grouped := &mesh.GroupedPacket{
		Packet:       gr.packet,
		Relays:       gr.relays,
		Fingerprints: gr.fps,
		FirstSeen:    gr.firstSeen,
		LastSeen:     gr.lastSeen,
	}

	ctx := context.Background()
	if err := g.store.InsertGroupedPacket(ctx, grouped); err != nil {
		g.l.Warnw("grouped insert failed", "key", gr.key, "gateways", len(gr.relays), "err", err)
		return
	}
	for _, fp := range gr.fps {
		g.seen.Add(fp, struct{}{})
	}

	metrics.GroupClosed.Inc()
	metrics.GatewaysPerPacket.Observe(float64(len(gr.relays)))
	g.l.Debugw("group closed", "key", gr.key, "gateways", len(gr.relays),
		"open_for", gr.lastSeen.Sub(gr.firstSeen))
}
