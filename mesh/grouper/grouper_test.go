package grouper

import (
	"context"
	"sync"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/meshstats/meshstats/common/testlogger"
	"github.com/meshstats/meshstats/mesh"
	"github.com/meshstats/meshstats/metrics"
	"github.com/meshstats/meshstats/store"
)

// fakeStore keeps grouped inserts and reconciles in memory so the
// grouping behaviour can be asserted without a database.
type fakeStore struct {
	mu           sync.Mutex
	fingerprints map[mesh.Fingerprint]struct{}
	packets      map[mesh.PacketKey]*mesh.GroupedPacket
	reconciled   map[mesh.PacketKey][]mesh.Relay
	storedAt     map[mesh.PacketKey]time.Time
	clock        clock.Clock
}

func newFakeStore(c clock.Clock) *fakeStore {
	return &fakeStore{
		fingerprints: make(map[mesh.Fingerprint]struct{}),
		packets:      make(map[mesh.PacketKey]*mesh.GroupedPacket),
		reconciled:   make(map[mesh.PacketKey][]mesh.Relay),
		storedAt:     make(map[mesh.PacketKey]time.Time),
		clock:        c,
	}
}

func (f *fakeStore) SeenFingerprint(_ context.Context, fp mesh.Fingerprint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.fingerprints[fp]
	return ok, nil
}

func (f *fakeStore) InsertGroupedPacket(_ context.Context, g *mesh.GroupedPacket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := mesh.PacketKey{PacketID: g.Packet.PacketID, Sender: g.Packet.Sender}
	f.packets[key] = g
	f.storedAt[key] = f.clock.Now()
	for _, fp := range g.Fingerprints {
		f.fingerprints[fp] = struct{}{}
	}
	return nil
}

func (f *fakeStore) PacketByKey(_ context.Context, key mesh.PacketKey) (store.Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.packets[key]
	if !ok {
		return store.Packet{}, store.ErrNotFound
	}
	return store.Packet{
		PacketID:     int64(key.PacketID),
		SenderNodeID: int64(key.Sender.Uint32()),
		SentAt:       g.Packet.SentAt,
		GatewayCount: len(g.Relays) + len(f.reconciled[key]),
		CreatedAt:    f.storedAt[key],
	}, nil
}

func (f *fakeStore) ReconcileLateRelay(_ context.Context, key mesh.PacketKey, relay mesh.Relay, fp mesh.Fingerprint, retention time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.packets[key]
	if !ok || f.clock.Now().Sub(f.storedAt[key]) > retention {
		return false, store.ErrNotFoundOrExpired
	}
	for _, r := range g.Relays {
		if r.GatewayID == relay.GatewayID {
			return false, nil
		}
	}
	for _, r := range f.reconciled[key] {
		if r.GatewayID == relay.GatewayID {
			return false, nil
		}
	}
	f.reconciled[key] = append(f.reconciled[key], relay)
	f.fingerprints[fp] = struct{}{}
	return true, nil
}

func (f *fakeStore) stored(key mesh.PacketKey) (*mesh.GroupedPacket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.packets[key]
	return g, ok
}

func (f *fakeStore) closedAt(key mesh.PacketKey) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storedAt[key]
}

func (f *fakeStore) lateRelays(key mesh.PacketKey) []mesh.Relay {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mesh.Relay(nil), f.reconciled[key]...)
}

func obs(packetID uint32, sender mesh.NodeID, gateway string, fp byte, at time.Time) *mesh.Observation {
	var hash mesh.Fingerprint
	hash[0] = fp
	return &mesh.Observation{
		Fingerprint: hash,
		GatewayID:   gateway,
		Packet: &mesh.ParsedPacket{
			PacketID: packetID,
			Sender:   sender,
			SentAt:   at,
			Payload:  "hello mesh",
		},
		ArrivedAt: at,
	}
}

func newTestGrouper(t *testing.T) (*Grouper, *fakeStore, clock.FakeClock) {
	t.Helper()
	c := clock.NewFakeClock()
	st := newFakeStore(c)
	g := New(testlogger.New(t), c, st, Config{
		Window:    10 * time.Second,
		Quiesce:   2 * time.Second,
		Retention: 24 * time.Hour,
	})
	g.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.Stop(ctx)
	})
	return g, st, c
}

func advance(c clock.FakeClock, d, step time.Duration) {
	// Small steps let the grouping goroutine see every tick.
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		c.Advance(step)
		time.Sleep(time.Millisecond)
	}
}

func TestGrouperSingleRelay(t *testing.T) {
	g, st, c := newTestGrouper(t)

	now := c.Now()
	require.NoError(t, g.Submit(obs(7001, 0xA1, "!aabbccdd", 1, now)))

	advance(c, 13*time.Second, time.Second)

	require.Eventually(t, func() bool {
		_, ok := st.stored(mesh.PacketKey{PacketID: 7001, Sender: 0xA1})
		return ok
	}, time.Second, 10*time.Millisecond)

	stored, _ := st.stored(mesh.PacketKey{PacketID: 7001, Sender: 0xA1})
	require.Len(t, stored.Relays, 1)
	require.Equal(t, "!aabbccdd", stored.Relays[0].GatewayID)
}

func TestGrouperThreeGateways(t *testing.T) {
	g, st, c := newTestGrouper(t)
	key := mesh.PacketKey{PacketID: 7002, Sender: 0xB2}

	now := c.Now()
	require.NoError(t, g.Submit(obs(7002, 0xB2, "!00000011", 1, now)))
	require.NoError(t, g.Submit(obs(7002, 0xB2, "!00000022", 2, now.Add(time.Second))))
	require.NoError(t, g.Submit(obs(7002, 0xB2, "!00000033", 3, now.Add(2*time.Second))))

	advance(c, 15*time.Second, time.Second)

	require.Eventually(t, func() bool {
		_, ok := st.stored(key)
		return ok
	}, time.Second, 10*time.Millisecond)

	stored, _ := st.stored(key)
	require.Len(t, stored.Relays, 3)
	// First-seen order is preserved.
	require.Equal(t, "!00000011", stored.Relays[0].GatewayID)
	require.Equal(t, "!00000022", stored.Relays[1].GatewayID)
	require.Equal(t, "!00000033", stored.Relays[2].GatewayID)
}

func TestGrouperDuplicateGatewayCountsOnce(t *testing.T) {
	g, st, c := newTestGrouper(t)
	key := mesh.PacketKey{PacketID: 7003, Sender: 0xC3}

	now := c.Now()
	require.NoError(t, g.Submit(obs(7003, 0xC3, "!00000011", 1, now)))
	require.NoError(t, g.Submit(obs(7003, 0xC3, "!00000011", 2, now.Add(time.Second))))

	advance(c, 15*time.Second, time.Second)

	require.Eventually(t, func() bool {
		_, ok := st.stored(key)
		return ok
	}, time.Second, 10*time.Millisecond)

	stored, _ := st.stored(key)
	require.Len(t, stored.Relays, 1)
	require.Len(t, stored.Fingerprints, 2)
}

func TestGrouperReplaySuppressed(t *testing.T) {
	g, st, c := newTestGrouper(t)
	key := mesh.PacketKey{PacketID: 7004, Sender: 0xD4}

	now := c.Now()
	require.NoError(t, g.Submit(obs(7004, 0xD4, "!00000011", 9, now)))

	advance(c, 13*time.Second, time.Second)
	require.Eventually(t, func() bool {
		_, ok := st.stored(key)
		return ok
	}, time.Second, 10*time.Millisecond)

	// Same envelope bytes again: same fingerprint, dropped before any
	// grouping work.
	require.NoError(t, g.Submit(obs(7004, 0xD4, "!00000011", 9, c.Now())))
	advance(c, 13*time.Second, time.Second)

	stored, _ := st.stored(key)
	require.Len(t, stored.Relays, 1)
	require.Empty(t, st.lateRelays(key))
}

func TestGrouperInFlightReplayDoesNotExtendGroup(t *testing.T) {
	g, st, c := newTestGrouper(t)
	key := mesh.PacketKey{PacketID: 7010, Sender: 0xD5}

	before := testutil.ToFloat64(metrics.ReplaySuppressed)

	start := c.Now()
	require.NoError(t, g.Submit(obs(7010, 0xD5, "!00000011", 6, start)))

	// The broker replays the identical envelope every second, past the
	// window end. Replays must not slide the quiescence deadline, so
	// the group still closes on its original schedule.
	for i := 0; i < 20; i++ {
		advance(c, time.Second, time.Second)
		require.NoError(t, g.Submit(obs(7010, 0xD5, "!00000011", 6, c.Now())))
	}

	require.Eventually(t, func() bool {
		_, ok := st.stored(key)
		return ok
	}, time.Second, 10*time.Millisecond)

	stored, _ := st.stored(key)
	require.Len(t, stored.Relays, 1)
	require.Len(t, stored.Fingerprints, 1)
	// Closed on the original deadline, well before the replays stopped
	// at start+20s.
	require.LessOrEqual(t, st.closedAt(key).Sub(start), 13*time.Second)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ReplaySuppressed)-before >= 10
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, st.lateRelays(key))
}

func TestGrouperLateRelayReconciles(t *testing.T) {
	g, st, c := newTestGrouper(t)
	key := mesh.PacketKey{PacketID: 7005, Sender: 0xE5}

	now := c.Now()
	require.NoError(t, g.Submit(obs(7005, 0xE5, "!00000011", 1, now)))

	advance(c, 13*time.Second, time.Second)
	require.Eventually(t, func() bool {
		_, ok := st.stored(key)
		return ok
	}, time.Second, 10*time.Millisecond)

	// A fourth gateway shows up after the group closed.
	require.NoError(t, g.Submit(obs(7005, 0xE5, "!00000044", 4, c.Now())))

	require.Eventually(t, func() bool {
		return len(st.lateRelays(key)) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "!00000044", st.lateRelays(key)[0].GatewayID)
}

func TestGrouperLateRetentionRunsFromPersistTime(t *testing.T) {
	g, st, c := newTestGrouper(t)
	key := mesh.PacketKey{PacketID: 7011, Sender: 0xE6}

	// The sender's clock is two days behind, so the reported sent time
	// is already far older than retention when the packet arrives.
	now := c.Now()
	first := obs(7011, 0xE6, "!00000011", 1, now)
	first.Packet.SentAt = now.Add(-48 * time.Hour)
	require.NoError(t, g.Submit(first))

	advance(c, 13*time.Second, time.Second)
	require.Eventually(t, func() bool {
		_, ok := st.stored(key)
		return ok
	}, time.Second, 10*time.Millisecond)

	// Minutes after persistence a late relay is still inside the
	// retention window regardless of the skewed sent time.
	c.Advance(5 * time.Minute)
	require.NoError(t, g.Submit(obs(7011, 0xE6, "!00000066", 2, c.Now())))

	require.Eventually(t, func() bool {
		return len(st.lateRelays(key)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestGrouperLateBeyondRetentionDropped(t *testing.T) {
	g, st, c := newTestGrouper(t)
	key := mesh.PacketKey{PacketID: 7006, Sender: 0xF6}

	now := c.Now()
	require.NoError(t, g.Submit(obs(7006, 0xF6, "!00000011", 1, now)))

	advance(c, 13*time.Second, time.Second)
	require.Eventually(t, func() bool {
		_, ok := st.stored(key)
		return ok
	}, time.Second, 10*time.Millisecond)

	// Two days later the relay is outside retention.
	c.Advance(48 * time.Hour)
	require.NoError(t, g.Submit(obs(7006, 0xF6, "!00000055", 5, c.Now())))

	// Give the grouping goroutine a chance to process, then check
	// nothing attached.
	require.Never(t, func() bool {
		return len(st.lateRelays(key)) != 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestGrouperFlushOnStop(t *testing.T) {
	c := clock.NewFakeClock()
	st := newFakeStore(c)
	g := New(testlogger.New(t), c, st, Config{
		Window:    10 * time.Second,
		Quiesce:   2 * time.Second,
		Retention: 24 * time.Hour,
	})
	g.Start()

	key := mesh.PacketKey{PacketID: 7007, Sender: 0xA7}
	require.NoError(t, g.Submit(obs(7007, 0xA7, "!00000011", 1, c.Now())))

	// Stop well before the window elapses: the group must flush anyway.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Stop(ctx))

	stored, ok := st.stored(key)
	require.True(t, ok)
	require.Len(t, stored.Relays, 1)

	require.Error(t, g.Submit(obs(7008, 0xA8, "!00000011", 2, c.Now())))
}

func TestGrouperQuiescenceHoldsGroupOpen(t *testing.T) {
	g, st, c := newTestGrouper(t)
	key := mesh.PacketKey{PacketID: 7009, Sender: 0xB9}

	now := c.Now()
	require.NoError(t, g.Submit(obs(7009, 0xB9, "!00000011", 1, now)))

	// Keep arrivals landing inside the quiescence interval past the
	// window end: the group must stay open and collect all of them.
	for i := 2; i <= 14; i++ {
		advance(c, time.Second, time.Second)
		gw := mesh.NodeID(uint32(i)).String()
		require.NoError(t, g.Submit(obs(7009, 0xB9, gw, byte(i), c.Now())))
	}

	advance(c, 4*time.Second, time.Second)

	require.Eventually(t, func() bool {
		stored, ok := st.stored(key)
		return ok && len(stored.Relays) == 14
	}, time.Second, 10*time.Millisecond)
}
