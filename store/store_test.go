package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/meshstats/meshstats/common/testlogger"
	"github.com/meshstats/meshstats/mesh"
	"github.com/meshstats/meshstats/store/database"
)

var testEpoch = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, clockwork.FakeClock) {
	t.Helper()
	ctx := context.Background()

	cfg := database.Config{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "meshstats.db"),
		MaxIdleConns: 1,
		MaxOpenConns: 1,
	}
	db, err := database.Open(ctx, cfg)
	require.NoError(t, err)

	c := clockwork.NewFakeClockAt(testEpoch)
	st, err := New(ctx, testlogger.New(t), db, cfg, WithClock(c))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })
	return st, c
}

func fp(seed string) mesh.Fingerprint {
	return sha256.Sum256([]byte(seed))
}

// grouped builds a closed group of one packet relayed by the given
// gateways, one second apart.
func grouped(packetID uint32, sender mesh.NodeID, sentAt time.Time, payload string, gateways ...string) *mesh.GroupedPacket {
	g := &mesh.GroupedPacket{
		Packet: &mesh.ParsedPacket{
			PacketID: packetID,
			Sender:   sender,
			SentAt:   sentAt,
			Payload:  payload,
		},
		Fingerprints: []mesh.Fingerprint{fp(fmt.Sprintf("%d", packetID))},
		FirstSeen:    sentAt,
		LastSeen:     sentAt,
	}
	for i, gw := range gateways {
		g.Relays = append(g.Relays, mesh.Relay{
			GatewayID:  gw,
			ObservedAt: sentAt.Add(time.Duration(i) * time.Second),
		})
	}
	return g
}

func TestInsertGroupedPacket(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	g := grouped(1001, 0xA1, testEpoch, "hello mesh", "!000000b1", "!000000b2", "!000000b3")
	require.NoError(t, st.InsertGroupedPacket(ctx, g))

	p, err := st.PacketByKey(ctx, mesh.PacketKey{PacketID: 1001, Sender: 0xA1})
	require.NoError(t, err)
	require.Equal(t, int64(0xA1), p.SenderNodeID)
	require.Equal(t, 3, p.GatewayCount)
	require.Equal(t, "hello mesh", p.Payload)
	require.Equal(t, "!000000a1", p.SenderName, "unnamed sender falls back to hex id")

	relays, err := st.RelaysForPacket(ctx, 1001)
	require.NoError(t, err)
	require.Len(t, relays, 3)
	require.Equal(t, "!000000b1", relays[0].GatewayID)
	require.Equal(t, "!000000b3", relays[2].GatewayID)

	seen, err := st.SeenFingerprint(ctx, fp("1001"))
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = st.SeenFingerprint(ctx, fp("other"))
	require.NoError(t, err)
	require.False(t, seen)
}

func TestInsertDuplicateAttachesRelays(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertGroupedPacket(ctx, grouped(1001, 0xA1, testEpoch, "m", "!000000b1", "!000000b2")))

	// A second writer closing the same packet: one known gateway, one
	// new. Only the new one may count.
	require.NoError(t, st.InsertGroupedPacket(ctx, grouped(1001, 0xA1, testEpoch, "m", "!000000b2", "!000000b4")))

	p, err := st.PacketByKey(ctx, mesh.PacketKey{PacketID: 1001, Sender: 0xA1})
	require.NoError(t, err)
	require.Equal(t, 3, p.GatewayCount)

	pkts, err := st.LastPackets(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pkts, 1, "packet identity is unique")
}

func TestReconcileLateRelay(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	key := mesh.PacketKey{PacketID: 1001, Sender: 0xA1}

	require.NoError(t, st.InsertGroupedPacket(ctx, grouped(1001, 0xA1, testEpoch.Add(-time.Hour), "m", "!000000b1")))

	added, err := st.ReconcileLateRelay(ctx, key,
		mesh.Relay{GatewayID: "!000000b2", ObservedAt: testEpoch}, fp("late"), 24*time.Hour)
	require.NoError(t, err)
	require.True(t, added)

	p, err := st.PacketByKey(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 2, p.GatewayCount)

	// The same gateway again must not double count.
	added, err = st.ReconcileLateRelay(ctx, key,
		mesh.Relay{GatewayID: "!000000b2", ObservedAt: testEpoch}, fp("late2"), 24*time.Hour)
	require.NoError(t, err)
	require.False(t, added)

	p, err = st.PacketByKey(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 2, p.GatewayCount)
}

func TestReconcileLateRelayMisses(t *testing.T) {
	st, c := newTestStore(t)
	ctx := context.Background()

	// Absent packet.
	_, err := st.ReconcileLateRelay(ctx, mesh.PacketKey{PacketID: 404, Sender: 0xA1},
		mesh.Relay{GatewayID: "!000000b1", ObservedAt: testEpoch}, fp("x"), 24*time.Hour)
	require.ErrorIs(t, err, ErrNotFoundOrExpired)

	// A backdated sent-at does not age the packet out: retention runs
	// from when the row was written.
	require.NoError(t, st.InsertGroupedPacket(ctx,
		grouped(1001, 0xA1, testEpoch.Add(-48*time.Hour), "backdated", "!000000b1")))
	added, err := st.ReconcileLateRelay(ctx, mesh.PacketKey{PacketID: 1001, Sender: 0xA1},
		mesh.Relay{GatewayID: "!000000b2", ObservedAt: testEpoch}, fp("y"), 24*time.Hour)
	require.NoError(t, err)
	require.True(t, added)

	// Persisted longer ago than retention.
	c.Advance(25 * time.Hour)
	_, err = st.ReconcileLateRelay(ctx, mesh.PacketKey{PacketID: 1001, Sender: 0xA1},
		mesh.Relay{GatewayID: "!000000b3", ObservedAt: testEpoch}, fp("z"), 24*time.Hour)
	require.ErrorIs(t, err, ErrNotFoundOrExpired)
}

func TestFutureSentAtClamped(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	g := grouped(1001, 0xA1, testEpoch.Add(10*time.Minute), "from the future", "!000000b1")
	g.FirstSeen = testEpoch
	require.NoError(t, st.InsertGroupedPacket(ctx, g))

	p, err := st.PacketByKey(ctx, mesh.PacketKey{PacketID: 1001, Sender: 0xA1})
	require.NoError(t, err)
	require.WithinDuration(t, testEpoch, p.SentAt, time.Second, "sent-at clamps to arrival")

	// A small forward skew is kept as reported.
	g2 := grouped(1002, 0xA1, testEpoch.Add(2*time.Minute), "slightly ahead", "!000000b1")
	g2.FirstSeen = testEpoch
	require.NoError(t, st.InsertGroupedPacket(ctx, g2))

	p, err = st.PacketByKey(ctx, mesh.PacketKey{PacketID: 1002, Sender: 0xA1})
	require.NoError(t, err)
	require.WithinDuration(t, testEpoch.Add(2*time.Minute), p.SentAt, time.Second)
}

func TestNodeInfoNamesPackets(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertNodeInfo(ctx, mesh.NodeInfo{
		Node: 0xA1, LongName: "Hilltop Repeater", ShortName: "HILL", Role: "ROUTER", SeenAt: testEpoch,
	}))

	require.NoError(t, st.InsertGroupedPacket(ctx, grouped(1001, 0xA1, testEpoch, "m", "!000000b1")))

	p, err := st.PacketByKey(ctx, mesh.PacketKey{PacketID: 1001, Sender: 0xA1})
	require.NoError(t, err)
	require.Equal(t, "Hilltop Repeater", p.SenderName)

	n, err := st.NodeByID(ctx, 0xA1)
	require.NoError(t, err)
	require.Equal(t, "HILL", n.ShortName)
	require.Equal(t, "ROUTER", n.Role)

	// Names refresh on the next broadcast.
	require.NoError(t, st.UpsertNodeInfo(ctx, mesh.NodeInfo{
		Node: 0xA1, LongName: "Hilltop II", ShortName: "HILL", SeenAt: testEpoch.Add(time.Hour),
	}))
	n, err = st.NodeByID(ctx, 0xA1)
	require.NoError(t, err)
	require.Equal(t, "Hilltop II", n.LongName)

	_, err = st.NodeByID(ctx, 0xFF)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubscriptionRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSubscription(ctx, 0xA1, "low"))
	require.NoError(t, st.UpsertSubscription(ctx, 0xB2, "high"))

	// Re-subscribing replaces the variant, never adds a row.
	require.NoError(t, st.UpsertSubscription(ctx, 0xA1, "avg"))

	subs, err := st.ActiveSubscriptions(ctx, "")
	require.NoError(t, err)
	require.Len(t, subs, 2)

	subs, err = st.ActiveSubscriptions(ctx, "avg")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, int64(0xA1), subs[0].UserNodeID)

	sub, err := st.SubscriptionFor(ctx, 0xA1)
	require.NoError(t, err)
	require.Equal(t, "avg", sub.Variant)

	require.NoError(t, st.DeactivateSubscription(ctx, 0xA1))
	require.ErrorIs(t, st.DeactivateSubscription(ctx, 0xA1), ErrNotFound)

	_, err = st.SubscriptionFor(ctx, 0xA1)
	require.ErrorIs(t, err, ErrNotFound)

	subs, err = st.ActiveSubscriptions(ctx, "")
	require.NoError(t, err)
	require.Len(t, subs, 1)
}

func TestCacheExpiry(t *testing.T) {
	st, c := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CachePut(ctx, "rolling_stats", `{"n":1}`, time.Minute))

	v, hit, err := st.CacheGet(ctx, "rolling_stats")
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, `{"n":1}`, v)

	_, hit, err = st.CacheGet(ctx, "missing")
	require.NoError(t, err)
	require.False(t, hit)

	c.Advance(2 * time.Minute)
	_, hit, err = st.CacheGet(ctx, "rolling_stats")
	require.NoError(t, err)
	require.False(t, hit, "expired entries read as misses")

	// Overwrite revives the key.
	require.NoError(t, st.CachePut(ctx, "rolling_stats", `{"n":2}`, time.Minute))
	v, hit, err = st.CacheGet(ctx, "rolling_stats")
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, `{"n":2}`, v)
}

func TestCommandLogs(t *testing.T) {
	st, c := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendCommandLog(ctx, 0xA1, "!help", true, false))
	c.Advance(time.Minute)
	require.NoError(t, st.AppendCommandLog(ctx, 0xB2, "!stats today", true, false))
	c.Advance(time.Minute)
	require.NoError(t, st.AppendCommandLog(ctx, 0xA1, "!about", false, true))

	logs, err := st.RecentCommandLogs(ctx, -1, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, "!about", logs[0].Command, "newest first")
	require.True(t, logs[0].RateLimited)

	logs, err = st.RecentCommandLogs(ctx, 0xA1, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	logs, err = st.CommandLogsSince(ctx, testEpoch.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestAggregationReads(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertGroupedPacket(ctx, grouped(1, 0xA1, testEpoch.Add(-3*time.Hour), "a", "!000000b1")))
	require.NoError(t, st.InsertGroupedPacket(ctx, grouped(2, 0xA1, testEpoch.Add(-2*time.Hour), "b", "!000000b1", "!000000b2")))
	require.NoError(t, st.InsertGroupedPacket(ctx, grouped(3, 0xB2, testEpoch.Add(-time.Hour), "c", "!000000b1", "!000000b2", "!000000b3")))

	samples, err := st.PacketSamples(ctx, testEpoch.Add(-4*time.Hour), testEpoch)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	require.Equal(t, 1, samples[0].GatewayCount, "oldest first")

	counts, err := st.RecentGatewayCounts(ctx, -1, 2)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, counts, "newest first")

	counts, err = st.RecentGatewayCounts(ctx, 0xA1, 10)
	require.NoError(t, err)
	require.Equal(t, []int{2, 1}, counts)

	top, err := st.TopSenders(ctx, testEpoch.Add(-4*time.Hour), testEpoch, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, int64(0xA1), top[0].NodeID)
	require.Equal(t, int64(2), top[0].MessageCount)

	n, err := st.CountPackets(ctx, testEpoch.Add(-4*time.Hour), testEpoch)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	n, err = st.CountDistinctSenders(ctx, testEpoch.Add(-4*time.Hour), testEpoch)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = st.CountDistinctGateways(ctx, testEpoch.Add(-4*time.Hour), testEpoch)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	details, err := st.LastPacketDetails(ctx, 2)
	require.NoError(t, err)
	require.Len(t, details, 2)
	require.Len(t, details[0].Gateways, 3)

	relays, err := st.GatewayObservationsForSender(ctx, 0xA1, 10)
	require.NoError(t, err)
	require.Len(t, relays, 3)
}

func TestExpire(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertGroupedPacket(ctx, grouped(1, 0xA1, testEpoch.Add(-48*time.Hour), "old", "!000000b1")))
	require.NoError(t, st.InsertGroupedPacket(ctx, grouped(2, 0xA1, testEpoch.Add(-time.Hour), "new", "!000000b1")))
	require.NoError(t, st.UpsertSubscription(ctx, 0xA1, "avg"))

	res, err := st.Expire(ctx, testEpoch.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Packets)

	pkts, err := st.LastPackets(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	require.Equal(t, "new", pkts[0].Payload)

	// Subscriptions survive retention.
	subs, err := st.ActiveSubscriptions(ctx, "")
	require.NoError(t, err)
	require.Len(t, subs, 1)
}

func TestInfo(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertGroupedPacket(ctx, grouped(1, 0xA1, testEpoch.Add(-time.Hour), "a", "!000000b1", "!000000b2")))

	info, err := st.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, "sqlite", info.Backend)
	require.Positive(t, info.SizeBytes)
	require.Equal(t, int64(1), info.Tables["packets"])
	require.Equal(t, int64(2), info.Tables["packet_gateways"])
	require.Equal(t, int64(1), info.Tables["nodes"])
	require.NotNil(t, info.OldestPacket)
	require.NotNil(t, info.NewestPacket)
}
