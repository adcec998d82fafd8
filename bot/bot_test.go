package bot

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/rabarar/meshtastic"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/meshstats/meshstats/common/testlogger"
	"github.com/meshstats/meshstats/mesh"
	"github.com/meshstats/meshstats/stats"
	"github.com/meshstats/meshstats/store"
)

// fakeLink is an in-memory radio session.
type fakeLink struct {
	fromRadio chan proto.Message
	toRadio   chan proto.Message
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		fromRadio: make(chan proto.Message, 16),
		toRadio:   make(chan proto.Message, 16),
		closed:    make(chan struct{}),
	}
}

func (f *fakeLink) Read(msg proto.Message) error {
	select {
	case m := <-f.fromRadio:
		proto.Merge(msg, m)
		return nil
	case <-f.closed:
		return io.EOF
	}
}

func (f *fakeLink) Write(msg proto.Message) error {
	select {
	case f.toRadio <- proto.Clone(msg):
		return nil
	case <-f.closed:
		return io.ErrClosedPipe
	}
}

func (f *fakeLink) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// push queues a FromRadio for the bot to read.
func (f *fakeLink) push(msg *meshtastic.FromRadio) {
	f.fromRadio <- msg
}

type botStore struct {
	mu      sync.Mutex
	logs    []store.CommandLog
	packets []store.Packet
}

func (b *botStore) AppendCommandLog(_ context.Context, id int64, cmd string, sent, limited bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, store.CommandLog{UserNodeID: id, Command: cmd, ResponseSent: sent, RateLimited: limited})
	return nil
}

func (b *botStore) LastPackets(_ context.Context, limit int) ([]store.Packet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.packets) < limit {
		limit = len(b.packets)
	}
	return b.packets[:limit], nil
}

func (b *botStore) logged() []store.CommandLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]store.CommandLog(nil), b.logs...)
}

type botStats struct{ today stats.DayStat }

func (b botStats) Today(context.Context) (stats.DayStat, error) { return b.today, nil }

type botSubs struct {
	mu     sync.Mutex
	active map[int64]string
}

func (b *botSubs) Subscribe(_ context.Context, id int64, v string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		b.active = map[int64]string{}
	}
	b.active[id] = v
	return nil
}

func (b *botSubs) Unsubscribe(_ context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.active[id]; !ok {
		return store.ErrNotFound
	}
	delete(b.active, id)
	return nil
}

func (b *botSubs) For(_ context.Context, id int64) (store.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.active[id]
	if !ok {
		return store.Subscription{}, store.ErrNotFound
	}
	return store.Subscription{UserNodeID: id, Variant: v, IsActive: true}, nil
}

const botNodeID = 0xB07

func handshakeMsgs() []*meshtastic.FromRadio {
	return []*meshtastic.FromRadio{
		{PayloadVariant: &meshtastic.FromRadio_MyInfo{
			MyInfo: &meshtastic.MyNodeInfo{MyNodeNum: botNodeID},
		}},
		{PayloadVariant: &meshtastic.FromRadio_ConfigCompleteId{ConfigCompleteId: handshakeNonce}},
	}
}

func commandPacket(from uint32, text string) *meshtastic.FromRadio {
	return &meshtastic.FromRadio{
		PayloadVariant: &meshtastic.FromRadio_Packet{
			Packet: &meshtastic.MeshPacket{
				From: from,
				To:   botNodeID,
				PayloadVariant: &meshtastic.MeshPacket_Decoded{
					Decoded: &meshtastic.Data{
						Portnum: meshtastic.PortNum_TEXT_MESSAGE_APP,
						Payload: []byte(text),
					},
				},
			},
		},
	}
}

// payloadOf extracts the text of one written ToRadio packet.
func payloadOf(t *testing.T, msg proto.Message) string {
	t.Helper()
	tr, ok := msg.(*meshtastic.ToRadio)
	require.True(t, ok)
	pkt := tr.GetPacket()
	require.NotNil(t, pkt)
	return string(pkt.GetDecoded().GetPayload())
}

func startTestBot(t *testing.T, st *botStore, cfg Config) (*Bot, *fakeLink, context.CancelFunc) {
	t.Helper()
	link := newFakeLink()
	dial := func(context.Context) (Link, error) { return link, nil }

	if cfg.InterChunkDelay == 0 {
		cfg.InterChunkDelay = 10 * time.Millisecond
	}
	b := New(testlogger.New(t), clock.NewRealClock(), dial, st, botStats{}, &botSubs{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("bot did not stop")
		}
	})

	for _, m := range handshakeMsgs() {
		link.push(m)
	}

	// The first frame on the wire is the config request.
	select {
	case msg := <-link.toRadio:
		tr, ok := msg.(*meshtastic.ToRadio)
		require.True(t, ok)
		require.Equal(t, uint32(handshakeNonce), tr.GetWantConfigId())
	case <-time.After(time.Second):
		t.Fatal("no handshake frame")
	}
	require.Eventually(t, func() bool { return b.Connected() }, time.Second, 5*time.Millisecond)
	return b, link, cancel
}

func TestBotAnswersHelp(t *testing.T) {
	st := &botStore{}
	_, link, _ := startTestBot(t, st, Config{})

	link.push(commandPacket(0xA1, "!help"))

	select {
	case msg := <-link.toRadio:
		require.True(t, strings.HasPrefix(payloadOf(t, msg), "Commands:"))
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}

	require.Eventually(t, func() bool { return len(st.logged()) == 1 }, time.Second, 5*time.Millisecond)
	logged := st.logged()[0]
	require.Equal(t, int64(0xA1), logged.UserNodeID)
	require.Equal(t, "!help", logged.Command)
	require.False(t, logged.RateLimited)
}

func TestBotIgnoresForeignTraffic(t *testing.T) {
	st := &botStore{}
	_, link, _ := startTestBot(t, st, Config{})

	// Addressed to another node.
	other := commandPacket(0xA1, "!help")
	other.GetPacket().To = 0x999
	link.push(other)

	// Right destination, not a command.
	link.push(commandPacket(0xA1, "hello there"))

	select {
	case msg := <-link.toRadio:
		t.Fatalf("unexpected reply: %q", payloadOf(t, msg))
	case <-time.After(100 * time.Millisecond):
	}
	require.Empty(t, st.logged())
}

func TestBotRateLimit(t *testing.T) {
	st := &botStore{}
	_, link, _ := startTestBot(t, st, Config{RateBurst: 2, RateWindow: time.Minute})

	for i := 0; i < 4; i++ {
		link.push(commandPacket(0xA1, "!about"))
	}

	require.Eventually(t, func() bool { return len(st.logged()) == 4 }, time.Second, 5*time.Millisecond)

	var limited int
	for _, l := range st.logged() {
		if l.RateLimited {
			limited++
		}
	}
	require.Equal(t, 2, limited)

	// Replies: two real answers plus exactly one slow-down warning.
	var warnings, answers int
	deadline := time.After(time.Second)
	for warnings+answers < 3 {
		select {
		case msg := <-link.toRadio:
			if payloadOf(t, msg) == slowDownText {
				warnings++
			} else {
				answers++
			}
		case <-deadline:
			t.Fatalf("got %d answers, %d warnings", answers, warnings)
		}
	}
	require.Equal(t, 1, warnings)
	require.Equal(t, 2, answers)
}

func TestBotChunksLongReply(t *testing.T) {
	st := &botStore{
		packets: []store.Packet{{
			SenderNodeID: 0xC1,
			SenderName:   "Ridge",
			Payload:      strings.Repeat("mesh traffic report ", 12),
			GatewayCount: 3,
		}},
	}
	_, link, _ := startTestBot(t, st, Config{ChunkBytes: 80})

	link.push(commandPacket(0xA1, "!stats last message"))

	var chunks []string
	deadline := time.After(2 * time.Second)
	for len(chunks) < 2 {
		select {
		case msg := <-link.toRadio:
			p := payloadOf(t, msg)
			require.LessOrEqual(t, len(p), 80)
			chunks = append(chunks, p)
		case <-deadline:
			t.Fatalf("chunks so far: %d", len(chunks))
		}
	}
	require.Eventually(t, func() bool { return len(st.logged()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBotSubscribeFlow(t *testing.T) {
	st := &botStore{}
	_, link, _ := startTestBot(t, st, Config{})

	link.push(commandPacket(0xA1, "!subscribe avg"))

	select {
	case msg := <-link.toRadio:
		require.Contains(t, payloadOf(t, msg), "daily avg summary")
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}

	link.push(commandPacket(0xA1, "!my_subscriptions"))
	select {
	case msg := <-link.toRadio:
		require.Contains(t, payloadOf(t, msg), "avg")
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}

func TestBotBroadcastQueue(t *testing.T) {
	st := &botStore{}
	b, link, _ := startTestBot(t, st, Config{ChannelID: 2})

	b.Broadcast("nightly summary")

	select {
	case msg := <-link.toRadio:
		tr := msg.(*meshtastic.ToRadio)
		pkt := tr.GetPacket()
		require.Equal(t, mesh.BroadcastNodeID.Uint32(), pkt.GetTo())
		require.Equal(t, uint32(2), pkt.GetChannel())
		require.Equal(t, "nightly summary", string(pkt.GetDecoded().GetPayload()))
	case <-time.After(time.Second):
		t.Fatal("no broadcast")
	}
}

func TestParseCommandGrammar(t *testing.T) {
	cases := []struct {
		in   string
		want command
	}{
		{"!help", command{verb: verbHelp}},
		{"!HELP", command{verb: verbHelp}},
		{"  !about  ", command{verb: verbAbout}},
		{"!stats last message", command{verb: verbStatsLast, n: 1}},
		{"!stats  last  5  messages", command{verb: verbStatsLast, n: 5}},
		{"!stats last 20 messages", command{verb: verbStatsLast, n: 20}},
		{"!stats last 21 messages", command{verb: verbUnknown}},
		{"!stats last 0 messages", command{verb: verbUnknown}},
		{"!stats today", command{verb: verbStatsToday}},
		{"!Stats Today Detailed", command{verb: verbStatsTodayDetailed}},
		{"!stats status", command{verb: verbStatsStatus}},
		{"!subscribe avg", command{verb: verbSubscribe, variant: "avg"}},
		{"!subscribe HIGH", command{verb: verbSubscribe, variant: "high"}},
		{"!subscribe hourly", command{verb: verbUnknown}},
		{"!unsubscribe", command{verb: verbUnsubscribe}},
		{"!my_subscriptions", command{verb: verbMySubscriptions}},
		{"!frobnicate", command{verb: verbUnknown}},
		{"stats today", command{verb: verbUnknown}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, parseCommand(tc.in), tc.in)
	}
}

func TestChunk(t *testing.T) {
	require.Nil(t, Chunk("", 10))
	require.Equal(t, []string{"short"}, Chunk("short", 200))

	// Prefers line breaks.
	chunks := Chunk("line one\nline two\nline three", 12)
	require.Equal(t, []string{"line one", "line two", "line three"}, chunks)

	// Falls back to spaces.
	chunks = Chunk("alpha beta gamma delta", 11)
	for _, c := range chunks {
		require.LessOrEqual(t, len(c), 11)
	}
	require.Equal(t, "alpha beta gamma delta", strings.Join(chunks, " "))

	// Never cuts a UTF-8 sequence.
	chunks = Chunk(strings.Repeat("é", 100), 15)
	for _, c := range chunks {
		require.LessOrEqual(t, len(c), 15)
		require.True(t, strings.HasPrefix(c, "é"))
		require.Zero(t, len(c)%2)
	}

	// A 450-byte reply at the default cap arrives as three messages.
	long := strings.Repeat("w ", 225)
	chunks = Chunk(strings.TrimSpace(long), 200)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		require.LessOrEqual(t, len(c), 200)
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	c := clock.NewFakeClock()
	rl := newRateLimiter(c, time.Minute, 3)

	for i := 0; i < 3; i++ {
		allowed, warn := rl.Allow(1)
		require.True(t, allowed)
		require.False(t, warn)
	}

	allowed, warn := rl.Allow(1)
	require.False(t, allowed)
	require.True(t, warn, "first over-limit command warns")

	allowed, warn = rl.Allow(1)
	require.False(t, allowed)
	require.False(t, warn, "warning goes out once per window")

	// Another sender is unaffected.
	allowed, _ = rl.Allow(2)
	require.True(t, allowed)

	// After the window slides past, the sender may talk again.
	c.Advance(61 * time.Second)
	allowed, _ = rl.Allow(1)
	require.True(t, allowed)
}
