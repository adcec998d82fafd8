// Package bot is the mesh command service: a long-lived framed
// protobuf session to a physical radio over TCP, answering `!` command
// messages with chunked direct messages and carrying the scheduler's
// daily summaries onto the mesh.
package bot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	clock "github.com/jonboulle/clockwork"
	"github.com/rabarar/meshtastic"
	"github.com/rabarar/meshtool-go/public/transport"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"github.com/meshstats/meshstats/common/log"
	"github.com/meshstats/meshstats/mesh"
	"github.com/meshstats/meshstats/metrics"
	"github.com/meshstats/meshstats/stats"
	"github.com/meshstats/meshstats/store"
)

// State of the radio session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateDraining:
		return "draining"
	default:
		return "disconnected"
	}
}

// Link is one framed protobuf stream session with a radio.
type Link interface {
	Read(msg proto.Message) error
	Write(msg proto.Message) error
	Close() error
}

// Dialer opens a fresh Link. The bot redials through it on every
// reconnect.
type Dialer func(ctx context.Context) (Link, error)

// TCPDialer builds a Dialer from a tcp://host:port connection URL.
// Other schemes are rejected up front so misconfiguration fails at
// start, not at first reconnect.
func TCPDialer(connURL string) (Dialer, error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return nil, fmt.Errorf("radio connection url: %w", err)
	}
	if u.Scheme != "tcp" {
		return nil, fmt.Errorf("unsupported radio connection scheme %q (only tcp://)", u.Scheme)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Host, "4403")
	}

	return func(ctx context.Context) (Link, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		sc, err := transport.NewClientStreamConn(conn)
		if err != nil {
			return nil, err
		}
		return sc, nil
	}, nil
}

// Store is the durable surface the bot writes its audit to and reads
// message history from.
type Store interface {
	AppendCommandLog(ctx context.Context, userNodeID int64, command string, responseSent, rateLimited bool) error
	LastPackets(ctx context.Context, limit int) ([]store.Packet, error)
}

// Stats answers the stats verbs.
type Stats interface {
	Today(ctx context.Context) (stats.DayStat, error)
}

// Subs answers the subscription verbs.
type Subs interface {
	Subscribe(ctx context.Context, userNodeID int64, variant string) error
	Unsubscribe(ctx context.Context, userNodeID int64) error
	For(ctx context.Context, userNodeID int64) (store.Subscription, error)
}

// Config tunes the bot.
type Config struct {
	// ChannelID is the channel index the bot listens for commands on.
	ChannelID int
	// BroadcastChannel is the channel index summaries go out on. Zero
	// falls back to ChannelID.
	BroadcastChannel int
	// ChunkBytes caps one direct-message payload.
	ChunkBytes int
	// InterChunkDelay is the pause between chunks of one reply.
	InterChunkDelay time.Duration
	// RateWindow and RateBurst shape the per-sender sliding window.
	RateWindow time.Duration
	RateBurst  int
	// InactivityTimeout forces a reconnect when the radio goes silent.
	InactivityTimeout time.Duration
	// QueueSize bounds the outbound message queue.
	QueueSize int
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		ChunkBytes:        200,
		InterChunkDelay:   5 * time.Second,
		RateWindow:        60 * time.Second,
		RateBurst:         5,
		InactivityTimeout: 15 * time.Minute,
		QueueSize:         128,
	}
}

// outMessage is one queued mesh transmission.
type outMessage struct {
	to        mesh.NodeID
	broadcast bool
	text      string
}

// Bot runs the radio session.
type Bot struct {
	l       log.Logger
	clock   clock.Clock
	dial    Dialer
	store   Store
	stats   Stats
	subs    Subs
	cfg     Config
	limiter *rateLimiter

	out       chan outMessage
	state     atomic.Int32
	nodeID    atomic.Uint32
	packetSeq atomic.Uint32
	lastRead  atomic.Int64
	sendOK    atomic.Bool
	startedAt time.Time
}

// New builds a bot. Run drives it.
func New(l log.Logger, c clock.Clock, dial Dialer, st Store, eng Stats, subs Subs, cfg Config) *Bot {
	def := DefaultConfig()
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = def.ChunkBytes
	}
	if cfg.InterChunkDelay <= 0 {
		cfg.InterChunkDelay = def.InterChunkDelay
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BroadcastChannel == 0 {
		cfg.BroadcastChannel = cfg.ChannelID
	}

	return &Bot{
		l:       l.Named("bot"),
		clock:   c,
		dial:    dial,
		store:   st,
		stats:   eng,
		subs:    subs,
		cfg:     cfg,
		limiter: newRateLimiter(c, cfg.RateWindow, cfg.RateBurst),
		out:     make(chan outMessage, cfg.QueueSize),
	}
}

// State reports the current session state.
func (b *Bot) State() State {
	return State(b.state.Load())
}

// Connected reports whether the radio link is usable.
func (b *Bot) Connected() bool {
	s := b.State()
	return s == StateConnected || s == StateSubscribed
}

func (b *Bot) setState(s State) {
	b.state.Store(int32(s))
	if b.Connected() {
		metrics.BotConnected.Set(1)
	} else {
		metrics.BotConnected.Set(0)
	}
}

// SendDM queues a direct message. At capacity the oldest queued message
// is dropped, never the newest.
func (b *Bot) SendDM(to mesh.NodeID, text string) {
	b.enqueue(outMessage{to: to, text: text})
}

// Broadcast queues a channel broadcast on the configured channel.
func (b *Bot) Broadcast(text string) {
	b.enqueue(outMessage{to: mesh.BroadcastNodeID, broadcast: true, text: text})
}

func (b *Bot) enqueue(m outMessage) {
	for {
		select {
		case b.out <- m:
			return
		default:
		}
		select {
		case dropped := <-b.out:
			b.l.Warnw("outbound queue full, dropping oldest", "to", dropped.to)
		default:
		}
	}
}

// Run drives connect, handshake and the session loops until the
// context is cancelled. Reconnect backoff starts at one second, doubles
// to a 30s cap, and resets after any successful send.
func (b *Bot) Run(ctx context.Context) error {
	b.startedAt = b.clock.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}

		b.setState(StateConnecting)
		link, err := b.dial(ctx)
		if err != nil {
			b.setState(StateDisconnected)
			b.l.Warnw("radio dial failed", "err", err)
			if !b.sleep(ctx, bo.NextBackOff()) {
				return nil
			}
			continue
		}

		err = b.session(ctx, link)
		_ = link.Close()
		b.setState(StateDisconnected)

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			b.l.Warnw("radio session ended", "err", err)
		}
		if b.sendOK.Swap(false) {
			bo.Reset()
		}
		if !b.sleep(ctx, bo.NextBackOff()) {
			return nil
		}
	}
}

// sleep waits d on the injected clock, honouring cancellation. It
// reports whether the caller should continue.
func (b *Bot) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-b.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// session performs the handshake and runs the read and write loops
// until either fails or the context ends.
func (b *Bot) session(ctx context.Context, link Link) error {
	if err := b.handshake(link); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	b.setState(StateConnected)
	b.l.Infow("radio session established", "node", mesh.NodeID(b.nodeID.Load()))

	// The stream delivers packet events unprompted once config is
	// complete; that is the registration.
	b.setState(StateSubscribed)
	b.touchRead()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return b.readLoop(egCtx, link)
	})
	eg.Go(func() error {
		return b.writeLoop(egCtx, link)
	})
	eg.Go(func() error {
		return b.watchdog(egCtx)
	})
	// A blocked Read only unblocks when the link closes under it.
	eg.Go(func() error {
		<-egCtx.Done()
		b.setState(StateDraining)
		_ = link.Close()
		return nil
	})

	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handshakeNonce tags the WantConfigId exchange.
const handshakeNonce = 0x6d657368

func (b *Bot) handshake(link Link) error {
	want := &meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_WantConfigId{WantConfigId: handshakeNonce},
	}
	if err := link.Write(want); err != nil {
		return err
	}

	for {
		msg := &meshtastic.FromRadio{}
		if err := link.Read(msg); err != nil {
			return err
		}
		switch v := msg.PayloadVariant.(type) {
		case *meshtastic.FromRadio_MyInfo:
			b.nodeID.Store(v.MyInfo.GetMyNodeNum())
		case *meshtastic.FromRadio_ConfigCompleteId:
			if b.nodeID.Load() == 0 {
				return errors.New("config stream ended without device info")
			}
			return nil
		}
	}
}

func (b *Bot) touchRead() {
	b.lastRead.Store(b.clock.Now().UnixNano())
}

func (b *Bot) readLoop(ctx context.Context, link Link) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := &meshtastic.FromRadio{}
		if err := link.Read(msg); err != nil {
			return fmt.Errorf("radio read: %w", err)
		}
		b.touchRead()

		if pkt := msg.GetPacket(); pkt != nil {
			b.handlePacket(ctx, pkt)
		}
	}
}

func (b *Bot) writeLoop(ctx context.Context, link Link) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-b.out:
			if err := b.send(ctx, link, m); err != nil {
				return fmt.Errorf("radio write: %w", err)
			}
		}
	}
}

// watchdog forces a reconnect when the radio goes silent for longer
// than the inactivity timeout.
func (b *Bot) watchdog(ctx context.Context) error {
	ticker := b.clock.NewTicker(b.cfg.InactivityTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			last := time.Unix(0, b.lastRead.Load())
			if b.clock.Now().Sub(last) > b.cfg.InactivityTimeout {
				return fmt.Errorf("radio inactive for %s", b.cfg.InactivityTimeout)
			}
		}
	}
}

// send writes one message as chunked packets with the configured pause
// between chunks. A failed chunk abandons the rest of the message.
func (b *Bot) send(ctx context.Context, link Link, m outMessage) error {
	chunks := Chunk(m.text, b.cfg.ChunkBytes)
	for i, chunk := range chunks {
		if i > 0 {
			if !b.sleep(ctx, b.cfg.InterChunkDelay) {
				b.l.Infow("shutdown during reply, abandoning remaining chunks",
					"sent", i, "total", len(chunks))
				return nil
			}
		}
		if err := link.Write(b.packet(m, chunk)); err != nil {
			b.l.Errorw("chunk send failed, abandoning message",
				"to", m.to, "sent", i, "total", len(chunks), "err", err)
			return err
		}
		b.sendOK.Store(true)
	}
	return nil
}

func (b *Bot) packet(m outMessage, text string) *meshtastic.ToRadio {
	var channel uint32
	if m.broadcast {
		channel = uint32(b.cfg.BroadcastChannel)
	}
	return &meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_Packet{
			Packet: &meshtastic.MeshPacket{
				Id:      b.packetSeq.Add(1),
				From:    b.nodeID.Load(),
				To:      m.to.Uint32(),
				Channel: channel,
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

// handlePacket filters incoming packets down to `!` commands addressed
// to the bot or its channel.
func (b *Bot) handlePacket(ctx context.Context, pkt *meshtastic.MeshPacket) {
	decoded := pkt.GetDecoded()
	if decoded == nil || decoded.GetPortnum() != meshtastic.PortNum_TEXT_MESSAGE_APP {
		return
	}

	to := pkt.GetTo()
	direct := to == b.nodeID.Load()
	onChannel := to == mesh.BroadcastNodeID.Uint32() && pkt.GetChannel() == uint32(b.cfg.ChannelID)
	if !direct && !onChannel {
		return
	}

	text := strings.TrimSpace(string(decoded.GetPayload()))
	if !strings.HasPrefix(text, "!") {
		return
	}

	b.handleCommand(ctx, int64(pkt.GetFrom()), text)
}

// handleCommand rate-limits, audits and answers one command line. The
// audit row is written before the reply is queued.
func (b *Bot) handleCommand(ctx context.Context, sender int64, text string) {
	cmd := parseCommand(text)
	metrics.BotCommands.WithLabelValues(cmd.verb.String()).Inc()

	allowed, warn := b.limiter.Allow(sender)
	if !allowed {
		metrics.BotRateLimited.Inc()
		if err := b.store.AppendCommandLog(ctx, sender, text, warn, true); err != nil {
			b.l.Errorw("command audit failed", "node", sender, "err", err)
		}
		if warn {
			b.SendDM(mesh.NodeID(sender), slowDownText)
		}
		b.l.Infow("command rate limited", "node", sender, "verb", cmd.verb)
		return
	}

	if err := b.store.AppendCommandLog(ctx, sender, text, true, false); err != nil {
		b.l.Errorw("command audit failed", "node", sender, "err", err)
	}

	reply := b.respond(ctx, sender, cmd)
	b.SendDM(mesh.NodeID(sender), reply)
	b.l.Debugw("command answered", "node", sender, "verb", cmd.verb, "reply_bytes", len(reply))
}
