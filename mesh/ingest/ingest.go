// Package ingest holds the MQTT side of the pipeline: the broker
// connection, the topic subscription and the dispatch of decoded
// envelopes into the grouper.
package ingest

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	clock "github.com/jonboulle/clockwork"

	"github.com/meshstats/meshstats/common/log"
	"github.com/meshstats/meshstats/mesh"
	"github.com/meshstats/meshstats/mesh/codec"
	"github.com/meshstats/meshstats/metrics"
)

// connectTimeout bounds the initial broker handshake.
const connectTimeout = 10 * time.Second

// disconnectGraceMs is how long the paho client waits for in-flight
// work on Stop.
const disconnectGraceMs = 250

// skipTopicFragments marks topic subtrees that never carry envelopes
// worth decoding.
var skipTopicFragments = []string{"/json", "/telemetry", "/stat/"}

// Grouper accepts decoded text observations.
type Grouper interface {
	Submit(obs *mesh.Observation) error
}

// NodeStore accepts node identity announcements.
type NodeStore interface {
	UpsertNodeInfo(ctx context.Context, info mesh.NodeInfo) error
}

// Config is the broker connection configuration.
type Config struct {
	Server      string
	Username    string
	Password    string
	RootTopic   string
	TLSEnabled  bool
	TLSInsecure bool
}

// Ingest owns the broker connection for the life of the process.
type Ingest struct {
	l       log.Logger
	clock   clock.Clock
	codec   *codec.Codec
	grouper Grouper
	nodes   NodeStore
	cfg     Config
	client  MQTT.Client
}

// New wires an ingest but does not connect; Start does.
func New(l log.Logger, c clock.Clock, cdc *codec.Codec, g Grouper, nodes NodeStore, cfg Config) *Ingest {
	return &Ingest{
		l:       l.Named("ingest"),
		clock:   c,
		codec:   cdc,
		grouper: g,
		nodes:   nodes,
		cfg:     cfg,
	}
}

// brokerURL derives the full broker address from the configured server,
// honouring the TLS setting when no scheme was given.
func (in *Ingest) brokerURL() string {
	s := in.cfg.Server
	if strings.Contains(s, "://") {
		return s
	}
	if in.cfg.TLSEnabled {
		return "ssl://" + s
	}
	return "tcp://" + s
}

func (in *Ingest) topic() string {
	return strings.TrimSuffix(in.cfg.RootTopic, "/") + "/#"
}

// Start connects to the broker and subscribes to the topic tree. The
// paho client reconnects and resubscribes on its own afterwards.
func (in *Ingest) Start() error {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(in.brokerURL())
	opts.SetClientID("meshstats-" + uuid.NewString()[:8])
	opts.SetUsername(in.cfg.Username)
	opts.SetPassword(in.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOrderMatters(false)
	if in.cfg.TLSEnabled && in.cfg.TLSInsecure {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // operator opted in
	}

	// Resubscribing inside OnConnect covers broker restarts too.
	opts.SetOnConnectHandler(func(client MQTT.Client) {
		metrics.MQTTConnected.Set(1)
		topic := in.topic()
		token := client.Subscribe(topic, 0, in.handle)
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				in.l.Errorw("subscribe failed", "topic", topic, "err", err)
				return
			}
			in.l.Infow("subscribed", "topic", topic)
		}()
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		metrics.MQTTConnected.Set(0)
		in.l.Warnw("broker connection lost", "err", err)
	})

	client := MQTT.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(connectTimeout) && token.Error() != nil {
		return fmt.Errorf("connecting to broker %s: %w", in.brokerURL(), token.Error())
	}
	in.client = client
	in.l.Infow("connected to broker", "broker", in.brokerURL())
	return nil
}

// Stop disconnects from the broker.
func (in *Ingest) Stop() {
	if in.client == nil {
		return
	}
	in.client.Disconnect(disconnectGraceMs)
	metrics.MQTTConnected.Set(0)
	in.l.Infow("disconnected from broker")
}

// Connected reports the broker link state for the health endpoint.
func (in *Ingest) Connected() bool {
	return in.client != nil && in.client.IsConnectionOpen()
}

// handle is the paho message callback: filter, decode, dispatch.
func (in *Ingest) handle(_ MQTT.Client, msg MQTT.Message) {
	if skipTopic(msg.Topic()) {
		return
	}
	in.Dispatch(msg.Topic(), msg.Payload())
}

// Dispatch decodes one envelope body and routes the outcome. It is the
// seam the mock API and tests inject envelopes through.
func (in *Ingest) Dispatch(topic string, body []byte) {
	res := in.codec.Decode(topic, body, in.clock.Now().UTC())

	switch res.Kind {
	case codec.KindText:
		if err := in.grouper.Submit(res.Observation); err != nil {
			in.l.Warnw("observation dropped", "key", res.Observation.Key(), "err", err)
		}

	case codec.KindNodeInfo:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := in.nodes.UpsertNodeInfo(ctx, *res.NodeInfo); err != nil {
			in.l.Warnw("node info upsert failed", "node", res.NodeInfo.Node, "err", err)
		}

	case codec.KindNonText:
		metrics.UnsupportedPort.WithLabelValues(res.PortNum).Inc()
		in.l.Debugw("unsupported port", "port", res.PortNum, "gateway", res.GatewayID)

	case codec.KindPrivateDrop:
		metrics.PrivateDropped.Inc()
		in.l.Infow("private packet dropped", "gateway", res.GatewayID)

	case codec.KindCannotDecrypt:
		metrics.DecryptFailed.Inc()
		in.l.Debugw("cannot decrypt envelope", "topic", topic, "err", res.Err)

	case codec.KindMalformed:
		metrics.MalformedEnvelopes.Inc()
		in.l.Debugw("malformed envelope", "topic", topic, "err", res.Err)
	}
}

func skipTopic(topic string) bool {
	for _, frag := range skipTopicFragments {
		if strings.Contains(topic, frag) {
			return true
		}
	}
	return false
}
