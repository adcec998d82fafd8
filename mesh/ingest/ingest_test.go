package ingest

import (
	"context"
	"testing"

	clock "github.com/jonboulle/clockwork"
	"github.com/rabarar/meshtastic"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/meshstats/meshstats/common/testlogger"
	"github.com/meshstats/meshstats/mesh"
	"github.com/meshstats/meshstats/mesh/codec"
)

type captureGrouper struct {
	observations []*mesh.Observation
}

func (c *captureGrouper) Submit(obs *mesh.Observation) error {
	c.observations = append(c.observations, obs)
	return nil
}

type captureNodes struct {
	infos []mesh.NodeInfo
}

func (c *captureNodes) UpsertNodeInfo(_ context.Context, info mesh.NodeInfo) error {
	c.infos = append(c.infos, info)
	return nil
}

func newTestIngest(t *testing.T, cfg Config) (*Ingest, *captureGrouper, *captureNodes) {
	t.Helper()
	cdc, err := codec.New(nil, true)
	require.NoError(t, err)
	g := &captureGrouper{}
	n := &captureNodes{}
	return New(testlogger.New(t), clock.NewFakeClock(), cdc, g, n, cfg), g, n
}

func textEnvelope(t *testing.T, packetID, from uint32, gateway, payload string) []byte {
	t.Helper()
	env := &meshtastic.ServiceEnvelope{
		GatewayId: gateway,
		Packet: &meshtastic.MeshPacket{
			Id:   packetID,
			From: from,
			PayloadVariant: &meshtastic.MeshPacket_Decoded{
				Decoded: &meshtastic.Data{
					Portnum: meshtastic.PortNum_TEXT_MESSAGE_APP,
					Payload: []byte(payload),
				},
			},
		},
	}
	b, err := proto.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestDispatchText(t *testing.T) {
	in, g, _ := newTestIngest(t, Config{})

	in.Dispatch("msh/US/2/e/LongFast/!aabbccdd", textEnvelope(t, 7001, 0xA1, "!aabbccdd", "hello"))

	require.Len(t, g.observations, 1)
	require.Equal(t, "!aabbccdd", g.observations[0].GatewayID)
	require.Equal(t, uint32(7001), g.observations[0].Packet.PacketID)
}

func TestDispatchNodeInfo(t *testing.T) {
	in, g, n := newTestIngest(t, Config{})

	user := &meshtastic.User{LongName: "Summit Node", ShortName: "SMT"}
	payload, err := proto.Marshal(user)
	require.NoError(t, err)
	env := &meshtastic.ServiceEnvelope{
		GatewayId: "!00000001",
		Packet: &meshtastic.MeshPacket{
			Id:   7002,
			From: 0xB2,
			PayloadVariant: &meshtastic.MeshPacket_Decoded{
				Decoded: &meshtastic.Data{
					Portnum: meshtastic.PortNum_NODEINFO_APP,
					Payload: payload,
				},
			},
		},
	}
	body, err := proto.Marshal(env)
	require.NoError(t, err)

	in.Dispatch("t", body)

	require.Empty(t, g.observations)
	require.Len(t, n.infos, 1)
	require.Equal(t, mesh.NodeID(0xB2), n.infos[0].Node)
	require.Equal(t, "Summit Node", n.infos[0].LongName)
}

func TestDispatchPrivateNeverReachesGrouper(t *testing.T) {
	in, g, n := newTestIngest(t, Config{})

	private := uint32(0)
	env := &meshtastic.ServiceEnvelope{
		GatewayId: "!00000001",
		Packet: &meshtastic.MeshPacket{
			Id:   7003,
			From: 0xC3,
			PayloadVariant: &meshtastic.MeshPacket_Decoded{
				Decoded: &meshtastic.Data{
					Portnum:  meshtastic.PortNum_TEXT_MESSAGE_APP,
					Payload:  []byte("secret"),
					Bitfield: &private,
				},
			},
		},
	}
	body, err := proto.Marshal(env)
	require.NoError(t, err)

	in.Dispatch("t", body)

	require.Empty(t, g.observations)
	require.Empty(t, n.infos)
}

func TestSkipTopic(t *testing.T) {
	cases := []struct {
		topic string
		skip  bool
	}{
		{"msh/US/2/e/LongFast/!aabbccdd", false},
		{"msh/US/2/json/LongFast/!aabbccdd", true},
		{"msh/US/2/e/telemetry/x", true},
		{"msh/US/2/stat/!aabbccdd", true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.skip, skipTopic(tc.topic), tc.topic)
	}
}

func TestBrokerURL(t *testing.T) {
	in, _, _ := newTestIngest(t, Config{Server: "broker.example:1883"})
	require.Equal(t, "tcp://broker.example:1883", in.brokerURL())

	in, _, _ = newTestIngest(t, Config{Server: "broker.example:8883", TLSEnabled: true})
	require.Equal(t, "ssl://broker.example:8883", in.brokerURL())

	in, _, _ = newTestIngest(t, Config{Server: "ws://broker.example/mqtt"})
	require.Equal(t, "ws://broker.example/mqtt", in.brokerURL())
}

func TestTopicSuffix(t *testing.T) {
	in, _, _ := newTestIngest(t, Config{RootTopic: "msh/US"})
	require.Equal(t, "msh/US/#", in.topic())

	in, _, _ = newTestIngest(t, Config{RootTopic: "msh/US/"})
	require.Equal(t, "msh/US/#", in.topic())
}
