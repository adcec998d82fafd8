// Package codec turns raw MQTT envelope bodies into typed packet
// observations. It owns the decryption key ring and the privacy gate;
// it never touches the store.
package codec

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/rabarar/meshtastic"
	"github.com/rabarar/meshtool-go/public/radio"
	"google.golang.org/protobuf/proto"

	"github.com/meshstats/meshstats/mesh"
)

// DefaultKeyB64 is the well-known key of the default public channel.
const DefaultKeyB64 = "1PG7OiApB1nwvP+rz05pAQ=="

// keySize is the only accepted ring key length.
const keySize = 16

// okToMQTTBit is bit 0 of Data.bitfield: the sender's consent to have
// the packet republished off-mesh.
const okToMQTTBit = 0x01

// Kind tags the outcome of decoding one envelope.
type Kind int

const (
	// KindText is a text packet observation to be grouped and stored.
	KindText Kind = iota
	// KindNodeInfo is a node announcing its names; updates the node
	// table directly.
	KindNodeInfo
	// KindNonText is a decodable packet on a port we do not persist.
	KindNonText
	// KindPrivateDrop is a packet whose sender declined republishing.
	KindPrivateDrop
	// KindCannotDecrypt means no ring key produced a valid payload.
	KindCannotDecrypt
	// KindMalformed is an envelope that failed protobuf decoding.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNodeInfo:
		return "node_info"
	case KindNonText:
		return "non_text"
	case KindPrivateDrop:
		return "private_drop"
	case KindCannotDecrypt:
		return "cannot_decrypt"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of decoding one envelope. Exactly the
// fields implied by Kind are set.
type Result struct {
	Kind        Kind
	Fingerprint mesh.Fingerprint
	GatewayID   string
	ChannelID   string
	Observation *mesh.Observation // KindText
	NodeInfo    *mesh.NodeInfo    // KindNodeInfo
	PortNum     string            // KindNonText
	Err         error             // KindMalformed, KindCannotDecrypt
}

// Codec decodes envelopes with a fixed key ring.
type Codec struct {
	keys [][]byte
}

// New builds a Codec from base64 ring keys. Keys are tried in the
// given order; the default public-channel key is appended last when
// includeDefault is set.
func New(b64Keys []string, includeDefault bool) (*Codec, error) {
	var keys [][]byte
	for _, s := range b64Keys {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		k, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decryption key %q: %w", s, err)
		}
		if len(k) != keySize {
			return nil, fmt.Errorf("decryption key %q: got %d bytes, want %d", s, len(k), keySize)
		}
		keys = append(keys, k)
	}
	if includeDefault {
		k, err := base64.StdEncoding.DecodeString(DefaultKeyB64)
		if err != nil {
			return nil, fmt.Errorf("default key: %w", err)
		}
		keys = append(keys, k)
	}
	return &Codec{keys: keys}, nil
}

// KeyCount reports how many keys are on the ring.
func (c *Codec) KeyCount() int {
	return len(c.keys)
}

// Fingerprint hashes a raw envelope body. The hash is computed over
// the bytes as published, before any decryption.
func Fingerprint(body []byte) mesh.Fingerprint {
	return sha256.Sum256(body)
}

// Decode parses one envelope body. arrivedAt is used as the sent-at
// fallback when the relaying gateway reported no receive time, and as
// the observation arrival instant.
func (c *Codec) Decode(topic string, body []byte, arrivedAt time.Time) Result {
	res := Result{Fingerprint: Fingerprint(body)}

	env := &meshtastic.ServiceEnvelope{}
	if err := proto.Unmarshal(body, env); err != nil {
		res.Kind = KindMalformed
		res.Err = fmt.Errorf("unmarshalling envelope: %w", err)
		return res
	}
	pkt := env.GetPacket()
	if pkt == nil {
		res.Kind = KindMalformed
		res.Err = fmt.Errorf("envelope carries no packet")
		return res
	}
	res.ChannelID = env.GetChannelId()

	gw, err := gatewayID(env, topic)
	if err != nil {
		res.Kind = KindMalformed
		res.Err = err
		return res
	}
	res.GatewayID = gw

	data, err := c.decodeData(pkt)
	if err != nil {
		res.Kind = KindCannotDecrypt
		res.Err = err
		return res
	}

	switch data.GetPortnum() {
	case meshtastic.PortNum_TEXT_MESSAGE_APP:
		if data.Bitfield != nil && *data.Bitfield&okToMQTTBit == 0 {
			res.Kind = KindPrivateDrop
			return res
		}
		res.Kind = KindText
		res.Observation = &mesh.Observation{
			Fingerprint: res.Fingerprint,
			GatewayID:   gw,
			Packet:      parsedPacket(pkt, data, arrivedAt),
			ArrivedAt:   arrivedAt,
		}
	case meshtastic.PortNum_NODEINFO_APP:
		user := &meshtastic.User{}
		if err := proto.Unmarshal(data.GetPayload(), user); err != nil {
			res.Kind = KindMalformed
			res.Err = fmt.Errorf("unmarshalling user: %w", err)
			return res
		}
		res.Kind = KindNodeInfo
		res.NodeInfo = &mesh.NodeInfo{
			Node:      mesh.NodeID(pkt.GetFrom()),
			LongName:  user.GetLongName(),
			ShortName: user.GetShortName(),
			Role:      user.GetRole().String(),
			MeshID:    user.GetId(),
			SeenAt:    arrivedAt,
		}
	default:
		res.Kind = KindNonText
		res.PortNum = data.GetPortnum().String()
	}
	return res
}

// decodeData returns the inner Data, decrypting with each ring key in
// order when the packet arrived encrypted.
func (c *Codec) decodeData(pkt *meshtastic.MeshPacket) (*meshtastic.Data, error) {
	if d := pkt.GetDecoded(); d != nil {
		return d, nil
	}
	var lastErr error
	for _, key := range c.keys {
		d, err := radio.TryDecode(pkt, key)
		if err != nil {
			lastErr = err
			continue
		}
		return d, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no decryption keys configured")
	}
	return nil, fmt.Errorf("no ring key decrypts packet %d: %w", pkt.GetId(), lastErr)
}

func parsedPacket(pkt *meshtastic.MeshPacket, data *meshtastic.Data, arrivedAt time.Time) *mesh.ParsedPacket {
	p := &mesh.ParsedPacket{
		PacketID: pkt.GetId(),
		Sender:   mesh.NodeID(pkt.GetFrom()),
		SentAt:   arrivedAt,
		Payload:  string(data.GetPayload()),
	}
	if rx := pkt.GetRxTime(); rx > 0 {
		p.SentAt = time.Unix(int64(rx), 0).UTC()
	}
	// Zero-valued signal fields mean the gateway reported nothing.
	if v := pkt.GetRxRssi(); v != 0 {
		p.RxRSSI = &v
	}
	if v := pkt.GetRxSnr(); v != 0 {
		snr := float64(v)
		p.RxSNR = &snr
	}
	if v := pkt.GetHopStart(); v != 0 {
		hs := int32(v)
		p.HopStart = &hs
	}
	if v := pkt.GetHopLimit(); v != 0 {
		hl := int32(v)
		p.HopLimit = &hl
	}
	return p
}

// gatewayID prefers the envelope header, falling back to the last
// topic segment, which carries the gateway id on standard topic trees.
func gatewayID(env *meshtastic.ServiceEnvelope, topic string) (string, error) {
	if gw := env.GetGatewayId(); gw != "" {
		return mesh.CanonicalGatewayID(gw)
	}
	if i := strings.LastIndex(topic, "/"); i >= 0 && i+1 < len(topic) {
		return mesh.CanonicalGatewayID(topic[i+1:])
	}
	return "", fmt.Errorf("no gateway id on envelope or topic %q", topic)
}
