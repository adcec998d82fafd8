// Package mesh holds the domain types shared by the ingest pipeline:
// node identifiers, parsed packet observations and grouped packets
// ready for persistence.
package mesh

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NodeID is the 32-bit unsigned identifier a mesh node is known by.
// Its canonical textual form is "!" followed by exactly 8 lowercase
// hex digits, the form gateways use on the wire.
type NodeID uint32

// String returns the canonical "!hhhhhhhh" form.
func (n NodeID) String() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

// Uint32 returns the raw identifier.
func (n NodeID) Uint32() uint32 {
	return uint32(n)
}

// BroadcastNodeID is the all-ones destination a radio uses for channel
// broadcasts.
const BroadcastNodeID NodeID = 0xffffffff

// ParseNodeRef accepts a node reference as either a decimal integer or
// the "!hex" wire form and returns the NodeID.
func ParseNodeRef(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty node reference")
	}
	if strings.HasPrefix(s, "!") {
		v, err := strconv.ParseUint(s[1:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid hex node reference %q: %w", s, err)
		}
		return NodeID(v), nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node reference %q: %w", s, err)
	}
	return NodeID(v), nil
}

// CanonicalGatewayID normalises a gateway identifier as found in the
// envelope header to "!hhhhhhhh" lowercase. It accepts the wire form
// with or without the leading '!' and with any hex casing.
func CanonicalGatewayID(s string) (string, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "!")
	v, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return "", fmt.Errorf("invalid gateway id %q: %w", s, err)
	}
	return NodeID(v).String(), nil
}

// FingerprintSize is the length in bytes of an envelope fingerprint.
const FingerprintSize = 32

// Fingerprint is the content hash of one raw envelope body, computed
// before decryption. Two byte-identical envelopes share a fingerprint.
type Fingerprint [FingerprintSize]byte

// ParsedPacket is the decoded inner packet of one envelope. Optional
// signal fields are pointers: absent means the gateway did not report
// them.
type ParsedPacket struct {
	PacketID uint32
	Sender   NodeID
	SentAt   time.Time
	Payload  string
	RxRSSI   *int32
	RxSNR    *float64
	HopStart *int32
	HopLimit *int32
}

// HopsTravelled returns hop_start - hop_limit when both were reported.
func (p *ParsedPacket) HopsTravelled() *int32 {
	if p.HopStart == nil || p.HopLimit == nil {
		return nil
	}
	d := *p.HopStart - *p.HopLimit
	return &d
}

// Observation is one relay of a packet as seen through one gateway:
// the unit of work handed to the grouper.
type Observation struct {
	Fingerprint Fingerprint
	GatewayID   string
	Packet      *ParsedPacket
	ArrivedAt   time.Time
}

// Key identifies the mesh packet this observation belongs to. Two
// observations belong to the same packet iff they share it.
func (o *Observation) Key() PacketKey {
	return PacketKey{PacketID: o.Packet.PacketID, Sender: o.Packet.Sender}
}

// PacketKey is the identity of a mesh packet across relays.
type PacketKey struct {
	PacketID uint32
	Sender   NodeID
}

func (k PacketKey) String() string {
	return fmt.Sprintf("%d/%s", k.PacketID, k.Sender)
}

// Relay is one gateway's sighting of a packet inside a closed group.
type Relay struct {
	GatewayID  string
	ObservedAt time.Time
}

// GroupedPacket is a closed group ready for persistence: the canonical
// packet, every distinct relaying gateway in first-seen order, and the
// fingerprints of the envelopes that contributed.
type GroupedPacket struct {
	Packet       *ParsedPacket
	Relays       []Relay
	Fingerprints []Fingerprint
	FirstSeen    time.Time
	LastSeen     time.Time
}

// NodeInfo is a decoded NODEINFO_APP payload: the sender announcing
// its names and role.
type NodeInfo struct {
	Node      NodeID
	LongName  string
	ShortName string
	Role      string
	MeshID    string
	SeenAt    time.Time
}
