package store

import (
	"time"

	"github.com/meshstats/meshstats/mesh"
)

// Node is a mesh participant row. Nodes are created implicitly the
// first time they are observed and are never expired.
type Node struct {
	ID        int64     `db:"id" json:"-"`
	NodeID    int64     `db:"node_id" json:"node_id"`
	LongName  string    `db:"long_name" json:"long_name"`
	ShortName string    `db:"short_name" json:"short_name"`
	MeshID    string    `db:"mesh_id" json:"mesh_id,omitempty"`
	Role      string    `db:"role" json:"role,omitempty"`
	FirstSeen time.Time `db:"first_seen" json:"first_seen"`
	LastSeen  time.Time `db:"last_seen" json:"last_seen"`
}

// DisplayName is the preferred human label for the node.
func (n Node) DisplayName() string {
	if n.LongName != "" {
		return n.LongName
	}
	if n.ShortName != "" {
		return n.ShortName
	}
	return mesh.NodeID(n.NodeID).String()
}

// Packet is a stored text packet with its relay count.
type Packet struct {
	ID            int64     `db:"id" json:"-"`
	PacketID      int64     `db:"packet_id" json:"packet_id"`
	SenderNodeID  int64     `db:"sender_node_id" json:"from_node_id"`
	SenderName    string    `db:"sender_name" json:"from_name"`
	SentAt        time.Time `db:"sent_at" json:"sent_at"`
	GatewayCount  int       `db:"gateway_count" json:"gateway_count"`
	RxRSSI        *int32    `db:"rx_rssi" json:"rx_rssi,omitempty"`
	RxSNR         *float64  `db:"rx_snr" json:"rx_snr,omitempty"`
	HopStart      *int32    `db:"hop_start" json:"hop_start,omitempty"`
	HopLimit      *int32    `db:"hop_limit" json:"hop_limit,omitempty"`
	HopsTravelled *int32    `db:"hops_travelled" json:"hops_travelled,omitempty"`
	Payload       string    `db:"payload" json:"payload"`
	CreatedAt     time.Time `db:"created_at" json:"-"`
	UpdatedAt     time.Time `db:"updated_at" json:"-"`
}

// Relay records one gateway having uplinked one packet.
type Relay struct {
	PacketID   int64     `db:"packet_id" json:"packet_id"`
	GatewayID  string    `db:"gateway_id" json:"gateway_id"`
	ObservedAt time.Time `db:"observed_at" json:"observed_at"`
}

// PacketDetail is a packet together with the gateways that relayed it.
type PacketDetail struct {
	Packet
	Gateways []Relay `json:"gateways"`
}

// SenderCount is one row of a top-senders aggregation.
type SenderCount struct {
	NodeID       int64  `db:"sender_node_id" json:"node_id"`
	Name         string `db:"sender_name" json:"name"`
	MessageCount int64  `db:"message_count" json:"message_count"`
}

// Subscription is a daily-summary subscription for one node.
type Subscription struct {
	ID         int64     `db:"id" json:"-"`
	UserNodeID int64     `db:"user_node_id" json:"node_id"`
	Variant    string    `db:"variant" json:"subscription_type"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// CommandLog is one audited radio command, rate limited or not.
type CommandLog struct {
	ID           int64     `db:"id" json:"id"`
	UserNodeID   int64     `db:"user_node_id" json:"node_id"`
	Command      string    `db:"command" json:"command"`
	ResponseSent bool      `db:"response_sent" json:"response_sent"`
	RateLimited  bool      `db:"rate_limited" json:"rate_limited"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// ExpireResult reports how many rows each retention pass removed.
type ExpireResult struct {
	Packets      int64 `json:"packets"`
	Fingerprints int64 `json:"fingerprints"`
	CacheEntries int64 `json:"cache_entries"`
	CommandLogs  int64 `json:"command_logs"`
}

// DatabaseInfo describes the backing database for the admin surface.
type DatabaseInfo struct {
	Backend      string           `json:"backend"`
	Path         string           `json:"path,omitempty"`
	SizeBytes    int64            `json:"size_bytes,omitempty"`
	Tables       map[string]int64 `json:"tables"`
	OldestPacket *time.Time       `json:"oldest_packet,omitempty"`
	NewestPacket *time.Time       `json:"newest_packet,omitempty"`
}
