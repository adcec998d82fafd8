package store

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meshstats/meshstats/mesh"
	"github.com/meshstats/meshstats/store/database"
)

// InsertGroupedPacket writes one closed packet group atomically:
// envelope fingerprints, a node touch, the packet row and one relay
// row per observed gateway. If the packet row already exists the
// relays are attached through the reconcile path instead, so a race
// between two writers never duplicates a packet.
func (s *Store) InsertGroupedPacket(ctx context.Context, g *mesh.GroupedPacket) error {
	now := s.now()

	sentAt := g.Packet.SentAt.UTC()
	if sentAt.After(now.Add(futureSkew)) {
		sentAt = g.FirstSeen.UTC()
	}

	return s.withRetry(ctx, func() error {
		return database.WithinTran(s.log, s.db, func(tx *sqlx.Tx) error {
			if err := s.insertFingerprints(ctx, tx, g.Fingerprints, now); err != nil {
				return err
			}

			name, err := s.touchNode(ctx, tx, int64(g.Packet.Sender.Uint32()), now)
			if err != nil {
				return err
			}

			const q = `
			INSERT INTO packets
				(packet_id, sender_node_id, sender_name, sent_at, gateway_count,
				rx_rssi, rx_snr, hop_start, hop_limit, hops_travelled, payload,
				created_at, updated_at)
			VALUES
				(:packet_id, :sender_node_id, :sender_name, :sent_at, :gateway_count,
				:rx_rssi, :rx_snr, :hop_start, :hop_limit, :hops_travelled, :payload,
				:created_at, :updated_at)
			ON CONFLICT (packet_id) DO NOTHING`

			data := struct {
				PacketID      int64     `db:"packet_id"`
				SenderNodeID  int64     `db:"sender_node_id"`
				SenderName    string    `db:"sender_name"`
				SentAt        time.Time `db:"sent_at"`
				GatewayCount  int       `db:"gateway_count"`
				RxRSSI        *int32    `db:"rx_rssi"`
				RxSNR         *float64  `db:"rx_snr"`
				HopStart      *int32    `db:"hop_start"`
				HopLimit      *int32    `db:"hop_limit"`
				HopsTravelled *int32    `db:"hops_travelled"`
				Payload       string    `db:"payload"`
				CreatedAt     time.Time `db:"created_at"`
				UpdatedAt     time.Time `db:"updated_at"`
			}{
				PacketID:      int64(g.Packet.PacketID),
				SenderNodeID:  int64(g.Packet.Sender.Uint32()),
				SenderName:    name,
				SentAt:        sentAt,
				GatewayCount:  len(g.Relays),
				RxRSSI:        g.Packet.RxRSSI,
				RxSNR:         g.Packet.RxSNR,
				HopStart:      g.Packet.HopStart,
				HopLimit:      g.Packet.HopLimit,
				HopsTravelled: g.Packet.HopsTravelled(),
				Payload:       g.Packet.Payload,
				CreatedAt:     now,
				UpdatedAt:     now,
			}

			inserted, err := database.NamedExecRows(ctx, s.log, tx, q, data)
			if err != nil {
				return err
			}

			if inserted == 0 {
				s.log.Warnw("packet already stored, attaching relays",
					"packetID", g.Packet.PacketID, "sender", g.Packet.Sender)
				_, err := s.attachRelays(ctx, tx, int64(g.Packet.PacketID), g.Relays, now)
				return err
			}

			for _, r := range g.Relays {
				if _, err := s.insertRelay(ctx, tx, int64(g.Packet.PacketID), r); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ReconcileLateRelay attaches one more gateway to a packet that was
// already persisted. It reports whether a relay row was actually
// added. Packets absent from the store or older than retention yield
// ErrNotFoundOrExpired.
func (s *Store) ReconcileLateRelay(ctx context.Context, key mesh.PacketKey, relay mesh.Relay, fp mesh.Fingerprint, retention time.Duration) (bool, error) {
	now := s.now()
	cutoff := now.Add(-retention)

	var attached bool
	err := s.withRetry(ctx, func() error {
		attached = false
		return database.WithinTran(s.log, s.db, func(tx *sqlx.Tx) error {
			const q = `
			SELECT
				packet_id, created_at
			FROM
				packets
			WHERE
				packet_id = :packet_id AND
				sender_node_id = :sender_node_id
			LIMIT 1`

			data := struct {
				PacketID     int64 `db:"packet_id"`
				SenderNodeID int64 `db:"sender_node_id"`
			}{
				PacketID:     int64(key.PacketID),
				SenderNodeID: int64(key.Sender.Uint32()),
			}

			var row struct {
				PacketID  int64     `db:"packet_id"`
				CreatedAt time.Time `db:"created_at"`
			}
			err := database.NamedQueryStruct(ctx, s.log, tx, q, data, &row)
			if errors.Is(err, database.ErrDBNotFound) {
				return ErrNotFoundOrExpired
			}
			if err != nil {
				return err
			}
			// Retention runs from persist time so a sender's skewed
			// clock cannot expire its own packets early.
			if row.CreatedAt.Before(cutoff) {
				return ErrNotFoundOrExpired
			}

			if err := s.insertFingerprints(ctx, tx, []mesh.Fingerprint{fp}, now); err != nil {
				return err
			}

			n, err := s.insertRelay(ctx, tx, row.PacketID, relay)
			if err != nil || n == 0 {
				return err
			}

			attached = true
			return s.addGatewayCount(ctx, tx, row.PacketID, 1, now)
		})
	})

	return attached, err
}

// PacketByKey returns the stored packet for one (packet_id, sender)
// identity, or ErrNotFound.
func (s *Store) PacketByKey(ctx context.Context, key mesh.PacketKey) (Packet, error) {
	const q = `
	SELECT` + packetColumns + `
	FROM
		packets
	WHERE
		packet_id = :packet_id AND
		sender_node_id = :sender_node_id
	LIMIT 1`

	data := struct {
		PacketID     int64 `db:"packet_id"`
		SenderNodeID int64 `db:"sender_node_id"`
	}{
		PacketID:     int64(key.PacketID),
		SenderNodeID: int64(key.Sender.Uint32()),
	}

	var p Packet
	err := database.NamedQueryStruct(ctx, s.log, s.db, q, data, &p)
	if errors.Is(err, database.ErrDBNotFound) {
		return Packet{}, ErrNotFound
	}
	if err != nil {
		return Packet{}, err
	}
	return p, nil
}

// SeenFingerprint reports whether an envelope hash is already stored.
func (s *Store) SeenFingerprint(ctx context.Context, fp mesh.Fingerprint) (bool, error) {
	const q = `
	SELECT
		COUNT(*) AS n
	FROM
		envelope_fingerprints
	WHERE
		hash = :hash`

	data := struct {
		Hash []byte `db:"hash"`
	}{
		Hash: fp[:],
	}

	var row struct {
		N int64 `db:"n"`
	}
	if err := database.NamedQueryStruct(ctx, s.log, s.db, q, data, &row); err != nil {
		return false, err
	}
	return row.N > 0, nil
}

func (s *Store) insertFingerprints(ctx context.Context, tx *sqlx.Tx, fps []mesh.Fingerprint, now time.Time) error {
	const q = `
	INSERT INTO envelope_fingerprints
		(hash, created_at)
	VALUES
		(:hash, :created_at)
	ON CONFLICT DO NOTHING`

	for _, fp := range fps {
		data := struct {
			Hash      []byte    `db:"hash"`
			CreatedAt time.Time `db:"created_at"`
		}{
			Hash:      fp[:],
			CreatedAt: now,
		}
		if err := database.NamedExecContext(ctx, s.log, tx, q, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertRelay(ctx context.Context, tx *sqlx.Tx, packetID int64, r mesh.Relay) (int64, error) {
	const q = `
	INSERT INTO packet_gateways
		(packet_id, gateway_id, observed_at)
	VALUES
		(:packet_id, :gateway_id, :observed_at)
	ON CONFLICT (packet_id, gateway_id) DO NOTHING`

	data := struct {
		PacketID   int64     `db:"packet_id"`
		GatewayID  string    `db:"gateway_id"`
		ObservedAt time.Time `db:"observed_at"`
	}{
		PacketID:   packetID,
		GatewayID:  r.GatewayID,
		ObservedAt: r.ObservedAt.UTC(),
	}

	return database.NamedExecRows(ctx, s.log, tx, q, data)
}

// attachRelays inserts relays for an existing packet and bumps its
// gateway count by the number of rows actually added.
func (s *Store) attachRelays(ctx context.Context, tx *sqlx.Tx, packetID int64, relays []mesh.Relay, now time.Time) (int64, error) {
	var added int64
	for _, r := range relays {
		n, err := s.insertRelay(ctx, tx, packetID, r)
		if err != nil {
			return added, err
		}
		added += n
	}
	if added == 0 {
		return 0, nil
	}
	return added, s.addGatewayCount(ctx, tx, packetID, added, now)
}

func (s *Store) addGatewayCount(ctx context.Context, tx *sqlx.Tx, packetID, n int64, now time.Time) error {
	const q = `
	UPDATE packets SET
		gateway_count = gateway_count + :n,
		updated_at = :updated_at
	WHERE
		packet_id = :packet_id`

	data := struct {
		N         int64     `db:"n"`
		UpdatedAt time.Time `db:"updated_at"`
		PacketID  int64     `db:"packet_id"`
	}{
		N:         n,
		UpdatedAt: now,
		PacketID:  packetID,
	}

	return database.NamedExecContext(ctx, s.log, tx, q, data)
}

// packetColumns is the select list shared by every packet read.
const packetColumns = `
		id, packet_id, sender_node_id, sender_name, sent_at,
		gateway_count, rx_rssi, rx_snr, hop_start, hop_limit,
		hops_travelled, payload, created_at, updated_at`

// LastPackets returns the newest packets, most recent first.
func (s *Store) LastPackets(ctx context.Context, limit int) ([]Packet, error) {
	const q = `
	SELECT` + packetColumns + `
	FROM
		packets
	ORDER BY
		sent_at DESC, id DESC
	LIMIT :limit`

	data := struct {
		Limit int `db:"limit"`
	}{
		Limit: limit,
	}

	var pkts []Packet
	if err := database.NamedQuerySlice(ctx, s.log, s.db, q, data, &pkts); err != nil {
		return nil, err
	}
	return pkts, nil
}

// LastPacketsBySender returns a node's newest packets, most recent first.
func (s *Store) LastPacketsBySender(ctx context.Context, nodeID int64, limit int) ([]Packet, error) {
	const q = `
	SELECT` + packetColumns + `
	FROM
		packets
	WHERE
		sender_node_id = :sender_node_id
	ORDER BY
		sent_at DESC, id DESC
	LIMIT :limit`

	data := struct {
		SenderNodeID int64 `db:"sender_node_id"`
		Limit        int   `db:"limit"`
	}{
		SenderNodeID: nodeID,
		Limit:        limit,
	}

	var pkts []Packet
	if err := database.NamedQuerySlice(ctx, s.log, s.db, q, data, &pkts); err != nil {
		return nil, err
	}
	return pkts, nil
}

// PacketSample is the per-packet tuple aggregations are computed from.
type PacketSample struct {
	SentAt       time.Time `db:"sent_at" json:"sent_at"`
	SenderNodeID int64     `db:"sender_node_id" json:"-"`
	GatewayCount int       `db:"gateway_count" json:"gateway_count"`
}

// PacketSamples returns the samples inside [from, to), oldest first.
func (s *Store) PacketSamples(ctx context.Context, from, to time.Time) ([]PacketSample, error) {
	const q = `
	SELECT
		sent_at, sender_node_id, gateway_count
	FROM
		packets
	WHERE
		sent_at >= :from AND
		sent_at < :to
	ORDER BY
		sent_at ASC`

	data := struct {
		From time.Time `db:"from"`
		To   time.Time `db:"to"`
	}{
		From: from.UTC(),
		To:   to.UTC(),
	}

	var samples []PacketSample
	if err := database.NamedQuerySlice(ctx, s.log, s.db, q, data, &samples); err != nil {
		return nil, err
	}
	return samples, nil
}

// RecentGatewayCounts returns the gateway counts of the newest packets,
// optionally restricted to one sender. nodeID < 0 means all senders.
func (s *Store) RecentGatewayCounts(ctx context.Context, nodeID int64, limit int) ([]int, error) {
	const q = `
	SELECT
		sent_at, sender_node_id, gateway_count
	FROM
		packets
	WHERE
		(:sender_node_id < 0 OR sender_node_id = :sender_node_id)
	ORDER BY
		sent_at DESC, id DESC
	LIMIT :limit`

	data := struct {
		SenderNodeID int64 `db:"sender_node_id"`
		Limit        int   `db:"limit"`
	}{
		SenderNodeID: nodeID,
		Limit:        limit,
	}

	var samples []PacketSample
	if err := database.NamedQuerySlice(ctx, s.log, s.db, q, data, &samples); err != nil {
		return nil, err
	}

	counts := make([]int, 0, len(samples))
	for _, sm := range samples {
		counts = append(counts, sm.GatewayCount)
	}
	return counts, nil
}

// TopSenders aggregates message counts per sender inside [from, to).
func (s *Store) TopSenders(ctx context.Context, from, to time.Time, limit int) ([]SenderCount, error) {
	const q = `
	SELECT
		sender_node_id,
		MAX(sender_name) AS sender_name,
		COUNT(*) AS message_count
	FROM
		packets
	WHERE
		sent_at >= :from AND
		sent_at < :to
	GROUP BY
		sender_node_id
	ORDER BY
		message_count DESC
	LIMIT :limit`

	data := struct {
		From  time.Time `db:"from"`
		To    time.Time `db:"to"`
		Limit int       `db:"limit"`
	}{
		From:  from.UTC(),
		To:    to.UTC(),
		Limit: limit,
	}

	var rows []SenderCount
	if err := database.NamedQuerySlice(ctx, s.log, s.db, q, data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// RelaysForPacket returns a packet's gateway relays in observation order.
func (s *Store) RelaysForPacket(ctx context.Context, packetID int64) ([]Relay, error) {
	const q = `
	SELECT
		packet_id, gateway_id, observed_at
	FROM
		packet_gateways
	WHERE
		packet_id = :packet_id
	ORDER BY
		observed_at ASC, id ASC`

	data := struct {
		PacketID int64 `db:"packet_id"`
	}{
		PacketID: packetID,
	}

	var relays []Relay
	if err := database.NamedQuerySlice(ctx, s.log, s.db, q, data, &relays); err != nil {
		return nil, err
	}
	return relays, nil
}

// LastPacketDetails returns the newest packets with their relays.
func (s *Store) LastPacketDetails(ctx context.Context, limit int) ([]PacketDetail, error) {
	pkts, err := s.LastPackets(ctx, limit)
	if err != nil {
		return nil, err
	}
	return s.withRelays(ctx, pkts)
}

// withRelays resolves the gateway lists for a page of packets in one
// IN query.
func (s *Store) withRelays(ctx context.Context, pkts []Packet) ([]PacketDetail, error) {
	details := make([]PacketDetail, len(pkts))
	if len(pkts) == 0 {
		return details, nil
	}

	ids := make([]int64, len(pkts))
	for i, p := range pkts {
		details[i] = PacketDetail{Packet: p, Gateways: []Relay{}}
		ids[i] = p.PacketID
	}

	q, args, err := sqlx.In(`
	SELECT
		packet_id, gateway_id, observed_at
	FROM
		packet_gateways
	WHERE
		packet_id IN (?)
	ORDER BY
		observed_at ASC, id ASC`, ids)
	if err != nil {
		return nil, err
	}

	var relays []Relay
	if err := s.db.SelectContext(ctx, &relays, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}

	byPacket := make(map[int64]int, len(pkts))
	for i, p := range pkts {
		byPacket[p.PacketID] = i
	}
	for _, r := range relays {
		if i, ok := byPacket[r.PacketID]; ok {
			details[i].Gateways = append(details[i].Gateways, r)
		}
	}
	return details, nil
}

// GatewayObservationsForSender lists the most recent relays of one
// sender's packets, newest observation first.
func (s *Store) GatewayObservationsForSender(ctx context.Context, nodeID int64, limit int) ([]Relay, error) {
	const q = `
	SELECT
		pg.packet_id, pg.gateway_id, pg.observed_at
	FROM
		packet_gateways pg
	JOIN
		packets p ON p.packet_id = pg.packet_id
	WHERE
		p.sender_node_id = :sender_node_id
	ORDER BY
		pg.observed_at DESC, pg.id DESC
	LIMIT :limit`

	data := struct {
		SenderNodeID int64 `db:"sender_node_id"`
		Limit        int   `db:"limit"`
	}{
		SenderNodeID: nodeID,
		Limit:        limit,
	}

	var relays []Relay
	if err := database.NamedQuerySlice(ctx, s.log, s.db, q, data, &relays); err != nil {
		return nil, err
	}
	return relays, nil
}

// CountPackets counts packets inside [from, to).
func (s *Store) CountPackets(ctx context.Context, from, to time.Time) (int64, error) {
	const q = `
	SELECT
		COUNT(*) AS n
	FROM
		packets
	WHERE
		sent_at >= :from AND
		sent_at < :to`

	return s.countQuery(ctx, q, rangeData(from, to))
}

// CountDistinctSenders counts distinct senders inside [from, to).
func (s *Store) CountDistinctSenders(ctx context.Context, from, to time.Time) (int64, error) {
	const q = `
	SELECT
		COUNT(DISTINCT sender_node_id) AS n
	FROM
		packets
	WHERE
		sent_at >= :from AND
		sent_at < :to`

	return s.countQuery(ctx, q, rangeData(from, to))
}

// CountDistinctGateways counts distinct gateways whose observations
// fall inside [from, to).
func (s *Store) CountDistinctGateways(ctx context.Context, from, to time.Time) (int64, error) {
	const q = `
	SELECT
		COUNT(DISTINCT gateway_id) AS n
	FROM
		packet_gateways
	WHERE
		observed_at >= :from AND
		observed_at < :to`

	return s.countQuery(ctx, q, rangeData(from, to))
}

// CountNodes counts every node ever observed.
func (s *Store) CountNodes(ctx context.Context) (int64, error) {
	const q = `
	SELECT
		COUNT(*) AS n
	FROM
		nodes`

	return s.countQuery(ctx, q, struct{}{})
}

// CountGateways counts every distinct gateway ever observed.
func (s *Store) CountGateways(ctx context.Context) (int64, error) {
	const q = `
	SELECT
		COUNT(DISTINCT gateway_id) AS n
	FROM
		packet_gateways`

	return s.countQuery(ctx, q, struct{}{})
}

func (s *Store) countQuery(ctx context.Context, q string, data any) (int64, error) {
	var row struct {
		N int64 `db:"n"`
	}
	if err := database.NamedQueryStruct(ctx, s.log, s.db, q, data, &row); err != nil {
		return 0, err
	}
	return row.N, nil
}

func rangeData(from, to time.Time) any {
	return struct {
		From time.Time `db:"from"`
		To   time.Time `db:"to"`
	}{
		From: from.UTC(),
		To:   to.UTC(),
	}
}
