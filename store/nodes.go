package store

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meshstats/meshstats/mesh"
	"github.com/meshstats/meshstats/store/database"
)

// UpsertNodeInfo creates or refreshes a node's identity row from a
// NODEINFO broadcast. Display names change; node_id is the identity.
func (s *Store) UpsertNodeInfo(ctx context.Context, info mesh.NodeInfo) error {
	seen := info.SeenAt.UTC()
	if info.SeenAt.IsZero() {
		seen = s.now()
	}

	const q = `
	INSERT INTO nodes
		(node_id, long_name, short_name, mesh_id, role, first_seen, last_seen)
	VALUES
		(:node_id, :long_name, :short_name, :mesh_id, :role, :seen, :seen)
	ON CONFLICT (node_id) DO UPDATE SET
		long_name = excluded.long_name,
		short_name = excluded.short_name,
		mesh_id = excluded.mesh_id,
		role = excluded.role,
		last_seen = excluded.last_seen`

	data := struct {
		NodeID    int64     `db:"node_id"`
		LongName  string    `db:"long_name"`
		ShortName string    `db:"short_name"`
		MeshID    string    `db:"mesh_id"`
		Role      string    `db:"role"`
		Seen      time.Time `db:"seen"`
	}{
		NodeID:    int64(info.Node.Uint32()),
		LongName:  info.LongName,
		ShortName: info.ShortName,
		MeshID:    info.MeshID,
		Role:      info.Role,
		Seen:      seen,
	}

	return s.withRetry(ctx, func() error {
		return database.NamedExecContext(ctx, s.log, s.db, q, data)
	})
}

// NodeByID returns one node row, or ErrNotFound.
func (s *Store) NodeByID(ctx context.Context, nodeID int64) (Node, error) {
	const q = `
	SELECT
		id, node_id, long_name, short_name, mesh_id, role, first_seen, last_seen
	FROM
		nodes
	WHERE
		node_id = :node_id
	LIMIT 1`

	data := struct {
		NodeID int64 `db:"node_id"`
	}{
		NodeID: nodeID,
	}

	var n Node
	err := database.NamedQueryStruct(ctx, s.log, s.db, q, data, &n)
	if errors.Is(err, database.ErrDBNotFound) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, err
	}
	return n, nil
}

// touchNode makes sure the sender exists and is marked recently seen,
// and returns its display name for caching on the packet row.
func (s *Store) touchNode(ctx context.Context, tx *sqlx.Tx, nodeID int64, now time.Time) (string, error) {
	const upsert = `
	INSERT INTO nodes
		(node_id, long_name, short_name, mesh_id, role, first_seen, last_seen)
	VALUES
		(:node_id, '', '', '', '', :now, :now)
	ON CONFLICT (node_id) DO UPDATE SET
		last_seen = excluded.last_seen`

	data := struct {
		NodeID int64     `db:"node_id"`
		Now    time.Time `db:"now"`
	}{
		NodeID: nodeID,
		Now:    now,
	}

	if err := database.NamedExecContext(ctx, s.log, tx, upsert, data); err != nil {
		return "", err
	}

	const get = `
	SELECT
		long_name, short_name
	FROM
		nodes
	WHERE
		node_id = :node_id
	LIMIT 1`

	var row struct {
		LongName  string `db:"long_name"`
		ShortName string `db:"short_name"`
	}
	if err := database.NamedQueryStruct(ctx, s.log, tx, get, data, &row); err != nil {
		return "", err
	}

	name := Node{NodeID: nodeID, LongName: row.LongName, ShortName: row.ShortName}.DisplayName()
	return name, nil
}
