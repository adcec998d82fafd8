package store

import (
	"context"
	"time"

	"github.com/meshstats/meshstats/store/database"
)

// AppendCommandLog records one processed radio command. Rate-limited
// commands are recorded too, with the flag set.
func (s *Store) AppendCommandLog(ctx context.Context, userNodeID int64, command string, responseSent, rateLimited bool) error {
	const q = `
	INSERT INTO command_logs
		(user_node_id, command, response_sent, rate_limited, created_at)
	VALUES
		(:user_node_id, :command, :response_sent, :rate_limited, :created_at)`

	data := struct {
		UserNodeID   int64     `db:"user_node_id"`
		Command      string    `db:"command"`
		ResponseSent bool      `db:"response_sent"`
		RateLimited  bool      `db:"rate_limited"`
		CreatedAt    time.Time `db:"created_at"`
	}{
		UserNodeID:   userNodeID,
		Command:      command,
		ResponseSent: responseSent,
		RateLimited:  rateLimited,
		CreatedAt:    s.now(),
	}

	return s.withRetry(ctx, func() error {
		return database.NamedExecContext(ctx, s.log, s.db, q, data)
	})
}

// RecentCommandLogs returns the newest commands, optionally for one
// node. nodeID < 0 means all nodes.
func (s *Store) RecentCommandLogs(ctx context.Context, nodeID int64, limit int) ([]CommandLog, error) {
	const q = `
	SELECT
		id, user_node_id, command, response_sent, rate_limited, created_at
	FROM
		command_logs
	WHERE
		(:user_node_id < 0 OR user_node_id = :user_node_id)
	ORDER BY
		created_at DESC, id DESC
	LIMIT :limit`

	data := struct {
		UserNodeID int64 `db:"user_node_id"`
		Limit      int   `db:"limit"`
	}{
		UserNodeID: nodeID,
		Limit:      limit,
	}

	var logs []CommandLog
	if err := database.NamedQuerySlice(ctx, s.log, s.db, q, data, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// CommandLogsSince returns every command processed at or after the
// cutoff, oldest first, for analytics rollups.
func (s *Store) CommandLogsSince(ctx context.Context, since time.Time) ([]CommandLog, error) {
	const q = `
	SELECT
		id, user_node_id, command, response_sent, rate_limited, created_at
	FROM
		command_logs
	WHERE
		created_at >= :since
	ORDER BY
		created_at ASC, id ASC`

	data := struct {
		Since time.Time `db:"since"`
	}{
		Since: since.UTC(),
	}

	var logs []CommandLog
	if err := database.NamedQuerySlice(ctx, s.log, s.db, q, data, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
