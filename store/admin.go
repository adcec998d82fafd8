package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/meshstats/meshstats/store/database"
)

// tables is every table the admin surface reports on.
var tables = []string{
	"nodes",
	"packets",
	"packet_gateways",
	"envelope_fingerprints",
	"subscriptions",
	"stat_cache",
	"command_logs",
}

// Expire removes packets (relays cascade), envelope fingerprints and
// command logs older than the cutoff, plus dead cache entries. Nodes
// and subscriptions are never expired. Partial failures are collected;
// every table gets its attempt.
func (s *Store) Expire(ctx context.Context, olderThan time.Time) (ExpireResult, error) {
	cutoff := olderThan.UTC()
	now := s.now()

	var res ExpireResult
	var errs *multierror.Error

	del := func(q string, arg time.Time, dest *int64) {
		data := struct {
			Cutoff time.Time `db:"cutoff"`
		}{
			Cutoff: arg,
		}
		err := s.withRetry(ctx, func() error {
			n, err := database.NamedExecRows(ctx, s.log, s.db, q, data)
			if err != nil {
				return err
			}
			*dest = n
			return nil
		})
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	del(`
	DELETE FROM
		packets
	WHERE
		sent_at < :cutoff`, cutoff, &res.Packets)

	del(`
	DELETE FROM
		envelope_fingerprints
	WHERE
		created_at < :cutoff`, cutoff, &res.Fingerprints)

	del(`
	DELETE FROM
		command_logs
	WHERE
		created_at < :cutoff`, cutoff, &res.CommandLogs)

	del(`
	DELETE FROM
		stat_cache
	WHERE
		expires_at < :cutoff`, now, &res.CacheEntries)

	return res, errs.ErrorOrNil()
}

// Info reports backend details, per-table row counts and the stored
// packet time range for the admin surface.
func (s *Store) Info(ctx context.Context) (DatabaseInfo, error) {
	info := DatabaseInfo{
		Backend: s.cfg.Driver,
		Path:    s.cfg.Path,
		Tables:  make(map[string]int64, len(tables)),
	}

	if s.cfg.Driver == "sqlite" && s.cfg.Path != "" {
		if st, err := os.Stat(s.cfg.Path); err == nil {
			info.SizeBytes = st.Size()
		}
	}

	for _, t := range tables {
		q := fmt.Sprintf(`
	SELECT
		COUNT(*) AS n
	FROM
		%s`, t)

		n, err := s.countQuery(ctx, q, struct{}{})
		if err != nil {
			return DatabaseInfo{}, fmt.Errorf("count %s: %w", t, err)
		}
		info.Tables[t] = n
	}

	oldest, err := s.packetEdge(ctx, "ASC")
	if err != nil {
		return DatabaseInfo{}, err
	}
	newest, err := s.packetEdge(ctx, "DESC")
	if err != nil {
		return DatabaseInfo{}, err
	}
	info.OldestPacket = oldest
	info.NewestPacket = newest

	return info, nil
}

// packetEdge returns the oldest or newest packet timestamp, nil when
// the table is empty. Aggregates lose the column type under the
// embedded driver, so this orders on the raw column instead.
func (s *Store) packetEdge(ctx context.Context, dir string) (*time.Time, error) {
	q := fmt.Sprintf(`
	SELECT
		sent_at
	FROM
		packets
	ORDER BY
		sent_at %s
	LIMIT 1`, dir)

	var row struct {
		SentAt time.Time `db:"sent_at"`
	}
	err := database.NamedQueryStruct(ctx, s.log, s.db, q, struct{}{}, &row)
	if errors.Is(err, database.ErrDBNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := row.SentAt.UTC()
	return &t, nil
}
