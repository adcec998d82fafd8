// Package stats computes the aggregate views served over HTTP and
// quoted by the command bot: daily and hourly rollups, rolling windows,
// comparisons, network totals and gateway percentiles. Results go
// through the stat cache so repeated reads do not recompute.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clock "github.com/jonboulle/clockwork"

	"github.com/meshstats/meshstats/common/log"
	"github.com/meshstats/meshstats/store"
)

// Cache TTLs per view family.
const (
	dayTTL     = 5 * time.Minute
	hourlyTTL  = time.Minute
	rollingTTL = time.Minute
	networkTTL = 5 * time.Minute
)

// Store is the subset of the durable store the engine reads.
type Store interface {
	PacketSamples(ctx context.Context, from, to time.Time) ([]store.PacketSample, error)
	RecentGatewayCounts(ctx context.Context, nodeID int64, limit int) ([]int, error)
	TopSenders(ctx context.Context, from, to time.Time, limit int) ([]store.SenderCount, error)
	CountDistinctSenders(ctx context.Context, from, to time.Time) (int64, error)
	CountDistinctGateways(ctx context.Context, from, to time.Time) (int64, error)
	CountNodes(ctx context.Context) (int64, error)
	CountGateways(ctx context.Context) (int64, error)
	CommandLogsSince(ctx context.Context, since time.Time) ([]store.CommandLog, error)
	CacheGet(ctx context.Context, key string) (string, bool, error)
	CachePut(ctx context.Context, key, value string, ttl time.Duration) error
}

// WindowStats is the common aggregate block over one time range.
// Percentile fields are null when the range holds no data.
type WindowStats struct {
	MessageCount int        `json:"message_count"`
	MinGateways  *float64   `json:"min_gateways"`
	AvgGateways  *float64   `json:"avg_gateways"`
	MaxGateways  *float64   `json:"max_gateways"`
	P50          *float64   `json:"p50"`
	P90          *float64   `json:"p90"`
	P95          *float64   `json:"p95"`
	P99          *float64   `json:"p99"`
	FirstAt      *time.Time `json:"first_at,omitempty"`
	LastAt       *time.Time `json:"last_at,omitempty"`
}

// DayStat is one UTC day's aggregate.
type DayStat struct {
	Date string `json:"date"`
	WindowStats
}

// HourStat is one UTC hour of a day.
type HourStat struct {
	Hour int `json:"hour"`
	WindowStats
}

// HourlyStat is a day broken into its 24 hours.
type HourlyStat struct {
	Date  string     `json:"date"`
	Hours []HourStat `json:"hours"`
}

// RollingStats holds the three trailing windows.
type RollingStats struct {
	Last24h WindowStats `json:"last_24h"`
	Last7d  WindowStats `json:"last_7d"`
	Last30d WindowStats `json:"last_30d"`
}

// Comparison is today against one baseline day.
type Comparison struct {
	BaselineDate    string   `json:"baseline_date"`
	BaselineCount   int      `json:"baseline_count"`
	CountDeltaPct   float64  `json:"count_delta_pct"`
	AvgGatewayDelta *float64 `json:"avg_gateway_delta,omitempty"`
}

// Comparisons is today against its three baselines.
type Comparisons struct {
	Today        DayStat    `json:"today"`
	Yesterday    Comparison `json:"vs_yesterday"`
	LastWeekDay  Comparison `json:"vs_same_day_last_week"`
	LastMonthDay Comparison `json:"vs_same_day_last_month"`
}

// NetworkStats is the distinct node and gateway census.
type NetworkStats struct {
	TotalNodes         int64 `json:"total_nodes"`
	TotalGateways      int64 `json:"total_gateways"`
	ActiveNodes24h     int64 `json:"active_nodes_24h"`
	ActiveNodes7d      int64 `json:"active_nodes_7d"`
	ActiveNodes30d     int64 `json:"active_nodes_30d"`
	ActiveGateways24h  int64 `json:"active_gateways_24h"`
	ActiveGateways7d   int64 `json:"active_gateways_7d"`
	ActiveGateways30d  int64 `json:"active_gateways_30d"`
}

// GatewayPercentiles is the percentile block over a trailing sample of
// gateway counts.
type GatewayPercentiles struct {
	SampleSize int      `json:"sample_size"`
	P50        *float64 `json:"p50"`
	P90        *float64 `json:"p90"`
	P95        *float64 `json:"p95"`
	P99        *float64 `json:"p99"`
	Max        *float64 `json:"max"`
}

// HistogramBucket is one bar of the gateway-count histogram.
type HistogramBucket struct {
	GatewayCount int `json:"gateway_count"`
	Messages     int `json:"messages"`
}

// BotStats is the command-bot usage rollup.
type BotStats struct {
	Days        int            `json:"days"`
	Total       int            `json:"total_commands"`
	RateLimited int            `json:"rate_limited"`
	UniqueUsers int            `json:"unique_users"`
	ByVerb      map[string]int `json:"by_verb"`
}

// Engine computes and caches the aggregates.
type Engine struct {
	l     log.Logger
	st    Store
	clock clock.Clock
}

// New builds an engine over the store.
func New(l log.Logger, st Store, c clock.Clock) *Engine {
	return &Engine{l: l.Named("stats"), st: st, clock: c}
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// today returns the UTC midnight opening the current day.
func (e *Engine) today() time.Time {
	now := e.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// cached is the read-through cache wrapper: an unexpired hit returns
// the stored JSON, a miss computes and optimistically rewrites.
func cached[T any](ctx context.Context, e *Engine, key string, ttl time.Duration, compute func() (T, error)) (T, error) {
	var out T
	if raw, ok, err := e.st.CacheGet(ctx, key); err == nil && ok {
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return out, nil
		}
		e.l.Warnw("dropping undecodable cache entry", "key", key)
	} else if err != nil {
		e.l.Warnw("cache read failed, computing", "key", key, "err", err)
	}

	out, err := compute()
	if err != nil {
		return out, err
	}

	if raw, err := json.Marshal(out); err == nil {
		if err := e.st.CachePut(ctx, key, string(raw), ttl); err != nil {
			e.l.Warnw("cache write failed", "key", key, "err", err)
		}
	}
	return out, nil
}

// window aggregates the samples in [from, to).
func (e *Engine) window(ctx context.Context, from, to time.Time) (WindowStats, error) {
	samples, err := e.st.PacketSamples(ctx, from, to)
	if err != nil {
		return WindowStats{}, fmt.Errorf("loading samples: %w", err)
	}

	counts := make([]float64, len(samples))
	for i, s := range samples {
		counts[i] = float64(s.GatewayCount)
	}

	ws := aggregate(counts)
	if len(samples) > 0 {
		first := samples[0].SentAt.UTC()
		last := samples[len(samples)-1].SentAt.UTC()
		ws.FirstAt = &first
		ws.LastAt = &last
	}
	return ws, nil
}

// DayStat returns the aggregate for one UTC day.
func (e *Engine) DayStat(ctx context.Context, day time.Time) (DayStat, error) {
	day = day.UTC().Truncate(24 * time.Hour)
	date := day.Format("2006-01-02")
	key := "day_stat:" + date

	return cached(ctx, e, key, dayTTL, func() (DayStat, error) {
		ws, err := e.window(ctx, day, day.Add(24*time.Hour))
		if err != nil {
			return DayStat{}, err
		}
		return DayStat{Date: date, WindowStats: ws}, nil
	})
}

// Today returns the aggregate for the current UTC day so far.
func (e *Engine) Today(ctx context.Context) (DayStat, error) {
	return e.DayStat(ctx, e.today())
}

// HourlyStat breaks one UTC day into its 24 hours.
func (e *Engine) HourlyStat(ctx context.Context, day time.Time) (HourlyStat, error) {
	day = day.UTC().Truncate(24 * time.Hour)
	date := day.Format("2006-01-02")
	key := "hourly_stat:" + date

	return cached(ctx, e, key, hourlyTTL, func() (HourlyStat, error) {
		samples, err := e.st.PacketSamples(ctx, day, day.Add(24*time.Hour))
		if err != nil {
			return HourlyStat{}, err
		}

		perHour := make([][]float64, 24)
		for _, s := range samples {
			h := s.SentAt.UTC().Hour()
			perHour[h] = append(perHour[h], float64(s.GatewayCount))
		}

		out := HourlyStat{Date: date, Hours: make([]HourStat, 24)}
		for h := range out.Hours {
			out.Hours[h] = HourStat{Hour: h, WindowStats: aggregate(perHour[h])}
		}
		return out, nil
	})
}

// Rolling returns the trailing 24h/7d/30d windows.
func (e *Engine) Rolling(ctx context.Context) (RollingStats, error) {
	key := "rolling_stats"

	return cached(ctx, e, key, rollingTTL, func() (RollingStats, error) {
		now := e.now()
		var out RollingStats
		var err error
		if out.Last24h, err = e.window(ctx, now.Add(-24*time.Hour), now); err != nil {
			return out, err
		}
		if out.Last7d, err = e.window(ctx, now.Add(-7*24*time.Hour), now); err != nil {
			return out, err
		}
		if out.Last30d, err = e.window(ctx, now.Add(-30*24*time.Hour), now); err != nil {
			return out, err
		}
		return out, nil
	})
}

// Comparisons compares today against yesterday, the same weekday last
// week and the same date last month.
func (e *Engine) Comparisons(ctx context.Context) (Comparisons, error) {
	key := "comparisons:" + e.today().Format("2006-01-02")

	return cached(ctx, e, key, dayTTL, func() (Comparisons, error) {
		today, err := e.DayStat(ctx, e.today())
		if err != nil {
			return Comparisons{}, err
		}

		out := Comparisons{Today: today}
		baselines := []struct {
			day  time.Time
			dest *Comparison
		}{
			{e.today().AddDate(0, 0, -1), &out.Yesterday},
			{e.today().AddDate(0, 0, -7), &out.LastWeekDay},
			{e.today().AddDate(0, -1, 0), &out.LastMonthDay},
		}
		for _, b := range baselines {
			base, err := e.DayStat(ctx, b.day)
			if err != nil {
				return Comparisons{}, err
			}
			*b.dest = compare(today, base)
		}
		return out, nil
	})
}

// Network returns the node and gateway census.
func (e *Engine) Network(ctx context.Context) (NetworkStats, error) {
	key := "network_stats"

	return cached(ctx, e, key, networkTTL, func() (NetworkStats, error) {
		now := e.now()
		var out NetworkStats
		var err error

		if out.TotalNodes, err = e.st.CountNodes(ctx); err != nil {
			return out, err
		}
		if out.TotalGateways, err = e.st.CountGateways(ctx); err != nil {
			return out, err
		}

		windows := []struct {
			since    time.Duration
			nodes    *int64
			gateways *int64
		}{
			{24 * time.Hour, &out.ActiveNodes24h, &out.ActiveGateways24h},
			{7 * 24 * time.Hour, &out.ActiveNodes7d, &out.ActiveGateways7d},
			{30 * 24 * time.Hour, &out.ActiveNodes30d, &out.ActiveGateways30d},
		}
		for _, w := range windows {
			from := now.Add(-w.since)
			if *w.nodes, err = e.st.CountDistinctSenders(ctx, from, now); err != nil {
				return out, err
			}
			if *w.gateways, err = e.st.CountDistinctGateways(ctx, from, now); err != nil {
				return out, err
			}
		}
		return out, nil
	})
}

// TopSenders lists the most active senders over the trailing window.
func (e *Engine) TopSenders(ctx context.Context, limit int, window time.Duration) ([]store.SenderCount, error) {
	now := e.now()
	return e.st.TopSenders(ctx, now.Add(-window), now, limit)
}

// GatewayHistogram buckets the newest packets by gateway count.
func (e *Engine) GatewayHistogram(ctx context.Context, sampleCap int) ([]HistogramBucket, error) {
	counts, err := e.st.RecentGatewayCounts(ctx, -1, sampleCap)
	if err != nil {
		return nil, err
	}

	byCount := make(map[int]int)
	maxCount := 0
	for _, c := range counts {
		byCount[c]++
		if c > maxCount {
			maxCount = c
		}
	}

	out := make([]HistogramBucket, 0, maxCount)
	for c := 1; c <= maxCount; c++ {
		out = append(out, HistogramBucket{GatewayCount: c, Messages: byCount[c]})
	}
	return out, nil
}

// GatewayPercentiles computes the percentile block over the newest
// packets, optionally restricted to one sender. nodeID < 0 means all.
func (e *Engine) GatewayPercentiles(ctx context.Context, nodeID int64, sampleCap int) (GatewayPercentiles, error) {
	counts, err := e.st.RecentGatewayCounts(ctx, nodeID, sampleCap)
	if err != nil {
		return GatewayPercentiles{}, err
	}

	sample := make([]float64, len(counts))
	for i, c := range counts {
		sample[i] = float64(c)
	}
	ws := aggregate(sample)

	return GatewayPercentiles{
		SampleSize: len(sample),
		P50:        ws.P50,
		P90:        ws.P90,
		P95:        ws.P95,
		P99:        ws.P99,
		Max:        ws.MaxGateways,
	}, nil
}

// Bot rolls up command usage over the trailing days.
func (e *Engine) Bot(ctx context.Context, days int) (BotStats, error) {
	since := e.now().AddDate(0, 0, -days)
	logs, err := e.st.CommandLogsSince(ctx, since)
	if err != nil {
		return BotStats{}, err
	}

	out := BotStats{Days: days, ByVerb: make(map[string]int)}
	users := make(map[int64]struct{})
	for _, cl := range logs {
		out.Total++
		if cl.RateLimited {
			out.RateLimited++
		}
		users[cl.UserNodeID] = struct{}{}
		out.ByVerb[verbOf(cl.Command)]++
	}
	out.UniqueUsers = len(users)
	return out, nil
}

// Warm precomputes the views the cache-warm job keeps fresh.
func (e *Engine) Warm(ctx context.Context) error {
	if _, err := e.Rolling(ctx); err != nil {
		return fmt.Errorf("warming rolling stats: %w", err)
	}
	if _, err := e.Network(ctx); err != nil {
		return fmt.Errorf("warming network stats: %w", err)
	}
	return nil
}

// compare produces one baseline comparison. The baseline count is
// floored at one so a silent baseline day still yields a finite delta.
func compare(today DayStat, base DayStat) Comparison {
	baseline := base.MessageCount
	div := baseline
	if div < 1 {
		div = 1
	}
	c := Comparison{
		BaselineDate:  base.Date,
		BaselineCount: baseline,
		CountDeltaPct: float64(today.MessageCount-baseline) / float64(div) * 100,
	}
	if today.AvgGateways != nil && base.AvgGateways != nil {
		d := *today.AvgGateways - *base.AvgGateways
		c.AvgGatewayDelta = &d
	}
	return c
}

// verbOf reduces a raw command line to its verb for the per-verb
// rollup.
func verbOf(command string) string {
	trimmed := command
	if len(trimmed) > 0 && trimmed[0] == '!' {
		trimmed = trimmed[1:]
	}
	for i, r := range trimmed {
		if r == ' ' {
			return trimmed[:i]
		}
	}
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
