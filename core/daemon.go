// Package core wires the components into one daemon: store, codec,
// grouper, MQTT ingest, stats engine, subscriptions, command bot,
// scheduler and the HTTP API, supervised under one errgroup.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	clock "github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/meshstats/meshstats/bot"
	"github.com/meshstats/meshstats/common/log"
	api "github.com/meshstats/meshstats/http"
	"github.com/meshstats/meshstats/mesh"
	"github.com/meshstats/meshstats/mesh/codec"
	"github.com/meshstats/meshstats/mesh/grouper"
	"github.com/meshstats/meshstats/mesh/ingest"
	"github.com/meshstats/meshstats/metrics"
	"github.com/meshstats/meshstats/sched"
	"github.com/meshstats/meshstats/stats"
	"github.com/meshstats/meshstats/store"
	"github.com/meshstats/meshstats/store/database"
	"github.com/meshstats/meshstats/subscription"
)

// ErrFlushTimeout reports that open packet groups could not be
// committed within the shutdown grace period. The process exits 2.
var ErrFlushTimeout = errors.New("group flush timed out during shutdown")

// flushGrace bounds the shutdown flush of open groups.
const flushGrace = 5 * time.Second

// Daemon is the assembled service.
type Daemon struct {
	l   log.Logger
	cfg Config

	store   *store.Store
	grouper *grouper.Grouper
	ingest  *ingest.Ingest
	engine  *stats.Engine
	subs    *subscription.Service
	bot     *bot.Bot
	sched   *sched.Scheduler
	api     *api.Server
}

// nopBot swallows outbound messages while the radio link is disabled.
type nopBot struct {
	l log.Logger
}

func (n nopBot) SendDM(to mesh.NodeID, _ string) {
	n.l.Debugw("radio disabled, dropping direct message", "to", to)
}
func (n nopBot) Broadcast(string) {
	n.l.Debugw("radio disabled, dropping broadcast")
}
func (n nopBot) Connected() bool { return false }

// NewDaemon builds every component. Nothing is listening yet; Run
// starts the world.
func NewDaemon(ctx context.Context, l log.Logger, cfg Config) (*Daemon, error) {
	c := clock.NewRealClock()

	dbCfg, err := database.ConfigFromURL(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url: %w", err)
	}
	db, err := database.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	st, err := store.New(ctx, l, db, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	cdc, err := codec.New(cfg.DecryptionKeys, cfg.IncludeDefaultKey)
	if err != nil {
		return nil, fmt.Errorf("decryption keys: %w", err)
	}

	grp := grouper.New(l, c, st, grouper.Config{
		Window:    time.Duration(cfg.GroupingWindowSeconds) * time.Second,
		Quiesce:   time.Duration(cfg.GroupingQuiesceSeconds) * time.Second,
		Retention: time.Duration(cfg.LateRetentionHours) * time.Hour,
	})

	ing := ingest.New(l, c, cdc, grp, st, ingest.Config{
		Server:      cfg.MQTTServer,
		Username:    cfg.MQTTUsername,
		Password:    cfg.MQTTPassword,
		RootTopic:   cfg.MQTTRootTopic,
		TLSEnabled:  cfg.MQTTTLSEnabled,
		TLSInsecure: cfg.MQTTTLSInsecure,
	})

	eng := stats.New(l, st, c)
	subs := subscription.New(l, st)

	d := &Daemon{
		l:       l.Named("daemon"),
		cfg:     cfg,
		store:   st,
		grouper: grp,
		ingest:  ing,
		engine:  eng,
		subs:    subs,
	}

	var schedBot sched.Bot = nopBot{l: d.l}
	var botHealth api.Connectable = nopBot{l: d.l}
	if cfg.CommandsEnabled {
		dial, err := bot.TCPDialer(cfg.RadioURL)
		if err != nil {
			return nil, fmt.Errorf("radio connection: %w", err)
		}
		d.bot = bot.New(l, c, dial, st, eng, subs, bot.Config{
			ChannelID:        cfg.StatsChannelID,
			BroadcastChannel: cfg.BroadcastChannel,
			RateWindow:       time.Duration(cfg.RateLimitSeconds) * time.Second,
			RateBurst:        cfg.RateLimitBurst,
		})
		schedBot = d.bot
		botHealth = d.bot
	}

	d.sched = sched.New(l, c, schedBot, eng, subs, sched.Config{
		DMHour:           cfg.SendHour,
		DMMinute:         cfg.SendMinute,
		BroadcastEnabled: cfg.BroadcastEnabled,
		BroadcastHour:    cfg.BroadcastHour,
		BroadcastMinute:  cfg.BroadcastMinute,
	})

	d.api, err = api.New(l, st, eng, subs, ing, botHealth, d.sched, api.Config{
		Bind:      cfg.APIBind(),
		StaticDir: cfg.StaticDir,
		AccessLog: cfg.AccessLog,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Run starts every component and blocks until the context is cancelled
// and shutdown has finished. A failed group flush at shutdown returns
// ErrFlushTimeout.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.MetricsBind != "" {
		if lis := metrics.Start(d.l, d.cfg.MetricsBind); lis != nil {
			defer lis.Close()
		}
	}

	d.grouper.Start()
	if err := d.ingest.Start(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(d.api.Start)
	eg.Go(func() error {
		return d.sched.Run(egCtx)
	})
	if d.bot != nil {
		eg.Go(func() error {
			return d.bot.Run(egCtx)
		})
	}

	// Shutdown sequencing: stop intake first, flush groups while the
	// store is still up, then drain HTTP and close the database.
	var flushErr error
	eg.Go(func() error {
		<-egCtx.Done()

		d.ingest.Stop()

		flushCtx, cancel := context.WithTimeout(context.Background(), flushGrace)
		defer cancel()
		if err := d.grouper.Stop(flushCtx); err != nil {
			d.l.Errorw("group flush failed", "err", err)
			flushErr = fmt.Errorf("%w: %v", ErrFlushTimeout, err)
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), flushGrace)
		defer cancelDrain()
		if err := d.api.Shutdown(drainCtx); err != nil {
			d.l.Warnw("api drain incomplete", "err", err)
		}
		return nil
	})

	err := eg.Wait()
	if closeErr := d.store.Close(); closeErr != nil {
		d.l.Warnw("database close failed", "err", closeErr)
	}

	if flushErr != nil {
		return flushErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ExitCode maps a Run error to the documented process exit codes.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrFlushTimeout):
		return 2
	default:
		return 1
	}
}

// Warm primes the stat caches once at startup so the first dashboard
// load does not pay for full scans.
func (d *Daemon) Warm(ctx context.Context) {
	if err := d.engine.Warm(ctx); err != nil {
		d.l.Warnw("initial cache warm failed", "err", err)
	}
}
