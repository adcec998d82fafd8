// meshstats is the mesh statistics daemon: it ingests Meshtastic MQTT
// uplinks, groups multi-gateway deliveries, and serves the stats over
// HTTP and an on-mesh command bot.
package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/urfave/cli/v2"

	"github.com/meshstats/meshstats/common/log"
	"github.com/meshstats/meshstats/core"
	"github.com/meshstats/meshstats/store/database"
)

// Set through -ldflags at build time.
var (
	version   = "dev"
	gitCommit = "none"
	buildDate = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "meshstats",
		Version: version,
		Usage:   "Meshtastic mesh delivery statistics daemon",
		Commands: []*cli.Command{
			startCommand,
			checkCommand,
		},
	}
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("meshstats %s (date %s, commit %s)\n", version, buildDate, gitCommit)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "meshstats: %v\n", err)
		os.Exit(1)
	}
}

var startCommand = &cli.Command{
	Name:  "start",
	Usage: "run the daemon until interrupted",
	Action: func(c *cli.Context) error {
		cfg, err := core.LoadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshstats: config: %v\n", err)
			os.Exit(1)
		}

		log.ConfigureDefaultLogger(os.Stdout, log.ParseLevel(cfg.LogLevel), cfg.LogJSON)
		l := log.New(os.Stdout, log.ParseLevel(cfg.LogLevel), cfg.LogJSON)
		l.Infow("starting", "version", version, "commit", gitCommit)

		ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		daemon, err := core.NewDaemon(ctx, l, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshstats: %v\n", err)
			os.Exit(1)
		}
		daemon.Warm(ctx)

		err = daemon.Run(ctx)
		if err != nil {
			l.Errorw("daemon stopped", "err", err)
		} else {
			l.Infow("daemon stopped cleanly")
		}
		os.Exit(core.ExitCode(err))
		return nil
	},
}

var checkCommand = &cli.Command{
	Name:  "check",
	Usage: "probe the configured database, MQTT broker and radio, then exit",
	Action: func(c *cli.Context) error {
		cfg, err := core.LoadConfig()
		if err != nil {
			return cli.Exit(fmt.Sprintf("config: %v", err), 1)
		}

		failed := false
		probe(c.Context, "database", func(ctx context.Context) error {
			dbCfg, err := database.ConfigFromURL(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			db, err := database.Open(ctx, dbCfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return database.StatusCheck(ctx, db)
		}, &failed)

		probe(c.Context, "mqtt broker", func(ctx context.Context) error {
			return dialProbe(ctx, hostPort(cfg.MQTTServer, "1883"))
		}, &failed)

		if cfg.CommandsEnabled {
			probe(c.Context, "radio", func(ctx context.Context) error {
				u, err := url.Parse(cfg.RadioURL)
				if err != nil {
					return err
				}
				return dialProbe(ctx, hostPort(u.Host, "4403"))
			}, &failed)
		}

		if failed {
			return cli.Exit("one or more probes failed", 1)
		}
		fmt.Println("all probes passed")
		return nil
	},
}

// probe runs one named check behind a spinner and prints its outcome.
func probe(ctx context.Context, name string, fn func(context.Context) error, failed *bool) {
	s := spinner.New(spinner.CharSets[11], 100*time.Millisecond)
	s.Suffix = fmt.Sprintf(" checking %s...", name)
	s.Start()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := fn(ctx)
	s.Stop()

	if err != nil {
		fmt.Printf("✗ %s: %v\n", name, err)
		*failed = true
		return
	}
	fmt.Printf("✓ %s\n", name)
}

func dialProbe(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// hostPort appends the default port when the address has none. The
// address may arrive with or without a scheme.
func hostPort(addr, defaultPort string) string {
	if u, err := url.Parse(addr); err == nil && u.Host != "" {
		addr = u.Host
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}
