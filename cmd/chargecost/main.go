// chargecost reconciles ended vehicle charging sessions with hourly
// electricity prices.
//
// Usage:
//
//	chargecost watch                  # follow the car state topic, bill each ended session
//	chargecost compute --session 123  # one-shot calculation for a known session
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"charge-cost/internal/archive"
	"charge-cost/internal/pricing"
	"charge-cost/internal/reconcile"
	"charge-cost/internal/store"
	"charge-cost/internal/watch"
	"charge-cost/pkg/platform"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	app := &cli.App{
		Name:    "chargecost",
		Usage:   "Charging session cost reconciliation against hourly electricity prices",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"CHARGECOST_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Postgres DSN of the charging database",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "pricing-base-url",
				Value:   "https://api.pstryk.pl/integrations/pricing/",
				Usage:   "Hourly pricing API base URL",
				EnvVars: []string{"PRICING_BASE_URL"},
			},
			&cli.StringFlag{
				Name:    "pricing-api-key",
				Usage:   "Pricing API credential",
				EnvVars: []string{"PSTRYK_API_KEY"},
			},
			&cli.Int64Flag{
				Name:    "home-geofence",
				Value:   1,
				Usage:   "Geofence id of the home charger (0 disables the gate)",
				EnvVars: []string{"HOME_GEOFENCE_ID"},
			},
			&cli.StringFlag{
				Name:    "display-tz",
				Value:   "Europe/Warsaw",
				Usage:   "Timezone for human-readable breakdown logs",
				EnvVars: []string{"CHARGECOST_DISPLAY_TZ"},
			},
			&cli.DurationFlag{
				Name:    "run-deadline",
				Value:   5 * time.Minute,
				Usage:   "Overall deadline for one calculation run, bounding price-fetch retries",
				EnvVars: []string{"CHARGECOST_RUN_DEADLINE"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-addr",
				Usage:   "ClickHouse address for the price frame archive (empty disables archiving)",
				EnvVars: []string{"CLICKHOUSE_ADDR"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-database",
				Value:   "chargecost",
				EnvVars: []string{"CLICKHOUSE_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-user",
				Value:   "default",
				EnvVars: []string{"CLICKHOUSE_USER"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-password",
				EnvVars: []string{"CLICKHOUSE_PASSWORD"},
			},
		},

		Commands: []*cli.Command{
			watchCommand(),
			computeCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Follow the car state topic and bill every session that ends",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "mqtt-host",
				Value:   "mosquitto",
				EnvVars: []string{"MQTT_HOST"},
			},
			&cli.IntFlag{
				Name:    "mqtt-port",
				Value:   1883,
				EnvVars: []string{"MQTT_PORT"},
			},
			&cli.StringFlag{
				Name:    "mqtt-topic",
				Value:   "teslamate/cars/1/state",
				EnvVars: []string{"MQTT_TOPIC"},
			},
		},
		Action: func(c *cli.Context) error {
			gateway, reconciler, logger, cleanup, err := buildEngine(c)
			if err != nil {
				return err
			}
			defer cleanup()

			deadline := c.Duration("run-deadline")
			watcher := &watch.Watcher{
				Broker: fmt.Sprintf("tcp://%s:%d", c.String("mqtt-host"), c.Int("mqtt-port")),
				Topic:  c.String("mqtt-topic"),
				Source: gateway,
				Compute: func(ctx context.Context, id int64) error {
					ctx, cancel := context.WithTimeout(ctx, deadline)
					defer cancel()
					_, err := reconciler.Compute(ctx, id)
					return err
				},
				Logger: logger,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting charge watcher",
				"broker", watcher.Broker, "topic", watcher.Topic)
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func computeCommand() *cli.Command {
	return &cli.Command{
		Name:  "compute",
		Usage: "Run the cost calculation for a single session",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "session",
				Aliases:  []string{"s"},
				Usage:    "Charging session id",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			_, reconciler, _, cleanup, err := buildEngine(c)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("run-deadline"))
			defer cancel()

			result, err := reconciler.Compute(ctx, c.Int64("session"))
			if err != nil {
				return err
			}
			if result == nil {
				fmt.Println("session skipped, see logs")
				return nil
			}
			fmt.Printf("session %d cost: %s\n", result.SessionID, result.Total.StringFixed(2))
			return nil
		},
	}
}

// buildEngine wires the gateway, fetcher, optional archive, and reconciler
// from CLI configuration.
func buildEngine(c *cli.Context) (*store.Gateway, *reconcile.Reconciler, *slog.Logger, func(), error) {
	logger := platform.InitLogger(c.String("log-level"))

	gateway, err := store.Open(c.String("database-url"))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cleanup := func() { gateway.Close() }

	fetcher := pricing.NewFetcher(c.String("pricing-base-url"), c.String("pricing-api-key"), logger)

	if addr := c.String("clickhouse-addr"); addr != "" {
		arch, err := archive.Open(archive.Config{
			Addr:     addr,
			Database: c.String("clickhouse-database"),
			Username: c.String("clickhouse-user"),
			Password: c.String("clickhouse-password"),
		})
		if err != nil {
			logger.Warn("price archive unavailable, continuing without it", "error", err)
		} else {
			if err := arch.EnsureSchema(context.Background()); err != nil {
				logger.Warn("failed to prepare price archive schema", "error", err)
			}
			fetcher.Archive = arch
			prev := cleanup
			cleanup = func() { arch.Close(); prev() }
		}
	}

	tz, err := time.LoadLocation(c.String("display-tz"))
	if err != nil {
		logger.Warn("unknown display timezone, falling back to UTC", "tz", c.String("display-tz"))
		tz = time.UTC
	}

	reconciler := &reconcile.Reconciler{
		Gateway:      gateway,
		Prices:       fetcher,
		HomeGeofence: c.Int64("home-geofence"),
		DisplayTZ:    tz,
		Logger:       logger,
	}
	return gateway, reconciler, logger, cleanup, nil
}
