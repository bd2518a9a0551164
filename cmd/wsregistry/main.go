package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/wsregistry/internal/adapters/restart"
	"github.com/atvirokodosprendimai/wsregistry/internal/app"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "wsregistry",
		Usage: "Application registry and config sync for a Pusher-compatible WebSocket server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "./wsregistry.sqlite",
				Sources: cli.EnvVars("WSREGISTRY_DB_PATH"),
				Usage:   "SQLite file path",
			},
			&cli.StringFlag{
				Name:    "config-path",
				Value:   "./reverb.yaml",
				Sources: cli.EnvVars("WSREGISTRY_CONFIG_PATH"),
				Usage:   "Server config file to install (.yaml, .yml or .json)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("WSREGISTRY_LOG_LEVEL"),
				Usage:   "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   logging.FormatJSON,
				Sources: cli.EnvVars("WSREGISTRY_LOG_FORMAT"),
				Usage:   "json or console",
			},
			&cli.StringFlag{
				Name:    "sql-log-level",
				Value:   "silent",
				Sources: cli.EnvVars("WSREGISTRY_SQL_LOG_LEVEL"),
				Usage:   "GORM log level: silent, error, warn or info",
			},
			&cli.StringFlag{
				Name:    "server-host",
				Value:   "0.0.0.0",
				Sources: cli.EnvVars("WSREGISTRY_SERVER_HOST"),
				Usage:   "Messaging server bind host",
			},
			&cli.IntFlag{
				Name:    "server-port",
				Value:   8080,
				Sources: cli.EnvVars("WSREGISTRY_SERVER_PORT"),
				Usage:   "Messaging server port",
			},
			&cli.StringFlag{
				Name:    "server-hostname",
				Sources: cli.EnvVars("WSREGISTRY_SERVER_HOSTNAME"),
				Usage:   "Public hostname of the messaging server",
			},
			&cli.StringFlag{
				Name:    "server-scheme",
				Value:   "http",
				Sources: cli.EnvVars("WSREGISTRY_SERVER_SCHEME"),
				Usage:   "Messaging server scheme",
			},
			&cli.IntFlag{
				Name:    "max-request-size",
				Value:   10000,
				Sources: cli.EnvVars("WSREGISTRY_MAX_REQUEST_SIZE"),
				Usage:   "Maximum request size accepted by the messaging server",
			},
			&cli.DurationFlag{
				Name:    "ping-interval",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("WSREGISTRY_PING_INTERVAL"),
				Usage:   "Protocol ping interval applied to every application",
			},
			&cli.DurationFlag{
				Name:    "activity-timeout",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("WSREGISTRY_ACTIVITY_TIMEOUT"),
				Usage:   "Protocol activity timeout applied to every application",
			},
			&cli.IntFlag{
				Name:    "max-message-size",
				Value:   10000,
				Sources: cli.EnvVars("WSREGISTRY_MAX_MESSAGE_SIZE"),
				Usage:   "Protocol max message size applied to every application",
			},
			&cli.StringFlag{
				Name:    "restart-mode",
				Value:   restart.ModeLog,
				Sources: cli.EnvVars("WSREGISTRY_RESTART_MODE"),
				Usage:   "How to restart the messaging server: log, exec, redis or webhook",
			},
			&cli.StringFlag{
				Name:    "restart-command",
				Sources: cli.EnvVars("WSREGISTRY_RESTART_COMMAND"),
				Usage:   "Command run in exec mode, e.g. \"supervisorctl restart reverb\"",
			},
			&cli.DurationFlag{
				Name:    "restart-timeout",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("WSREGISTRY_RESTART_TIMEOUT"),
				Usage:   "Timeout for a single restart signal",
			},
			&cli.StringFlag{
				Name:    "restart-redis-url",
				Sources: cli.EnvVars("WSREGISTRY_RESTART_REDIS_URL"),
				Usage:   "Redis URL used in redis mode",
			},
			&cli.StringFlag{
				Name:    "restart-redis-prefix",
				Value:   restart.DefaultRedisPrefix,
				Sources: cli.EnvVars("WSREGISTRY_RESTART_REDIS_PREFIX"),
				Usage:   "Laravel cache prefix put in front of the restart key; empty for none",
			},
			&cli.StringFlag{
				Name:    "restart-redis-key",
				Value:   restart.DefaultRedisKey,
				Sources: cli.EnvVars("WSREGISTRY_RESTART_REDIS_KEY"),
				Usage:   "Cache key the messaging server polls for restarts",
			},
			&cli.StringFlag{
				Name:    "restart-webhook-url",
				Sources: cli.EnvVars("WSREGISTRY_RESTART_WEBHOOK_URL"),
				Usage:   "Reload endpoint used in webhook mode",
			},
			&cli.StringFlag{
				Name:    "restart-webhook-secret",
				Sources: cli.EnvVars("WSREGISTRY_RESTART_WEBHOOK_SECRET"),
				Usage:   "HMAC-SHA256 signing secret for the reload webhook",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			rebuildCommand(),
			restartCommand(),
			lookupCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the admin API and the restart coordinator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":8090",
				Sources: cli.EnvVars("WSREGISTRY_ADDR"),
				Usage:   "Admin HTTP listen address",
			},
			&cli.StringFlag{
				Name:    "bootstrap-admin-token",
				Sources: cli.EnvVars("WSREGISTRY_BOOTSTRAP_ADMIN_TOKEN"),
				Usage:   "Optional admin token to upsert at startup",
			},
			&cli.StringFlag{
				Name:    "bootstrap-key-name",
				Value:   "bootstrap",
				Sources: cli.EnvVars("WSREGISTRY_BOOTSTRAP_KEY_NAME"),
				Usage:   "Name recorded as the actor for the bootstrap token",
			},
			&cli.DurationFlag{
				Name:    "debounce",
				Value:   500 * time.Millisecond,
				Sources: cli.EnvVars("WSREGISTRY_DEBOUNCE"),
				Usage:   "Quiet window before a burst of changes triggers a restart",
			},
			&cli.DurationFlag{
				Name:    "debounce-max-wait",
				Value:   5 * time.Second,
				Sources: cli.EnvVars("WSREGISTRY_DEBOUNCE_MAX_WAIT"),
				Usage:   "Longest a burst may delay a restart",
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Value:   2 * time.Second,
				Sources: cli.EnvVars("WSREGISTRY_POLL_INTERVAL"),
				Usage:   "Outbox poll interval",
			},
			&cli.DurationFlag{
				Name:    "reconcile-interval",
				Value:   time.Minute,
				Sources: cli.EnvVars("WSREGISTRY_RECONCILE_INTERVAL"),
				Usage:   "Periodic rebuild interval",
			},
			&cli.DurationFlag{
				Name:    "claim-lease",
				Value:   5 * time.Minute,
				Sources: cli.EnvVars("WSREGISTRY_CLAIM_LEASE"),
				Usage:   "How long an in-flight sync request stays claimed",
			},
			&cli.IntFlag{
				Name:    "workers",
				Value:   1,
				Sources: cli.EnvVars("WSREGISTRY_WORKERS"),
				Usage:   "Restart coordinator workers",
			},
			&cli.IntFlag{
				Name:    "max-retry",
				Value:   5,
				Sources: cli.EnvVars("WSREGISTRY_MAX_RETRY"),
				Usage:   "Attempts before a sync request is dead-lettered",
			},
			&cli.IntFlag{
				Name:    "signal-retries",
				Value:   2,
				Sources: cli.EnvVars("WSREGISTRY_SIGNAL_RETRIES"),
				Usage:   "In-process retries of a restart signal",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			logger, err := newLogger(c)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg := configFromCommand(c)
			cfg.Addr = c.String("addr")
			cfg.BootstrapAdminToken = c.String("bootstrap-admin-token")
			cfg.BootstrapKeyName = c.String("bootstrap-key-name")
			cfg.DebounceQuiet = c.Duration("debounce")
			cfg.DebounceMaxWait = c.Duration("debounce-max-wait")
			cfg.PollInterval = c.Duration("poll-interval")
			cfg.ReconcileInterval = c.Duration("reconcile-interval")
			cfg.ClaimLease = c.Duration("claim-lease")
			cfg.Workers = int(c.Int("workers"))
			cfg.MaxRetry = int(c.Int("max-retry"))
			cfg.SignalRetries = uint64(max(c.Int("signal-retries"), 0))

			server, closer, err := app.NewServer(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			defer func() {
				if closeErr := closer.Close(); closeErr != nil {
					logger.Error("close resources", zap.Error(closeErr))
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", zap.String("addr", cfg.Addr), zap.String("config_path", cfg.ConfigPath))
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case sig := <-sigCh:
				logger.Info("received signal", zap.String("signal", sig.String()))
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
}

func rebuildCommand() *cli.Command {
	return &cli.Command{
		Name:  "rebuild",
		Usage: "Rebuild and install the server config without restarting",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withRegistry(ctx, c, func(reg *app.Registry, logger *zap.Logger) error {
				result, err := reg.Synchronizer.Sync(ctx)
				if err != nil {
					return err
				}
				logger.Info("server config installed",
					zap.String("path", reg.Installer.Path()),
					zap.Int("apps", len(result.Config.Apps)),
					zap.Bool("changed", result.Changed),
				)
				return nil
			})
		},
	}
}

func restartCommand() *cli.Command {
	return &cli.Command{
		Name:  "restart",
		Usage: "Rebuild the server config and signal the messaging server to restart",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "reason",
				Value: "manual",
				Usage: "Reason passed to the restart signal",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withRegistry(ctx, c, func(reg *app.Registry, logger *zap.Logger) error {
				cfg, err := reg.Synchronizer.Rebuild(ctx)
				if err != nil {
					return fmt.Errorf("rebuild before restart: %w", err)
				}
				reason := c.String("reason")
				if err := reg.Signaler.Restart(ctx, reason); err != nil {
					return &domain.RestartError{Reason: reason, Err: err}
				}
				logger.Info("messaging server restarted", zap.String("reason", reason), zap.Int("apps", len(cfg.Apps)))
				return nil
			})
		},
	}
}

func lookupCommand() *cli.Command {
	return &cli.Command{
		Name:  "lookup",
		Usage: "Resolve an active application the way the messaging server does",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Look up by app id"},
			&cli.StringFlag{Name: "key", Usage: "Look up by app key"},
			&cli.StringFlag{Name: "secret", Usage: "Look up by app secret"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withRegistry(ctx, c, func(reg *app.Registry, _ *zap.Logger) error {
				var (
					found domain.ApplicationConfig
					err   error
				)
				switch {
				case c.String("id") != "":
					found, err = reg.Provider.FindByID(ctx, c.String("id"))
				case c.String("key") != "":
					found, err = reg.Provider.FindByKey(ctx, c.String("key"))
				case c.String("secret") != "":
					found, err = reg.Provider.FindBySecret(ctx, c.String("secret"))
				default:
					return errors.New("one of --id, --key or --secret is required")
				}
				if err != nil {
					return err
				}
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(found)
			})
		},
	}
}

func withRegistry(ctx context.Context, c *cli.Command, fn func(*app.Registry, *zap.Logger) error) error {
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg, err := app.Open(ctx, configFromCommand(c), logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := reg.Close(); closeErr != nil {
			logger.Error("close resources", zap.Error(closeErr))
		}
	}()
	return fn(reg, logger)
}

func newLogger(c *cli.Command) (*zap.Logger, error) {
	return logging.New(c.String("log-level"), c.String("log-format"))
}

func configFromCommand(c *cli.Command) app.Config {
	return app.Config{
		DBPath:     c.String("db-path"),
		ConfigPath: c.String("config-path"),
		Endpoint: domain.ServerEndpoint{
			Host:           c.String("server-host"),
			Port:           int(c.Int("server-port")),
			Hostname:       c.String("server-hostname"),
			Scheme:         c.String("server-scheme"),
			MaxRequestSize: int(c.Int("max-request-size")),
		},
		Protocol: domain.ProtocolDefaults{
			PingInterval:    c.Duration("ping-interval"),
			ActivityTimeout: c.Duration("activity-timeout"),
			MaxMessageSize:  int(c.Int("max-message-size")),
		},
		Restart: restart.Config{
			Mode:          c.String("restart-mode"),
			Command:       c.String("restart-command"),
			Timeout:       c.Duration("restart-timeout"),
			RedisURL:      c.String("restart-redis-url"),
			RedisPrefix:   c.String("restart-redis-prefix"),
			RedisKey:      c.String("restart-redis-key"),
			WebhookURL:    c.String("restart-webhook-url"),
			WebhookSecret: c.String("restart-webhook-secret"),
		},
		SQLLogLevel: c.String("sql-log-level"),
	}
}
