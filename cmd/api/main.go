package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"showingflow/auth"
	"showingflow/config"
	"showingflow/db"
	"showingflow/directory"
	"showingflow/escalation"
	"showingflow/notify"
	"showingflow/outbox"
	"showingflow/preference"
	"showingflow/showing"
	"showingflow/trigger"
)

const (
	Version = "0.1.0"
	appName = "showingflow"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Showing request escalation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(&flags),
		migrateCmd(&flags),
		escalateCmd(&flags),
		tokenCmd(&flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

// load resolves configuration and builds the process logger. The --log-level flag wins
// over the file and environment.
func load(flags *globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, change listener, timer worker, reconciler and outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(flags)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func migrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(flags)
			if err != nil {
				return err
			}
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "count", len(applied), "names", applied)
			return nil
		},
	}
}

func escalateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "escalate <requestId>",
		Short: "Advance one showing request a single escalation step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(flags)
			if err != nil {
				return err
			}
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			deps, err := buildEngine(cfg, pool, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer deps.close()

			outcome, err := deps.engine.EscalateNow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], outcome)
			return nil
		},
	}
}

func tokenCmd(flags *globalFlags) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "token <userId>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load(flags)
			if err != nil {
				return err
			}
			verifier, err := auth.NewTokenVerifier(cfg.Auth.JWTSecret, nil)
			if err != nil {
				return err
			}
			token, err := verifier.WithTTL(cfg.Auth.TokenTTL).Issue(args[0], auth.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(auth.RoleAgent), "Role embedded in the token")
	return cmd
}

type engineDeps struct {
	engine  *escalation.Engine
	repo    *showing.PGRepository
	prefs   *preference.Service
	metrics *escalation.Metrics
	nats    *notify.NATSPublisher
	inbox   *notify.RedisInbox
	closers []func()
}

func (d *engineDeps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// buildEngine wires the escalation engine to Postgres, the durable scheduler and every
// configured notification transport. NATS is reached only through the outbox relay.
func buildEngine(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger, reg prometheus.Registerer) (*engineDeps, error) {
	deps := &engineDeps{
		repo:    showing.NewRepository(pool),
		prefs:   preference.NewService(preference.NewRepository(pool)),
		metrics: escalation.NewMetrics(reg),
	}

	sinks := notify.Multi{notify.NewOutboxSink(pool), notify.LogSink{Logger: logger}}
	if cfg.NATS.URL != "" {
		conn, err := notify.ConnectNATS(notify.NATSConfig{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, logger)
		if err != nil {
			deps.close()
			return nil, err
		}
		deps.closers = append(deps.closers, func() { _ = conn.Drain() })
		deps.nats = notify.NewNATSPublisher(conn)
	}
	if cfg.Redis.URL != "" {
		client, err := notify.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			deps.close()
			return nil, err
		}
		deps.closers = append(deps.closers, func() { _ = client.Close() })
		deps.inbox = notify.NewRedisInbox(client)
		sinks = append(sinks, deps.inbox)
	}

	deps.engine = escalation.NewEngine(
		deps.repo,
		deps.prefs,
		directory.NewPGDirectory(pool),
		sinks,
		escalation.NewPGScheduler(pool, escalation.RealClock()),
		cfg.Escalation,
	).WithLogger(logger).WithMetrics(deps.metrics)
	return deps, nil
}

// logPublisher drains the outbox when no broker is configured.
type logPublisher struct {
	logger *slog.Logger
}

func (p logPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.logger.DebugContext(ctx, "outbox message", "topic", topic, "payload", string(payload))
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Database.AutoMigrate {
		applied, err := db.Migrate(ctx, pool)
		if err != nil {
			return err
		}
		logger.Info("migrations applied", "count", len(applied))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps, err := buildEngine(cfg, pool, logger, reg)
	if err != nil {
		return err
	}
	defer deps.close()

	verifier, err := auth.NewTokenVerifier(cfg.Auth.JWTSecret, auth.NewPGUsers(pool))
	if err != nil {
		return err
	}
	verifier.WithTTL(cfg.Auth.TokenTTL)

	server := &Server{
		showingService:    showing.NewService(pool, deps.repo, outbox.NewWriter()),
		preferenceService: deps.prefs,
		escalator:         deps.engine,
		verifier:          verifier,
		registry:          reg,
		health:            pool.Ping,
		logger:            logger,
	}
	if deps.inbox != nil {
		server.inbox = deps.inbox
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var publisher outbox.Publisher = logPublisher{logger: logger}
	if deps.nats != nil {
		publisher = deps.nats
	}

	listener := trigger.NewListener(pool, deps.engine, logger).
		WithConcurrency(cfg.Workers.ListenConcurrency)
	timers := escalation.NewTimerWorker(pool, deps.engine.OnTimerFired, logger).
		WithInterval(cfg.Workers.TimerPollInterval).
		WithBackoff(cfg.Workers.TimerRetryBackoff)
	reconciler := trigger.NewReconciler(deps.repo, deps.engine, logger).
		WithInterval(cfg.Workers.ReconcileInterval).
		WithGrace(cfg.Workers.ReconcileGrace)
	relay := outbox.NewRelay(pool, publisher, logger).
		WithInterval(cfg.Workers.OutboxPollInterval).
		WithMaxAttempts(cfg.Workers.OutboxMaxAttempts)

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range []func(context.Context) error{listener.Run, timers.Run, reconciler.Run, relay.Run} {
		g.Go(func() error { return ignoreCanceled(run(gctx)) })
	}
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
