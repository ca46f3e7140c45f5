package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/keysync/internal/config"
	"github.com/jmylchreest/keysync/internal/database"
	"github.com/jmylchreest/keysync/internal/engine"
	internalhttp "github.com/jmylchreest/keysync/internal/http"
	"github.com/jmylchreest/keysync/internal/http/handlers"
	"github.com/jmylchreest/keysync/internal/journal"
	"github.com/jmylchreest/keysync/internal/keys"
	"github.com/jmylchreest/keysync/internal/keysync"
	"github.com/jmylchreest/keysync/internal/observability"
	"github.com/jmylchreest/keysync/internal/pubsub"
	"github.com/jmylchreest/keysync/internal/repository"
	"github.com/jmylchreest/keysync/internal/scheduler"
	"github.com/jmylchreest/keysync/internal/segment"
	"github.com/jmylchreest/keysync/internal/version"
	"github.com/jmylchreest/keysync/pkg/httpclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start key sync and the fragment API",
	Long: `Start the key transports, the decrypt engine and the control API.

The API provides:
- POST /api/v1/fragments/{kind} to decrypt init and media segments
- GET /api/v1/keys for key index coverage
- /livez and /health probes
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "host to bind to (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	logger := initLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// app holds the wired components of a running service.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	index   *keys.Index
	db      *database.DB
	journal *journal.Journal
	syncer  *keysync.Syncer
	engine  *engine.Engine
	maint   *scheduler.Maintenance
	server  *internalhttp.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, index: keys.NewIndex()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if cfg.Database.Enabled {
		if err := a.openJournal(ctx); err != nil {
			return nil, err
		}
	}

	var pullClient *httpclient.Client
	opts := keysync.Options{
		Config: keysync.Config{PushEnabled: cfg.Push.Enabled, PullEnabled: cfg.Pull.Enabled},
		Sink:   a.index,
		Logger: logger,
		Hooks: keysync.Hooks{
			OnMessageDropped: func(src keysync.Source, err error) {
				logger.Debug("key message dropped", slog.String("source", string(src)), slog.String("error", err.Error()))
			},
		},
	}
	if a.journal != nil {
		opts.Hooks.OnKeyRecorded = a.journal.Append
	}
	if cfg.Push.Enabled {
		sub, err := pubsub.NewMQTTSubscriber(pubsub.MQTTConfig{
			BrokerURL:         cfg.Push.BrokerURL,
			Topic:             cfg.Push.Topic,
			ClientID:          cfg.Push.ClientID,
			Username:          cfg.Push.Username,
			Password:          cfg.Push.Password,
			QoS:               byte(cfg.Push.QoS),
			KeepAlive:         cfg.Push.KeepAlive,
			ConnectTimeout:    cfg.Push.ConnectTimeout,
			ReconnectInterval: cfg.Push.ReconnectInterval,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating mqtt subscriber: %w", err)
		}
		opts.Subscriber = sub
	}
	if cfg.Pull.Enabled {
		pull, client, err := pullOptions(cfg.Pull, logger)
		if err != nil {
			return nil, err
		}
		opts.Config.Pull = pull
		opts.Fetcher = keysync.NewHTTPFetcher(client)
		pullClient = client
	}

	if a.syncer, err = keysync.New(opts); err != nil {
		return nil, fmt.Errorf("creating key syncer: %w", err)
	}

	a.engine, err = engine.New(engine.Options{
		Config: engine.Config{
			RetryMode:     engine.RetryMode(cfg.Engine.RetryMode),
			MaxRetries:    cfg.Engine.MaxRetries,
			RetryDelay:    cfg.Engine.RetryDelay,
			MinRetryDelay: cfg.Engine.MinRetryDelay,
			MaxRetryDelay: cfg.Engine.MaxRetryDelay,
		},
		Index:    a.index,
		Resolver: segment.NewResolver(logger),
		Observer: a.syncer,
		Keys:     a.syncer,
		Hooks:    engineHooks(logger),
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	var pruner scheduler.JournalPruner
	if a.journal != nil {
		pruner = a.journal
	}
	a.maint, err = scheduler.NewMaintenance(scheduler.Config{
		Schedule:         cfg.Index.PruneSchedule,
		IndexRetention:   cfg.Index.Retention.Duration(),
		JournalRetention: cfg.Database.Retention.Duration(),
	}, a.index, a.syncer, pruner, logger)
	if err != nil {
		return nil, fmt.Errorf("creating maintenance: %w", err)
	}

	a.server = internalhttp.NewServer(cfg.Server, logger, version.Version)
	health := handlers.NewHealthHandler(version.Version).WithSync(a.syncer)
	if pullClient != nil {
		health.WithBreaker(pullClient)
	}
	if a.db != nil {
		health.WithDB(a.db)
	}
	health.Register(a.server.API())
	handlers.NewKeysHandler(a.index, a.maint).Register(a.server.API())
	handlers.NewFragmentHandler(a.engine, a.engine.Resolver(), cfg.Server.MaxBodySize, logger).Register(a.server.API())

	return a, nil
}

// openJournal connects the database, migrates it and replays retained keys
// into the index.
func (a *app) openJournal(ctx context.Context) error {
	db, err := database.New(a.cfg.Database, a.logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	a.journal = journal.New(repository.NewKeyRecordRepository(db.DB), journal.DefaultQueueSize, a.logger)
	n, err := a.journal.Replay(ctx, a.index, a.cfg.Database.Retention.Duration())
	if err != nil {
		return fmt.Errorf("replaying key journal: %w", err)
	}
	a.logger.Info("key journal replayed", slog.Int("keys", n))
	return a.journal.Start(ctx)
}

// pullOptions maps the pull config onto the syncer and its HTTP client.
func pullOptions(cfg config.PullConfig, logger *slog.Logger) (keysync.PullConfig, *httpclient.Client, error) {
	kinds := make([]keys.MediaKind, 0, len(cfg.MediaKinds))
	for _, s := range cfg.MediaKinds {
		k, err := keys.ParseMediaKind(s)
		if err != nil {
			return keysync.PullConfig{}, nil, fmt.Errorf("pull.media_kinds: %w", err)
		}
		kinds = append(kinds, k)
	}

	hc := httpclient.DefaultConfig()
	hc.Timeout = cfg.HTTPTimeout
	hc.UserAgent = version.UserAgent()
	hc.Logger = logger
	hc.AcceptableStatusCodes = httpclient.MustParseStatusCodes(keysync.AcceptableStatusCodes)

	return keysync.PullConfig{
		BaseURL:          cfg.BaseURL,
		IndexName:        cfg.IndexName,
		ResourceSuffix:   cfg.ResourceSuffix,
		Interval:         cfg.Interval,
		IndexAttempts:    cfg.IndexAttempts,
		IndexRetryDelay:  cfg.IndexRetryDelay,
		FloorLookback:    cfg.FloorLookback,
		FetchConcurrency: cfg.FetchConcurrency,
		Kinds:            kinds,
	}, httpclient.New(hc), nil
}

func engineHooks(logger *slog.Logger) engine.Hooks {
	return engine.Hooks{
		OnAbandoned: func(fctx engine.FragmentContext, attempts int) {
			logger.Warn("fragment abandoned, key not available",
				slog.String("request_id", fctx.RequestID),
				slog.String("kind", fctx.Kind.String()),
				slog.Int("attempts", attempts))
		},
		OnDecrypted: func(fctx engine.FragmentContext, seg *segment.Segment, elapsed time.Duration) {
			logger.Log(context.Background(), observability.LevelTrace, "fragment decrypted",
				slog.String("request_id", fctx.RequestID),
				slog.Int("fragments", len(seg.Fragments)),
				slog.Duration("elapsed", elapsed))
		},
	}
}

// run starts every component and blocks until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	if err := a.engine.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	if err := a.maint.Start(ctx); err != nil {
		return fmt.Errorf("starting maintenance: %w", err)
	}

	a.logger.Info("keysync started",
		slog.String("version", version.Version),
		slog.String("address", a.cfg.Server.Address()),
		slog.Bool("push", a.cfg.Push.Enabled),
		slog.Bool("pull", a.cfg.Pull.Enabled),
		slog.Bool("journal", a.journal != nil))

	if err := a.server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("keysync stopped")
	return nil
}

// close stops components in reverse start order. Nil components are skipped.
func (a *app) close() {
	if a.maint != nil {
		a.maint.Stop()
	}
	if a.engine != nil {
		a.engine.Shutdown()
	}
	if a.journal != nil {
		a.journal.Stop()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}
}
