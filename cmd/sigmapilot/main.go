package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fzheng/sigmapilot/internal/bus"
	"github.com/fzheng/sigmapilot/internal/config"
	"github.com/fzheng/sigmapilot/internal/db"
	"github.com/fzheng/sigmapilot/internal/decide"
	"github.com/fzheng/sigmapilot/internal/httpx"
	"github.com/fzheng/sigmapilot/internal/logging"
	"github.com/fzheng/sigmapilot/internal/metrics"
	"github.com/fzheng/sigmapilot/internal/sage"
	"github.com/fzheng/sigmapilot/internal/scout"
	"github.com/fzheng/sigmapilot/internal/stream"
	"github.com/fzheng/sigmapilot/internal/venue"
)

const (
	appName = "sigmapilot"
	version = "v0.3.0"
)

func main() {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:     appName,
		Short:   "Collective-intelligence signal platform over Hyperliquid",
		Version: version,
		Long: `SigmaPilot observes the venue's most consistent traders, rebuilds their
position episodes from the public fill stream, and trades only when an
independence-weighted supermajority of the alpha pool agrees.

Each subcommand runs one service of the pipeline; all of them share the
same Postgres schema and JetStream subjects.`,
		SilenceUsage: true,
	}

	root.AddCommand(scoutCmd(), streamCmd(), sageCmd(), decideCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime is the shared wiring every service command needs: parsed config,
// a logger, the DB pool, the JetStream bus, metrics, and the HTTP server.
type runtime struct {
	cfg    *config.Config
	log    zerolog.Logger
	pool   *sqlx.DB
	bus    *bus.JetStreamBus
	reg    *metrics.Registry
	server *httpx.Server
}

func newRuntime(ctx context.Context, service string) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logging.New(service)

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	b, err := bus.ConnectJetStream(cfg.NATSURL)
	if err != nil {
		pool.Close()
		return nil, err
	}

	reg := metrics.New(service)
	return &runtime{
		cfg:    cfg,
		log:    log,
		pool:   pool,
		bus:    b,
		reg:    reg,
		server: httpx.New(service, cfg.HTTPAddr, cfg.OwnerToken, reg),
	}, nil
}

func (rt *runtime) close(ctx context.Context) {
	rt.bus.Close(ctx)
	rt.pool.Close()
}

// signalContext cancels on SIGINT/SIGTERM so every loop drains cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serve runs the HTTP server beside the service loop and tears both down
// on the first error or signal.
func serve(ctx context.Context, rt *runtime, run func(context.Context) error) error {
	defer rt.close(context.Background())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.server.Run(ctx) })
	g.Go(func() error { return run(ctx) })

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		rt.log.Error().Err(err).Msg("service stopped")
	}
	return err
}

// hyperliquidAdapter pulls the concrete HL adapter out of the factory for
// the info-surface methods the Adapter interface does not carry.
func hyperliquidAdapter(factory *venue.Factory) (*venue.HyperliquidAdapter, error) {
	adapter, err := factory.Adapter(venue.Hyperliquid)
	if err != nil {
		return nil, err
	}
	hl, ok := adapter.(*venue.HyperliquidAdapter)
	if !ok {
		return nil, fmt.Errorf("unexpected hyperliquid adapter type %T", adapter)
	}
	return hl, nil
}

func newFactory(cfg *config.Config) *venue.Factory {
	return venue.NewFactory(venue.Credentials{
		HyperliquidKey: cfg.Venues.HyperliquidKey,
		AsterKey:       cfg.Venues.AsterKey,
		AsterSecret:    cfg.Venues.AsterSecret,
		BybitKey:       cfg.Venues.BybitKey,
		BybitSecret:    cfg.Venues.BybitSecret,
	}, cfg.Venues.RateLimitRPS)
}

func scoutCmd() *cobra.Command {
	var periodDays int
	cmd := &cobra.Command{
		Use:   "scout",
		Short: "Daily candidate discovery and scoring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, "scout")
			if err != nil {
				return err
			}
			hl, err := hyperliquidAdapter(newFactory(rt.cfg))
			if err != nil {
				return err
			}

			repo := scout.NewRepo(rt.pool)
			refresher := scout.NewRefresher(hl, scout.NewScorer(scout.DefaultScorerConfig()), repo, rt.bus, rt.reg, rt.log)
			scout.NewHandlers(refresher, repo).Mount(rt.server)

			rt.log.Info().Int("period_days", periodDays).Msg("scout starting")
			return serve(ctx, rt, func(ctx context.Context) error {
				refresher.RunDaily(ctx, periodDays)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&periodDays, "period-days", 30, "leaderboard lookback window in days")
	return cmd
}

func streamCmd() *cobra.Command {
	var wsURL string
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Fill ingestion, chain validation, and fan-out",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, "stream")
			if err != nil {
				return err
			}
			hl, err := hyperliquidAdapter(newFactory(rt.cfg))
			if err != nil {
				return err
			}

			repo := stream.NewRepo(rt.pool)
			svc := stream.NewService(ctx, repo, hl, venue.DialUserFeed, wsURL, rt.bus, rt.reg, rt.log)
			svc.Handlers().Mount(rt.server)

			rt.log.Info().Msg("stream starting")
			return serve(ctx, rt, svc.Run)
		},
	}
	cmd.Flags().StringVar(&wsURL, "ws-url", "", "override the venue websocket endpoint")
	return cmd
}

func sageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sage",
		Short: "Posterior maintenance and alpha-pool selection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, "sage")
			if err != nil {
				return err
			}

			repo := sage.NewRepo(rt.pool)
			svc := sage.NewService(repo, rt.cfg.Pool, rt.cfg.Vote, rt.bus, rt.reg, rt.log)
			sage.NewHandlers(svc).Mount(rt.server)

			rt.log.Info().Int("pool_size", rt.cfg.Pool.PoolSize).Int("select_k", rt.cfg.Pool.SelectK).Msg("sage starting")
			return serve(ctx, rt, svc.Run)
		},
	}
}

func decideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decide",
		Short: "Consensus gates, risk governance, sizing, and execution",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, "decide")
			if err != nil {
				return err
			}
			factory := newFactory(rt.cfg)
			hl, err := hyperliquidAdapter(factory)
			if err != nil {
				return err
			}
			if addr := os.Getenv("HYPERLIQUID_ACCOUNT_ADDRESS"); addr != "" {
				hl.SetAccount(addr)
			}

			repo := decide.NewRepo(rt.pool)
			costs := venue.NewCostProvider(factory, rt.cfg.RedisURL)
			svc := decide.NewService(repo, factory, costs, decide.NewVenueAccount(hl), hl, rt.cfg, rt.bus, rt.reg, rt.log)
			svc.Handlers().Mount(rt.server)

			rt.log.Info().
				Bool("real_execution", rt.cfg.Execution.RealExecutionEnabled).
				Str("exchange", rt.cfg.Execution.Exchange).
				Msg("decide starting")
			return serve(ctx, rt, svc.Run)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pool, err := db.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			return db.Migrate(ctx, pool)
		},
	}
}
