package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hotelprice/internal/adapters/observability"
	"hotelprice/internal/adapters/rakuten"
	redisad "hotelprice/internal/adapters/redis"
	"hotelprice/internal/app"
	"hotelprice/internal/domain"
	"hotelprice/internal/shared"
	mysqlrepo "hotelprice/internal/storage/mysql"
	"hotelprice/internal/venue"
)

// Exit codes.
const (
	exitCompleted       = 0
	exitPartiallyFailed = 2
	exitSetup           = 3
)

// setupError marks failures that happen before any unit runs.
type setupError struct{ err error }

func (e setupError) Error() string { return e.err.Error() }
func (e setupError) Unwrap() error { return e.err }

func setup(format string, args ...any) error { return setupError{fmt.Errorf(format, args...)} }

func main() {
	os.Exit(run())
}

func run() int {
	var code int
	root := newRootCmd(&code)
	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("ingestor failed")
		var se setupError
		if errors.As(err, &se) {
			return exitSetup
		}
		return 1
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	var (
		area   string
		dates  string
		nights int
	)
	root := &cobra.Command{
		Use:           "ingestor",
		Short:         "Collect hotel prices around the venue for a set of stay dates",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, area, dates, nights)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, err := collect(ctx, cfg)
			if err != nil {
				return err
			}
			if r.State == domain.RunPartiallyFailed {
				*code = exitPartiallyFailed
			}
			return nil
		},
	}
	root.Flags().StringVar(&area, "area", "", "area code large:middle:small (default from AREA)")
	root.Flags().StringVar(&dates, "dates", "", "comma-separated stay dates YYYY-MM-DD (default: event and baseline windows)")
	root.Flags().IntVar(&nights, "nights", 0, "nights per stay (default from NIGHTS)")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, "", "", 0)
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := mysqlrepo.Migrate(db); err != nil {
				return setup("migrate: %w", err)
			}
			return nil
		},
	})
	return root
}

func loadConfig(cmd *cobra.Command, area, dates string, nights int) (shared.Config, error) {
	var o shared.Overrides
	if cmd.Flags().Changed("area") {
		o.Area = &area
	}
	if cmd.Flags().Changed("nights") {
		o.Nights = &nights
	}
	if cmd.Flags().Changed("dates") {
		o.StayDates = &dates
	}
	cfg, err := shared.LoadWith(o)
	if err != nil {
		return cfg, setup("config: %w", err)
	}

	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)
	return cfg, nil
}

func openDB(ctx context.Context, cfg shared.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, setup("sql.Open: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, setup("%w: %v", domain.ErrStoreUnavailable, err)
	}
	log.Info().Msg("db ping ok")
	return db, nil
}

func collect(ctx context.Context, cfg shared.Config) (*domain.Run, error) {
	area, err := domain.ParseArea(cfg.Area)
	if err != nil {
		return nil, setup("%w", err)
	}
	ref := venue.TokyoGameShow2026
	dates := cfg.StayDates
	if len(dates) == 0 {
		dates = ref.StayDates()
	}

	log.Info().
		Str("area", area.String()).
		Str("source", cfg.SourceKind).
		Int("dates", len(dates)).
		Dur("min_delay", cfg.MinDelay).
		Msg("ingestor starting")

	observability.Serve(cfg.MetricsAddr)

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if err := mysqlrepo.Migrate(db); err != nil {
		return nil, setup("migrate: %w", err)
	}
	repo := mysqlrepo.New(db)

	client, err := rakuten.New(rakuten.Options{
		Kind:        cfg.SourceKind,
		BaseURL:     cfg.SourceBaseURL,
		AppID:       cfg.SourceAppID,
		UserAgent:   cfg.UserAgent,
		MinDelay:    cfg.MinDelay,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		MaxThrottle: cfg.MaxThrottle,
		Timeout:     cfg.RequestTimeout,
	})
	if err != nil {
		return nil, setup("fetch client: %w", err)
	}

	var cache domain.Cache
	if cfg.RedisAddr != "" {
		rc := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			// cache is only invalidated from here; the run does not need it
			log.Warn().Err(err).Msg("redis unreachable; skipping cache invalidation")
		} else {
			cache = rc
		}
	}

	c := app.NewCollector(client, rakuten.NewParser(), repo, cache, ref, cfg.UnitTimeout)
	r, err := c.Run(ctx, app.RunPlan{Area: area, StayDates: dates, Nights: cfg.Nights})
	if err != nil {
		return nil, setup("%w", err)
	}
	return r, nil
}
