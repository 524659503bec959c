package cmd

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/solatis/segmentkeeper/internal/core/auth"
	"github.com/solatis/segmentkeeper/internal/core/config"
	"github.com/solatis/segmentkeeper/internal/core/db"
	"github.com/solatis/segmentkeeper/internal/core/metrics"
	"github.com/solatis/segmentkeeper/internal/core/segments"
	"github.com/solatis/segmentkeeper/internal/rules"
)

var (
	_ segments.AudienceStore = (*db.Store)(nil)
	_ segments.SchemaSource  = (*db.Store)(nil)
	_ rules.DonorStore       = (*db.Store)(nil)
	_ auth.KeyStore          = (*db.Store)(nil)
)

// app holds the database-backed components shared by commands.
type app struct {
	cfg     *config.Config
	conn    *sqlx.DB
	store   *db.Store
	metrics *metrics.Metrics
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp loads config and opens the database. With requireSchema set it
// refuses to run against a database with pending migrations.
func openApp(ctx context.Context, cmd *cobra.Command, reg prometheus.Registerer, requireSchema bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if requireSchema {
		if err := checkMigrations(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
	}

	queries, err := db.LoadQueries(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to load queries: %w", err)
	}

	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &app{
		cfg:     cfg,
		conn:    conn,
		store:   db.NewStore(queries),
		metrics: metrics.New(reg),
	}, nil
}

func checkMigrations(ctx context.Context, conn *sqlx.DB) error {
	statuses, err := db.MigrateStatus(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			return fmt.Errorf("migration %s not applied - run 'segmentkeeper migrate' first", s.ID)
		}
	}
	return nil
}

func (a *app) Close() error {
	return a.conn.Close()
}

// manager wires the evaluator and lifecycle manager to the SQL store.
func (a *app) manager() (*segments.Manager, error) {
	loc, err := a.cfg.Segments.Location()
	if err != nil {
		return nil, err
	}
	evaluator := rules.NewEvaluator(a.store,
		rules.WithLocationResolver(a.store),
		rules.WithDefaultLocation(loc),
		rules.WithObserver(a.metrics),
	)

	opts := []segments.Option{
		segments.WithLogger(logger.With().Str("component", "segments").Logger()),
		segments.WithRefreshObserver(a.metrics),
		segments.WithMaxListLimit(a.cfg.Segments.MaxListLimit),
		segments.WithRefreshConcurrency(a.cfg.Segments.RefreshConcurrency),
	}
	if a.cfg.Segments.SingleFlightRefresh {
		opts = append(opts, segments.WithSingleFlight())
	}
	return segments.NewManager(a.store, a.store, evaluator, opts...), nil
}
