package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/solatis/segmentkeeper/internal/core/api"
	"github.com/solatis/segmentkeeper/internal/core/auth"
	"github.com/solatis/segmentkeeper/internal/core/config"
	"github.com/solatis/segmentkeeper/internal/core/db"
	"github.com/solatis/segmentkeeper/internal/core/server"
)

const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC segment API and the ops endpoint",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	serveCmd.Flags().Int("port", 50061, "gRPC server port")
	serveCmd.Flags().String("ops-host", "0.0.0.0", "metrics and health host")
	serveCmd.Flags().Int("ops-port", 9090, "metrics and health port")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := openApp(ctx, cmd, reg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set %s_HMAC_SECRET environment variable)", config.EnvPrefix)
	}

	manager, err := a.manager()
	if err != nil {
		return err
	}

	service, err := api.NewSegmentService(manager, logger.With().Str("component", "api").Logger())
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	authenticator := auth.NewAuthenticator(secrets, a.store, auth.WithPublicMethods(server.HealthMethodPrefix))

	grpcServer, err := server.NewGRPCServer(a.cfg.SegmentAPI, service, authenticator, logger.With().Str("component", "grpc").Logger())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	opsLog := logger.With().Str("component", "ops").Logger()
	ready := func(ctx context.Context) error { return a.conn.PingContext(ctx) }
	opsServer := server.NewOpsServer(a.cfg.Ops, server.NewOpsRouter(reg, ready, opsLog), opsLog)

	logger.Info().
		Str("version", Version).
		Str("addr", a.cfg.SegmentAPI.Addr()).
		Str("ops_addr", a.cfg.Ops.Addr()).
		Str("dialect", db.DialectOf(a.conn).String()).
		Msg("starting segmentkeeper")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error { return opsServer.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return errors.Join(
			grpcServer.Shutdown(shutdownCtx),
			opsServer.Shutdown(shutdownCtx),
		)
	})
	return g.Wait()
}
