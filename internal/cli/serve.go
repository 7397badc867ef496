package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/commontrace/commontrace/internal/consolidate"
	"github.com/commontrace/commontrace/internal/llm"
	"github.com/commontrace/commontrace/internal/metrics"
	"github.com/commontrace/commontrace/internal/ratelimit"
	"github.com/commontrace/commontrace/internal/server"
	"github.com/commontrace/commontrace/internal/trust"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveNoScheduler bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  "Start the HTTP API server. The consolidation cycle runs on its interval in the same process unless --no-scheduler is set.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "do not run the consolidation cycle in this process")
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	reg := metrics.NewRegistry()

	buckets, closeBuckets, err := newBucketStore(ctx, rt.cfg.Redis, rt.logger)
	if err != nil {
		return err
	}
	defer closeBuckets()
	limiter := ratelimit.New(buckets, ratelimit.WithMetrics(reg), ratelimit.WithLogger(rt.logger))

	svc := trust.NewService(rt.db, trust.Config{
		ValidationThreshold: rt.cfg.Trust.ValidationThreshold,
		BaseWeight:          rt.cfg.Trust.BaseWeight,
	}, reg, rt.logger)

	if !serveNoScheduler {
		client, err := llm.NewClient(rt.cfg.LLM)
		if err != nil {
			return fmt.Errorf("llm client: %w", err)
		}
		sched := consolidate.New(rt.db, schedulerConfig(rt.cfg),
			consolidate.WithLLM(client),
			consolidate.WithMetrics(reg),
			consolidate.WithLogger(rt.logger.Named("consolidate")),
		)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	srv := server.New(rt.db, server.Options{
		Version:        VersionString(),
		Trust:          svc,
		Limiter:        limiter,
		ReadPerMinute:  rt.cfg.RateLimit.ReadPerMinute,
		WritePerMinute: rt.cfg.RateLimit.WritePerMinute,
		Metrics:        reg,
		Logger:         rt.logger.Named("server"),
	})

	addr := rt.cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("commontrace_serving", zap.String("addr", addr), zap.String("db", rt.dbPath))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}
	rt.logger.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
