package cli

import (
	"github.com/commontrace/commontrace/internal/engine"
	"github.com/commontrace/commontrace/internal/metrics"
	"github.com/spf13/cobra"
)

var embedWorkerOnce bool

var embedWorkerCmd = &cobra.Command{
	Use:   "embed-worker",
	Short: "Claim and embed traces that have no vector yet",
	Long: "Run the embedding worker. Several workers may run against the same database; " +
		"each claims a disjoint batch. With --once a single batch is processed and the command exits.",
	RunE: runEmbedWorker,
}

func init() {
	embedWorkerCmd.Flags().BoolVar(&embedWorkerOnce, "once", false, "process one batch and exit")
}

func runEmbedWorker(cmd *cobra.Command, args []string) error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	embedder, err := newEmbedder(ctx, rt.cfg.Embedding, rt.db)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	if addr := rt.cfg.Embedding.MetricsAddr; addr != "" && !embedWorkerOnce {
		_, shutdown, err := serveMetrics(addr, reg, rt.logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	q := engine.NewClaimQueue(rt.db, embedder, queueConfig(rt.cfg.Embedding), reg, rt.logger.Named("embed"))
	defer q.Close()

	if embedWorkerOnce {
		if _, err := q.DetectDrift(ctx); err != nil {
			return err
		}
		_, err := q.ClaimAndEmbed(ctx, rt.cfg.Embedding.BatchSize)
		return err
	}
	q.Run(ctx)
	return nil
}
