package cli

import (
	"encoding/json"
	"fmt"

	"github.com/commontrace/commontrace/internal/consolidate"
	"github.com/commontrace/commontrace/internal/llm"
	"github.com/spf13/cobra"
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run one consolidation cycle now",
	Long:  "Run one consolidation cycle and print its stats. The cycle is skipped if one completed within the configured interval.",
	RunE:  runConsolidate,
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	client, err := llm.NewClient(rt.cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}
	sched := consolidate.New(rt.db, schedulerConfig(rt.cfg),
		consolidate.WithLLM(client),
		consolidate.WithLogger(rt.logger),
	)

	res, err := sched.RunCycle(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if res.Skipped {
		fmt.Fprintln(out, "skipped: a cycle completed within the interval")
		return nil
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"run_id": res.Run.ID,
		"status": res.Run.Status,
		"tier":   res.Tier,
		"stats":  res.Stats,
	})
}
