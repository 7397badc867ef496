package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/commontrace/commontrace/internal/trust"
	"github.com/spf13/cobra"
)

var reputationCmd = &cobra.Command{
	Use:   "reputation <contributor-id>",
	Short: "Show a contributor's reputation by domain",
	Args:  cobra.ExactArgs(1),
	RunE:  runReputation,
}

func runReputation(cmd *cobra.Command, args []string) error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := trust.NewService(rt.db, trust.Config{
		ValidationThreshold: rt.cfg.Trust.ValidationThreshold,
		BaseWeight:          rt.cfg.Trust.BaseWeight,
	}, nil, rt.logger)

	rep, err := svc.Reputation(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  reputation %.4f\n\n", rep.ContributorID, rep.Score)
	if len(rep.Domains) == 0 {
		fmt.Fprintln(out, "no domain votes yet")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tUP\tDOWN\tWILSON")
	for _, d := range rep.Domains {
		fmt.Fprintf(w, "%s\t%d\t%d\t%.4f\n", d.DomainTag, d.UpvoteCount, d.DownvoteCount, d.WilsonScore)
	}
	return w.Flush()
}
