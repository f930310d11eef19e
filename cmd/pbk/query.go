package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/playbookd/internal/engine"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/serving"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rule>",
		Short: "Check a candidate rule against session history",
		Long: `Search indexed session history for the rule's keywords and classify
the evidence as ACCEPT, REJECT, AMBIGUOUS or ACCEPT_WITH_CAUTION. The
playbook is not modified.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule := strings.Join(args, " ")
			return a.withEngine(func(eng *engine.Engine) error {
				res, err := eng.Validate(ctx(cmd), rule)
				if err != nil {
					return err
				}
				return a.print(cmd, res, func(w io.Writer) {
					fmt.Fprintf(w, "Verdict: %s (confidence %.2f)\n", res.Verdict, res.Confidence)
					fmt.Fprintf(w, "Evidence: %d success, %d failure\n", res.SuccessCount, res.FailureCount)
					if len(res.Keywords) > 0 {
						fmt.Fprintf(w, "Keywords: %s\n", strings.Join(res.Keywords, ", "))
					}
					if res.RefinedRule != "" {
						fmt.Fprintf(w, "Refined: %s\n", res.RefinedRule)
					}
					if res.Reason != "" {
						fmt.Fprintf(w, "Reason: %s\n", res.Reason)
					}
				})
			})
		},
	}
}

func newContextCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "context <query>",
		Short: "Show the bullets relevant to a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return a.withEngine(func(eng *engine.Engine) error {
				res, err := eng.Context(ctx(cmd), query, limit)
				if err != nil {
					return err
				}
				return a.print(cmd, res, func(w io.Writer) {
					for _, warn := range res.Warnings {
						fmt.Fprintf(w, "warning: %q is deprecated", warn.Match)
						if warn.Replacement != "" {
							fmt.Fprintf(w, ", use %q", warn.Replacement)
						}
						fmt.Fprintln(w)
					}
					if len(res.Bullets) == 0 {
						fmt.Fprintln(w, "No relevant bullets.")
						return
					}
					printRanked(w, res.Bullets)
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum bullets to show")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the playbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				st, err := eng.Stats(ctx(cmd), top)
				if err != nil {
					return err
				}
				return a.print(cmd, st, func(w io.Writer) {
					fmt.Fprintf(w, "Bullets: %d (%d servable, %d pinned)\n", st.Total, st.Servable, st.Pinned)
					fmt.Fprintf(w, "Feedback events: %d\n", st.FeedbackEvents)
					fmt.Fprintf(w, "Maturity: candidate %d, established %d, proven %d, deprecated %d\n",
						st.ByMaturity[playbook.MaturityCandidate],
						st.ByMaturity[playbook.MaturityEstablished],
						st.ByMaturity[playbook.MaturityProven],
						st.ByMaturity[playbook.MaturityDeprecated])
					fmt.Fprintf(w, "Anti-patterns: %d\n", st.ByKind[playbook.KindAntiPattern])
					if len(st.Top) > 0 {
						fmt.Fprintln(w, "\nTop:")
						printRanked(w, st.Top)
					}
					if len(st.AtRisk) > 0 {
						fmt.Fprintln(w, "\nAt risk:")
						printRanked(w, st.AtRisk)
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&top, "top", 5, "bullets to list in the top and at-risk sections")
	return cmd
}

func newIndexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "index <session-file>...",
		Short: "Index session transcripts for evidence search",
		Long: `Chunk, scrub and embed session transcripts into the local history
index used by "pbk validate" and "pbk reflect --gate". Requires an
embedding provider.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				n, err := eng.IndexHistory(ctx(cmd), args)
				if err != nil {
					return err
				}
				return a.print(cmd, map[string]int{"sessions": len(args), "chunks": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Indexed %d chunk(s) from %d session(s)\n", n, len(args))
				})
			})
		},
	}
}

func newLogCmd(a *app) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent feedback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				recs, err := eng.FeedbackLog(ctx(cmd), n)
				if err != nil {
					return err
				}
				return a.print(cmd, recs, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					for _, r := range recs {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
							r.Timestamp.Format("2006-01-02 15:04"), r.Type, r.BulletID, r.Reason, truncate(r.Context, 60))
					}
					_ = tw.Flush()
				})
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of records, 0 for all")
	return cmd
}

func printRanked(w io.Writer, ranked []serving.Ranked) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range ranked {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", r.Bullet.ID, r.Bullet.Maturity, r.Score.EffectiveScore, truncate(r.Bullet.Content, 80))
	}
	_ = tw.Flush()
}
