package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/playbookd/internal/curation"
	"github.com/fyrsmithlabs/playbookd/internal/engine"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
)

func newInitCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an empty playbook",
		Long: `Create the playbook directory and an empty playbook file. Running it
again on an existing playbook changes nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				created, err := eng.Init(ctx(cmd), name)
				if err != nil {
					return err
				}
				return a.print(cmd, map[string]any{"path": eng.StorePath(), "created": created}, func(w io.Writer) {
					if created {
						fmt.Fprintf(w, "Initialized playbook at %s\n", eng.StorePath())
					} else {
						fmt.Fprintf(w, "Playbook already exists at %s\n", eng.StorePath())
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "default", "playbook name")
	return cmd
}

func newReflectCmd(a *app) *cobra.Command {
	var gate, dryRun bool
	cmd := &cobra.Command{
		Use:   "reflect <session-file>",
		Short: "Extract and curate rules from a session transcript",
		Long: `Run the reflection loop over a session transcript ("-" reads stdin),
optionally gate proposed rules against session history, and apply the
resulting deltas to the playbook.

Examples:
  pbk reflect ~/.sessions/2026-07-15.jsonl
  pbk reflect --gate --dry-run session.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			diary, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			session := args[0]
			if session == "-" {
				session = ""
			}
			return a.withEngine(func(eng *engine.Engine) error {
				res, err := eng.Reflect(ctx(cmd), engine.ReflectRequest{
					Diary:       string(diary),
					SessionPath: session,
					Gate:        gate,
					DryRun:      dryRun,
				})
				if err != nil {
					return err
				}
				return a.print(cmd, res, func(w io.Writer) {
					fmt.Fprintf(w, "Reflection: %d iteration(s), stopped on %s, %d delta(s) proposed\n",
						res.Iterations, res.StopReason, res.Proposed)
					for _, g := range res.Gate {
						state := "kept"
						if g.Dropped {
							state = "dropped"
						}
						fmt.Fprintf(w, "  gate %-20s %-7s %s\n", g.Result.Verdict, state, g.Content)
					}
					printCuration(w, res.Curation, dryRun)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&gate, "gate", false, "validate proposed rules against session history")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would change without writing")
	return cmd
}

func newCurateCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "curate <deltas.json>",
		Short: "Apply a JSON array of deltas",
		Long: `Apply a JSON array of tagged deltas ("type": add, helpful, harmful,
replace, deprecate, merge). Entries that cannot be decoded are reported
and skipped; "-" reads stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			deltas, bad, err := playbook.DecodeDeltas(data)
			if err != nil {
				return err
			}
			for _, b := range bad {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipping %v\n", b)
			}
			return a.withEngine(func(eng *engine.Engine) error {
				res, err := eng.Curate(ctx(cmd), deltas, dryRun)
				if err != nil {
					return err
				}
				return a.print(cmd, res, func(w io.Writer) { printCuration(w, res, dryRun) })
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would change without writing")
	return cmd
}

func newMarkCmd(a *app) *cobra.Command {
	var (
		helpful, harmful bool
		req              engine.MarkRequest
		reason           string
	)
	cmd := &cobra.Command{
		Use:   "mark <bullet-id> --helpful|--harmful",
		Short: "Record feedback on a bullet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case helpful == harmful:
				return errors.New("exactly one of --helpful or --harmful is required")
			case helpful:
				req.Type = playbook.FeedbackHelpful
			default:
				req.Type = playbook.FeedbackHarmful
				req.Reason = playbook.HarmfulReason(reason)
			}
			req.BulletID = args[0]
			return a.withEngine(func(eng *engine.Engine) error {
				res, err := eng.Mark(ctx(cmd), req)
				if err != nil {
					return err
				}
				return a.print(cmd, res, func(w io.Writer) {
					fmt.Fprintf(w, "Recorded %s feedback on %s\n", req.Type, req.BulletID)
					printCuration(w, res, false)
				})
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&helpful, "helpful", false, "the bullet helped")
	f.BoolVar(&harmful, "harmful", false, "the bullet hurt")
	f.StringVar(&reason, "reason", "", "harmful reason: caused_bug, wasted_time, contradicted_requirements, wrong_context, outdated, other")
	f.StringVar(&req.Context, "context", "", "what happened")
	f.StringVar(&req.SessionPath, "session", "", "session the feedback comes from")
	return cmd
}

func newForgetCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "forget <bullet-id>",
		Short: "Deprecate a bullet and block its content from coming back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				b, err := eng.Forget(ctx(cmd), args[0], reason)
				if err != nil {
					return err
				}
				return a.print(cmd, b, func(w io.Writer) {
					fmt.Fprintf(w, "Forgot %s: %s\n", b.ID, b.Content)
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the bullet is forgotten")
	return cmd
}

func newInvertCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "invert <bullet-id>",
		Short: "Turn a rule into an anti-pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				r, err := eng.Invert(ctx(cmd), args[0], reason)
				if err != nil {
					return err
				}
				return a.print(cmd, r, func(w io.Writer) {
					fmt.Fprintf(w, "Inverted %s into anti-pattern %s\n", r.OriginalID, r.AntiPatternID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the rule is harmful")
	return cmd
}

func printCuration(w io.Writer, res *curation.Result, dryRun bool) {
	if res == nil {
		return
	}
	prefix := ""
	if dryRun {
		prefix = "(dry run) "
	}
	fmt.Fprintf(w, "%sApplied %d, skipped %d\n", prefix, res.Applied, res.Skipped)
	for _, c := range res.Conflicts {
		if c.Resolution == curation.ResolutionSkippedDuplicate {
			fmt.Fprintf(w, "  near-duplicate of %s (%.2f), skipped: %s\n", c.ExistingID, c.Similarity, truncate(c.Content, 60))
			continue
		}
		fmt.Fprintf(w, "  conflict %s vs %s (%.2f)\n", c.BulletID, c.ExistingID, c.Similarity)
	}
	for _, p := range res.Promotions {
		fmt.Fprintf(w, "  %s: %s -> %s\n", p.BulletID, p.From, p.To)
	}
	for _, inv := range res.Inversions {
		fmt.Fprintf(w, "  inverted %s -> %s\n", inv.OriginalID, inv.AntiPatternID)
	}
	for _, p := range res.Pruned {
		fmt.Fprintf(w, "  pruned %s: %s\n", p.BulletID, p.Reason)
	}
	if len(res.DecisionLog) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, d := range res.DecisionLog {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", d.Phase, d.Action, d.BulletID, d.Reason)
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
