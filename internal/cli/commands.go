package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clawinfra/evovariant/internal/engine"
	"github.com/clawinfra/evovariant/internal/types"
	"github.com/clawinfra/evovariant/internal/variants"
)

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp opens the engine for the duration of fn.
func (o *options) withApp(cmd *cobra.Command, fn func(*App) error) error {
	app, err := OpenApp(cmd.Context(), o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			o.logger.Error("close failed", "error", err)
		}
	}()
	return fn(app)
}

func newInitCmd(o *options) *cobra.Command {
	var (
		agent string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and a default variant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(o.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", o.configPath)
			}
			if err := o.cfg.Save(o.configPath); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			v := types.Variant{
				ID:          types.DefaultVariantID,
				Agent:       agent,
				Description: "Baseline configuration",
				ModelTier:   "standard",
				Temperature: 0.7,
			}
			path, err := variants.WriteFile(o.cfg.Variants.Dir, v)
			if err != nil {
				return err
			}
			printf(cmd, "wrote %s\nwrote %s\n", o.configPath, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "coder", "agent to create a default variant for")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func newSelectCmd(o *options) *cobra.Command {
	var (
		agent string
		files []string
	)
	cmd := &cobra.Command{
		Use:   "select <request text>",
		Short: "Classify a request and select a variant",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(app *App) error {
				sel := app.Engine.SelectVariant(cmd.Context(), agent, strings.Join(args, " "), files)
				return writeJSON(cmd, sel)
			})
		},
	}
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "agent name")
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "file path involved in the request (repeatable)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newRecordCmd(o *options) *cobra.Command {
	var (
		agent, taskType, variant, complexity string
		outcome                              types.Outcome
		fileCount                            int
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record the outcome of one attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(app *App) error {
				res, err := app.Engine.RecordOutcome(cmd.Context(), agent, taskType, variant, outcome,
					engine.WithComplexity(types.ParseComplexity(complexity)),
					engine.WithFileCount(fileCount))
				if err != nil {
					return err
				}
				return writeJSON(cmd, res)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&agent, "agent", "a", "", "agent name")
	f.StringVarP(&taskType, "task-type", "t", "", "task type")
	f.StringVarP(&variant, "variant", "v", "", "variant id")
	f.BoolVar(&outcome.Success, "success", false, "the attempt succeeded")
	f.Float64Var(&outcome.QualityScore, "quality", 0, "quality score in [0,1]")
	f.Float64Var(&outcome.DurationSeconds, "duration", 0, "duration in seconds")
	f.Uint32Var(&outcome.ErrorCount, "errors", 0, "number of errors")
	f.StringVar(&complexity, "complexity", "medium", "complexity tier: low, medium or high")
	f.IntVar(&fileCount, "files", 0, "number of files involved")
	for _, name := range []string{"agent", "task-type", "variant"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newSafetyCmd(o *options) *cobra.Command {
	var agent, taskType, variant string
	cmd := &cobra.Command{
		Use:   "safety",
		Short: "Show safety decisions for one key or all learned keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(app *App) error {
				if variant != "" {
					if agent == "" || taskType == "" {
						return errors.New("--agent and --task-type are required with --variant")
					}
					return writeJSON(cmd, app.Engine.GetSafetyDecision(agent, taskType, variant))
				}
				decisions, err := app.Engine.SafetySweep(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tDECISION\tQ\tN\tDEGRADED")
				for _, d := range decisions {
					if agent != "" && d.Key.Agent != agent {
						continue
					}
					if taskType != "" && d.Key.TaskType != taskType {
						continue
					}
					fmt.Fprintf(tw, "%s\t%s\t%.3f\t%d\t%v\n", d.Key, d.Decision, d.QValue, d.NVisits, d.Degraded)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "agent name")
	cmd.Flags().StringVarP(&taskType, "task-type", "t", "", "task type")
	cmd.Flags().StringVarP(&variant, "variant", "v", "", "variant id")
	return cmd
}

func newProposeCmd(o *options) *cobra.Command {
	var minSamples uint64
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Analyze statistics and write variant proposals for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(app *App) error {
				proposals, err := app.Engine.ProposeVariants(cmd.Context(), minSamples)
				if err != nil {
					return err
				}
				if len(proposals) == 0 {
					printf(cmd, "no new proposals\n")
					return nil
				}
				for _, p := range proposals {
					printf(cmd, "%s  %-28s %s/%s %s (confidence %.2f)\n  %s\n",
						p.ID, p.Type, p.Agent, p.TaskType, p.VariantID, p.Confidence, p.Reasoning)
				}
				printf(cmd, "%d proposals written to %s\n", len(proposals), app.Engine.Proposals().Dir())
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&minSamples, "min-samples", 0, "samples a key needs before it is analyzed (0 uses the configured default)")
	return cmd
}

func newRollbackCmd(o *options) *cobra.Command {
	var agent, taskType, from, reason string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll an (agent, task type) back from a variant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(app *App) error {
				ev, ok := app.Engine.Rollback(cmd.Context(), agent, taskType, from, reason)
				if !ok {
					return fmt.Errorf("no rollback target other than %s", from)
				}
				return writeJSON(cmd, ev)
			})
		},
	}
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "agent name")
	cmd.Flags().StringVarP(&taskType, "task-type", "t", "", "task type")
	cmd.Flags().StringVar(&from, "from", "", "variant to roll back from")
	cmd.Flags().StringVar(&reason, "reason", "manual rollback", "reason recorded in the audit log")
	for _, name := range []string{"agent", "task-type", "from"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newCompactCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Snapshot the learning state and archive the active log segment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(app *App) error {
				snap, err := app.Engine.Compact()
				if err != nil {
					return err
				}
				printf(cmd, "snapshot %s: policy %s, %d entries, through segment %d\n",
					snap.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), snap.Policy, len(snap.State.Entries), snap.Segment)
				return nil
			})
		},
	}
}

func newSeedCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed sparse task types from similar ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(app *App) error {
				n, err := app.Engine.SeedTransfer(cmd.Context())
				if err != nil {
					return err
				}
				printf(cmd, "%d keys seeded\n", n)
				return nil
			})
		},
	}
}

func newReplayCmd(o *options) *cobra.Command {
	var (
		policyName string
		compact    bool
		raw        bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the learning state from the reward log and print it",
		Long: `Rebuild the learning state from the snapshot and reward log. With --policy
the full history is replayed under another policy, which is how a policy
switch is validated before it is configured. --raw lists the logged samples,
archived segments included.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if policyName != "" {
				o.cfg.Learning.Policy = policyName
				if err := o.cfg.Validate(); err != nil {
					return err
				}
			}
			return o.withApp(cmd, func(app *App) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				if raw {
					samples, err := app.Engine.History()
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "KEY\tKIND\tSEQ\tREWARD\tTIMESTAMP\n")
					for _, s := range samples {
						fmt.Fprintf(tw, "%s\t%s\t%d\t%.4f\t%s\n", s.Key, s.Kind, s.Seq, s.Reward, s.Timestamp.Format("2006-01-02 15:04:05"))
					}
				} else {
					fmt.Fprintf(tw, "KEY\tQ\tN\tLAST UPDATED\n")
					for _, e := range app.Engine.Keys() {
						fmt.Fprintf(tw, "%s\t%.4f\t%d\t%s\n", e.Key, e.Q, e.N, e.LastUpdated.Format("2006-01-02 15:04:05"))
					}
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if compact {
					snap, err := app.Engine.Compact()
					if err != nil {
						return err
					}
					printf(cmd, "snapshot written for policy %s\n", snap.Policy)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&policyName, "policy", "", "policy to replay under: qlearning, ucb1, thompson or linucb")
	cmd.Flags().BoolVar(&compact, "compact", false, "write a snapshot after replay")
	cmd.Flags().BoolVar(&raw, "raw", false, "list the logged samples instead of the learned entries")
	return cmd
}

func newValidateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config and every variant file",
		RunE: func(cmd *cobra.Command, args []string) error {
			vs, invalid, err := variants.LoadDir(cmd.Context(), o.cfg.Variants.Dir, o.logger)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("variant dir %s does not exist (run init)", o.cfg.Variants.Dir)
				}
				return err
			}
			repo := variants.NewRepository(nil, o.logger)
			for _, v := range vs {
				if err := repo.Save(v); err != nil {
					invalid = append(invalid, err)
				}
			}
			for _, e := range invalid {
				printf(cmd, "invalid: %v\n", e)
			}
			if err := repo.CheckDefaults(); err != nil {
				return err
			}
			printf(cmd, "config ok: policy %s, %d agents, %d variants, %d invalid files\n",
				o.cfg.Learning.Policy, len(repo.Agents()), len(vs), len(invalid))
			if len(invalid) > 0 {
				return fmt.Errorf("%d invalid variant files", len(invalid))
			}
			return nil
		},
	}
}
