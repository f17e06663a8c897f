package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loom-iac/loom/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		planPath    string
		autoApprove bool
		parallelism int
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply [dir]",
		Args:  dirArgs,
		Short: "Execute the actions required to match the declared configuration",
		Long: `Apply computes a plan (or loads one saved with plan --out) and
executes its actions in dependency order. State is written after every
action, so an interrupted apply can be resumed by planning again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if cmd.Flags().Changed("parallelism") {
				rt.settings.Parallelism = parallelism
			}
			if cmd.Flags().Changed("timeout") {
				rt.settings.ActionTimeout = timeout.String()
			}

			var plan *engine.Plan
			if planPath != "" {
				plan, err = loadPlan(planPath, rt.graph)
			} else {
				plan, err = rt.plan(ctx, rt.graph)
			}
			if err != nil {
				return err
			}

			if !plan.HasChanges() {
				fmt.Println("No changes. Declared resources match the recorded state.")
				return nil
			}

			renderPlan(os.Stdout, plan)
			if !autoApprove {
				ok, err := confirm("\nDo you want to perform these actions?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Apply cancelled.")
					return nil
				}
			}
			fmt.Println()

			result, err := rt.executor().Apply(ctx, plan, rt.graph)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				renderApplyResult(os.Stdout, result)
			}

			if !result.Succeeded() {
				return fmt.Errorf("apply finished with %d failed action(s)", result.Summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "execute a plan saved with plan --out")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the interactive confirmation prompt")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max concurrent actions (overrides settings)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-action timeout (overrides settings)")
	return cmd
}
