package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	var (
		outPath string
		dotPath string
	)

	cmd := &cobra.Command{
		Use:   "plan [dir]",
		Args:  dirArgs,
		Short: "Show actions required to match the declared configuration",
		Long: `Plan diffs the declared resources against the recorded state and
prints the create, update and destroy actions an apply would execute.
The plan can be saved with --out and executed later with apply --plan.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			plan, err := rt.plan(ctx, rt.graph)
			if err != nil {
				return err
			}

			if dotPath != "" {
				dot, err := dotFor(rt)
				if err != nil {
					return err
				}
				if err := os.WriteFile(dotPath, []byte(dot), 0o644); err != nil {
					return fmt.Errorf("failed to write graph file: %w", err)
				}
			}

			if outPath != "" {
				if err := savePlan(plan, outPath); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Saved plan to %s\n", outPath)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}

			renderPlan(os.Stdout, plan)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "write the plan to a file for a later apply")
	cmd.Flags().StringVar(&dotPath, "dot", "", "write the dependency graph in DOT format to a file")
	return cmd
}
