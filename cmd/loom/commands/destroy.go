package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loom-iac/loom/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy [dir]",
		Args:  dirArgs,
		Short: "Destroy every resource recorded in state",
		Long: `Destroy plans against an empty configuration, so every resource in
the state store is scheduled for destruction. Resources are destroyed in
reverse creation order, consumers before their producers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			// An empty graph marks every state entry as orphaned.
			empty, err := engine.BuildGraph(nil)
			if err != nil {
				return err
			}

			plan, err := rt.plan(ctx, empty)
			if err != nil {
				return err
			}

			if !plan.HasChanges() {
				fmt.Println("No resources in state. Nothing to destroy.")
				return nil
			}

			renderPlan(os.Stdout, plan)
			if !autoApprove {
				ok, err := confirm("\nDo you really want to destroy all recorded resources?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Destroy cancelled.")
					return nil
				}
			}
			fmt.Println()

			result, err := rt.executor().Apply(ctx, plan, empty)
			if err != nil {
				return err
			}

			renderApplyResult(os.Stdout, result)
			if !result.Succeeded() {
				return fmt.Errorf("destroy finished with %d failed action(s)", result.Summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the interactive confirmation prompt")
	return cmd
}
