package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loom-iac/loom/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "graph [dir]",
		Args:  dirArgs,
		Short: "Print the dependency graph in DOT format",
		Long: `Graph renders the resource dependency graph as Graphviz DOT,
grouping resources by execution level. Pipe the output to dot:

  loom graph | dot -Tsvg -o graph.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			dot, err := dotFor(rt)
			if err != nil {
				return err
			}

			if outPath != "" {
				if err := os.WriteFile(outPath, []byte(dot), 0o644); err != nil {
					return fmt.Errorf("failed to write graph file: %w", err)
				}
				return nil
			}

			fmt.Print(dot)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "write DOT output to a file instead of stdout")
	return cmd
}

func dotFor(rt *runtime) (string, error) {
	return engine.NewDAGBuilder(rt.graph).ToDOT()
}
