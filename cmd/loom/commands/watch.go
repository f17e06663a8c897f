package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/loom-iac/loom/pkg/config"
	"github.com/loom-iac/loom/pkg/engine"
	"github.com/loom-iac/loom/pkg/stores"
	"github.com/loom-iac/loom/pkg/telemetry"
)

// watchDebounce coalesces bursts of filesystem events (editors often write
// a file several times in quick succession) into a single re-plan.
const watchDebounce = 500 * time.Millisecond

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [dir]",
		Args:  dirArgs,
		Short: "Re-plan whenever the configuration changes",
		Long: `Watch monitors the configuration directory and prints a fresh plan
summary every time an .hcl file changes. It never applies anything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()

			if err := watcher.Add(configDir); err != nil {
				return fmt.Errorf("failed to watch %s: %w", configDir, err)
			}

			logger := rt.logger.NewComponentLogger("watch")
			logger.Infof("watching %s for configuration changes", configDir)

			replanAndRender(ctx, rt.store, rt.logger, rt.graph)

			var (
				debounce *time.Timer
				fire     <-chan time.Time
			)
			for {
				select {
				case <-ctx.Done():
					return nil

				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if filepath.Ext(event.Name) != ".hcl" {
						continue
					}
					if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
						!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
						continue
					}
					logger.WithField("file", filepath.Base(event.Name)).Debug("configuration changed")
					if debounce == nil {
						debounce = time.NewTimer(watchDebounce)
						fire = debounce.C
					} else {
						debounce.Reset(watchDebounce)
					}

				case <-fire:
					debounce = nil
					fire = nil
					cfg, err := config.NewLoader().LoadDir(configDir)
					if err != nil {
						fmt.Fprintf(os.Stderr, "configuration error: %s\n", err)
						continue
					}
					graph, err := engine.BuildGraph(cfg.Resources)
					if err != nil {
						fmt.Fprintf(os.Stderr, "configuration error: %s\n", err)
						continue
					}
					replanAndRender(ctx, rt.store, rt.logger, graph)

				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					logger.WithError(err).Warn("watch error")
				}
			}
		},
	}
}

func replanAndRender(ctx context.Context, store stores.Store, logger *telemetry.Logger, graph *engine.Graph) {
	snapshot, err := store.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load state: %s\n", err)
		return
	}
	plan, err := engine.NewPlanner(logger, nil).Plan(ctx, graph, snapshot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan error: %s\n", err)
		return
	}
	fmt.Printf("[%s] ", time.Now().Format("15:04:05"))
	if !plan.HasChanges() {
		fmt.Println("no changes")
		return
	}
	fmt.Println(plan.Summary)
}
