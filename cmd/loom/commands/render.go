package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/loom-iac/loom/pkg/engine"
)

// timeRounding trims per-action durations to a readable precision.
const timeRounding = time.Millisecond

// renderPlan writes a human-readable description of the plan.
func renderPlan(w io.Writer, plan *engine.Plan) {
	if !plan.HasChanges() {
		fmt.Fprintln(w, "No changes. Declared resources match the recorded state.")
		return
	}

	fmt.Fprintln(w, "Loom computed the following actions:")
	fmt.Fprintln(w)
	for _, action := range plan.Actions {
		if action.Type == engine.ActionNoOp {
			continue
		}
		fmt.Fprintf(w, "  %s %s\n", action.Type.Symbol(), action.Address)
		renderArgs(w, action)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Plan: %s\n", plan.Summary)
}

func renderArgs(w io.Writer, action *engine.Action) {
	if action.Type == engine.ActionDestroy {
		return
	}

	pending := make(map[string]bool, len(action.Unresolved))
	names := make([]string, 0, len(action.Args)+len(action.Unresolved))
	for name := range action.Args {
		names = append(names, name)
	}
	for _, name := range action.Unresolved {
		pending[name] = true
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if pending[name] {
			fmt.Fprintf(w, "      %-20s = (known after apply)\n", name)
			continue
		}
		fmt.Fprintf(w, "      %-20s = %s\n", name, formatValue(action.Args[name]))
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool:
		return fmt.Sprintf("%t", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// renderApplyResult summarizes the outcome of an apply run.
func renderApplyResult(w io.Writer, result *engine.ApplyResult) {
	for _, r := range result.Results {
		switch r.Status {
		case engine.StatusSucceeded:
			fmt.Fprintf(w, "  %s: %s complete (%s)\n", r.Address, r.Type, r.Duration.Round(timeRounding))
		case engine.StatusFailed:
			fmt.Fprintf(w, "  %s: %s failed after %d attempt(s): %s\n", r.Address, r.Type, r.Attempts, r.Error)
		case engine.StatusAborted:
			fmt.Fprintf(w, "  %s: aborted (%s)\n", r.Address, r.Error)
		}
	}
	fmt.Fprintln(w)
	if result.StateError != "" {
		fmt.Fprintf(w, "State write failed, apply halted: %s\n", result.StateError)
	}
	fmt.Fprintf(w, "Apply complete: %d succeeded, %d failed, %d aborted, %d unchanged.\n",
		result.Summary.Succeeded, result.Summary.Failed, result.Summary.Aborted, result.Summary.Skipped)
}

// savePlan writes the plan to a file as JSON so a later apply can execute
// exactly these actions.
func savePlan(plan *engine.Plan, path string) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	return nil
}

// loadPlan reads a saved plan and reattaches each action to its declared
// resource. Destroy actions have no declaration; every other action must
// still exist in the current configuration.
func loadPlan(path string, graph *engine.Graph) (*engine.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	var plan engine.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan file: %w", err)
	}

	for _, action := range plan.Actions {
		if action.Type == engine.ActionDestroy {
			continue
		}
		res := graph.Resource(action.Address)
		if res == nil {
			return nil, fmt.Errorf("plan file references %s, which is no longer declared; run plan again", action.Address)
		}
		action.Resource = res
	}

	return &plan, nil
}

// confirm prompts on stdin and accepts only an exact "yes".
func confirm(prompt string) (bool, error) {
	fmt.Printf("%s\n  Only 'yes' will be accepted: ", prompt)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(answer) == "yes", nil
}
