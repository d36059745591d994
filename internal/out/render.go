package out

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"reflect"
	"sort"
	"strings"

	"github.com/ggonzalez94/rewards-compounder/internal/execution"
	"github.com/ggonzalez94/rewards-compounder/internal/execution/planner"
	"github.com/ggonzalez94/rewards-compounder/internal/model"
	"github.com/olekukonko/tablewriter"
)

// Render writes env as indented JSON, or as plain text when mode is "plain".
func Render(w io.Writer, env model.Envelope, mode string) error {
	if mode != "plain" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	}

	if env.Error != nil {
		_, err := fmt.Fprintf(w, "error: %s (%s, code %d)\n", env.Error.Message, env.Error.Type, env.Error.Code)
		return err
	}
	if err := renderData(w, env.Data); err != nil {
		return err
	}
	for _, warning := range env.Warnings {
		if _, err := fmt.Fprintf(w, "warning: %s\n", warning); err != nil {
			return err
		}
	}
	return nil
}

func renderData(w io.Writer, data any) error {
	switch t := data.(type) {
	case planner.PlanResult:
		return renderPlan(w, t)
	case model.RunResult:
		return renderRun(w, t)
	case []execution.Step:
		return StepTable(w, t)
	default:
		return renderPlain(w, data)
	}
}

func renderPlan(w io.Writer, result planner.PlanResult) error {
	if result.Plan != nil {
		if _, err := fmt.Fprintf(w, "target=%s direct=%s expected_total=%s cache_hit=%t\n",
			result.Plan.TargetMarketID, bigString(result.Plan.DirectTarget), bigString(result.Plan.ExpectedTotal), result.CacheHit); err != nil {
			return err
		}
	}
	if len(result.Fees) == 0 {
		_, err := fmt.Fprintln(w, "no conversions required")
		return err
	}
	return FeeTable(w, result.Fees)
}

func renderRun(w io.Writer, result model.RunResult) error {
	if _, err := fmt.Fprintf(w, "run=%s mode=%s status=%s total=%s\n", result.RunID, result.Mode, result.Status, result.Total); err != nil {
		return err
	}
	if steps, ok := result.Steps.([]execution.Step); ok && len(steps) > 0 {
		if err := StepTable(w, steps); err != nil {
			return err
		}
	}
	if deposits, ok := result.Deposits.([]execution.DepositResult); ok {
		for _, d := range deposits {
			if _, err := fmt.Fprintf(w, "deposited %s into %s (%s)\n", bigString(d.Amount), d.Pool.Hex(), d.MarketID); err != nil {
				return err
			}
		}
	}
	return nil
}

// StepTable renders a run's steps in execution order.
func StepTable(w io.Writer, steps []execution.Step) error {
	table := tablewriter.NewWriter(w)
	table.Header("#", "Step", "Status", "Fee", "Details")
	for i, step := range steps {
		details := step.Details
		if step.TxRef != "" {
			details = strings.TrimSpace(details + " " + step.TxRef)
		}
		if err := table.Append(fmt.Sprintf("%d", i+1), step.Label, string(step.Status), step.Fee, details); err != nil {
			return err
		}
	}
	return table.Render()
}

// FeeTable renders the chosen venue and fee of every conversion.
func FeeTable(w io.Writer, fees []planner.FeeDisclosure) error {
	table := tablewriter.NewWriter(w)
	table.Header("Conversion", "Token", "Venue", "Amount", "Fee", "Fee %", "Expected")
	for _, fee := range fees {
		if err := table.Append(
			string(fee.Kind),
			fee.Symbol,
			fee.MarketID,
			bigString(fee.Amount),
			bigString(fee.Fee),
			fee.FeePercent.StringFixed(2)+"%",
			bigString(fee.ExpectedOut),
		); err != nil {
			return err
		}
	}
	return table.Render()
}

// ProgressLine formats one step transition for a live progress feed.
func ProgressLine(ev execution.StepEvent) string {
	step := ev.Step
	line := fmt.Sprintf("[%d] %-11s %s", ev.Index+1, step.Status, step.Label)
	switch {
	case step.Status == execution.StepStatusError && step.Details != "":
		line += ": " + step.Details
	case step.TxRef != "":
		line += " " + step.TxRef
	}
	return line
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func renderPlain(w io.Writer, data any) error {
	v := reflect.ValueOf(data)
	if !v.IsValid() {
		_, err := fmt.Fprintln(w, "null")
		return err
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			line, err := toLine(normalizeValue(v.Index(i).Interface()))
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		if v.Len() == 0 {
			_, err := fmt.Fprintln(w, "[]")
			return err
		}
		return nil
	default:
		line, err := toLine(normalizeValue(data))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, line)
		return err
	}
}

func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

func toLine(v any) (string, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, t[k]))
		}
		return strings.Join(parts, " "), nil
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}
}
