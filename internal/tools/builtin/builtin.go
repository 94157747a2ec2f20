// Package builtin provides the platform's built-in tools. Agents opt in by
// listing tool names in their builtinToolNames; unlike agent tools these
// run natively, not in the sandbox.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parleyvoice/parley/pkg/types"
)

// Tool is one built-in tool: its contract for the model plus a native
// executor. Execute mirrors the sandbox convention of folding every failure
// into the result string.
type Tool struct {
	Definition types.ToolDefinition
	Execute    func(ctx context.Context, args map[string]any) string
}

// Registry resolves built-in tools by name.
type Registry struct {
	tools map[string]Tool
	now   func() time.Time
}

// Option is a functional option for Registry.
type Option func(*Registry)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds a registry with all built-in tools registered.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools: make(map[string]Tool),
		now:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.register(r.currentTime())
	r.register(sleepCalculator())
	return r
}

func (r *Registry) register(t Tool) {
	r.tools[t.Definition.Name] = t
}

// Lookup returns the named tool, reporting whether it exists.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Resolve maps a list of builtin tool names to their tools. Unknown names
// produce an error listing every missing tool.
func (r *Registry) Resolve(names []string) ([]Tool, error) {
	var tools []Tool
	var missing []string
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		tools = append(tools, t)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("builtin: unknown tools %v", missing)
	}
	return tools, nil
}

// ─── current_time ─────────────────────────────────────────────────────────────

func (r *Registry) currentTime() Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "current_time",
			Description: "Get the current date and time, optionally in a specific IANA timezone.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA timezone name, e.g. America/New_York. Defaults to UTC.",
					},
				},
			},
		},
		Execute: func(_ context.Context, args map[string]any) string {
			loc := time.UTC
			if tz, ok := args["timezone"].(string); ok && tz != "" {
				parsed, err := time.LoadLocation(tz)
				if err != nil {
					return fmt.Sprintf("Error: unknown timezone %q", tz)
				}
				loc = parsed
			}
			return r.now().In(loc).Format("Monday, January 2, 2006 15:04 MST")
		},
	}
}

// ─── sleep_calculator ─────────────────────────────────────────────────────────

const (
	cycleMinutes      = 90
	fallAsleepMinutes = 15
	minCycles         = 1
	maxCycles         = 8
)

// sleepResult is the JSON shape returned by sleep_calculator.
type sleepResult struct {
	Bedtime    string  `json:"bedtime"`
	SleepHours float64 `json:"sleep_hours"`
	Cycles     int     `json:"cycles"`
}

func sleepCalculator() Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "sleep_calculator",
			Description: "Compute the bedtime for a desired wake-up time and number of 90-minute sleep cycles.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"wake_hour":   map[string]any{"type": "integer", "description": "Wake hour, 0-23."},
					"wake_minute": map[string]any{"type": "integer", "description": "Wake minute, 0-59."},
					"cycles":      map[string]any{"type": "integer", "description": "Desired sleep cycles, 1-8. Defaults to 5."},
				},
				"required": []any{"wake_hour", "wake_minute"},
			},
		},
		Execute: func(_ context.Context, args map[string]any) string {
			wakeHour, ok := intArg(args, "wake_hour")
			if !ok || wakeHour < 0 || wakeHour > 23 {
				return "Error: wake_hour must be an integer between 0 and 23"
			}
			wakeMinute, ok := intArg(args, "wake_minute")
			if !ok || wakeMinute < 0 || wakeMinute > 59 {
				return "Error: wake_minute must be an integer between 0 and 59"
			}
			cycles := 5
			if c, ok := intArg(args, "cycles"); ok {
				cycles = c
			}
			result := calculateBedtime(wakeHour, wakeMinute, cycles)
			data, _ := json.Marshal(result)
			return string(data)
		},
	}
}

// calculateBedtime works backwards from the wake time: cycles of 90 minutes
// plus a 15-minute fall-asleep allowance, wrapping across midnight.
func calculateBedtime(wakeHour, wakeMinute, cycles int) sleepResult {
	if cycles < minCycles {
		cycles = minCycles
	}
	if cycles > maxCycles {
		cycles = maxCycles
	}

	totalMinutes := cycles*cycleMinutes + fallAsleepMinutes
	wake := wakeHour*60 + wakeMinute
	bed := wake - totalMinutes
	for bed < 0 {
		bed += 24 * 60
	}

	return sleepResult{
		Bedtime:    fmt.Sprintf("%02d:%02d", bed/60, bed%60),
		SleepHours: float64(cycles) * float64(cycleMinutes) / 60,
		Cycles:     cycles,
	}
}

// intArg reads a numeric argument that JSON decoding may have produced as
// float64.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
