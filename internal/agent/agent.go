// Package agent defines the agent configuration that a deployed bundle
// carries: identity, conversational instructions, voice selection, and the
// tools the model may call.
//
// A Definition is immutable once loaded. Re-deploying a bundle produces a
// new Definition; running sessions keep the one they started with.
package agent

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/parleyvoice/parley/pkg/types"
)

// slugPattern restricts slugs to URL-safe lowercase identifiers.
var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ToolSpec declares one agent tool: its contract for the model and its
// handler source for the sandbox.
type ToolSpec struct {
	// Name is the tool name the model calls. Unique within the agent.
	Name string

	// Description tells the model what the tool does.
	Description string

	// JSONSchema is the JSON Schema for the tool's arguments object.
	JSONSchema map[string]any

	// HandlerSource is an opaque JavaScript function expression of shape
	// `async (args, ctx) => any`, compiled only inside the sandbox.
	HandlerSource string
}

// Definition is a fully resolved agent configuration.
type Definition struct {
	// Slug identifies the agent for routing. Empty in single-agent mode.
	Slug string

	// Instructions is the system prompt core: who the agent is and how it
	// should behave.
	Instructions string

	// Greeting is spoken when a session becomes ready. Optional.
	Greeting string

	// Voice selects the TTS voice.
	Voice types.VoiceProfile

	// Prompt is an optional extra prompt section appended after
	// Instructions.
	Prompt string

	// BuiltinToolNames lists platform-provided tools to enable by name.
	BuiltinToolNames []string

	// Tools are the agent's own sandboxed tools.
	Tools []ToolSpec
}

// Validate checks structural soundness: a parseable slug (when set), unique
// tool names, and a handler for every tool. All violations are reported
// together.
func (d *Definition) Validate() error {
	var errs []error

	if d.Slug != "" && !slugPattern.MatchString(d.Slug) {
		errs = append(errs, fmt.Errorf("slug %q must be lowercase alphanumeric with hyphens", d.Slug))
	}
	if d.Instructions == "" {
		errs = append(errs, errors.New("instructions must not be empty"))
	}

	seen := make(map[string]bool, len(d.Tools))
	for i, t := range d.Tools {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("tool[%d]: name must not be empty", i))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("tool %q declared more than once", t.Name))
		}
		seen[t.Name] = true
		if t.HandlerSource == "" {
			errs = append(errs, fmt.Errorf("tool %q has no handler source", t.Name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("agent: invalid definition: %w", errors.Join(errs...))
	}
	return nil
}

// SystemPrompt assembles the system prompt from Instructions and the
// optional Prompt section.
func (d *Definition) SystemPrompt() string {
	if d.Prompt == "" {
		return d.Instructions
	}
	return d.Instructions + "\n\n" + d.Prompt
}

// ToolDefinitions converts the agent's tools into the shape offered to the
// LLM. Builtin tools are resolved separately by the session.
func (d *Definition) ToolDefinitions() []types.ToolDefinition {
	defs := make([]types.ToolDefinition, 0, len(d.Tools))
	for _, t := range d.Tools {
		defs = append(defs, types.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.JSONSchema,
		})
	}
	return defs
}
