package agent

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/parleyvoice/parley/pkg/types"
)

// FromWorkerSource evaluates a bundled worker script and captures the agent
// it registers. The script is expected to call the global registerAgent
// exactly once:
//
//	registerAgent({
//	    slug: "concierge",
//	    instructions: "...",
//	    greeting: "...",
//	    voice: "luna",
//	    builtinTools: ["current_time"],
//	    tools: [{name, description, parameters, handler}],
//	})
//
// Tool handlers are captured as source text via their toString form and
// stay opaque until the sandbox compiles them. The evaluation runs in a
// bare interpreter with registerAgent as the only host binding, so a
// worker script cannot reach the host during extraction.
func FromWorkerSource(slug, source string) (*Definition, error) {
	vm := goja.New()

	var def *Definition
	var convErr error

	register := func(call goja.FunctionCall) goja.Value {
		if def != nil {
			convErr = fmt.Errorf("registerAgent called more than once")
			return goja.Undefined()
		}
		if len(call.Arguments) == 0 {
			convErr = fmt.Errorf("registerAgent requires a config object")
			return goja.Undefined()
		}
		d, err := convertConfig(vm, call.Arguments[0].ToObject(vm))
		if err != nil {
			convErr = err
			return goja.Undefined()
		}
		d.Slug = slug
		def = d
		return goja.Undefined()
	}
	if err := vm.Set("registerAgent", register); err != nil {
		return nil, fmt.Errorf("agent: bind registerAgent: %w", err)
	}

	if _, err := vm.RunScript(slug+"/worker.js", source); err != nil {
		return nil, fmt.Errorf("agent: evaluate worker source: %w", err)
	}
	if convErr != nil {
		return nil, fmt.Errorf("agent: %w", convErr)
	}
	if def == nil {
		return nil, fmt.Errorf("agent: worker source never called registerAgent")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// convertConfig maps the registerAgent argument onto a Definition.
func convertConfig(vm *goja.Runtime, cfg *goja.Object) (*Definition, error) {
	d := &Definition{
		Instructions: stringField(cfg, "instructions"),
		Greeting:     stringField(cfg, "greeting"),
		Prompt:       stringField(cfg, "prompt"),
	}

	if v := cfg.Get("voice"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		if obj, ok := v.(*goja.Object); ok {
			d.Voice = types.VoiceProfile{
				ID:       stringField(obj, "id"),
				Name:     stringField(obj, "name"),
				Provider: stringField(obj, "provider"),
			}
		} else {
			d.Voice = types.VoiceProfile{ID: v.String()}
		}
	}

	if v := cfg.Get("builtinTools"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		arr := v.ToObject(vm)
		for _, key := range arr.Keys() {
			d.BuiltinToolNames = append(d.BuiltinToolNames, arr.Get(key).String())
		}
	}

	if v := cfg.Get("tools"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		arr := v.ToObject(vm)
		for _, key := range arr.Keys() {
			toolObj, ok := arr.Get(key).(*goja.Object)
			if !ok {
				return nil, fmt.Errorf("tools[%s] is not an object", key)
			}
			spec, err := convertTool(toolObj)
			if err != nil {
				return nil, err
			}
			d.Tools = append(d.Tools, spec)
		}
	}

	return d, nil
}

// convertTool maps one tools[] entry onto a ToolSpec, capturing the handler
// function as source text.
func convertTool(toolObj *goja.Object) (ToolSpec, error) {
	spec := ToolSpec{
		Name:        stringField(toolObj, "name"),
		Description: stringField(toolObj, "description"),
	}

	if v := toolObj.Get("parameters"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		if params, ok := v.Export().(map[string]any); ok {
			spec.JSONSchema = params
		} else {
			return ToolSpec{}, fmt.Errorf("tool %q: parameters is not an object", spec.Name)
		}
	}

	h := toolObj.Get("handler")
	if h == nil || goja.IsUndefined(h) || goja.IsNull(h) {
		return ToolSpec{}, fmt.Errorf("tool %q: handler is missing", spec.Name)
	}
	if _, ok := goja.AssertFunction(h); !ok {
		return ToolSpec{}, fmt.Errorf("tool %q: handler is not a function", spec.Name)
	}
	// Function.prototype.toString preserves the original source text.
	spec.HandlerSource = h.String()

	return spec, nil
}

func stringField(obj *goja.Object, key string) string {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
