package dispatch

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// toolSchemas declares the required-argument shape for each tool named in
// spec.md §6, compiled once at New() and checked before a handler ever
// runs. Validation only enforces presence/type of required fields; enum
// constraints are left to the handlers themselves.
var toolSchemas = map[string]string{
	"engage_planner":         `{"type":"object","required":["task_description"],"properties":{"task_description":{"type":"string"}}}`,
	"lookup_context":         `{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`,
	"dispatch_to_builder":    `{"type":"object","required":["plan_file"],"properties":{"plan_file":{"type":"string"}}}`,
	"add_to_memory":          `{"type":"object","required":["content"],"properties":{"content":{"type":"string"}}}`,
	"cancel_task":            `{"type":"object","required":["task_id"],"properties":{"task_id":{"type":"string"}}}`,
	"update_working_prompt":  `{"type":"object","required":["title","intent"],"properties":{"title":{"type":"string"},"intent":{"type":"string"}}}`,
	"quick_dispatch":         `{"type":"object","required":["command"],"properties":{"operation":{"type":"string"},"command":{"type":"string"}}}`,
	"get_builder_plan":       `{"type":"object","required":["task_id"],"properties":{"task_id":{"type":"string"}}}`,
	"approve_builder_plan":   `{"type":"object","required":["task_id"],"properties":{"task_id":{"type":"string"}}}`,
}

// compiledSchemas holds one compiled *jsonschema.Schema per tool name that
// declares a schema in toolSchemas.
type compiledSchemas map[string]*jsonschema.Schema

// compileToolSchemas compiles every entry in toolSchemas once at startup.
// A malformed schema here is a programming error, not a runtime condition,
// so it panics rather than degrading validation silently.
func compileToolSchemas() compiledSchemas {
	out := make(compiledSchemas, len(toolSchemas))
	for name, raw := range toolSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("dispatch: invalid embedded schema for %q: %v", name, err))
		}
		c := jsonschema.NewCompiler()
		resource := name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			panic(fmt.Sprintf("dispatch: add schema resource for %q: %v", name, err))
		}
		schema, err := c.Compile(resource)
		if err != nil {
			panic(fmt.Sprintf("dispatch: compile schema for %q: %v", name, err))
		}
		out[name] = schema
	}
	return out
}

// validateArgs checks args against the tool's declared schema, if any.
// Tools with no declared schema (optional-only argument sets) pass
// unconditionally.
func (d *Dispatcher) validateArgs(name string, args map[string]any) error {
	schema, ok := d.schemas[name]
	if !ok {
		return nil
	}
	return schema.Validate(args)
}
