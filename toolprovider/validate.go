package toolprovider

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateArgs compiles schema (a JSON Schema document) and validates args
// against it. Compilation errors and validation failures are both reported
// as plain errors; callers that need a structured tool error wrap this with
// toolerr.NewWithCause.
func ValidateArgs(schema json.RawMessage, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return fmt.Errorf("toolprovider: invalid input_schema: %w", err)
	}
	const resourceName = "tool-input-schema.json"
	if err := compiler.AddResource(resourceName, schemaDoc); err != nil {
		return fmt.Errorf("toolprovider: compile input_schema: %w", err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("toolprovider: compile input_schema: %w", err)
	}
	var argsDoc any
	if err := json.Unmarshal(args, &argsDoc); err != nil {
		return fmt.Errorf("toolprovider: arguments are not valid JSON: %w", err)
	}
	if err := compiled.Validate(argsDoc); err != nil {
		return fmt.Errorf("toolprovider: arguments do not satisfy input_schema: %w", err)
	}
	return nil
}
