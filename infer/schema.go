package infer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// jsonType maps a field type to its JSON Schema type.
func jsonType(t string) string {
	switch t {
	case "number":
		return "number"
	case "boolean":
		return "boolean"
	default:
		// text, image, url, date and anything unknown arrive as strings.
		return "string"
	}
}

// compileSchema builds a JSON Schema accepting one extracted record:
// every requested field present, correctly typed or null.
func compileSchema(fields []Field) (*jsonschema.Schema, error) {
	props := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		props[f.Name] = map[string]any{
			"type": []string{jsonType(f.Type), "null"},
		}
		required = append(required, f.Name)
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("infer: marshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("record.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("infer: add schema resource: %w", err)
	}
	schema, err := c.Compile("record.json")
	if err != nil {
		return nil, fmt.Errorf("infer: compile schema: %w", err)
	}
	return schema, nil
}

// validateRecord parses raw JSON and checks it against the field schema.
func validateRecord(raw string, fields []Field) (map[string]any, error) {
	schema, err := compileSchema(fields)
	if err != nil {
		return nil, err
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("parse reply: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("validate reply: %w", err)
	}

	record, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("reply is not an object")
	}
	return record, nil
}
