package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// entrySchema describes a single catalog entry. Severity values are checked
// separately so the case-insensitive mapping stays in one place.
const entrySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "audit_command", "severity"],
  "properties": {
    "id":              {"type": "string", "minLength": 1},
    "name":            {"type": "string", "minLength": 1},
    "description":     {"type": ["string", "null"]},
    "audit_command":   {"type": "string", "minLength": 1},
    "severity":        {"type": "string", "minLength": 1},
    "remediation":     {"type": ["string", "null"]},
    "expected_output": {"type": ["string", "null"]}
  }
}`

var compiledEntrySchema = mustCompileSchema(entrySchema)

func mustCompileSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("catalog: compile entry schema: %v", err))
	}
	return schema
}

// validateEntry checks raw against the entry schema and returns a single
// error describing every violation, or nil.
func validateEntry(raw []byte) error {
	result, err := compiledEntrySchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validate entry: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}
