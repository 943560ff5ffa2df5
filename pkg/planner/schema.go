package planner

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// planSchema constrains the shape of the model's plan document before
// any graph checks run.
const planSchema = `{
	"type": "object",
	"required": ["steps"],
	"properties": {
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "type", "description"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"type": {
						"type": "string",
						"enum": ["research", "code_write", "code_execute", "browse", "review"]
					},
					"description": {"type": "string", "minLength": 1},
					"depends_on": {
						"type": "array",
						"items": {"type": "string"}
					},
					"input": {"type": "object"}
				}
			}
		}
	}
}`

var compiledSchema = gojsonschema.NewStringLoader(planSchema)

// validateSchema checks the raw plan JSON against the schema and
// returns a readable reason on failure.
func validateSchema(raw []byte) error {
	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("not a JSON object: %w", err)
	}
	if result.Valid() {
		return nil
	}
	reasons := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		reasons = append(reasons, e.String())
	}
	return fmt.Errorf("%s", strings.Join(reasons, "; "))
}
