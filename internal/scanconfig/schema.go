package scanconfig

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// remoteSchema describes v1.6.config.json.
const remoteSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["DailySummariesConfig", "triggerThresholdWeightedDuration"],
  "properties": {
    "triggerThresholdWeightedDuration": {"type": "integer", "minimum": 0},
    "DailySummariesConfig": {
      "type": "object",
      "required": [
        "attenuationDurationThresholds",
        "attenuationBucketWeights",
        "reportTypeWeights",
        "reportTypeWhenMissing",
        "infectiousnessWeights",
        "infectiousnessWhenDaysSinceOnsetMissing",
        "daysSinceOnsetToInfectiousness"
      ],
      "properties": {
        "attenuationDurationThresholds": {
          "type": "array", "minItems": 3, "maxItems": 3,
          "items": {"type": "integer", "minimum": 0, "maximum": 255}
        },
        "attenuationBucketWeights": {
          "type": "array", "minItems": 4, "maxItems": 4,
          "items": {"type": "number", "minimum": 0, "maximum": 2.5}
        },
        "reportTypeWeights": {
          "type": "array", "minItems": 4, "maxItems": 4,
          "items": {"type": "number", "minimum": 0, "maximum": 2.5}
        },
        "reportTypeWhenMissing": {"type": "integer", "minimum": 0, "maximum": 5},
        "infectiousnessWeights": {
          "type": "array", "minItems": 2, "maxItems": 2,
          "items": {"type": "number", "minimum": 0, "maximum": 2.5}
        },
        "infectiousnessWhenDaysSinceOnsetMissing": {"type": "integer", "minimum": 0, "maximum": 2},
        "daysSinceOnsetToInfectiousness": {
          "type": "array",
          "items": {
            "type": "array", "minItems": 2, "maxItems": 2,
            "items": [
              {"type": "integer", "minimum": -14, "maximum": 14},
              {"type": "integer", "minimum": 0, "maximum": 2}
            ]
          }
        }
      }
    }
  }
}`

var compiledSchema = mustCompile(remoteSchema)

func mustCompile(src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("v1.6.config.schema.json", bytes.NewReader([]byte(src))); err != nil {
		panic(fmt.Sprintf("add schema: %v", err))
	}
	return compiler.MustCompile("v1.6.config.schema.json")
}

// Validate checks a raw remote configuration document.
func Validate(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}
