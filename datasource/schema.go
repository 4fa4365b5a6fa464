package datasource

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Normation/rudder-plugin-datasources/errors"
)

// wireSchemaJSON is the JSON Schema for the persisted descriptor layout.
// Structural rules (positive timeouts, reserved ids, variant coherence)
// live in Validate; the schema only pins shapes and enums.
const wireSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "id", "description", "enabled", "updateTimeout", "runParameters", "type"],
  "properties": {
    "name": {"type": "string"},
    "id": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "enabled": {"type": "boolean"},
    "updateTimeout": {"type": "integer", "minimum": 0},
    "runParameters": {
      "type": "object",
      "required": ["onGeneration", "onNewNode", "schedule"],
      "properties": {
        "onGeneration": {"type": "boolean"},
        "onNewNode": {"type": "boolean"},
        "schedule": {
          "type": "object",
          "required": ["type", "duration"],
          "properties": {
            "type": {"enum": ["scheduled", "notscheduled"]},
            "duration": {"type": "integer", "minimum": 0}
          }
        }
      }
    },
    "type": {
      "type": "object",
      "required": ["name", "parameters"],
      "properties": {
        "name": {"enum": ["HTTP"]},
        "parameters": {
          "type": "object",
          "required": ["url", "path", "requestMethod", "checkSsl", "requestTimeout", "requestMode"],
          "properties": {
            "url": {"type": "string"},
            "path": {"type": "string"},
            "requestMethod": {"enum": ["GET", "POST"]},
            "checkSsl": {"type": "boolean"},
            "requestTimeout": {"type": "integer", "minimum": 0},
            "headers": {"$ref": "#/definitions/pairs"},
            "params": {"$ref": "#/definitions/pairs"},
            "requestMode": {
              "type": "object",
              "required": ["name"],
              "properties": {
                "name": {"enum": ["byNode", "allNodes"]},
                "path": {"type": "string"},
                "attribute": {"type": "string"}
              }
            },
            "onMissing": {
              "type": "object",
              "required": ["name"],
              "properties": {
                "name": {"enum": ["delete", "noChange", "defaultValue"]}
              }
            }
          }
        }
      }
    }
  },
  "definitions": {
    "pairs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "value"],
        "properties": {
          "name": {"type": "string"},
          "value": {"type": "string"}
        }
      }
    }
  }
}`

var wireSchema = gojsonschema.NewStringLoader(wireSchemaJSON)

func validateWire(data []byte) error {
	result, err := gojsonschema.Validate(wireSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("descriptor is not valid JSON: %w", err), "DataSource", "Deserialize", "validate schema")
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return errors.WrapInvalid(
		fmt.Errorf("descriptor does not match schema: %s", strings.Join(problems, "; ")),
		"DataSource", "Deserialize", "validate schema")
}
