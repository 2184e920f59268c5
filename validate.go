package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator enforces the wire schema beyond the bare type-field dispatch
// codec.go already performs. Modeled as a constructor argument rather
// than the original's global function swap (validate_msg/enable_validation
// in server.py) per spec.md §9's redesign note.
type Validator interface {
	// ValidateServerCommand checks a raw inbound JSON message against the
	// server command schema (run/signal/stdin). Returns a descriptive
	// error if validation fails.
	ValidateServerCommand(raw []byte) error
}

// noopValidator is the default: accept anything codec.go's own dispatch
// already tolerates. Matches the original's validate_msg, which simply
// returns the message unchanged.
type noopValidator struct{}

func (noopValidator) ValidateServerCommand(raw []byte) error { return nil }

// serverCommandsSchema is a transliteration of schema.py's SERVER_COMMANDS
// JSON Schema document (run_command / signal_command / stdin_command).
const serverCommandsSchema = `{
  "$id": "https://aiy.google.com/cwc/server-commands.json",
  "definitions": {
    "run_command": {
      "type": "object",
      "properties": {
        "type": { "type": "string", "enum": ["run"] },
        "args": {
          "description": "Command line arguments.",
          "type": "array",
          "items": { "type": "string" }
        },
        "chunk_size": {
          "description": "Read buffer size.",
          "type": "number",
          "minimum": 0
        },
        "stdout": { "type": "string", "enum": ["null", "pipe"] },
        "stderr": { "type": "string", "enum": ["null", "pipe", "stdout"] },
        "files": { "type": "object" },
        "env": { "type": "object" }
      },
      "required": ["type"]
    },
    "signal_command": {
      "type": "object",
      "properties": {
        "type": { "type": "string", "enum": ["signal"] },
        "signum": {
          "description": "http://man7.org/linux/man-pages/man7/signal.7.html",
          "type": "number",
          "minimum": 1,
          "maximum": 32
        }
      },
      "required": ["type", "signum"]
    },
    "stdin_command": {
      "type": "object",
      "properties": {
        "type": { "type": "string", "enum": ["stdin"] },
        "data": { "type": "string" }
      },
      "required": ["type", "data"]
    }
  },
  "allOf": [
    {
      "properties": {
        "type": {
          "description": "Command type.",
          "type": "string",
          "enum": ["run", "signal", "stdin"]
        }
      },
      "required": ["type"]
    },
    {
      "anyOf": [
        { "$ref": "#/definitions/run_command" },
        { "$ref": "#/definitions/signal_command" },
        { "$ref": "#/definitions/stdin_command" }
      ]
    }
  ]
}`

// schemaValidator enforces the full JSON Schema above, enabled by the
// --validate flag (spec.md §6), equivalent to the original's
// enable_validation() importing jsonschema and validating against
// schema.SERVER_COMMANDS.
type schemaValidator struct {
	schema *jsonschema.Schema
}

// newSchemaValidator compiles the embedded schema document. Failure here
// is a programmer error (the schema is a compile-time constant), not a
// runtime condition, so it is returned rather than panicking only to let
// main() report it cleanly.
func newSchemaValidator() (*schemaValidator, error) {
	compiler := jsonschema.NewCompiler()

	var doc any
	if err := json.Unmarshal([]byte(serverCommandsSchema), &doc); err != nil {
		return nil, fmt.Errorf("parse embedded schema: %w", err)
	}
	const resourceName = "server-commands.json"
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &schemaValidator{schema: schema}, nil
}

func (v *schemaValidator) ValidateServerCommand(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("validate: not valid JSON: %w", err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}
