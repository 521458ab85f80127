package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DecodeError describes a rejected wire message. It is never fatal to the
// connection that produced it; the bad line is dropped and reported.
type DecodeError struct {
	Reason string // short human-readable cause
	Err    error  // underlying error, if any
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ReasonDecodeError, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ReasonDecodeError, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// dataSchemas holds the JSON Schema for each type's data object. Types
// absent from this map (ping, pong) carry no data.
var dataSchemas = map[Type]string{
	TypeSensorData: `{
		"type": "object",
		"required": ["encoder_left", "encoder_right", "ir_drop", "ir_obstacle", "battery_level", "position"],
		"properties": {
			"encoder_left":  {"type": "integer"},
			"encoder_right": {"type": "integer"},
			"ir_drop":       {"type": "number"},
			"ir_obstacle":   {"type": "number"},
			"battery_level": {"type": "number"},
			"position": {
				"type": "object",
				"required": ["x", "y", "theta"],
				"properties": {
					"x":     {"type": "number"},
					"y":     {"type": "number"},
					"theta": {"type": "number"}
				}
			}
		}
	}`,
	TypeStatusUpdate: `{
		"type": "object",
		"required": ["status"],
		"properties": {
			"status":  {"type": "string", "enum": ["moving", "stopped", "error", "safe_mode"]},
			"message": {"type": "string"}
		}
	}`,
	TypeCommand: `{
		"type": "object",
		"required": ["command_id", "action"],
		"properties": {
			"command_id": {"type": "string", "minLength": 1},
			"action":     {"type": "string", "minLength": 1},
			"parameters": {"type": "object"}
		}
	}`,
	TypeCommandResult: `{
		"type": "object",
		"required": ["command_id", "status"],
		"properties": {
			"command_id": {"type": "string", "minLength": 1},
			"status":     {"type": "string", "enum": ["success", "error"]},
			"message":    {"type": "string"},
			"result":     {"type": "object"}
		}
	}`,
	TypeSafetyWarning: `{
		"type": "object",
		"required": ["warning_type", "message"],
		"properties": {
			"warning_type": {"type": "string", "minLength": 1},
			"message":      {"type": "string"},
			"action_taken": {"type": "string"}
		}
	}`,
	TypeError: `{
		"type": "object",
		"required": ["error_code", "error_message"],
		"properties": {
			"error_code":    {"type": "string", "minLength": 1},
			"error_message": {"type": "string"},
			"severity":      {"type": "string"}
		}
	}`,
	TypeHandshake: `{
		"type": "object",
		"required": ["robot_id"],
		"properties": {
			"robot_id":         {"type": "string", "minLength": 1},
			"firmware_version": {"type": "string"},
			"capabilities":     {"type": "array", "items": {"type": "string"}}
		}
	}`,
	TypeHandshakeAck: `{
		"type": "object",
		"required": ["status", "protocol_version"],
		"properties": {
			"status":             {"type": "string"},
			"protocol_version":   {"type": "string"},
			"server_time":        {"type": "string"},
			"heartbeat_interval": {"type": "integer"}
		}
	}`,
}

// Codec encodes and decodes wire envelopes with per-type schema validation.
// It holds compiled schemas only, never connection state, and is safe for
// concurrent use.
type Codec struct {
	schemas map[Type]*jsonschema.Schema
}

// NewCodec compiles the per-type data schemas. Compilation only fails on a
// broken built-in schema, so callers typically treat an error as fatal.
func NewCodec() (*Codec, error) {
	compiler := jsonschema.NewCompiler()
	for t, src := range dataSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", t, err)
		}
		if err := compiler.AddResource(string(t)+".json", doc); err != nil {
			return nil, fmt.Errorf("add schema resource for %s: %w", t, err)
		}
	}
	schemas := make(map[Type]*jsonschema.Schema, len(dataSchemas))
	for t := range dataSchemas {
		schema, err := compiler.Compile(string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", t, err)
		}
		schemas[t] = schema
	}
	return &Codec{schemas: schemas}, nil
}

// Encode serializes the envelope as one newline-terminated JSON line.
// It refuses unknown types and missing data so that anything the bridge
// puts on the wire would also pass Decode.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("encode: missing type")
	}
	_, needsData := c.schemas[env.Type]
	if !needsData && env.Type != TypePing && env.Type != TypePong {
		return nil, fmt.Errorf("encode: unknown type %q", env.Type)
	}
	if needsData && len(env.Data) == 0 {
		return nil, fmt.Errorf("encode: type %q requires data", env.Type)
	}
	if !needsData && len(env.Data) != 0 {
		return nil, fmt.Errorf("encode: type %q carries no data", env.Type)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return append(raw, '\n'), nil
}

// Decode parses and validates one wire line. All failures are *DecodeError;
// Decode never panics on wire input.
func (c *Codec) Decode(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(bytes.TrimSpace(line), &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed JSON", Err: err}
	}
	if env.Type == "" {
		return Envelope{}, &DecodeError{Reason: "missing type"}
	}
	schema, needsData := c.schemas[env.Type]
	if !needsData {
		if env.Type != TypePing && env.Type != TypePong {
			return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unknown type %q", env.Type)}
		}
		if len(env.Data) != 0 && string(bytes.TrimSpace(env.Data)) != "null" {
			return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unexpected data for type %q", env.Type)}
		}
		return env, nil
	}
	if len(env.Data) == 0 || string(bytes.TrimSpace(env.Data)) == "null" {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("missing data for type %q", env.Type)}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(env.Data))
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed data object", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("invalid data for type %q", env.Type), Err: err}
	}
	return env, nil
}
