package ingress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/failure"
)

const eventSchemaURL = "https://scribe.local/schemas/event.json"

// eventSchemaJSON — схема события pipeline.
// Событие должно нести либо run_id, либо input с координатами объекта.
const eventSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "event_type", "step", "correlation_id"],
  "properties": {
    "version":          {"type": "string", "minLength": 1},
    "event_type":       {"type": "string", "pattern": "^[a-z0-9_-]+\\.[a-z_]+$"},
    "run_id":           {"type": "string"},
    "step":             {"type": "string", "minLength": 1},
    "input":            {"type": "object"},
    "artifacts":        {"type": "object"},
    "correlation_id":   {"type": "string"},
    "simulate_failure": {"type": "string"},
    "attempt":          {"type": "integer", "minimum": 0},
    "retryable":        {"type": "boolean"},
    "exhausted":        {"type": "boolean"},
    "error":            {"type": "string"},
    "ts":               {"type": "string"}
  },
  "anyOf": [
    {"required": ["run_id"], "properties": {"run_id": {"minLength": 1}}},
    {"required": ["input"], "properties": {"input": {"required": ["bucket", "name"]}}}
  ]
}`

// eventSchema компилируется один раз при инициализации пакета.
var eventSchema = mustCompileEventSchema()

func mustCompileEventSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("unmarshal event schema: %v", err))
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(eventSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("add event schema: %v", err))
	}

	schema, err := c.Compile(eventSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("compile event schema: %v", err))
	}
	return schema
}

// ValidateEvent проверяет JSON события по схеме.
func ValidateEvent(data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: event: %v", failure.ErrMalformed, err)
	}
	if err := eventSchema.Validate(inst); err != nil {
		return fmt.Errorf("%w: event: %v", failure.ErrValidation, err)
	}
	return nil
}

// DecodeEvent проверяет и декодирует событие.
func DecodeEvent(data []byte) (*domain.Event, error) {
	if err := ValidateEvent(data); err != nil {
		return nil, err
	}

	var evt domain.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: event: %v", failure.ErrMalformed, err)
	}
	return &evt, nil
}
