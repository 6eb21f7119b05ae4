package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/taskmesh/pkg/schema"
)

// submissionSchemaJSON is the JSON Schema for inbound task submissions.
// Embedded as a constant to avoid filesystem dependencies.
const submissionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://taskmesh.dev/schemas/submission.json",
  "type": "object",
  "required": ["description"],
  "properties": {
    "description": {
      "type": "string",
      "minLength": 1,
      "maxLength": 8192
    },
    "template_name": {
      "type": "string",
      "maxLength": 256
    },
    "payload": {
      "type": "object"
    },
    "risk_override": {
      "type": "string",
      "enum": ["low", "medium", "high"]
    }
  },
  "additionalProperties": false
}`

// JSONSchemaValidator validates task submissions and agent capability
// parameters using JSON Schema Draft 2020-12. Safe for concurrent use.
type JSONSchemaValidator struct {
	submissionSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the submission schema
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(submissionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal submission schema: %w", err)
	}
	if err := c.AddResource("https://taskmesh.dev/schemas/submission.json", doc); err != nil {
		return nil, fmt.Errorf("add submission schema resource: %w", err)
	}

	compiled, err := c.Compile("https://taskmesh.dev/schemas/submission.json")
	if err != nil {
		return nil, fmt.Errorf("compile submission schema: %w", err)
	}

	return &JSONSchemaValidator{
		submissionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateSubmission validates an inbound task submission before any workflow
// is created for it.
func (v *JSONSchemaValidator) ValidateSubmission(sub *schema.TaskSubmission) error {
	if sub == nil {
		return schema.NewError(schema.ErrCodeValidation, "submission is nil")
	}

	doc, err := toJSONValue(sub)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize submission").WithCause(err)
	}

	if err := v.submissionSchema.Validate(doc); err != nil {
		return toMeshError(err)
	}
	return nil
}

// ValidateCapabilitySchema checks that a capability's parameter_schema is
// itself a compilable JSON Schema. Registration rejects agents whose
// capabilities would be unusable at dispatch time.
func (v *JSONSchemaValidator) ValidateCapabilitySchema(paramSchema []byte) error {
	if len(paramSchema) == 0 {
		return nil
	}
	if _, err := v.getOrCompile(paramSchema); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid capability parameter schema").WithCause(err)
	}
	return nil
}

// ValidateParams validates dispatch parameters against a capability's
// parameter_schema. An empty schema means no validation.
func (v *JSONSchemaValidator) ValidateParams(params map[string]any, paramSchema []byte) error {
	if len(paramSchema) == 0 {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	compiled, err := v.getOrCompile(paramSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid parameter schema").WithCause(err)
	}

	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize parameters").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toMeshError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("taskmesh://param-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toMeshError converts a jsonschema.ValidationError into a MeshError with
// clear, actionable messages for agent consumption.
func toMeshError(err error) *schema.MeshError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
