package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

// catalogSchemaURL identifies the embedded description catalog schema.
const catalogSchemaURL = "https://procman.dev/schemas/catalog.json"

// catalogSchemaJSON describes a description catalog file (YAML or JSON).
const catalogSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://procman.dev/schemas/catalog.json",
  "type": "object",
  "required": ["host", "descriptions"],
  "properties": {
    "host": { "type": "string", "minLength": 1 },
    "descriptions": {
      "type": "array",
      "items": { "$ref": "#/$defs/description" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "description": {
      "type": "object",
      "required": ["name", "version", "function_name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "version": { "type": "integer", "minimum": 1 },
        "function_name": { "type": "string", "minLength": 1 },
        "can_be_scheduled": { "type": "boolean" },
        "is_durable_function": { "type": "boolean" },
        "recurring_cron_expression": { "type": "string" },
        "parameter_schema": { "type": ["object", "boolean"] },
        "steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["description"],
      "properties": {
        "sequence": { "type": "integer", "minimum": 1 },
        "description": { "type": "string", "minLength": 1 },
        "can_be_skipped": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	catalogSchema *jsonschema.Schema

	// mu guards the cache of compiled parameter schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the catalog schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(catalogSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal catalog schema: %w", err)
	}
	if err := c.AddResource(catalogSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add catalog schema resource: %w", err)
	}
	catalog, err := c.Compile(catalogSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}

	return &JSONSchemaValidator{
		catalogSchema: catalog,
		cache:         make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateCatalog checks a decoded catalog document (plain maps, slices and
// scalars, as produced by a YAML or JSON decoder) against the catalog schema.
func (v *JSONSchemaValidator) ValidateCatalog(doc any) error {
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidRequest, "catalog is not representable as JSON").WithCause(err)
	}
	if err := v.catalogSchema.Validate(value); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// ValidateParameter validates a serialized start parameter against parameterSchema.
// An empty schema accepts anything; an absent parameter is validated as null.
func (v *JSONSchemaValidator) ValidateParameter(parameterSchema json.RawMessage, parameter json.RawMessage) error {
	if len(parameterSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(parameterSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidRequest, "invalid parameter schema").WithCause(err)
	}

	if len(parameter) == 0 {
		parameter = json.RawMessage("null")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(parameter)))
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidRequest, "parameter is not valid JSON").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// CompileSchema reports whether parameterSchema is a valid JSON Schema.
func (v *JSONSchemaValidator) CompileSchema(parameterSchema json.RawMessage) error {
	_, err := v.getOrCompile(parameterSchema)
	return err
}

// ValidateDescription runs the structural checks of desc, then verifies that its
// cron expression parses and its parameter schema compiles.
func (v *JSONSchemaValidator) ValidateDescription(desc *orchestration.Description) *schema.ValidationResult {
	if desc == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.IssueRequired, "description is nil")
		return r
	}

	result := desc.Validate()
	if desc.IsRecurring() {
		if _, err := orchestration.ParseCronExpression(desc.RecurringCronExpression); err != nil {
			result.AddError("recurring_cron_expression", schema.IssueInvalidFormat, err.Error())
		}
	}
	if len(desc.ParameterSchema) > 0 {
		if err := v.CompileSchema(desc.ParameterSchema); err != nil {
			result.AddError("parameter_schema", schema.IssueInvalidFormat, err.Error())
		}
	}
	return result
}

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

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler and URL per schema so resources never collide.
	url := fmt.Sprintf("procman://parameter-schema/%d", len(v.cache))
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

// toJSONValue round-trips v through encoding/json so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into an INVALID_REQUEST
// error listing every leaf violation with its instance location.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeInvalidRequest, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeInvalidRequest, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeInvalidRequest, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeInvalidRequest, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

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

var _ Validator = (*JSONSchemaValidator)(nil)
