package validation

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

const calculationSchema = `{
	"type": "object",
	"required": ["grid_area", "period"],
	"properties": {
		"grid_area": {"type": "string", "pattern": "^[0-9]{3}$"},
		"period": {"type": "string", "format": "date"},
		"resolution": {"enum": ["PT15M", "PT1H"]},
		"retries": {"type": "integer", "minimum": 0, "maximum": 5}
	},
	"additionalProperties": false
}`

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestNewJSONSchemaValidator(t *testing.T) {
	v := newValidator(t)
	assert.NotNil(t, v.catalogSchema)
}

func TestValidateParameter_EmptySchemaAcceptsAnything(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateParameter(nil, json.RawMessage(`{"anything": true}`)))
	assert.NoError(t, v.ValidateParameter(nil, nil))
}

func TestValidateParameter_Valid(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateParameter(json.RawMessage(calculationSchema),
		json.RawMessage(`{"grid_area": "804", "period": "2026-03-01", "resolution": "PT15M", "retries": 5}`))
	assert.NoError(t, err)
}

func TestValidateParameter_Violations(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name  string
		param string
	}{
		{"missing required", `{"grid_area": "804"}`},
		{"pattern", `{"grid_area": "80", "period": "2026-03-01"}`},
		{"format", `{"grid_area": "804", "period": "March"}`},
		{"enum", `{"grid_area": "804", "period": "2026-03-01", "resolution": "P1D"}`},
		{"maximum", `{"grid_area": "804", "period": "2026-03-01", "retries": 6}`},
		{"integer", `{"grid_area": "804", "period": "2026-03-01", "retries": 1.5}`},
		{"additional property", `{"grid_area": "804", "period": "2026-03-01", "extra": 1}`},
		{"wrong type", `["804"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateParameter(json.RawMessage(calculationSchema), json.RawMessage(tt.param))
			require.Error(t, err)
			var se *schema.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, schema.ErrCodeInvalidRequest, se.Code)
			assert.NotEmpty(t, se.Details["violations"])
		})
	}
}

func TestValidateParameter_MissingParameterIsNull(t *testing.T) {
	v := newValidator(t)

	err := v.ValidateParameter(json.RawMessage(calculationSchema), nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidRequest))

	assert.NoError(t, v.ValidateParameter(json.RawMessage(`{"type": ["object", "null"]}`), nil))
}

func TestValidateParameter_MultipleErrors(t *testing.T) {
	v := newValidator(t)

	err := v.ValidateParameter(json.RawMessage(`{
		"type": "object",
		"properties": {
			"grid_area": {"type": "string"},
			"retries": {"type": "integer"}
		}
	}`), json.RawMessage(`{"grid_area": 804, "retries": "two"}`))
	require.Error(t, err)

	var se *schema.Error
	require.ErrorAs(t, err, &se)
	violations, ok := se.Details["violations"].([]string)
	require.True(t, ok)
	assert.Len(t, violations, 2)
	assert.Contains(t, se.Message, "2 errors")
}

func TestValidateParameter_InvalidSchema(t *testing.T) {
	v := newValidator(t)

	err := v.ValidateParameter(json.RawMessage(`{not json`), json.RawMessage(`{}`))
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeInvalidRequest, se.Code)
	assert.Contains(t, se.Message, "invalid parameter schema")

	assert.Error(t, v.CompileSchema(json.RawMessage(`{"type": "no-such-type"}`)))
}

func TestValidateParameter_InvalidParameterJSON(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateParameter(json.RawMessage(calculationSchema), json.RawMessage(`{"grid_area":`))
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidRequest))
}

func TestValidateParameter_SchemaCaching(t *testing.T) {
	v := newValidator(t)
	s := json.RawMessage(`{"type": "object", "properties": {"x": {"type": "integer"}}}`)

	require.NoError(t, v.ValidateParameter(s, json.RawMessage(`{"x": 42}`)))
	require.NoError(t, v.ValidateParameter(s, json.RawMessage(`{"x": 43}`)))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}

func TestValidateParameter_Concurrent(t *testing.T) {
	v := newValidator(t)

	schemaA := json.RawMessage(`{"type": "object", "properties": {"a": {"type": "string"}}}`)
	schemaB := json.RawMessage(`{"type": "object", "properties": {"b": {"type": "integer"}}}`)

	var wg sync.WaitGroup
	errs := make([]error, 100)
	for i := range 100 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if idx%2 == 0 {
				errs[idx] = v.ValidateParameter(schemaA, json.RawMessage(`{"a": "hello"}`))
			} else {
				errs[idx] = v.ValidateParameter(schemaB, json.RawMessage(`{"b": 42}`))
			}
		}(i)
	}
	wg.Wait()

	for i, e := range errs {
		assert.NoError(t, e, "goroutine %d", i)
	}
}

func TestValidateCatalog(t *testing.T) {
	v := newValidator(t)

	valid := map[string]any{
		"host": "calculations",
		"descriptions": []any{
			map[string]any{
				"name":                "brs_023_027",
				"version":             1,
				"function_name":       "StartCalculation",
				"can_be_scheduled":    true,
				"is_durable_function": true,
				"parameter_schema":    map[string]any{"type": "object"},
				"steps": []any{
					map[string]any{"description": "Calculate"},
					map[string]any{"sequence": 2, "description": "Enqueue messages", "can_be_skipped": true},
				},
			},
		},
	}
	assert.NoError(t, v.ValidateCatalog(valid))

	tests := []struct {
		name string
		doc  any
	}{
		{"missing host", map[string]any{"descriptions": []any{}}},
		{"zero version", map[string]any{"host": "h", "descriptions": []any{
			map[string]any{"name": "n", "version": 0, "function_name": "F"},
		}}},
		{"unknown field", map[string]any{"host": "h", "descriptions": []any{
			map[string]any{"name": "n", "version": 1, "function_name": "F", "enabled": true},
		}}},
		{"step without description", map[string]any{"host": "h", "descriptions": []any{
			map[string]any{"name": "n", "version": 1, "function_name": "F", "steps": []any{map[string]any{}}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, schema.HasCode(v.ValidateCatalog(tt.doc), schema.ErrCodeInvalidRequest))
		})
	}
}

func TestValidateDescription(t *testing.T) {
	v := newValidator(t)

	valid := func() *orchestration.Description {
		d := orchestration.NewDescription(orchestration.UniqueName{Name: "brs_023_027", Version: 1}, "StartCalculation")
		d.CanBeScheduled = true
		d.RecurringCronExpression = "0 6 * * *"
		d.ParameterSchema = json.RawMessage(calculationSchema)
		d.AppendStep("Calculate", false)
		return d
	}

	assert.True(t, v.ValidateDescription(valid()).Valid())

	t.Run("nil", func(t *testing.T) {
		assert.False(t, v.ValidateDescription(nil).Valid())
	})

	t.Run("bad cron", func(t *testing.T) {
		d := valid()
		d.RecurringCronExpression = "every morning"
		r := v.ValidateDescription(d)
		require.Len(t, r.Errors, 1)
		assert.Equal(t, "recurring_cron_expression", r.Errors[0].Path)
		assert.Equal(t, schema.IssueInvalidFormat, r.Errors[0].Code)
	})

	t.Run("descriptor cron", func(t *testing.T) {
		d := valid()
		d.RecurringCronExpression = "@daily"
		assert.True(t, v.ValidateDescription(d).Valid())
	})

	t.Run("bad schema", func(t *testing.T) {
		d := valid()
		d.ParameterSchema = json.RawMessage(`{"minimum": "zero"}`)
		r := v.ValidateDescription(d)
		require.Len(t, r.Errors, 1)
		assert.Equal(t, "parameter_schema", r.Errors[0].Path)
	})

	t.Run("structural errors merge", func(t *testing.T) {
		d := valid()
		d.CanBeScheduled = false
		d.UniqueName.Version = 0
		r := v.ValidateDescription(d)
		assert.Len(t, r.Errors, 2)
		assert.True(t, schema.HasCode(r.ToError(), schema.ErrCodeInvalidRequest))
	})
}
