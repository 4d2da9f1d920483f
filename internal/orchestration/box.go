package orchestration

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rendis/procman/pkg/schema"
)

// ValueTypeJSON marks a Box holding caller-supplied JSON of no particular Go type.
const ValueTypeJSON = "json"

// Box holds a serialized value together with the name of its type.
// The zero Box holds nothing.
type Box struct {
	SerializedValue string
	ValueType       string
}

// NewBox serializes v as JSON.
func NewBox[T any](v T) (Box, error) {
	var b Box
	if err := SetValue(&b, v); err != nil {
		return Box{}, err
	}
	return b, nil
}

// SetValue replaces the content of b with v.
func SetValue[T any](b *Box, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidRequest, "serialize %T: %s", v, err.Error()).WithCause(err)
	}
	b.SerializedValue = string(data)
	b.ValueType = fmt.Sprintf("%T", v)
	return nil
}

// As deserializes the content of b. An empty box yields the zero value.
func As[T any](b Box) (T, error) {
	var out T
	if b.IsEmpty() {
		return out, nil
	}
	if err := json.Unmarshal([]byte(b.SerializedValue), &out); err != nil {
		return out, schema.NewErrorf(schema.ErrCodeInvalidRequest,
			"deserialize %s as %T: %s", b.ValueType, out, err.Error()).WithCause(err)
	}
	return out, nil
}

// RawBox wraps already-encoded JSON. Empty or null input yields an empty box.
func RawBox(raw json.RawMessage) (Box, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Box{}, nil
	}
	if !json.Valid(trimmed) {
		return Box{}, schema.NewError(schema.ErrCodeInvalidRequest, "value is not valid JSON")
	}
	return Box{SerializedValue: string(trimmed), ValueType: ValueTypeJSON}, nil
}

// IsEmpty reports whether b holds no value.
func (b Box) IsEmpty() bool {
	return b.SerializedValue == ""
}

// Raw returns the serialized JSON, or "null" for an empty box.
func (b Box) Raw() json.RawMessage {
	if b.IsEmpty() {
		return json.RawMessage("null")
	}
	return json.RawMessage(b.SerializedValue)
}

// Decode returns the content as generic JSON values (maps, slices, float64...).
func (b Box) Decode() (any, error) {
	return As[any](b)
}

func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string          `json:"type,omitempty"`
		Value json.RawMessage `json:"value"`
	}{b.ValueType, b.Raw()})
}
