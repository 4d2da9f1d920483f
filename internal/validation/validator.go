package validation

import (
	"encoding/json"

	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

// Validator checks descriptions before registration and start parameters
// before an instance is created.
type Validator interface {
	ValidateDescription(desc *orchestration.Description) *schema.ValidationResult
	ValidateParameter(parameterSchema json.RawMessage, parameter json.RawMessage) error
}
