package orchestration

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procman/pkg/schema"
)

// UniqueName identifies a description: name plus integer version.
type UniqueName struct {
	Name    string `json:"name" yaml:"name"`
	Version int    `json:"version" yaml:"version"`
}

func (u UniqueName) String() string {
	return fmt.Sprintf("%s@%d", u.Name, u.Version)
}

// ParseUniqueName reads the "name@version" form.
func ParseUniqueName(s string) (UniqueName, error) {
	name, ver, ok := strings.Cut(s, "@")
	if !ok || name == "" {
		return UniqueName{}, schema.NewErrorf(schema.ErrCodeInvalidRequest, "unique name %q must be name@version", s)
	}
	v, err := strconv.Atoi(ver)
	if err != nil || v < 1 {
		return UniqueName{}, schema.NewErrorf(schema.ErrCodeInvalidRequest, "invalid version in %q", s)
	}
	return UniqueName{Name: name, Version: v}, nil
}

// StepDescription is a step template.
type StepDescription struct {
	Sequence     int    `json:"sequence"`
	Description  string `json:"description"`
	CanBeSkipped bool   `json:"can_be_skipped"`
}

// Description is a registered, versioned workflow definition.
type Description struct {
	ID                      uuid.UUID         `json:"id"`
	UniqueName              UniqueName        `json:"unique_name"`
	FunctionName            string            `json:"function_name"`
	HostName                string            `json:"host_name"`
	CanBeScheduled          bool              `json:"can_be_scheduled"`
	IsDurableFunction       bool              `json:"is_durable_function"`
	IsEnabled               bool              `json:"is_enabled"`
	RecurringCronExpression string            `json:"recurring_cron_expression,omitempty"`
	ParameterSchema         json.RawMessage   `json:"parameter_schema,omitempty"`
	Steps                   []StepDescription `json:"steps"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
}

// NewDescription returns an enabled description with no steps.
func NewDescription(name UniqueName, functionName string) *Description {
	return &Description{UniqueName: name, FunctionName: functionName, IsEnabled: true}
}

// AppendStep adds a step template with the next sequence number.
func (d *Description) AppendStep(description string, canBeSkipped bool) {
	d.Steps = append(d.Steps, StepDescription{
		Sequence:     len(d.Steps) + 1,
		Description:  description,
		CanBeSkipped: canBeSkipped,
	})
}

// Step returns the template with the given sequence.
func (d *Description) Step(sequence int) (StepDescription, bool) {
	for _, s := range d.Steps {
		if s.Sequence == sequence {
			return s, true
		}
	}
	return StepDescription{}, false
}

// IsRecurring reports whether the description has a recurring schedule.
func (d *Description) IsRecurring() bool {
	return d.RecurringCronExpression != ""
}

// Validate checks the structural rules of a description. Cron and schema syntax are
// checked by the validation package.
func (d *Description) Validate() *schema.ValidationResult {
	r := &schema.ValidationResult{}
	if strings.TrimSpace(d.UniqueName.Name) == "" {
		r.AddError("unique_name.name", schema.IssueRequired, "name is required")
	}
	if d.UniqueName.Version < 1 {
		r.AddError("unique_name.version", schema.IssueOutOfRange, "version must be at least 1")
	}
	if d.FunctionName == "" {
		r.AddError("function_name", schema.IssueRequired, "function name is required")
	}
	if d.IsRecurring() && !d.CanBeScheduled {
		r.AddError("recurring_cron_expression", schema.IssueInconsistent,
			"a recurring description must allow scheduling")
	}
	if len(d.Steps) == 0 {
		r.AddWarning("steps", schema.IssueRequired, "description has no steps")
	}
	seen := make(map[int]bool, len(d.Steps))
	for i, s := range d.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if seen[s.Sequence] {
			r.AddError(path+".sequence", schema.IssueDuplicate, fmt.Sprintf("sequence %d is used twice", s.Sequence))
		}
		seen[s.Sequence] = true
		if s.Sequence != i+1 {
			r.AddError(path+".sequence", schema.IssueOutOfRange,
				fmt.Sprintf("sequence %d out of order, expected %d", s.Sequence, i+1))
		}
		if strings.TrimSpace(s.Description) == "" {
			r.AddError(path+".description", schema.IssueRequired, "step description is required")
		}
	}
	return r
}
