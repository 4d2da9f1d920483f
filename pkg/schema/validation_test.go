package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].sequence", IssueDuplicate, "sequence 1 is used twice")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].sequence", r.Errors[0].Path)
	assert.Equal(t, IssueDuplicate, r.Errors[0].Code)
	assert.Equal(t, "sequence 1 is used twice", r.Errors[0].Message)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps", IssueOutOfRange, "description has no steps")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", IssueRequired, "err1")
	r1.AddWarning("/", IssueRequired, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("steps[0]", IssueInconsistent, "err2")
	r2.AddWarning("steps[1]", IssueRequired, "warn2")

	r1.Merge(r2)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_MergeNil(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", IssueRequired, "err")
	r.Merge(nil)
	assert.Len(t, r.Errors, 1)
}

func TestValidationResult_ToError_Valid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", IssueRequired, "just a warning")
	assert.Nil(t, r.ToError())
}

func TestValidationResult_ToError_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("name", IssueRequired, "name is required")

	err := r.ToError()
	require.NotNil(t, err)

	schemaErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidRequest, schemaErr.Code)
	assert.Equal(t, "name is required", schemaErr.Message)
	assert.Equal(t, 1, schemaErr.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", IssueRequired, "err1")
	r.AddError("/", IssueRequired, "err2")
	r.AddWarning("/", IssueRequired, "warn1")

	err := r.ToError()
	require.NotNil(t, err)

	schemaErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Contains(t, schemaErr.Message, "2 errors")
	assert.Equal(t, 2, schemaErr.Details["error_count"])
	assert.Equal(t, 1, schemaErr.Details["warning_count"])
}
