package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionPath(t *testing.T) {
	assert.Equal(t, "actions[2].config", ActionPath(2, "config"))
	assert.Equal(t, "actions[0]", ActionPath(0, ""))

	for path, want := range map[string]int{
		"actions[2].config":      2,
		"actions[11].config.url": 11,
		"actions[0]":             0,
	} {
		got, ok := ActionIndexOf(path)
		assert.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
	for _, path := range []string{PathActions, PathTriggerConfig, "actions[x].config", "actions[1"} {
		_, ok := ActionIndexOf(path)
		assert.False(t, ok, path)
	}
}

func TestValidationResult_WarningsDoNotInvalidate(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning(ActionPath(0, ""), ErrCodeValidation, "CHANGE_STATUS can re-trigger this workflow")
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_ActionErrorCarriesIndex(t *testing.T) {
	r := &ValidationResult{}
	r.AddActionError(1, "config.url", ErrCodeValidation, "url has no host")

	err := r.ToError()
	require.Error(t, err)
	var hfErr *HireflowError
	require.ErrorAs(t, err, &hfErr)
	assert.Equal(t, ErrCodeValidation, hfErr.Code)
	assert.Equal(t, "url has no host", hfErr.Message)
	require.NotNil(t, hfErr.ActionIndex)
	assert.Equal(t, 1, *hfErr.ActionIndex)
	assert.Equal(t, map[string][]string{"actions[1].config.url": {"url has no host"}}, hfErr.Details["fields"])
}

func TestValidationResult_MultipleErrorsGroupedByPath(t *testing.T) {
	r := &ValidationResult{}
	r.AddError(PathScheduleDays, ErrCodeValidation, "enabled schedule needs at least one day")
	r.AddError(PathScheduleHours, ErrCodeValidation, "hour 24 out of range")
	r.AddError(PathScheduleHours, ErrCodeValidation, "hour -1 out of range")
	r.AddWarning(PathCondition, ErrCodeValidation, "condition is always true")

	other := &ValidationResult{}
	other.AddError(PathTriggerConfig, ErrCodeValidation, "days must be positive")
	r.Merge(other)
	r.Merge(nil)

	err := r.ToError()
	var hfErr *HireflowError
	require.ErrorAs(t, err, &hfErr)
	assert.Contains(t, hfErr.Message, "4 errors")
	assert.Nil(t, hfErr.ActionIndex)
	assert.Equal(t, 4, hfErr.Details["error_count"])
	assert.Equal(t, 1, hfErr.Details["warning_count"])

	fields := hfErr.Details["fields"].(map[string][]string)
	assert.Len(t, fields[PathScheduleHours], 2)
	assert.Len(t, fields[PathTriggerConfig], 1)
	assert.NotContains(t, fields, PathCondition)
}
