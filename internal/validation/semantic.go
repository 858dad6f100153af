package validation

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rendis/hireflow/internal/expressions"
	"github.com/rendis/hireflow/pkg/schema"
)

// maxWebhookTimeout caps per-call webhook timeouts.
const maxWebhookTimeout = 2 * time.Minute

// validateSemantic checks what the schemas cannot express: typed config
// decoding, registered executors, interpolation references, webhook targets,
// schedule consistency and condition compilation.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup, conds *expressions.Conditions) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if _, err := schema.DecodeTriggerConfig(def.Trigger); err != nil {
		result.AddError(schema.PathTriggerConfig, schema.ErrCodeValidation, messageOf(err))
	}

	for i, action := range def.Actions {
		validateAction(action, schema.ActionPath(i, ""), lookup, result)
	}

	validateSchedule(def.Schedule, result)

	if conds != nil && def.Condition != nil {
		if err := conds.Check(def.Condition); err != nil {
			result.AddError(schema.PathCondition, schema.ErrCodeValidation, messageOf(err))
		}
	}

	if def.Trigger.Type == schema.TriggerStatusChanged && def.MaxExecutionsPerCandidate == 0 {
		for i, a := range def.Actions {
			if a.Type == schema.ActionChangeStatus {
				result.AddWarning(schema.ActionPath(i, ""), schema.ErrCodeValidation,
					"CHANGE_STATUS in a STATUS_CHANGED workflow without maxExecutionsPerCandidate can chain until the reentrancy bound")
				break
			}
		}
	}

	return result
}

func validateAction(action schema.Action, path string, lookup ActionLookup, result *schema.ValidationResult) {
	if lookup != nil && !lookup.Has(action.Type) {
		result.AddError(path+".type", schema.ErrCodeActionUnavailable,
			fmt.Sprintf("action type %q has no registered executor", action.Type))
	}

	cfg, err := schema.DecodeActionConfig(action)
	if err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation, messageOf(err))
		return
	}

	for _, ref := range expressions.References(action.Config) {
		if err := expressions.CheckReference(ref); err != nil {
			result.AddError(path+".config", schema.ErrCodeInterpolation, messageOf(err))
		}
	}

	if wh, ok := cfg.(schema.WebhookConfig); ok {
		validateWebhook(wh, path+".config", result)
	}
}

func validateWebhook(cfg schema.WebhookConfig, path string, result *schema.ValidationResult) {
	// Templated URLs are checked after interpolation, at dispatch time.
	if !strings.Contains(cfg.URL, "${{") {
		u, err := url.Parse(cfg.URL)
		switch {
		case err != nil:
			result.AddError(path+".url", schema.ErrCodeValidation, fmt.Sprintf("invalid url: %s", err.Error()))
		case u.Scheme != "http" && u.Scheme != "https":
			result.AddError(path+".url", schema.ErrCodeValidation, fmt.Sprintf("url scheme must be http or https, got %q", u.Scheme))
		case u.Host == "":
			result.AddError(path+".url", schema.ErrCodeValidation, "url has no host")
		}
	}

	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		switch {
		case err != nil:
			result.AddError(path+".timeout", schema.ErrCodeValidation, fmt.Sprintf("invalid timeout %q", cfg.Timeout))
		case d <= 0 || d > maxWebhookTimeout:
			result.AddError(path+".timeout", schema.ErrCodeValidation,
				fmt.Sprintf("timeout %s out of range (0, %s]", d, maxWebhookTimeout))
		}
	}

	if cfg.Transform != "" {
		if err := expressions.NewGoJQEngine().Compile(cfg.Transform); err != nil {
			result.AddError(path+".transform", schema.ErrCodeValidation, messageOf(err))
		}
	}
}

func validateSchedule(s *schema.Schedule, result *schema.ValidationResult) {
	if s == nil || !s.Enabled {
		return
	}
	if len(s.DaysOfWeek) == 0 {
		result.AddError(schema.PathScheduleDays, schema.ErrCodeValidation, "enabled schedule needs at least one day")
	}
	if len(s.Hours) == 0 {
		result.AddError(schema.PathScheduleHours, schema.ErrCodeValidation, "enabled schedule needs at least one hour")
	}
	for _, d := range s.DaysOfWeek {
		if d < 0 || d > 6 {
			result.AddError(schema.PathScheduleDays, schema.ErrCodeValidation, fmt.Sprintf("day %d out of range 0..6", d))
		}
	}
	for _, h := range s.Hours {
		if h < 0 || h > 23 {
			result.AddError(schema.PathScheduleHours, schema.ErrCodeValidation, fmt.Sprintf("hour %d out of range 0..23", h))
		}
	}
	if hasDuplicates(s.DaysOfWeek) {
		result.AddWarning(schema.PathScheduleDays, schema.ErrCodeValidation, "duplicate days are ignored")
	}
	if hasDuplicates(s.Hours) {
		result.AddWarning(schema.PathScheduleHours, schema.ErrCodeValidation, "duplicate hours are ignored")
	}
}

func hasDuplicates(xs []int) bool {
	sorted := slices.Clone(xs)
	slices.Sort(sorted)
	return len(slices.Compact(sorted)) != len(xs)
}

func messageOf(err error) string {
	if he, ok := err.(*schema.HireflowError); ok {
		return he.Message
	}
	return err.Error()
}
