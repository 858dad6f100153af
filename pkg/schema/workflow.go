package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TriggerType is the event category a workflow listens to.
type TriggerType string

const (
	TriggerStatusChanged  TriggerType = "STATUS_CHANGED"
	TriggerTagAdded       TriggerType = "TAG_ADDED"
	TriggerDaysInStage    TriggerType = "DAYS_IN_STAGE"
	TriggerScoreThreshold TriggerType = "SCORE_THRESHOLD"
	TriggerInactivity     TriggerType = "INACTIVITY"
)

// TriggerTypes lists every supported trigger type.
var TriggerTypes = []TriggerType{
	TriggerStatusChanged, TriggerTagAdded, TriggerDaysInStage, TriggerScoreThreshold, TriggerInactivity,
}

// IsTimerStyle reports whether the trigger is driven by scheduler ticks rather than discrete events.
func (t TriggerType) IsTimerStyle() bool {
	return t == TriggerDaysInStage || t == TriggerInactivity
}

// ActionType is the kind of side effect an action performs.
type ActionType string

const (
	ActionSendEmail         ActionType = "SEND_EMAIL"
	ActionAddTag            ActionType = "ADD_TAG"
	ActionRemoveTag         ActionType = "REMOVE_TAG"
	ActionChangeStatus      ActionType = "CHANGE_STATUS"
	ActionAssignUser        ActionType = "ASSIGN_USER"
	ActionCreateTask        ActionType = "CREATE_TASK"
	ActionSendNotification  ActionType = "SEND_NOTIFICATION"
	ActionAddNote           ActionType = "ADD_NOTE"
	ActionScheduleInterview ActionType = "SCHEDULE_INTERVIEW"
	ActionWebhook           ActionType = "WEBHOOK"
)

// ActionTypes lists every supported action type.
var ActionTypes = []ActionType{
	ActionSendEmail, ActionAddTag, ActionRemoveTag, ActionChangeStatus, ActionAssignUser,
	ActionCreateTask, ActionSendNotification, ActionAddNote, ActionScheduleInterview, ActionWebhook,
}

// WorkflowDefinition is the user-authored part of a workflow: what it listens to and what it does.
type WorkflowDefinition struct {
	Trigger                   Trigger    `json:"trigger"`
	Actions                   []Action   `json:"actions"`
	Schedule                  *Schedule  `json:"schedule,omitempty"`
	Condition                 *Condition `json:"condition,omitempty"`
	MaxExecutionsPerDay       int        `json:"maxExecutionsPerDay,omitempty"`
	MaxExecutionsPerCandidate int        `json:"maxExecutionsPerCandidate,omitempty"`
}

// Trigger selects the events a workflow reacts to. Config is decoded per Type.
type Trigger struct {
	Type   TriggerType     `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Action is one ordered step. Config is decoded per Type.
type Action struct {
	Type   ActionType      `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Schedule restricts dispatch to the listed weekdays (0=Sunday) and hours. Both are inclusion sets.
type Schedule struct {
	Enabled    bool  `json:"enabled"`
	DaysOfWeek []int `json:"daysOfWeek,omitempty"`
	Hours      []int `json:"hours,omitempty"`
}

// Condition is an optional boolean expression evaluated against the event.
type Condition struct {
	Engine     string `json:"engine,omitempty"` // cel | expr (default: cel)
	Expression string `json:"expression"`
}

// --- Trigger configs ---

// TriggerConfig is the decoded, typed form of Trigger.Config.
type TriggerConfig interface {
	TriggerType() TriggerType
}

type StatusChangedConfig struct {
	ToStatus   string `json:"toStatus,omitempty"`
	FromStatus string `json:"fromStatus,omitempty"`
}

type TagAddedConfig struct {
	Tag string `json:"tag"`
}

type DaysInStageConfig struct {
	Days   int    `json:"days"`
	Status string `json:"status,omitempty"`
}

type ScoreThresholdConfig struct {
	MinScore float64 `json:"minScore"`
}

type InactivityConfig struct {
	Days int `json:"days"`
}

func (StatusChangedConfig) TriggerType() TriggerType  { return TriggerStatusChanged }
func (TagAddedConfig) TriggerType() TriggerType       { return TriggerTagAdded }
func (DaysInStageConfig) TriggerType() TriggerType    { return TriggerDaysInStage }
func (ScoreThresholdConfig) TriggerType() TriggerType { return TriggerScoreThreshold }
func (InactivityConfig) TriggerType() TriggerType     { return TriggerInactivity }

// DecodeTriggerConfig decodes t.Config into the typed struct for t.Type.
func DecodeTriggerConfig(t Trigger) (TriggerConfig, error) {
	var cfg TriggerConfig
	var err error
	switch t.Type {
	case TriggerStatusChanged:
		var c StatusChangedConfig
		err = decodeStrict(t.Config, &c)
		cfg = c
	case TriggerTagAdded:
		var c TagAddedConfig
		err = decodeStrict(t.Config, &c)
		cfg = c
	case TriggerDaysInStage:
		var c DaysInStageConfig
		err = decodeStrict(t.Config, &c)
		cfg = c
	case TriggerScoreThreshold:
		var c ScoreThresholdConfig
		err = decodeStrict(t.Config, &c)
		cfg = c
	case TriggerInactivity:
		var c InactivityConfig
		err = decodeStrict(t.Config, &c)
		cfg = c
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown trigger type %q", t.Type)
	}
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid %s trigger config: %s", t.Type, err.Error()).WithCause(err)
	}
	return cfg, nil
}

// --- Action configs ---

// ActionConfig is the decoded, typed form of Action.Config.
type ActionConfig interface {
	ActionType() ActionType
}

type SendEmailConfig struct {
	Subject   string            `json:"subject"`
	Body      string            `json:"body,omitempty"`
	Template  string            `json:"template,omitempty"`
	To        string            `json:"to,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// TagConfig serves both ADD_TAG and REMOVE_TAG.
type TagConfig struct {
	Tag    string     `json:"tag"`
	action ActionType
}

type ChangeStatusConfig struct {
	Status string `json:"status"`
}

type AssignUserConfig struct {
	UserID string `json:"userId"`
}

type CreateTaskConfig struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AssigneeID  string `json:"assigneeId,omitempty"`
	DueInDays   int    `json:"dueInDays,omitempty"`
}

type SendNotificationConfig struct {
	Message string   `json:"message"`
	UserIDs []string `json:"userIds,omitempty"`
}

type AddNoteConfig struct {
	Content string `json:"content"`
}

type ScheduleInterviewConfig struct {
	Title           string   `json:"title"`
	DurationMinutes int      `json:"durationMinutes,omitempty"`
	InterviewerIDs  []string `json:"interviewerIds,omitempty"`
	InDays          int      `json:"inDays,omitempty"`
}

type WebhookConfig struct {
	URL           string            `json:"url"`
	Method        string            `json:"method,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timeout       string            `json:"timeout,omitempty"`
	Transform     string            `json:"transform,omitempty"`     // jq expression applied to the payload
	SigningSecret string            `json:"signingSecret,omitempty"` // vault key for HMAC-SHA256 signing
}

func (SendEmailConfig) ActionType() ActionType         { return ActionSendEmail }
func (c TagConfig) ActionType() ActionType             { return c.action }
func (ChangeStatusConfig) ActionType() ActionType      { return ActionChangeStatus }
func (AssignUserConfig) ActionType() ActionType        { return ActionAssignUser }
func (CreateTaskConfig) ActionType() ActionType        { return ActionCreateTask }
func (SendNotificationConfig) ActionType() ActionType  { return ActionSendNotification }
func (AddNoteConfig) ActionType() ActionType           { return ActionAddNote }
func (ScheduleInterviewConfig) ActionType() ActionType { return ActionScheduleInterview }
func (WebhookConfig) ActionType() ActionType           { return ActionWebhook }

// DecodeActionConfig decodes a.Config into the typed struct for a.Type.
func DecodeActionConfig(a Action) (ActionConfig, error) {
	var cfg ActionConfig
	var err error
	switch a.Type {
	case ActionSendEmail:
		var c SendEmailConfig
		err = decodeStrict(a.Config, &c)
		cfg = c
	case ActionAddTag, ActionRemoveTag:
		var c TagConfig
		err = decodeStrict(a.Config, &c)
		c.action = a.Type
		cfg = c
	case ActionChangeStatus:
		var c ChangeStatusConfig
		err = decodeStrict(a.Config, &c)
		cfg = c
	case ActionAssignUser:
		var c AssignUserConfig
		err = decodeStrict(a.Config, &c)
		cfg = c
	case ActionCreateTask:
		var c CreateTaskConfig
		err = decodeStrict(a.Config, &c)
		cfg = c
	case ActionSendNotification:
		var c SendNotificationConfig
		err = decodeStrict(a.Config, &c)
		cfg = c
	case ActionAddNote:
		var c AddNoteConfig
		err = decodeStrict(a.Config, &c)
		cfg = c
	case ActionScheduleInterview:
		var c ScheduleInterviewConfig
		err = decodeStrict(a.Config, &c)
		cfg = c
	case ActionWebhook:
		var c WebhookConfig
		err = decodeStrict(a.Config, &c)
		cfg = c
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown action type %q", a.Type)
	}
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid %s action config: %s", a.Type, err.Error()).WithCause(err)
	}
	return cfg, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// MustConfig marshals v for use as a Trigger/Action config. Intended for tests and fixtures.
func MustConfig(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
