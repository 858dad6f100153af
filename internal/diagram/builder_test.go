package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/pkg/schema"
)

// --- Test workflow builders ---

func minimalWorkflow() *store.Workflow {
	return &store.Workflow{
		ID:   "wf-min",
		Name: "Tag new applicants",
		WorkflowDefinition: schema.WorkflowDefinition{
			Trigger: schema.Trigger{Type: schema.TriggerTagAdded, Config: schema.MustConfig(schema.TagAddedConfig{Tag: "referral"})},
			Actions: []schema.Action{{Type: schema.ActionAddTag}},
		},
	}
}

func gatedWorkflow() *store.Workflow {
	return &store.Workflow{
		ID:   "wf-gated",
		Name: "Interview follow-up",
		WorkflowDefinition: schema.WorkflowDefinition{
			Trigger: schema.Trigger{
				Type:   schema.TriggerStatusChanged,
				Config: schema.MustConfig(schema.StatusChangedConfig{FromStatus: "SCREENING", ToStatus: "INTERVIEW"}),
			},
			Condition:                 &schema.Condition{Expression: `event.score > 70`},
			MaxExecutionsPerDay:       1,
			MaxExecutionsPerCandidate: 3,
			Schedule:                  &schema.Schedule{Enabled: true, DaysOfWeek: []int{1, 2, 3, 4, 5}, Hours: []int{9, 10, 11, 14}},
			Actions: []schema.Action{
				{Type: schema.ActionAddTag},
				{Type: schema.ActionWebhook},
				{Type: schema.ActionSendEmail},
			},
		},
	}
}

// --- Tests ---

func TestBuildMinimalWorkflow(t *testing.T) {
	model, err := Build(minimalWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Tag new applicants", model.Title)
	assert.Equal(t, []string{triggerID, "action_0", endID}, model.Path)
	require.Len(t, model.Nodes, 3)
	assert.Equal(t, "TAG_ADDED: tag referral", model.Nodes[0].Label)
	assert.Equal(t, "1. ADD_TAG", model.Nodes[1].Label)
	require.Len(t, model.Edges, 2)
	for _, n := range model.Nodes {
		assert.Nil(t, n.Status, n.ID)
	}
}

func TestBuildGatedWorkflow(t *testing.T) {
	model, err := Build(gatedWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t,
		[]string{triggerID, conditionID, limitID, scheduleID, "action_0", "action_1", "action_2", endID},
		model.Path)
	// 8 on the path + 3 exits.
	assert.Len(t, model.Nodes, 11)

	assert.Equal(t, "STATUS_CHANGED: from SCREENING to INTERVIEW", model.node(triggerID).Label)
	assert.Equal(t, "cel: event.score > 70", model.node(conditionID).Label)
	assert.Equal(t, "max 1/day, max 3/candidate", model.node(limitID).Label)
	assert.Equal(t, "Mon,Tue,Wed,Thu,Fri hours 9-11,14", model.node(scheduleID).Label)

	exits := map[string]string{}
	for _, id := range []string{conditionID, limitID, scheduleID} {
		out := model.exits(id)
		require.Len(t, out, 1, id)
		exits[id] = out[0].Label + ">" + out[0].To
	}
	assert.Equal(t, map[string]string{
		conditionID: "false>" + skippedID,
		limitID:     "exceeded>" + limitedID,
		scheduleID:  "closed>" + deferredID,
	}, exits)
}

func TestBuildWithExecutionOverlay(t *testing.T) {
	exec := &store.ExecutionRecord{
		ID:         "exec-1",
		WorkflowID: "wf-gated",
		Status:     schema.ExecutionPartiallyFailed,
		ActionResults: []store.ActionResult{
			{ActionIndex: 0, Status: schema.ActionStatusSuccess, DurationMs: 12, Attempts: 1},
			{ActionIndex: 1, Status: schema.ActionStatusFailed, Attempts: 3, Error: "timeout"},
			{ActionIndex: 2, Status: schema.ActionStatusPending},
		},
	}

	model, err := Build(gatedWorkflow(), exec)
	require.NoError(t, err)

	assert.Contains(t, model.Title, "exec-1")
	assert.Equal(t, StatusCompleted, model.node(triggerID).Status.Status)
	assert.Equal(t, StatusCompleted, model.node(scheduleID).Status.Status)
	assert.Equal(t, StatusCompleted, model.node("action_0").Status.Status)
	assert.Equal(t, int64(12), model.node("action_0").Status.DurationMs)
	assert.Equal(t, StatusFailed, model.node("action_1").Status.Status)
	assert.Equal(t, 3, model.node("action_1").Status.Attempts)
	assert.Equal(t, "timeout", model.node("action_1").Status.Error)
	assert.Equal(t, StatusPending, model.node("action_2").Status.Status)
	assert.Equal(t, StatusPartial, model.node(endID).Status.Status)
	assert.Nil(t, model.node(skippedID).Status)
}

func TestBuildDryRunOverlay(t *testing.T) {
	exec := &store.ExecutionRecord{
		ID:         "exec-2",
		WorkflowID: "wf-min",
		Status:     schema.ExecutionCompleted,
		TestMode:   true,
		ActionResults: []store.ActionResult{
			{ActionIndex: 0, Status: schema.ActionStatusSuccess, DryRun: true},
		},
	}
	model, err := Build(minimalWorkflow(), exec)
	require.NoError(t, err)
	assert.Equal(t, StatusDryRun, model.node("action_0").Status.Status)
	assert.Equal(t, StatusCompleted, model.node(endID).Status.Status)
}

func TestBuildRejectsForeignExecution(t *testing.T) {
	_, err := Build(minimalWorkflow(), &store.ExecutionRecord{ID: "exec-3", WorkflowID: "other"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = Build(nil, nil)
	require.Error(t, err)
}

func TestTriggerLabels(t *testing.T) {
	tests := []struct {
		trigger schema.Trigger
		want    string
	}{
		{schema.Trigger{Type: schema.TriggerDaysInStage, Config: schema.MustConfig(schema.DaysInStageConfig{Days: 5, Status: "OFFER"})}, "DAYS_IN_STAGE: 5 days in OFFER"},
		{schema.Trigger{Type: schema.TriggerScoreThreshold, Config: schema.MustConfig(schema.ScoreThresholdConfig{MinScore: 80})}, "SCORE_THRESHOLD: score >= 80"},
		{schema.Trigger{Type: schema.TriggerInactivity, Config: schema.MustConfig(schema.InactivityConfig{Days: 14})}, "INACTIVITY: 14 days idle"},
		{schema.Trigger{Type: schema.TriggerStatusChanged}, "STATUS_CHANGED"},
		{schema.Trigger{Type: schema.TriggerTagAdded, Config: []byte(`{"unknown":1}`)}, "TAG_ADDED"},
	}
	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, triggerLabel(tc.trigger))
		})
	}
}

func TestCompactRange(t *testing.T) {
	assert.Equal(t, "9-17", compactRange([]int{9, 10, 11, 12, 13, 14, 15, 16, 17}))
	assert.Equal(t, "1,3,5-6", compactRange([]int{1, 3, 5, 6}))
	assert.Equal(t, "0", compactRange([]int{0}))
	assert.Equal(t, "", compactRange(nil))
}
