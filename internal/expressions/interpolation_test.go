package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hireflow/pkg/schema"
)

type mockVault struct {
	secrets map[string][]byte
}

func (v *mockVault) Resolve(_ context.Context, key string) ([]byte, error) {
	val, ok := v.secrets[key]
	if !ok {
		return nil, errors.New("secret not found: " + key)
	}
	return val, nil
}

func (v *mockVault) Store(_ context.Context, _ string, _ []byte) error { return nil }
func (v *mockVault) Delete(_ context.Context, _ string) error          { return nil }
func (v *mockVault) List(_ context.Context) ([]string, error)          { return nil, nil }

func testScope() *InterpolationScope {
	score := 91.0
	evt := &schema.CandidateEvent{
		ID:          "evt-1",
		CandidateID: "cand-1",
		Type:        schema.EventStatusChanged,
		OccurredAt:  time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC),
		Payload: schema.EventPayload{
			FromStatus: "screening",
			ToStatus:   "interview",
			Score:      &score,
		},
	}
	return NewScope(evt,
		map[string]any{"id": "wf-1", "name": "Interview invite"},
		map[string]any{
			"id":        "cand-1",
			"firstName": "Ada",
			"email":     "ada@example.com",
			"tags":      []any{"senior", "remote"},
			"job":       map[string]any{"title": "Backend Engineer"},
		},
	)
}

func TestInterpolator_NoReferences(t *testing.T) {
	interp := NewInterpolator(nil)
	raw := json.RawMessage(`{"subject":"Hello","count":3}`)

	out, err := interp.Resolve(context.Background(), raw, testScope())
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(out))

	out, err = interp.Resolve(context.Background(), nil, testScope())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestInterpolator_Namespaces(t *testing.T) {
	interp := NewInterpolator(nil)
	raw := json.RawMessage(`{
		"subject": "Hi ${{ candidate.firstName }}, next step: ${{event.payload.toStatus}}",
		"to": "${{ candidate.email }}",
		"body": "Role ${{candidate.job.title}} via ${{ workflow.name }}"
	}`)

	out, err := interp.Resolve(context.Background(), raw, testScope())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"subject": "Hi Ada, next step: interview",
		"to": "ada@example.com",
		"body": "Role Backend Engineer via Interview invite"
	}`, string(out))
}

func TestInterpolator_WholeReferenceKeepsType(t *testing.T) {
	interp := NewInterpolator(nil)
	raw := json.RawMessage(`{"tags":"${{candidate.tags}}","score":"${{ event.payload.score }}","first":"${{candidate.tags.0}}"}`)

	out, err := interp.Resolve(context.Background(), raw, testScope())
	require.NoError(t, err)
	assert.JSONEq(t, `{"tags":["senior","remote"],"score":91,"first":"senior"}`, string(out))
}

func TestInterpolator_EscapesValues(t *testing.T) {
	interp := NewInterpolator(nil)
	scope := testScope()
	scope.Candidate["firstName"] = `Ada "the" Countess`

	out, err := interp.Resolve(context.Background(), json.RawMessage(`{"subject":"Hi ${{candidate.firstName}}"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"subject":"Hi Ada \"the\" Countess"}`, string(out))
}

func TestInterpolator_Secrets(t *testing.T) {
	vault := &mockVault{secrets: map[string][]byte{"ats_token": []byte("tok-123")}}
	interp := NewInterpolator(vault)
	raw := json.RawMessage(`{"headers":{"Authorization":"Bearer ${{ secrets.ats_token }}"},"to":"${{candidate.email}}"}`)

	out, err := interp.Resolve(context.Background(), raw, testScope())
	require.NoError(t, err)
	assert.JSONEq(t, `{"headers":{"Authorization":"Bearer tok-123"},"to":"ada@example.com"}`, string(out))
}

func TestInterpolator_CandidateDataCannotReferenceSecrets(t *testing.T) {
	vault := &mockVault{secrets: map[string][]byte{"ats_token": []byte("tok-123")}}
	interp := NewInterpolator(vault)
	scope := testScope()
	scope.Candidate["firstName"] = "${{secrets.ats_token}}"

	out, err := interp.Resolve(context.Background(), json.RawMessage(`{"subject":"Hi ${{candidate.firstName}}"}`), scope)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "tok-123")
}

func TestInterpolator_Errors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown namespace", `{"a":"${{steps.fetch.output}}"}`},
		{"missing field", `{"a":"${{candidate.phone}}"}`},
		{"bare namespace", `{"a":"${{candidate}}"}`},
		{"unclosed", `{"a":"x ${{candidate.email"}`},
		{"empty", `{"a":"x ${{ }} y"}`},
		{"index out of range", `{"a":"${{candidate.tags.5}}"}`},
		{"secret without vault", `{"a":"${{secrets.ats_token}}"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewInterpolator(nil).Resolve(ctx, json.RawMessage(tt.raw), testScope())
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeInterpolation), err.Error())
		})
	}
}

func TestInterpolator_MissingSecret(t *testing.T) {
	interp := NewInterpolator(&mockVault{secrets: map[string][]byte{}})

	_, err := interp.ResolveString(context.Background(), "Bearer ${{secrets.nope}}", testScope())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInterpolation))
}

func TestInterpolator_ResolveString(t *testing.T) {
	interp := NewInterpolator(nil)

	out, err := interp.ResolveString(context.Background(), "${{candidate.firstName}} moved to ${{event.payload.toStatus}} (${{event.depth}})", testScope())
	require.NoError(t, err)
	assert.Equal(t, "Ada moved to interview (0)", out)

	out, err = interp.ResolveString(context.Background(), "plain", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}

func TestReferences(t *testing.T) {
	raw := json.RawMessage(`{"a":"${{ candidate.email }}","b":"${{candidate.email}} ${{secrets.k}}","c":"${{ steps.x }}"}`)
	refs := References(raw)
	assert.ElementsMatch(t, []string{"candidate.email", "secrets.k", "steps.x"}, refs)

	assert.NoError(t, CheckReference("candidate.email"))
	assert.NoError(t, CheckReference("secrets.k"))
	assert.Error(t, CheckReference("steps.x"))
	assert.Error(t, CheckReference("event"))
}

func TestNewScope(t *testing.T) {
	scope := testScope()

	assert.Equal(t, "evt-1", scope.Event["id"])
	assert.Equal(t, "wf-1", scope.Workflow["id"])

	data := scope.ConditionData()
	assert.Equal(t, "interview", data["payload"].(map[string]any)["toStatus"])
	assert.Equal(t, "ada@example.com", data["candidate"].(map[string]any)["email"])

	data["candidate"].(map[string]any)["email"] = "changed"
	assert.Equal(t, "ada@example.com", scope.Candidate["email"], "condition data is a copy")

	bare := NewScope(&schema.CandidateEvent{ID: "e", CandidateID: "c-9", Type: schema.EventTagAdded}, nil, nil)
	assert.Equal(t, "c-9", bare.Candidate["id"])
}
