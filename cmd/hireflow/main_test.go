package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/pkg/schema"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCommands(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "migrate", "reconcile", "mcp", "diagram", "version"})
	for _, flag := range []string{"config", "listen", "db"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestMigrateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "hireflow.db")
	out, err := runCLI(t, "migrate", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, dbPath)
	assert.FileExists(t, dbPath)
}

func TestReconcileCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hireflow.db")
	out, err := runCLI(t, "reconcile", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Reconciled 0 execution(s)")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := runCLI(t, "migrate", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestDiagramCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hireflow.db")
	_, err := runCLI(t, "migrate", "--db", dbPath)
	require.NoError(t, err)

	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.CreateWorkflow(context.Background(), &store.Workflow{
		ID:   "wf-1",
		Name: "Offer reminder",
		WorkflowDefinition: schema.WorkflowDefinition{
			Trigger: schema.Trigger{Type: schema.TriggerDaysInStage, Config: schema.MustConfig(schema.DaysInStageConfig{Days: 3, Status: "OFFER"})},
			Actions: []schema.Action{{Type: schema.ActionSendEmail}},
		},
	}))
	require.NoError(t, s.Close())

	out, err := runCLI(t, "diagram", "wf-1", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "=== Offer reminder ===")
	assert.Contains(t, out, "DAYS_IN_STAGE: 3 days in OFFER")

	out, err = runCLI(t, "diagram", "wf-1", "-f", "mermaid", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")

	svgPath := filepath.Join(t.TempDir(), "wf.svg")
	_, err = runCLI(t, "diagram", "wf-1", "-f", "svg", "-o", svgPath, "--db", dbPath)
	require.NoError(t, err)
	assert.FileExists(t, svgPath)

	_, err = runCLI(t, "diagram", "missing", "--db", dbPath)
	require.Error(t, err)

	_, err = runCLI(t, "diagram", "--db", dbPath)
	require.Error(t, err, "workflow id is required")
}
