package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStagesLinearDependencies(t *testing.T) {
	t.Parallel()
	wf, err := FromStages([]string{"plan", "build", "test"})
	require.NoError(t, err)

	assert.Equal(t, "dynamic_plan_build_test", wf.Name)
	require.Len(t, wf.Stages, 3)
	assert.Empty(t, wf.Stages[0].DependsOn)
	assert.Equal(t, []string{"plan"}, wf.Stages[1].DependsOn)
	assert.Equal(t, []string{"build"}, wf.Stages[2].DependsOn)
}

func TestFromStagesRejectsEmpty(t *testing.T) {
	t.Parallel()
	_, err := FromStages(nil)
	assert.Error(t, err)

	_, err = FromStages([]string{"plan", ""})
	assert.Error(t, err)
}

func TestDynamicWorkflowName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "dynamic_plan_build", DynamicWorkflowName([]string{"plan", "build"}))
	assert.Equal(t, "dynamic_merge", DynamicWorkflowName([]string{" merge "}))
}

func TestParseOrchestratorConfig(t *testing.T) {
	t.Parallel()
	raw := `{
		"continue_on_failure": true,
		"default_model": "sonnet",
		"stage_configs": {"review": {"mode": "security"}},
		"workflow": {"name": "custom", "stages": [{"name": "plan"}, {"name": "build"}]}
	}`
	cfg, err := ParseOrchestratorConfig(raw)
	require.NoError(t, err)
	assert.True(t, cfg.ContinueOnFailure)
	assert.Equal(t, "sonnet", cfg.DefaultModel)
	assert.Equal(t, "security", cfg.StageConfigs["review"]["mode"])
	require.NotNil(t, cfg.Workflow)
	assert.Equal(t, []string{"plan", "build"}, cfg.Workflow.StageNames())

	_, err = ParseOrchestratorConfig("{not json")
	assert.Error(t, err)
}

func TestLoadWorkflow(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yaml := `
name: sdlc_full
stages:
  - name: plan
  - name: build
    depends_on: [plan]
  - name: test
    enabled: false
    config:
      test_command: "go test ./..."
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sdlc_full.yaml"), []byte(yaml), 0o644))

	wf, err := LoadWorkflow(dir, "sdlc_full")
	require.NoError(t, err)
	assert.Equal(t, "sdlc_full", wf.Name)
	require.Len(t, wf.Stages, 3)
	assert.False(t, wf.Stages[2].IsEnabled())
	assert.Equal(t, "go test ./...", wf.Stages[2].Config["test_command"])

	_, err = LoadWorkflow(dir, "missing")
	assert.Error(t, err)
}
