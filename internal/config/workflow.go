package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"adw/internal/adwerrors"
)

// StageSpec describes one stage slot in a workflow definition.
type StageSpec struct {
	Name      string         `yaml:"name" json:"name"`
	Enabled   *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Model     string         `yaml:"model,omitempty" json:"model,omitempty"`
	Config    map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (s StageSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// WorkflowConfig is a named, ordered stage list.
type WorkflowConfig struct {
	Name   string      `yaml:"name" json:"name"`
	Stages []StageSpec `yaml:"stages" json:"stages"`
}

// OrchestratorConfig controls engine behavior for one run. It is parsed from
// the CLI --config JSON or embedded in a workflow file.
type OrchestratorConfig struct {
	ContinueOnFailure bool           `json:"continue_on_failure" yaml:"continue_on_failure"`
	DefaultModel      string         `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	ModelSet          string         `json:"model_set,omitempty" yaml:"model_set,omitempty"`
	StageConfigs      map[string]map[string]any `json:"stage_configs,omitempty" yaml:"stage_configs,omitempty"`
	Workflow          *WorkflowConfig `json:"workflow,omitempty" yaml:"workflow,omitempty"`
}

// ParseOrchestratorConfig decodes the CLI --config JSON payload.
func ParseOrchestratorConfig(raw string) (*OrchestratorConfig, error) {
	var cfg OrchestratorConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, &adwerrors.ValidationError{Field: "config", Message: err.Error()}
	}
	return &cfg, nil
}

// FromStages builds a linear workflow from an ordered stage list: each stage
// depends on the one before it, and the workflow is named dynamic_<s1>_<s2>...
func FromStages(names []string) (*WorkflowConfig, error) {
	if len(names) == 0 {
		return nil, &adwerrors.ValidationError{Field: "stages", Message: "at least one stage is required"}
	}
	wf := &WorkflowConfig{Name: DynamicWorkflowName(names)}
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, &adwerrors.ValidationError{Field: "stages", Message: "empty stage name"}
		}
		spec := StageSpec{Name: name}
		if i > 0 {
			spec.DependsOn = []string{wf.Stages[i-1].Name}
		}
		wf.Stages = append(wf.Stages, spec)
	}
	return wf, nil
}

// DynamicWorkflowName derives the recorded workflow name for an ad-hoc
// stage list, e.g. ["plan","build"] -> "dynamic_plan_build".
func DynamicWorkflowName(names []string) string {
	cleaned := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			cleaned = append(cleaned, n)
		}
	}
	return "dynamic_" + strings.Join(cleaned, "_")
}

// LoadWorkflow reads a named workflow definition from dir/<name>.yaml.
func LoadWorkflow(dir, name string) (*WorkflowConfig, error) {
	path := filepath.Join(dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &adwerrors.ValidationError{Field: "workflow", Message: fmt.Sprintf("workflow %q not found in %s", name, dir)}
		}
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	var wf WorkflowConfig
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, &adwerrors.ValidationError{Field: "workflow", Message: fmt.Sprintf("invalid workflow yaml: %v", err)}
	}
	if wf.Name == "" {
		wf.Name = name
	}
	if len(wf.Stages) == 0 {
		return nil, &adwerrors.ValidationError{Field: "workflow", Message: "workflow defines no stages"}
	}
	return &wf, nil
}

// StageNames returns the ordered stage names of the workflow.
func (w *WorkflowConfig) StageNames() []string {
	out := make([]string, len(w.Stages))
	for i, s := range w.Stages {
		out[i] = s.Name
	}
	return out
}
