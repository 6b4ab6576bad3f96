package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Pattern string

const (
	PatternSequential  Pattern = "sequential"
	PatternParallel    Pattern = "parallel"
	PatternPipeline    Pattern = "pipeline"
	PatternConditional Pattern = "conditional"
)

type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

type Status string

const (
	// StatusCompleted means every step succeeded. CompletedWithErrors means
	// some steps failed or were skipped but the workflow was not configured
	// to halt. StatusFailed is reported only under HaltOnFailure.
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
)

// Condition gates a step on a prior step's outcome. Status is compared
// against the referenced step's final status; if OutputKey is set the prior
// step's output object must carry Equals under that key.
type Condition struct {
	Step      string     `json:"step"`
	Status    StepStatus `json:"status,omitempty"`
	OutputKey string     `json:"output_key,omitempty"`
	Equals    string     `json:"equals,omitempty"`
}

type Step struct {
	ID        string          `json:"id"`
	Agent     string          `json:"agent"`
	Input     json.RawMessage `json:"input,omitempty"`
	Config    map[string]any  `json:"config,omitempty"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Condition *Condition      `json:"condition,omitempty"`
}

type Definition struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Pattern       Pattern       `json:"pattern"`
	Steps         []Step        `json:"steps"`
	MaxRetries    int           `json:"max_retries"`
	StepTimeout   time.Duration `json:"step_timeout"`
	HaltOnFailure bool          `json:"halt_on_failure"`
}

type StepResult struct {
	Status      StepStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type Result struct {
	WorkflowID    string                 `json:"workflow_id"`
	Status        Status                 `json:"status"`
	ExecutionTime time.Duration          `json:"execution_time"`
	Steps         map[string]*StepResult `json:"steps"`
}

func validateDefinition(def Definition) error {
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("workflow id is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", def.ID)
	}
	switch def.Pattern {
	case PatternSequential, PatternParallel, PatternPipeline, PatternConditional:
	default:
		return fmt.Errorf("workflow %s has unsupported pattern %q", def.ID, def.Pattern)
	}

	seen := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			return fmt.Errorf("workflow %s: step %d has empty id", def.ID, i)
		}
		if strings.TrimSpace(step.Agent) == "" {
			return fmt.Errorf("workflow %s: step %s has empty agent", def.ID, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("workflow %s: duplicate step id %s", def.ID, id)
		}
		seen[id] = i
	}
	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("workflow %s: step %s depends on itself", def.ID, step.ID)
			}
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("workflow %s: step %s depends on unknown step %s", def.ID, step.ID, dep)
			}
		}
		if step.Condition != nil {
			refIdx, ok := seen[step.Condition.Step]
			if !ok {
				return fmt.Errorf("workflow %s: step %s condition references unknown step %s", def.ID, step.ID, step.Condition.Step)
			}
			if refIdx >= seen[step.ID] {
				return fmt.Errorf("workflow %s: step %s condition must reference a prior step", def.ID, step.ID)
			}
		}
	}
	if hasCycle(def.Steps) {
		return fmt.Errorf("workflow %s: dependency graph has a cycle", def.ID)
	}
	return nil
}

func hasCycle(steps []Step) bool {
	deps := make(map[string][]string, len(steps))
	for _, step := range steps {
		deps[step.ID] = step.DependsOn
	}
	visiting := map[string]bool{}
	visited := map[string]bool{}
	var dfs func(id string) bool
	dfs = func(id string) bool {
		if visiting[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visiting[id] = true
		for _, dep := range deps[id] {
			if dfs(dep) {
				return true
			}
		}
		visiting[id] = false
		visited[id] = true
		return false
	}
	for id := range deps {
		if dfs(id) {
			return true
		}
	}
	return false
}
