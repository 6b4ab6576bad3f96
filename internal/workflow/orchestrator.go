package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"taskforge/internal/domain"
)

// Executor is satisfied by the agent registry.
type Executor interface {
	Execute(ctx context.Context, name string, input []byte, config map[string]any) ([]byte, error)
}

type Config struct {
	DefaultStepTimeout time.Duration
	DefaultMaxRetries  int
}

func (c Config) withDefaults() Config {
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 2 * time.Minute
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	return c
}

// Orchestrator resolves a static workflow definition into a deterministic
// execution order and drives it through the agent registry.
type Orchestrator struct {
	exec   Executor
	cfg    Config
	logger *log.Logger

	mu   sync.RWMutex
	defs map[string]Definition
}

func NewOrchestrator(exec Executor, cfg Config, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		exec:   exec,
		cfg:    cfg.withDefaults(),
		logger: logger,
		defs:   make(map[string]Definition),
	}
}

func (o *Orchestrator) RegisterWorkflow(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}
	if def.StepTimeout <= 0 {
		def.StepTimeout = o.cfg.DefaultStepTimeout
	}
	if def.MaxRetries < 0 {
		def.MaxRetries = o.cfg.DefaultMaxRetries
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.defs[def.ID] = def
	return nil
}

func (o *Orchestrator) Workflow(id string) (Definition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.defs[id]
	return def, ok
}

func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string) (Result, error) {
	o.mu.RLock()
	def, ok := o.defs[workflowID]
	o.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrUnknownWorkflow, workflowID)
	}

	started := time.Now()
	results := make(map[string]*StepResult, len(def.Steps))
	for _, step := range def.Steps {
		results[step.ID] = &StepResult{Status: StepStatusPending}
	}

	var err error
	switch def.Pattern {
	case PatternParallel:
		err = o.runParallel(ctx, def, results)
	case PatternPipeline:
		err = o.runOrdered(ctx, def, results, true)
	default:
		// sequential and conditional both run in declaration order;
		// conditions are evaluated for any pattern that declares them.
		err = o.runOrdered(ctx, def, results, false)
	}

	res := Result{
		WorkflowID:    workflowID,
		Status:        overallStatus(def, results),
		ExecutionTime: time.Since(started),
		Steps:         results,
	}
	return res, err
}

// runOrdered executes steps one at a time in declaration order. In pipeline
// mode each step's input is enriched with the previous step's output.
func (o *Orchestrator) runOrdered(ctx context.Context, def Definition, results map[string]*StepResult, pipeline bool) error {
	var prior json.RawMessage
	halted := false
	for _, step := range def.Steps {
		sr := results[step.ID]
		if halted {
			sr.Status = StepStatusSkipped
			sr.Error = "workflow halted by earlier failure"
			continue
		}
		if reason, ok := blockedByDependency(step, results); ok {
			sr.Status = StepStatusSkipped
			sr.Error = reason
			if def.HaltOnFailure {
				halted = true
			}
			continue
		}
		if step.Condition != nil && !evalCondition(*step.Condition, results) {
			sr.Status = StepStatusSkipped
			sr.Error = fmt.Sprintf("condition on step %s not met", step.Condition.Step)
			continue
		}

		input := step.Input
		if pipeline {
			input = pipelineInput(step.Input, prior)
		}
		o.runStep(ctx, def, step, input, sr)
		if sr.Status == StepStatusSuccess {
			prior = sr.Output
		} else if def.HaltOnFailure {
			halted = true
		}
	}
	return nil
}

// runParallel schedules steps in waves: every step whose dependencies are
// satisfied runs concurrently. A failure does not cancel siblings that have
// already started.
func (o *Orchestrator) runParallel(ctx context.Context, def Definition, results map[string]*StepResult) error {
	remaining := make(map[string]Step, len(def.Steps))
	for _, step := range def.Steps {
		remaining[step.ID] = step
	}

	for len(remaining) > 0 {
		ready := make([]Step, 0, len(remaining))
		for _, step := range def.Steps {
			if _, pending := remaining[step.ID]; !pending {
				continue
			}
			if !depsResolved(step, results) {
				continue
			}
			ready = append(ready, step)
		}
		if len(ready) == 0 {
			// Only blocked steps remain; resolve them as skipped.
			for id, step := range remaining {
				sr := results[id]
				if reason, ok := blockedByDependency(step, results); ok {
					sr.Status = StepStatusSkipped
					sr.Error = reason
				} else {
					sr.Status = StepStatusSkipped
					sr.Error = "unresolvable dependencies"
				}
			}
			return nil
		}

		var wg sync.WaitGroup
		for _, step := range ready {
			delete(remaining, step.ID)
			sr := results[step.ID]
			if reason, ok := blockedByDependency(step, results); ok {
				sr.Status = StepStatusSkipped
				sr.Error = reason
				continue
			}
			if step.Condition != nil && !evalCondition(*step.Condition, results) {
				sr.Status = StepStatusSkipped
				sr.Error = fmt.Sprintf("condition on step %s not met", step.Condition.Step)
				continue
			}
			wg.Add(1)
			go func(step Step, sr *StepResult) {
				defer wg.Done()
				o.runStep(ctx, def, step, step.Input, sr)
			}(step, sr)
		}
		wg.Wait()

		if def.HaltOnFailure && anyFailed(results) {
			for id := range remaining {
				sr := results[id]
				sr.Status = StepStatusSkipped
				sr.Error = "workflow halted by earlier failure"
			}
			return nil
		}
	}
	return nil
}

// runStep wraps agent execution with a per-step timeout and bounded retries.
// A timed-out attempt is failed and consumes retry budget like any other.
func (o *Orchestrator) runStep(ctx context.Context, def Definition, step Step, input json.RawMessage, sr *StepResult) {
	now := time.Now().UTC()
	sr.Status = StepStatusRunning
	sr.StartedAt = &now

	var lastErr error
	for attempt := 0; attempt <= def.MaxRetries; attempt++ {
		sr.Attempts = attempt + 1
		stepCtx, cancel := context.WithTimeout(ctx, def.StepTimeout)
		output, err := o.exec.Execute(stepCtx, step.Agent, input, step.Config)
		cancel()
		if err == nil {
			done := time.Now().UTC()
			sr.Status = StepStatusSuccess
			sr.Output = output
			sr.Error = ""
			sr.CompletedAt = &done
			return
		}
		lastErr = err
		o.logger.Printf("workflow %s step %s attempt %d failed: %v", def.ID, step.ID, attempt+1, err)
		if ctx.Err() != nil {
			break
		}
	}

	done := time.Now().UTC()
	sr.Status = StepStatusFailed
	sr.Error = lastErr.Error()
	sr.CompletedAt = &done
}

// depsResolved waits for every dependency, and the condition target if any,
// to reach a terminal step status.
func depsResolved(step Step, results map[string]*StepResult) bool {
	waits := step.DependsOn
	if step.Condition != nil {
		waits = append(append([]string(nil), waits...), step.Condition.Step)
	}
	for _, dep := range waits {
		sr, ok := results[dep]
		if !ok {
			return false
		}
		switch sr.Status {
		case StepStatusSuccess, StepStatusFailed, StepStatusSkipped:
		default:
			return false
		}
	}
	return true
}

// blockedByDependency reports whether any dependency finished without
// success. Such a step is skipped, never passed to agent execution.
func blockedByDependency(step Step, results map[string]*StepResult) (string, bool) {
	for _, dep := range step.DependsOn {
		sr, ok := results[dep]
		if !ok {
			return fmt.Sprintf("dependency %s missing", dep), true
		}
		if sr.Status == StepStatusFailed || sr.Status == StepStatusSkipped {
			return fmt.Sprintf("dependency %s finished as %s", dep, sr.Status), true
		}
	}
	return "", false
}

func evalCondition(cond Condition, results map[string]*StepResult) bool {
	sr, ok := results[cond.Step]
	if !ok {
		return false
	}
	if cond.Status != "" && sr.Status != cond.Status {
		return false
	}
	if cond.OutputKey != "" {
		var output map[string]any
		if err := json.Unmarshal(sr.Output, &output); err != nil {
			return false
		}
		value, ok := output[cond.OutputKey]
		if !ok {
			return false
		}
		return fmt.Sprintf("%v", value) == cond.Equals
	}
	return true
}

// pipelineInput wraps the declared step params together with the previous
// step's output so each stage consumes its predecessor.
func pipelineInput(params, upstream json.RawMessage) json.RawMessage {
	if params == nil {
		params = []byte("{}")
	}
	if upstream == nil {
		return params
	}
	wrapped, err := json.Marshal(map[string]json.RawMessage{
		"params":   params,
		"upstream": upstream,
	})
	if err != nil {
		return params
	}
	return wrapped
}

func anyFailed(results map[string]*StepResult) bool {
	for _, sr := range results {
		if sr.Status == StepStatusFailed {
			return true
		}
	}
	return false
}

func overallStatus(def Definition, results map[string]*StepResult) Status {
	allSuccess := true
	failed := false
	for _, sr := range results {
		if sr.Status != StepStatusSuccess {
			allSuccess = false
		}
		if sr.Status == StepStatusFailed {
			failed = true
		}
	}
	if allSuccess {
		return StatusCompleted
	}
	if failed && def.HaltOnFailure {
		return StatusFailed
	}
	return StatusCompletedWithErrors
}
