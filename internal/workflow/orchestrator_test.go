package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// testExecutor records execution order and fails names listed in failing.
type testExecutor struct {
	mu      sync.Mutex
	calls   []string
	failing map[string]int
	outputs map[string]string
}

func newTestExecutor() *testExecutor {
	return &testExecutor{
		failing: make(map[string]int),
		outputs: make(map[string]string),
	}
}

func (e *testExecutor) Execute(ctx context.Context, name string, input []byte, config map[string]any) ([]byte, error) {
	e.mu.Lock()
	e.calls = append(e.calls, name)
	remaining := e.failing[name]
	if remaining != 0 {
		if remaining > 0 {
			e.failing[name] = remaining - 1
		}
		e.mu.Unlock()
		return nil, fmt.Errorf("agent %s failed", name)
	}
	out, ok := e.outputs[name]
	e.mu.Unlock()
	if ok {
		return []byte(out), nil
	}
	if len(input) > 0 {
		return input, nil
	}
	return []byte(`{}`), nil
}

func (e *testExecutor) callCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, call := range e.calls {
		if call == name {
			n++
		}
	}
	return n
}

func newTestOrchestrator(exec Executor) *Orchestrator {
	return NewOrchestrator(exec, Config{DefaultStepTimeout: 5 * time.Second}, nil)
}

func TestRegisterWorkflowValidation(t *testing.T) {
	o := newTestOrchestrator(newTestExecutor())
	cases := []struct {
		name string
		def  Definition
	}{
		{"empty id", Definition{Pattern: PatternSequential, Steps: []Step{{ID: "a", Agent: "x"}}}},
		{"no steps", Definition{ID: "w", Pattern: PatternSequential}},
		{"bad pattern", Definition{ID: "w", Pattern: "spiral", Steps: []Step{{ID: "a", Agent: "x"}}}},
		{"duplicate step", Definition{ID: "w", Pattern: PatternSequential, Steps: []Step{
			{ID: "a", Agent: "x"}, {ID: "a", Agent: "y"},
		}}},
		{"unknown dep", Definition{ID: "w", Pattern: PatternSequential, Steps: []Step{
			{ID: "a", Agent: "x", DependsOn: []string{"nope"}},
		}}},
		{"self dep", Definition{ID: "w", Pattern: PatternSequential, Steps: []Step{
			{ID: "a", Agent: "x", DependsOn: []string{"a"}},
		}}},
		{"cycle", Definition{ID: "w", Pattern: PatternParallel, Steps: []Step{
			{ID: "a", Agent: "x", DependsOn: []string{"b"}},
			{ID: "b", Agent: "y", DependsOn: []string{"a"}},
		}}},
		{"condition on later step", Definition{ID: "w", Pattern: PatternConditional, Steps: []Step{
			{ID: "a", Agent: "x", Condition: &Condition{Step: "b"}},
			{ID: "b", Agent: "y"},
		}}},
	}
	for _, tc := range cases {
		if err := o.RegisterWorkflow(tc.def); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	o := newTestOrchestrator(newTestExecutor())
	if _, err := o.ExecuteWorkflow(context.Background(), "missing"); err == nil {
		t.Fatalf("expected unknown workflow error")
	}
}

func TestSequentialOrderAndTimestamps(t *testing.T) {
	exec := newTestExecutor()
	o := newTestOrchestrator(exec)
	def := Definition{
		ID:      "seq",
		Pattern: PatternSequential,
		Steps: []Step{
			{ID: "first", Agent: "a"},
			{ID: "second", Agent: "b", DependsOn: []string{"first"}},
		},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := o.ExecuteWorkflow(context.Background(), "seq")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", res.Status, StatusCompleted)
	}
	first := res.Steps["first"]
	second := res.Steps["second"]
	if first.Status != StepStatusSuccess || second.Status != StepStatusSuccess {
		t.Fatalf("steps did not succeed: %s, %s", first.Status, second.Status)
	}
	if first.CompletedAt == nil || second.StartedAt == nil {
		t.Fatalf("timestamps missing")
	}
	if second.StartedAt.Before(*first.CompletedAt) {
		t.Fatalf("second started before first completed")
	}
}

func TestSkipOnFailedDependency(t *testing.T) {
	exec := newTestExecutor()
	exec.failing["broken"] = -1
	o := newTestOrchestrator(exec)
	def := Definition{
		ID:      "skip",
		Pattern: PatternSequential,
		Steps: []Step{
			{ID: "a", Agent: "broken"},
			{ID: "b", Agent: "fine", DependsOn: []string{"a"}},
			{ID: "c", Agent: "fine"},
		},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := o.ExecuteWorkflow(context.Background(), "skip")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Steps["a"].Status != StepStatusFailed {
		t.Fatalf("a status = %s", res.Steps["a"].Status)
	}
	if res.Steps["b"].Status != StepStatusSkipped {
		t.Fatalf("b should be skipped, got %s", res.Steps["b"].Status)
	}
	if res.Steps["c"].Status != StepStatusSuccess {
		t.Fatalf("independent step c should run, got %s", res.Steps["c"].Status)
	}
	if exec.callCount("fine") != 1 {
		t.Fatalf("skipped step must not reach the executor")
	}
	if res.Status != StatusCompletedWithErrors {
		t.Fatalf("status = %s, want %s", res.Status, StatusCompletedWithErrors)
	}
}

func TestHaltOnFailure(t *testing.T) {
	exec := newTestExecutor()
	exec.failing["broken"] = -1
	o := newTestOrchestrator(exec)
	def := Definition{
		ID:            "halt",
		Pattern:       PatternSequential,
		HaltOnFailure: true,
		Steps: []Step{
			{ID: "a", Agent: "broken"},
			{ID: "b", Agent: "fine"},
		},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := o.ExecuteWorkflow(context.Background(), "halt")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Steps["b"].Status != StepStatusSkipped {
		t.Fatalf("b should be skipped after halt, got %s", res.Steps["b"].Status)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", res.Status, StatusFailed)
	}
	if exec.callCount("fine") != 0 {
		t.Fatalf("halted step must not run")
	}
}

func TestRetryBudget(t *testing.T) {
	exec := newTestExecutor()
	exec.failing["flaky"] = 2
	o := newTestOrchestrator(exec)
	def := Definition{
		ID:         "retry",
		Pattern:    PatternSequential,
		MaxRetries: 2,
		Steps:      []Step{{ID: "a", Agent: "flaky"}},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := o.ExecuteWorkflow(context.Background(), "retry")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	sr := res.Steps["a"]
	if sr.Status != StepStatusSuccess {
		t.Fatalf("step should succeed on third attempt, got %s: %s", sr.Status, sr.Error)
	}
	if sr.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", sr.Attempts)
	}
}

func TestRetryExhaustion(t *testing.T) {
	exec := newTestExecutor()
	exec.failing["flaky"] = -1
	o := newTestOrchestrator(exec)
	def := Definition{
		ID:         "exhaust",
		Pattern:    PatternSequential,
		MaxRetries: 1,
		Steps:      []Step{{ID: "a", Agent: "flaky"}},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := o.ExecuteWorkflow(context.Background(), "exhaust")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	sr := res.Steps["a"]
	if sr.Status != StepStatusFailed {
		t.Fatalf("status = %s, want failed", sr.Status)
	}
	if sr.Attempts != 2 {
		t.Fatalf("attempts = %d, want MaxRetries+1 = 2", sr.Attempts)
	}
	if sr.Error == "" {
		t.Fatalf("failed step should carry the last error")
	}
}

func TestParallelWaves(t *testing.T) {
	exec := newTestExecutor()
	o := newTestOrchestrator(exec)
	def := Definition{
		ID:      "par",
		Pattern: PatternParallel,
		Steps: []Step{
			{ID: "a", Agent: "x"},
			{ID: "b", Agent: "y"},
			{ID: "c", Agent: "z", DependsOn: []string{"a", "b"}},
		},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := o.ExecuteWorkflow(context.Background(), "par")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for id, sr := range res.Steps {
		if sr.Status != StepStatusSuccess {
			t.Fatalf("step %s status = %s", id, sr.Status)
		}
	}
	exec.mu.Lock()
	last := exec.calls[len(exec.calls)-1]
	exec.mu.Unlock()
	if last != "z" {
		t.Fatalf("dependent step ran before its wave, order: %v", exec.calls)
	}
}

func TestConditionalOnOutput(t *testing.T) {
	exec := newTestExecutor()
	exec.outputs["gate"] = `{"verdict":"go"}`
	o := newTestOrchestrator(exec)
	def := Definition{
		ID:      "cond",
		Pattern: PatternConditional,
		Steps: []Step{
			{ID: "check", Agent: "gate"},
			{ID: "go", Agent: "x", Condition: &Condition{Step: "check", Status: StepStatusSuccess, OutputKey: "verdict", Equals: "go"}},
			{ID: "stop", Agent: "y", Condition: &Condition{Step: "check", OutputKey: "verdict", Equals: "halt"}},
		},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := o.ExecuteWorkflow(context.Background(), "cond")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Steps["go"].Status != StepStatusSuccess {
		t.Fatalf("matching condition should run, got %s", res.Steps["go"].Status)
	}
	if res.Steps["stop"].Status != StepStatusSkipped {
		t.Fatalf("non-matching condition should skip, got %s", res.Steps["stop"].Status)
	}
	if exec.callCount("y") != 0 {
		t.Fatalf("skipped conditional step must not execute")
	}
}

func TestPipelineChainsOutputs(t *testing.T) {
	exec := newTestExecutor()
	exec.outputs["producer"] = `{"value":42}`
	o := newTestOrchestrator(exec)
	def := Definition{
		ID:      "pipe",
		Pattern: PatternPipeline,
		Steps: []Step{
			{ID: "produce", Agent: "producer"},
			{ID: "consume", Agent: "consumer", Input: json.RawMessage(`{"mode":"sum"}`)},
		},
	}
	if err := o.RegisterWorkflow(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := o.ExecuteWorkflow(context.Background(), "pipe")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var envelope struct {
		Params   map[string]any `json:"params"`
		Upstream map[string]any `json:"upstream"`
	}
	if err := json.Unmarshal(res.Steps["consume"].Output, &envelope); err != nil {
		t.Fatalf("unmarshal pipeline envelope: %v", err)
	}
	if envelope.Params["mode"] != "sum" {
		t.Fatalf("step params lost: %v", envelope.Params)
	}
	if envelope.Upstream["value"] != float64(42) {
		t.Fatalf("upstream output not chained: %v", envelope.Upstream)
	}
}
