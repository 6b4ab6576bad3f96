package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskforge/internal/domain"
	"taskforge/internal/registry"
	sqlitestore "taskforge/internal/store/sqlite"
)

type driverHarness struct {
	store    *sqlitestore.Store
	registry *registry.Registry
	driver   *Driver
	runID    string
}

func newDriverHarness(t *testing.T) *driverHarness {
	t.Helper()
	ctx := context.Background()

	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "queue_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	project := domain.Project{ID: uuid.NewString(), Name: "p", CreatedAt: time.Now().UTC()}
	if err := store.CreateProject(ctx, project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	run := domain.Run{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Status:    domain.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	reg := registry.New(nil)
	driver := NewDriver(store, reg, Config{
		RetryBase: time.Nanosecond,
		RetryMax:  time.Millisecond,
	}, nil)
	return &driverHarness{
		store:    store,
		registry: reg,
		driver:   driver,
		runID:    run.ID,
	}
}

func (h *driverHarness) newTask(taskType domain.TaskType, agentPath string) domain.TaskRecord {
	return domain.TaskRecord{
		ID:        uuid.NewString(),
		Name:      "t",
		Type:      taskType,
		Status:    domain.TaskStatusPending,
		Priority:  domain.PriorityNormal,
		RunID:     h.runID,
		InputData: json.RawMessage(`{"goal":"demo"}`),
		AgentPath: agentPath,
		CreatedAt: time.Now().UTC(),
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	h := newDriverHarness(t)
	ctx := context.Background()

	task := h.newTask(domain.TaskTypePlan, "ok")
	queued, err := h.driver.Submit(ctx, task)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !queued {
		t.Fatalf("first submit should enqueue")
	}
	queued, err = h.driver.Enqueue(ctx, task)
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if queued {
		t.Fatalf("duplicate enqueue must be a no-op")
	}
}

func TestProcessOneSuccess(t *testing.T) {
	h := newDriverHarness(t)
	ctx := context.Background()

	h.registry.Register("ok", registry.AgentFunc(func(_ context.Context, input []byte, _ map[string]any) ([]byte, error) {
		return []byte(`{"done":true}`), nil
	}), nil, nil)

	task := h.newTask(domain.TaskTypePlan, "ok")
	if _, err := h.driver.Submit(ctx, task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	processed, err := h.driver.ProcessOne(ctx, QueueFor(task.Type))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatalf("expected an item to be processed")
	}

	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskStatusSuccess {
		t.Fatalf("task status = %s, want success (%s)", got.Status, got.ErrorMessage)
	}
	if string(got.OutputData) != `{"done":true}` {
		t.Fatalf("output = %s", got.OutputData)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("timestamps not stamped")
	}

	result, err := h.store.GetResult(ctx, task.ID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if !result.Success {
		t.Fatalf("result should be successful")
	}
	if result.Metrics.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", result.Metrics.RetryCount)
	}

	run, err := h.store.GetRun(ctx, h.runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.CompletedTasks != 1 || run.FailedTasks != 0 {
		t.Fatalf("run counters = %d/%d", run.CompletedTasks, run.FailedTasks)
	}
}

func TestProcessOneRetriesThenFails(t *testing.T) {
	h := newDriverHarness(t)
	ctx := context.Background()

	h.registry.Register("flaky", registry.AgentFunc(func(_ context.Context, _ []byte, _ map[string]any) ([]byte, error) {
		return nil, fmt.Errorf("model unavailable")
	}), nil, nil)

	// Code tasks get two attempts.
	task := h.newTask(domain.TaskTypeCode, "flaky")
	if _, err := h.driver.Submit(ctx, task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	queue := QueueFor(task.Type)

	if _, err := h.driver.ProcessOne(ctx, queue); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskStatusRetry {
		t.Fatalf("after first failure status = %s, want retry", got.Status)
	}
	result, err := h.store.GetResult(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed attempt should still record a result: %v", err)
	}
	if result.Success || result.Error == "" {
		t.Fatalf("result = %+v, want recorded failure", result)
	}

	// Backoff is nanoseconds in this harness, so the retry is claimable at
	// once and exhausts the attempt budget.
	if _, err := h.driver.ProcessOne(ctx, queue); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	got, err = h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskStatusFailed {
		t.Fatalf("after exhausting attempts status = %s, want failed", got.Status)
	}

	run, err := h.store.GetRun(ctx, h.runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.FailedTasks != 1 {
		t.Fatalf("failed tasks = %d, want 1", run.FailedTasks)
	}
}

func TestCancelledTaskNeverExecutes(t *testing.T) {
	h := newDriverHarness(t)
	ctx := context.Background()

	var calls atomic.Int32
	h.registry.Register("counted", registry.AgentFunc(func(_ context.Context, _ []byte, _ map[string]any) ([]byte, error) {
		calls.Add(1)
		return []byte("{}"), nil
	}), nil, nil)

	task := h.newTask(domain.TaskTypePlan, "counted")
	if _, err := h.driver.Submit(ctx, task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.store.UpdateTaskStatus(ctx, task.ID, domain.TaskStatusCancelled, "operator"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	processed, err := h.driver.ProcessOne(ctx, QueueFor(task.Type))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatalf("item should be claimed and retired")
	}
	if calls.Load() != 0 {
		t.Fatalf("cancelled task reached the agent")
	}
	if processed, _ := h.driver.ProcessOne(ctx, QueueFor(task.Type)); processed {
		t.Fatalf("retired item was claimed again")
	}
}

func TestResolveAgentFromFactoryPath(t *testing.T) {
	h := newDriverHarness(t)
	ctx := context.Background()

	h.registry.RegisterFactory("tools/echo", func(_ map[string]any) (registry.Agent, error) {
		return registry.AgentFunc(func(_ context.Context, input []byte, _ map[string]any) ([]byte, error) {
			return input, nil
		}), nil
	})

	task := h.newTask(domain.TaskTypePlan, "tools/echo")
	if _, err := h.driver.Submit(ctx, task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.driver.ProcessOne(ctx, QueueFor(task.Type)); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskStatusSuccess {
		t.Fatalf("factory-resolved task status = %s (%s)", got.Status, got.ErrorMessage)
	}
	if !h.registry.Has("tools/echo") {
		t.Fatalf("resolved agent should remain registered")
	}
}

func TestUnknownAgentPathFailsAttempt(t *testing.T) {
	h := newDriverHarness(t)
	ctx := context.Background()

	task := h.newTask(domain.TaskTypeResearch, "no/such/agent")
	if _, err := h.driver.Submit(ctx, task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.driver.ProcessOne(ctx, QueueFor(task.Type)); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskStatusRetry && got.Status != domain.TaskStatusFailed {
		t.Fatalf("unknown agent path should fail the attempt, got %s", got.Status)
	}
}

func TestRateLimitReleasesClaim(t *testing.T) {
	h := newDriverHarness(t)
	ctx := context.Background()

	h.registry.Register("ok", registry.AgentFunc(func(_ context.Context, _ []byte, _ map[string]any) ([]byte, error) {
		return []byte("{}"), nil
	}), nil, nil)

	// Code tasks allow 3 dispatches per window.
	limit := RateLimitFor(domain.TaskTypeCode)
	for i := 0; i < limit+1; i++ {
		if _, err := h.driver.Submit(ctx, h.newTask(domain.TaskTypeCode, "ok")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	queue := QueueFor(domain.TaskTypeCode)

	for i := 0; i < limit; i++ {
		processed, err := h.driver.ProcessOne(ctx, queue)
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		if !processed {
			t.Fatalf("dispatch %d should be within the rate limit", i)
		}
	}
	processed, err := h.driver.ProcessOne(ctx, queue)
	if err != nil {
		t.Fatalf("over-limit process: %v", err)
	}
	if processed {
		t.Fatalf("dispatch beyond the rate limit should be deferred")
	}
}

func TestWatchdogRequeuesExpiredLease(t *testing.T) {
	h := newDriverHarness(t)
	ctx := context.Background()

	task := h.newTask(domain.TaskTypePlan, "ok")
	if _, err := h.driver.Submit(ctx, task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Simulate a worker that claimed the item, marked the task running and
	// then died before completing.
	fence := uuid.NewString()
	item, claimed, err := h.store.ClaimItem(ctx, QueueFor(task.Type), time.Now().UTC(), -time.Second, fence)
	if err != nil || !claimed {
		t.Fatalf("claim: %v claimed=%t", err, claimed)
	}
	if err := h.store.UpdateTaskStatus(ctx, task.ID, domain.TaskStatusRunning, ""); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	if err := h.driver.watchdogOnce(ctx); err != nil {
		t.Fatalf("watchdog: %v", err)
	}

	got, err := h.store.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get queue item: %v", err)
	}
	if got.Status != sqlitestore.QueueItemPending {
		t.Fatalf("item status = %s, want pending redelivery", got.Status)
	}
	taskRec, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if taskRec.Status != domain.TaskStatusRetry {
		t.Fatalf("task status = %s, want retry", taskRec.Status)
	}
}

func TestStaleFenceToken(t *testing.T) {
	h := newDriverHarness(t)
	ctx := context.Background()

	task := h.newTask(domain.TaskTypePlan, "ok")
	if _, err := h.driver.Submit(ctx, task); err != nil {
		t.Fatalf("submit: %v", err)
	}

	item, claimed, err := h.store.ClaimItem(ctx, QueueFor(task.Type), time.Now().UTC(), time.Minute, uuid.NewString())
	if err != nil || !claimed {
		t.Fatalf("claim: %v claimed=%t", err, claimed)
	}

	if err := h.store.CompleteItem(ctx, item.ID, "wrong-token"); !errors.Is(err, domain.ErrStaleAttempt) {
		t.Fatalf("complete with wrong token: %v, want ErrStaleAttempt", err)
	}
	if _, err := h.store.FailAttempt(ctx, item.ID, "wrong-token", "x", time.Now().UTC()); !errors.Is(err, domain.ErrStaleAttempt) {
		t.Fatalf("fail with wrong token: %v, want ErrStaleAttempt", err)
	}
}
