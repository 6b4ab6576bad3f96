package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskforge/internal/domain"
	sqlitestore "taskforge/internal/store/sqlite"
)

type Store interface {
	CreateTask(ctx context.Context, task domain.TaskRecord) error
	GetTask(ctx context.Context, taskID string) (domain.TaskRecord, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, errorMessage string) error
	SetTaskOutput(ctx context.Context, taskID string, output json.RawMessage) error
	CreateResult(ctx context.Context, result domain.Result) error
	AddRunMetrics(ctx context.Context, runID string, completedDelta, failedDelta, tokens int, costUSD float64) error

	EnqueueItem(ctx context.Context, item sqlitestore.QueueItem, idempotencyKey string) (bool, error)
	ClaimItem(ctx context.Context, queue string, now time.Time, lease time.Duration, fenceToken string) (sqlitestore.QueueItem, bool, error)
	CompleteItem(ctx context.Context, itemID, fenceToken string) error
	FailAttempt(ctx context.Context, itemID, fenceToken, lastError string, retryAt time.Time) (bool, error)
	ReleaseItem(ctx context.Context, itemID, fenceToken string, nextAttemptAt time.Time) error
	ListExpiredLeases(ctx context.Context, limit int, now time.Time) ([]sqlitestore.QueueItem, error)
	RecordDispatch(ctx context.Context, taskType domain.TaskType, at time.Time) error
	CountRecentDispatches(ctx context.Context, taskType domain.TaskType, since time.Time) (int, error)
	PruneDispatches(ctx context.Context, before time.Time) error
}

type Registry interface {
	Has(name string) bool
	RegisterFromPath(name, path string, config map[string]any, metadata map[string]string) error
	Execute(ctx context.Context, name string, input []byte, config map[string]any) ([]byte, error)
}

type Config struct {
	PollInterval     time.Duration
	LeaseDuration    time.Duration
	WatchdogInterval time.Duration
	RetryBase        time.Duration
	RetryMax         time.Duration
	ExecTimeout      time.Duration
	RateWindow       time.Duration
	WorkersPerQueue  int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 3 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 10 * time.Minute
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.WorkersPerQueue <= 0 {
		c.WorkersPerQueue = 2
	}
	return c
}

// Driver shapes TaskRecords into durable queue items and runs them through
// the agent registry with lease-based redelivery, per-type rate limits and
// fenced completion.
type Driver struct {
	store    Store
	registry Registry
	cfg      Config
	logger   *log.Logger

	wg sync.WaitGroup
}

func NewDriver(store Store, registry Registry, cfg Config, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.Default()
	}
	return &Driver{
		store:    store,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Submit persists the task record and enqueues it on its routed queue. The
// task id doubles as the idempotency key, so resubmitting the same task is
// a no-op reported as queued=false.
func (d *Driver) Submit(ctx context.Context, task domain.TaskRecord) (bool, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		return false, fmt.Errorf("persist task: %w", err)
	}
	return d.Enqueue(ctx, task)
}

// Enqueue routes an already-persisted task onto the durable queue.
func (d *Driver) Enqueue(ctx context.Context, task domain.TaskRecord) (bool, error) {
	item := sqlitestore.QueueItem{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		Queue:       QueueFor(task.Type),
		TaskType:    task.Type,
		MaxAttempts: MaxAttemptsFor(task.Type),
	}
	queued, err := d.store.EnqueueItem(ctx, item, "task-"+task.ID)
	if err != nil {
		return false, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return queued, nil
}

// Start launches the per-queue worker loops and the lease watchdog.
func (d *Driver) Start(ctx context.Context) {
	for _, queue := range QueueNames() {
		for i := 0; i < d.cfg.WorkersPerQueue; i++ {
			d.wg.Add(1)
			go func(queue string) {
				defer d.wg.Done()
				d.workerLoop(ctx, queue)
			}(queue)
		}
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.watchdogLoop(ctx)
	}()
}

func (d *Driver) Wait() {
	d.wg.Wait()
}

func (d *Driver) workerLoop(ctx context.Context, queue string) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				processed, err := d.ProcessOne(ctx, queue)
				if err != nil {
					d.logger.Printf("queue %s worker error: %v", queue, err)
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

// ProcessOne claims and executes a single item from the queue. Reports
// whether an item was processed.
func (d *Driver) ProcessOne(ctx context.Context, queue string) (bool, error) {
	now := time.Now().UTC()
	fenceToken := uuid.NewString()
	item, claimed, err := d.store.ClaimItem(ctx, queue, now, d.cfg.LeaseDuration, fenceToken)
	if err != nil {
		return false, fmt.Errorf("claim from %s: %w", queue, err)
	}
	if !claimed {
		return false, nil
	}

	limited, err := d.rateLimited(ctx, item.TaskType, now)
	if err != nil {
		return false, err
	}
	if limited {
		retryAt := now.Add(d.cfg.RateWindow / time.Duration(RateLimitFor(item.TaskType)))
		if err := d.store.ReleaseItem(ctx, item.ID, fenceToken, retryAt); err != nil {
			return false, fmt.Errorf("release rate-limited item: %w", err)
		}
		return false, nil
	}
	if err := d.store.RecordDispatch(ctx, item.TaskType, now); err != nil {
		d.logger.Printf("record dispatch for %s failed: %v", item.TaskID, err)
	}

	d.executeItem(ctx, item, fenceToken)
	return true, nil
}

func (d *Driver) rateLimited(ctx context.Context, taskType domain.TaskType, now time.Time) (bool, error) {
	count, err := d.store.CountRecentDispatches(ctx, taskType, now.Add(-d.cfg.RateWindow))
	if err != nil {
		return false, fmt.Errorf("count dispatches: %w", err)
	}
	return count >= RateLimitFor(taskType), nil
}

// executeItem is the execution wrapper: running status before invocation,
// wall-clock latency and token/cost estimation after, and a persisted
// Result regardless of outcome. Every terminal write is fenced by the
// attempt token.
func (d *Driver) executeItem(ctx context.Context, item sqlitestore.QueueItem, fenceToken string) {
	task, err := d.store.GetTask(ctx, item.TaskID)
	if err != nil {
		d.logger.Printf("load task %s for queue item %s: %v", item.TaskID, item.ID, err)
		d.failAttempt(ctx, item, fenceToken, err.Error(), nil, domain.Metrics{RetryCount: item.Attempts - 1})
		return
	}

	if err := d.store.UpdateTaskStatus(ctx, task.ID, domain.TaskStatusRunning, ""); err != nil {
		// A cancelled or already-terminal task never reaches the agent.
		d.logger.Printf("task %s not runnable: %v", task.ID, err)
		if err := d.store.CompleteItem(ctx, item.ID, fenceToken); err != nil {
			d.logger.Printf("retire unrunnable item %s: %v", item.ID, err)
		}
		return
	}

	agentName, err := d.resolveAgent(task)
	execStart := time.Now()
	var output []byte
	if err == nil {
		execCtx, cancel := context.WithTimeout(ctx, d.cfg.ExecTimeout)
		output, err = d.registry.Execute(execCtx, agentName, task.InputData, decodeAgentConfig(task.AgentConfig))
		cancel()
	}
	latency := time.Since(execStart)

	tokensIn := EstimateTokens(task.InputData)
	tokensOut := EstimateTokens(output)
	metrics := domain.Metrics{
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		LatencyMS:  latency.Milliseconds(),
		CostUSD:    EstimateCostUSD(tokensIn, tokensOut),
		RetryCount: item.Attempts - 1,
	}

	if err != nil {
		d.failAttempt(ctx, item, fenceToken, err.Error(), &task, metrics)
		return
	}

	// Fence before committing side effects: if the lease was reassigned
	// this attempt is stale and must not record a duplicate terminal state.
	if err := d.store.CompleteItem(ctx, item.ID, fenceToken); err != nil {
		d.logger.Printf("stale attempt for task %s dropped: %v", task.ID, err)
		return
	}

	if err := d.store.SetTaskOutput(ctx, task.ID, output); err != nil {
		d.logger.Printf("set output for task %s: %v", task.ID, err)
	}
	if err := d.store.UpdateTaskStatus(ctx, task.ID, domain.TaskStatusSuccess, ""); err != nil {
		d.logger.Printf("mark task %s success: %v", task.ID, err)
	}
	if err := d.store.CreateResult(ctx, domain.Result{
		TaskID:  task.ID,
		Success: true,
		Data:    output,
		Metrics: metrics,
	}); err != nil {
		d.logger.Printf("record result for task %s: %v", task.ID, err)
	}
	if err := d.store.AddRunMetrics(ctx, task.RunID, 1, 0, tokensIn+tokensOut, metrics.CostUSD); err != nil {
		d.logger.Printf("update run metrics for %s: %v", task.RunID, err)
	}
}

func (d *Driver) failAttempt(ctx context.Context, item sqlitestore.QueueItem, fenceToken, execErr string, task *domain.TaskRecord, metrics domain.Metrics) {
	retryAt := time.Now().UTC().Add(Backoff(item.Attempts, d.cfg.RetryBase, d.cfg.RetryMax))
	retried, err := d.store.FailAttempt(ctx, item.ID, fenceToken, execErr, retryAt)
	if err != nil {
		d.logger.Printf("stale failure for item %s dropped: %v", item.ID, err)
		return
	}
	if task == nil {
		return
	}

	// Failures still produce a persisted Result.
	if err := d.store.CreateResult(ctx, domain.Result{
		TaskID:  task.ID,
		Success: false,
		Error:   execErr,
		Metrics: metrics,
	}); err != nil {
		d.logger.Printf("record failed result for task %s: %v", task.ID, err)
	}

	if retried {
		if err := d.store.UpdateTaskStatus(ctx, task.ID, domain.TaskStatusRetry, execErr); err != nil {
			d.logger.Printf("mark task %s retry: %v", task.ID, err)
		}
		return
	}
	if err := d.store.UpdateTaskStatus(ctx, task.ID, domain.TaskStatusFailed, execErr); err != nil {
		d.logger.Printf("mark task %s failed: %v", task.ID, err)
	}
	tokens := metrics.TokensIn + metrics.TokensOut
	if err := d.store.AddRunMetrics(ctx, task.RunID, 0, 1, tokens, metrics.CostUSD); err != nil {
		d.logger.Printf("update run metrics for %s: %v", task.RunID, err)
	}
}

// resolveAgent maps agent_path to a registered agent, constructing it from
// the factory table on first use.
func (d *Driver) resolveAgent(task domain.TaskRecord) (string, error) {
	if d.registry.Has(task.AgentPath) {
		return task.AgentPath, nil
	}
	if err := d.registry.RegisterFromPath(task.AgentPath, task.AgentPath, decodeAgentConfig(task.AgentConfig), nil); err != nil {
		return "", err
	}
	return task.AgentPath, nil
}

func (d *Driver) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.watchdogOnce(ctx); err != nil {
				d.logger.Printf("queue watchdog error: %v", err)
			}
		}
	}
}

// watchdogOnce redelivers items whose lease expired (worker crash or hang)
// and prunes stale rate-limit bookkeeping.
func (d *Driver) watchdogOnce(ctx context.Context) error {
	now := time.Now().UTC()
	expired, err := d.store.ListExpiredLeases(ctx, 128, now)
	if err != nil {
		return err
	}
	for _, item := range expired {
		retryAt := now.Add(Backoff(item.Attempts, d.cfg.RetryBase, d.cfg.RetryMax))
		retried, err := d.store.FailAttempt(ctx, item.ID, item.FenceToken, "lease expired", retryAt)
		if err != nil {
			d.logger.Printf("requeue expired lease %s: %v", item.ID, err)
			continue
		}
		status := domain.TaskStatusRetry
		if !retried {
			status = domain.TaskStatusFailed
		}
		if err := d.store.UpdateTaskStatus(ctx, item.TaskID, status, "lease expired"); err != nil {
			d.logger.Printf("mark task %s after lease expiry: %v", item.TaskID, err)
		}
	}
	if err := d.store.PruneDispatches(ctx, now.Add(-2*d.cfg.RateWindow)); err != nil {
		return err
	}
	return nil
}

func decodeAgentConfig(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil
	}
	return cfg
}
