package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskforge/internal/domain"
)

type Store interface {
	IncrementTaskLoop(ctx context.Context, taskID string) (int, error)
	CreateCritique(ctx context.Context, critique domain.Critique) error
}

// Decision is the gate outcome for a task whose critique came back.
type Decision string

const (
	DecisionPass     Decision = "pass"
	DecisionRevise   Decision = "revise"
	DecisionFallback Decision = "fallback"
	DecisionFail     Decision = "fail"
)

type Config struct {
	PassThreshold float64
	Thresholds    map[string]float64
}

func (c Config) withDefaults() Config {
	if c.PassThreshold <= 0 {
		c.PassThreshold = 0.7
	}
	return c
}

// Engine scores gate policies and turns a failing critique into a revise,
// fallback or fail decision, charging the task's loop budget on each revise.
type Engine struct {
	store Store
	cfg   Config
}

func New(store Store, cfg Config) *Engine {
	return &Engine{store: store, cfg: cfg.withDefaults()}
}

func (e *Engine) thresholdFor(policy string) float64 {
	if t, ok := e.cfg.Thresholds[policy]; ok {
		return t
	}
	return e.cfg.PassThreshold
}

// Evaluate builds and persists a critique from per-policy scores. Only the
// policies named on the task gate the result; extra scores are recorded but
// never fail it. The overall score is the mean of the gating policies, or
// of all scores when the task names none.
func (e *Engine) Evaluate(ctx context.Context, task domain.TaskRecord, scores map[string]float64, patchPlan []string) (domain.Critique, error) {
	gating := task.GatePolicies
	if len(gating) == 0 {
		gating = make([]string, 0, len(scores))
		for name := range scores {
			gating = append(gating, name)
		}
	}

	critique := domain.Critique{
		ID:            uuid.NewString(),
		TaskID:        task.ID,
		PolicyScores:  scores,
		PassThreshold: true,
		PatchPlan:     patchPlan,
		CreatedAt:     time.Now().UTC(),
	}

	var sum float64
	for _, policy := range gating {
		score, ok := scores[policy]
		if !ok {
			critique.PassThreshold = false
			critique.Reasons = append(critique.Reasons, fmt.Sprintf("policy %s was not scored", policy))
			continue
		}
		sum += score
		if score < e.thresholdFor(policy) {
			critique.PassThreshold = false
			critique.Reasons = append(critique.Reasons,
				fmt.Sprintf("policy %s scored %.2f below threshold %.2f", policy, score, e.thresholdFor(policy)))
		}
	}
	if len(gating) > 0 {
		critique.OverallScore = sum / float64(len(gating))
	}

	if err := e.store.CreateCritique(ctx, critique); err != nil {
		return domain.Critique{}, fmt.Errorf("persist critique: %w", err)
	}
	return critique, nil
}

// Decide maps a critique onto the task's loop budget. A failing critique
// consumes one loop; an exhausted budget falls back to the task's fallback
// agent when one is configured, otherwise the task fails.
func (e *Engine) Decide(ctx context.Context, task domain.TaskRecord, critique domain.Critique) (Decision, error) {
	if critique.PassThreshold {
		return DecisionPass, nil
	}
	_, err := e.store.IncrementTaskLoop(ctx, task.ID)
	if err == nil {
		return DecisionRevise, nil
	}
	if errors.Is(err, domain.ErrLoopBudgetExceeded) {
		if task.FallbackTask != "" {
			return DecisionFallback, nil
		}
		return DecisionFail, nil
	}
	return DecisionFail, err
}
