package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"taskforge/internal/artifacts"
	"taskforge/internal/broker"
	"taskforge/internal/domain"
	"taskforge/internal/registry"
)

// Toolkit carries the shared infrastructure handed to built-in agents.
type Toolkit struct {
	Artifacts *artifacts.Gateway
	Broker    *broker.Broker
	Logger    *log.Logger
}

func (t Toolkit) logger() *log.Logger {
	if t.Logger == nil {
		return log.Default()
	}
	return t.Logger
}

// RegisterBuiltins installs the stock agent factories. Each factory path can
// be referenced directly from a task's agent_path.
func RegisterBuiltins(reg *registry.Registry, tk Toolkit) {
	reg.RegisterFactory("builtin/echo", func(config map[string]any) (registry.Agent, error) {
		return registry.AgentFunc(echoAgent), nil
	})
	reg.RegisterFactory("builtin/planner", func(config map[string]any) (registry.Agent, error) {
		return registry.AgentFunc(plannerAgent), nil
	})
	reg.RegisterFactory("builtin/coder", func(config map[string]any) (registry.Agent, error) {
		return registry.AgentFunc(coderAgent(tk)), nil
	})
	reg.RegisterFactory("builtin/critic", func(config map[string]any) (registry.Agent, error) {
		return registry.AgentFunc(criticAgent), nil
	})
	reg.RegisterFactory("builtin/researcher", func(config map[string]any) (registry.Agent, error) {
		return registry.AgentFunc(researcherAgent(tk)), nil
	})
}

func echoAgent(ctx context.Context, input []byte, config map[string]any) ([]byte, error) {
	if len(input) == 0 {
		return []byte("{}"), nil
	}
	return input, nil
}

type planRequest struct {
	Goal  string `json:"goal"`
	Scope string `json:"scope,omitempty"`
}

type planStep struct {
	ID        string   `json:"id"`
	Agent     string   `json:"agent"`
	Goal      string   `json:"goal"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// plannerAgent turns a goal into a fixed implement/critique plan. It stands
// in for a model-backed planner and keeps demo workflows runnable offline.
func plannerAgent(ctx context.Context, input []byte, config map[string]any) ([]byte, error) {
	var req planRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("parse plan request: %w", err)
	}
	if strings.TrimSpace(req.Goal) == "" {
		return nil, fmt.Errorf("plan request has no goal")
	}
	plan := struct {
		Summary string     `json:"summary"`
		Steps   []planStep `json:"steps"`
	}{
		Summary: "implement then critique: " + req.Goal,
		Steps: []planStep{
			{ID: "implement", Agent: "builtin/coder", Goal: req.Goal},
			{ID: "critique", Agent: "builtin/critic", Goal: "review implementation", DependsOn: []string{"implement"}},
		},
	}
	return json.Marshal(plan)
}

type coderRequest struct {
	TaskID    string      `json:"task_id"`
	ProjectID string      `json:"project_id,omitempty"`
	RunID     string      `json:"run_id,omitempty"`
	Files     []coderFile `json:"files"`
}

type coderFile struct {
	Path        string   `json:"path"`
	Kind        string   `json:"kind,omitempty"`
	Content     string   `json:"content"`
	DerivedFrom []string `json:"derived_from,omitempty"`
}

// coderAgent publishes the requested files through the artifacts gateway and
// reports what was created with checksums.
func coderAgent(tk Toolkit) registry.AgentFunc {
	return func(ctx context.Context, input []byte, config map[string]any) ([]byte, error) {
		var req coderRequest
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, fmt.Errorf("parse coder request: %w", err)
		}
		if len(req.Files) == 0 {
			return nil, fmt.Errorf("coder request has no files")
		}
		if tk.Artifacts == nil {
			return nil, fmt.Errorf("coder agent has no artifacts gateway")
		}

		type created struct {
			ArtifactID string `json:"artifact_id"`
			Path       string `json:"path"`
			Checksum   string `json:"checksum"`
		}
		out := make([]created, 0, len(req.Files))
		for _, file := range req.Files {
			kind := domain.ArtifactKind(file.Kind)
			if kind == "" {
				kind = domain.ArtifactKindCode
			}
			artifact, err := tk.Artifacts.Publish(ctx, domain.Artifact{
				TaskID:      req.TaskID,
				ProjectID:   req.ProjectID,
				RunID:       req.RunID,
				Kind:        kind,
				DerivedFrom: file.DerivedFrom,
			}, file.Path, []byte(file.Content))
			if err != nil {
				return nil, fmt.Errorf("publish %s: %w", file.Path, err)
			}
			out = append(out, created{
				ArtifactID: artifact.ID,
				Path:       artifact.Path,
				Checksum:   artifact.Checksum,
			})
		}
		return json.Marshal(map[string]any{"created": out})
	}
}

type criticRequest struct {
	Scores        map[string]float64 `json:"scores"`
	PassThreshold float64            `json:"pass_threshold,omitempty"`
	Summary       string             `json:"summary,omitempty"`
}

// criticAgent scores a result against a flat threshold. The full gate
// evaluation with per-policy thresholds lives in the policy engine; this
// agent feeds it.
func criticAgent(ctx context.Context, input []byte, config map[string]any) ([]byte, error) {
	var req criticRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("parse critic request: %w", err)
	}
	threshold := req.PassThreshold
	if raw, ok := config["pass_threshold"]; ok {
		if v, ok := raw.(float64); ok {
			threshold = v
		}
	}
	if threshold <= 0 {
		threshold = 0.7
	}

	var sum float64
	pass := true
	reasons := make([]string, 0)
	for name, score := range req.Scores {
		sum += score
		if score < threshold {
			pass = false
			reasons = append(reasons, fmt.Sprintf("%s scored %.2f below %.2f", name, score, threshold))
		}
	}
	overall := 0.0
	if len(req.Scores) > 0 {
		overall = sum / float64(len(req.Scores))
	}
	return json.Marshal(map[string]any{
		"overall_score": overall,
		"scores":        req.Scores,
		"pass":          pass,
		"reasons":       reasons,
	})
}

type researchRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Topic   string `json:"topic"`
}

// researcherAgent announces its findings over the broker so collaborating
// agents can pick them up, then returns them as output.
func researcherAgent(tk Toolkit) registry.AgentFunc {
	return func(ctx context.Context, input []byte, config map[string]any) ([]byte, error) {
		var req researchRequest
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, fmt.Errorf("parse research request: %w", err)
		}
		if strings.TrimSpace(req.Topic) == "" {
			return nil, fmt.Errorf("research request has no topic")
		}

		findings := map[string]any{
			"topic":      req.Topic,
			"summary":    "collected notes on " + req.Topic,
			"sources":    []string{},
			"created_at": time.Now().UTC().Format(time.RFC3339),
		}
		payload, err := json.Marshal(findings)
		if err != nil {
			return nil, err
		}

		if tk.Broker != nil {
			sender := req.AgentID
			if sender == "" {
				sender = "builtin/researcher"
			}
			delivered := tk.Broker.Broadcast(domain.AgentMessage{
				Type:     domain.MessageTypeStatusUpdate,
				SenderID: sender,
				Payload:  payload,
			}, true)
			tk.logger().Printf("researcher broadcast findings on %q to %d agents", req.Topic, delivered)
		}
		return payload, nil
	}
}
