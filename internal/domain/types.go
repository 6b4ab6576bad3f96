package domain

import (
	"encoding/json"
	"time"
)

type TaskType string

const (
	TaskTypePlan         TaskType = "plan"
	TaskTypeSpec         TaskType = "spec"
	TaskTypeArchitecture TaskType = "architecture"
	TaskTypeCode         TaskType = "code"
	TaskTypeTest         TaskType = "test"
	TaskTypeValidate     TaskType = "validate"
	TaskTypeDocument     TaskType = "document"
	TaskTypeResearch     TaskType = "research"
	TaskTypeCritic       TaskType = "critic"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusRetry     TaskStatus = "retry"
	TaskStatusCancelled TaskStatus = "cancelled"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

type ArtifactKind string

const (
	ArtifactKindCode   ArtifactKind = "code"
	ArtifactKindDocs   ArtifactKind = "docs"
	ArtifactKindTests  ArtifactKind = "tests"
	ArtifactKindConfig ArtifactKind = "config"
)

type MessageType string

const (
	MessageTypeCollaborationRequest MessageType = "collaboration_request"
	MessageTypeTaskRequest          MessageType = "task_request"
	MessageTypeStatusUpdate         MessageType = "status_update"
	MessageTypeResponse             MessageType = "response"
	MessageTypeBroadcast            MessageType = "broadcast"
)

type TaskRecord struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         TaskType        `json:"task_type"`
	Status       TaskStatus      `json:"status"`
	Priority     Priority        `json:"priority"`
	ProjectID    string          `json:"project_id"`
	RunID        string          `json:"run_id"`
	ParentTaskID string          `json:"parent_task_id,omitempty"`
	DependsOn    []string        `json:"depends_on,omitempty"`
	InputData    json.RawMessage `json:"input_data"`
	OutputData   json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	GatePolicies []string        `json:"gate_policies,omitempty"`
	MaxLoops     int             `json:"max_loops"`
	CurrentLoop  int             `json:"current_loop"`
	FallbackTask string          `json:"fallback_task,omitempty"`
	AgentPath    string          `json:"agent_path"`
	AgentConfig  json.RawMessage `json:"agent_config,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Metrics is a value object attached 1:1 to a completed execution.
// It is never mutated after construction.
type Metrics struct {
	TokensIn   int     `json:"tokens_in"`
	TokensOut  int     `json:"tokens_out"`
	LatencyMS  int64   `json:"latency_ms"`
	CostUSD    float64 `json:"cost_usd"`
	MemoryMB   float64 `json:"memory_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	RetryCount int     `json:"retry_count"`
}

type Result struct {
	TaskID   string          `json:"task_id"`
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
	Metrics  Metrics         `json:"metrics"`
}

type Artifact struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	ProjectID   string       `json:"project_id"`
	RunID       string       `json:"run_id"`
	Name        string       `json:"name"`
	Kind        ArtifactKind `json:"kind"`
	Path        string       `json:"path"`
	Checksum    string       `json:"checksum"`
	Content     []byte       `json:"content,omitempty"`
	DerivedFrom []string     `json:"derived_from,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

type Critique struct {
	ID            string             `json:"id"`
	TaskID        string             `json:"task_id"`
	ArtifactID    string             `json:"artifact_id,omitempty"`
	OverallScore  float64            `json:"overall_score"`
	PolicyScores  map[string]float64 `json:"policy_scores,omitempty"`
	PassThreshold bool               `json:"pass_threshold"`
	Reasons       []string           `json:"reasons,omitempty"`
	PatchPlan     []string           `json:"patch_plan,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Run struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Status         RunStatus  `json:"status"`
	TotalTasks     int        `json:"total_tasks"`
	CompletedTasks int        `json:"completed_tasks"`
	FailedTasks    int        `json:"failed_tasks"`
	TotalTokens    int        `json:"total_tokens"`
	TotalCostUSD   float64    `json:"total_cost_usd"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// AgentMessage travels over the in-process broker, not the task queue.
type AgentMessage struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	SenderID      string          `json:"sender_id"`
	RecipientID   string          `json:"recipient_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}
