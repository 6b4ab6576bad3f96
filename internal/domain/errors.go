package domain

import "errors"

var (
	ErrInvalidTransition  = errors.New("invalid task status transition")
	ErrLoopBudgetExceeded = errors.New("task loop budget exceeded")
	ErrTaskNotFound       = errors.New("task not found")
	ErrRunNotFound        = errors.New("run not found")
	ErrProjectNotFound    = errors.New("project not found")
	ErrArtifactNotFound   = errors.New("artifact not found")

	ErrUnknownAgent     = errors.New("agent is not registered")
	ErrUnknownAgentPath = errors.New("agent path does not resolve to a factory")

	ErrUnknownWorkflow   = errors.New("workflow is not registered")
	ErrWorkflowCycle     = errors.New("workflow dependency graph has a cycle")
	ErrUnknownDependency = errors.New("workflow step depends on unknown step")

	ErrStaleAttempt = errors.New("attempt token is stale")
)
