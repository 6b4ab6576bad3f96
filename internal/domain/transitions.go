package domain

// validTransitions defines the legal task status transitions.
// success, failed and cancelled are terminal: no outgoing edges.
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending: {
		TaskStatusRunning:   true,
		TaskStatusCancelled: true,
	},
	TaskStatusRunning: {
		TaskStatusSuccess:   true,
		TaskStatusFailed:    true,
		TaskStatusRetry:     true,
		TaskStatusCancelled: true,
	},
	TaskStatusRetry: {
		TaskStatusRunning:   true,
		TaskStatusFailed:    true,
		TaskStatusCancelled: true,
	},
}

func CanTransition(from, to TaskStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

func IsTerminalStatus(status TaskStatus) bool {
	return status == TaskStatusSuccess ||
		status == TaskStatusFailed ||
		status == TaskStatusCancelled
}

func IsFinalRunStatus(status RunStatus) bool {
	return status == RunStatusCompleted ||
		status == RunStatusFailed ||
		status == RunStatusCancelled
}
