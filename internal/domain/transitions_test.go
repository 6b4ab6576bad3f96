package domain

import (
	"testing"

	"pgregory.net/rapid"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusPending, TaskStatusRunning, true},
		{TaskStatusPending, TaskStatusCancelled, true},
		{TaskStatusPending, TaskStatusSuccess, false},
		{TaskStatusRunning, TaskStatusSuccess, true},
		{TaskStatusRunning, TaskStatusFailed, true},
		{TaskStatusRunning, TaskStatusRetry, true},
		{TaskStatusRetry, TaskStatusRunning, true},
		{TaskStatusRetry, TaskStatusSuccess, false},
		{TaskStatusSuccess, TaskStatusRunning, false},
		{TaskStatusFailed, TaskStatusRetry, false},
		{TaskStatusCancelled, TaskStatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %t, want %t", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	all := []TaskStatus{
		TaskStatusPending, TaskStatusRunning, TaskStatusSuccess,
		TaskStatusFailed, TaskStatusRetry, TaskStatusCancelled,
	}
	for _, from := range all {
		if !IsTerminalStatus(from) {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal status %s allows transition to %s", from, to)
			}
		}
	}
}

// Any walk through the transition map that reaches a terminal status can
// never leave it.
func TestTransitionWalksEndInTerminal(t *testing.T) {
	all := []TaskStatus{
		TaskStatusPending, TaskStatusRunning, TaskStatusSuccess,
		TaskStatusFailed, TaskStatusRetry, TaskStatusCancelled,
	}
	rapid.Check(t, func(t *rapid.T) {
		current := TaskStatusPending
		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			next := rapid.SampledFrom(all).Draw(t, "next")
			if IsTerminalStatus(current) {
				if CanTransition(current, next) {
					t.Fatalf("escaped terminal status %s via %s", current, next)
				}
				continue
			}
			if CanTransition(current, next) {
				current = next
			}
		}
	})
}
