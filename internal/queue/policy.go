package queue

import (
	"time"

	"taskforge/internal/domain"
)

const (
	QueueDefault = "default"
	QueueIO      = "io"
	QueueHeavy   = "heavy"
	QueueTest    = "test"
)

// Routing reflects the expected resource profile per task type:
// network-bound work goes to io, generation to heavy, evaluation to test.
var routing = map[domain.TaskType]string{
	domain.TaskTypeResearch:     QueueIO,
	domain.TaskTypeDocument:     QueueIO,
	domain.TaskTypeCode:         QueueHeavy,
	domain.TaskTypeArchitecture: QueueHeavy,
	domain.TaskTypeTest:         QueueTest,
	domain.TaskTypeValidate:     QueueTest,
	domain.TaskTypeCritic:       QueueTest,
}

func QueueFor(taskType domain.TaskType) string {
	if queue, ok := routing[taskType]; ok {
		return queue
	}
	return QueueDefault
}

func QueueNames() []string {
	return []string{QueueDefault, QueueIO, QueueHeavy, QueueTest}
}

const defaultRatePerMinute = 10

var ratePerMinute = map[domain.TaskType]int{
	domain.TaskTypeResearch: 5,
	domain.TaskTypeCode:     3,
	domain.TaskTypeCritic:   20,
}

func RateLimitFor(taskType domain.TaskType) int {
	if limit, ok := ratePerMinute[taskType]; ok {
		return limit
	}
	return defaultRatePerMinute
}

const defaultMaxAttempts = 3

var maxAttempts = map[domain.TaskType]int{
	domain.TaskTypePlan: 3,
	domain.TaskTypeSpec: 3,
	domain.TaskTypeCode: 2,
	domain.TaskTypeTest: 2,
}

func MaxAttemptsFor(taskType domain.TaskType) int {
	if attempts, ok := maxAttempts[taskType]; ok {
		return attempts
	}
	return defaultMaxAttempts
}

// Backoff returns the exponential retry delay for the given completed
// attempt count, capped at max.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// EstimateTokens approximates token usage from payload byte length. This is
// an approximation for run accounting, not a billing-accurate measurement.
func EstimateTokens(payload []byte) int {
	return len(payload) / 4
}

const costPerThousandTokensUSD = 0.015

func EstimateCostUSD(tokensIn, tokensOut int) float64 {
	return float64(tokensIn+tokensOut) / 1000 * costPerThousandTokensUSD
}
