// Package health derives queue health and dashboard statistics from the event store.
package health

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Thresholds struct {
	// FailureRatio is the failed/(completed+failed+1) ratio at which health degrades.
	FailureRatio float64 `mapstructure:"failure_ratio"`
	BacklogSoft  int64   `mapstructure:"backlog_soft"`
	BacklogHard  int64   `mapstructure:"backlog_hard"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{FailureRatio: 0.1, BacklogSoft: 1000, BacklogHard: 10000}
}

type Inputs struct {
	StoreReachable    bool
	CompletedLastHour int64
	FailedLastHour    int64
	Backlog           int64
}

// FailureRatio is smoothed by one so an idle queue is not divided by zero.
func (in Inputs) FailureRatio() float64 {
	return float64(in.FailedLastHour) / float64(in.CompletedLastHour+in.FailedLastHour+1)
}

// Classify maps inputs to the three-tier status. An unreachable store or a
// backlog past the hard ceiling is unhealthy whatever the failure ratio.
func Classify(in Inputs, th Thresholds) Status {
	switch {
	case !in.StoreReachable:
		return StatusUnhealthy
	case th.BacklogHard > 0 && in.Backlog > th.BacklogHard:
		return StatusUnhealthy
	case in.FailureRatio() >= th.FailureRatio:
		return StatusDegraded
	case th.BacklogSoft > 0 && in.Backlog >= th.BacklogSoft:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// BacklogStatus classifies the backlog alone.
func BacklogStatus(backlog int64, th Thresholds) Status {
	switch {
	case th.BacklogHard > 0 && backlog > th.BacklogHard:
		return StatusUnhealthy
	case th.BacklogSoft > 0 && backlog >= th.BacklogSoft:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
