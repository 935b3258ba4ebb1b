package escalator

import (
	"time"

	"github.com/BearBump/AidBox/internal/models"
)

type PlannerConfig struct {
	CriticalAfter time.Duration // default: 1 minute
	HighAfter     time.Duration // default: 3 minutes
	NormalAfter   time.Duration // default: 10 minutes

	Backoff1 time.Duration // default: 5 minutes
	Backoff2 time.Duration // default: 15 minutes
	Backoff3 time.Duration // default: 30 minutes
	Backoff4 time.Duration // default: 60 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		CriticalAfter: 1 * time.Minute,
		HighAfter:     3 * time.Minute,
		NormalAfter:   10 * time.Minute,

		Backoff1: 5 * time.Minute,
		Backoff2: 15 * time.Minute,
		Backoff3: 30 * time.Minute,
		Backoff4: 60 * time.Minute,
	}
}

// Planner decides when a waiting request is overdue and when to re-raise it.
type Planner struct {
	cfg PlannerConfig
}

func NewPlanner(cfg PlannerConfig) *Planner {
	def := DefaultPlannerConfig()
	if cfg.CriticalAfter <= 0 {
		cfg.CriticalAfter = def.CriticalAfter
	}
	if cfg.HighAfter <= 0 {
		cfg.HighAfter = def.HighAfter
	}
	if cfg.NormalAfter <= 0 {
		cfg.NormalAfter = def.NormalAfter
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	return &Planner{cfg: cfg}
}

// Threshold is how long a request of the given priority may wait for a provider.
func (p *Planner) Threshold(pr models.Priority) time.Duration {
	switch pr {
	case models.PriorityCritical:
		return p.cfg.CriticalAfter
	case models.PriorityHigh:
		return p.cfg.HighAfter
	default:
		return p.cfg.NormalAfter
	}
}

// BackoffDelay is the pause before alert number level+1 is raised.
func (p *Planner) BackoffDelay(level int32) time.Duration {
	switch {
	case level <= 1:
		return p.cfg.Backoff1
	case level == 2:
		return p.cfg.Backoff2
	case level == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}
