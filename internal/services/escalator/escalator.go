// Package escalator raises alerts for requests that wait in PENDING_DISPATCH longer than
// their priority allows. It never changes the request; dispatch policy reacts to the
// alerts outside this service.
package escalator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/AidBox/internal/broker/messages"
	"github.com/BearBump/AidBox/internal/clock"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimDuePending(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.PendingRequest, error)
	ScheduleEscalation(ctx context.Context, id string, count int32, next time.Time) error
}

type Publisher interface {
	PublishEscalation(ctx context.Context, msg messages.RequestEscalated) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, int64, error)
}

const (
	publishAttempts = 3
	// пауза перед повторной проверкой, если лимит алертов на минуту выбран
	limitedRetryDelay = time.Minute
)

type Escalator struct {
	repo Repository
	pub  Publisher
	rl   RateLimiter
	clk  clock.Clock

	planner *Planner

	pollInterval time.Duration
	batchSize    int
	concurrency  int
	lease        time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalRaised         atomic.Int64
	totalDeferred       atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

// New builds an escalator with default settings. rl may be nil.
func New(repo Repository, pub Publisher, rl RateLimiter) *Escalator {
	return &Escalator{
		repo:              repo,
		pub:               pub,
		rl:                rl,
		clk:               clock.NewMonotonic(),
		planner:           NewPlanner(DefaultPlannerConfig()),
		pollInterval:      5 * time.Second,
		batchSize:         100,
		concurrency:       8,
		lease:             60 * time.Second,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (e *Escalator) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration) *Escalator {
	if pollInterval > 0 {
		e.pollInterval = pollInterval
	}
	if batchSize > 0 {
		e.batchSize = batchSize
	}
	if concurrency > 0 {
		e.concurrency = concurrency
	}
	if lease > 0 {
		e.lease = lease
	}
	return e
}

func (e *Escalator) WithPlanner(cfg PlannerConfig) *Escalator {
	e.planner = NewPlanner(cfg)
	return e
}

func (e *Escalator) WithClock(c clock.Clock) *Escalator {
	if c != nil {
		e.clk = c
	}
	return e
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (e *Escalator) Trigger() {
	e.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed  int64      `json:"totalClaimed"`
	TotalRaised   int64      `json:"totalRaised"`
	TotalDeferred int64      `json:"totalDeferred"`
	TotalErrors   int64      `json:"totalErrors"`
	InFlight      int64      `json:"inFlight"`
	LastError     string     `json:"lastError,omitempty"`
}

func (e *Escalator) Stats() Stats {
	st := Stats{
		StartedAt:     time.Unix(0, e.startedAtUnixNano).UTC(),
		TotalClaimed:  e.totalClaimed.Load(),
		TotalRaised:   e.totalRaised.Load(),
		TotalDeferred: e.totalDeferred.Load(),
		TotalErrors:   e.totalErrors.Load(),
		InFlight:      e.inFlight.Load(),
	}
	if n := e.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := e.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	e.lastErrorMu.Lock()
	st.LastError = e.lastError
	e.lastErrorMu.Unlock()
	return st
}

type backlogCounter interface {
	CountPending(ctx context.Context) (map[models.Priority]int64, error)
}

// Backlog is the PENDING_DISPATCH backlog by priority; nil when the repository
// cannot count it.
func (e *Escalator) Backlog(ctx context.Context) (map[models.Priority]int64, error) {
	c, ok := e.repo.(backlogCounter)
	if !ok {
		return nil, nil
	}
	return c.CountPending(ctx)
}

func (e *Escalator) Run(ctx context.Context) error {
	t := time.NewTicker(e.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.runOnce(ctx)
		case <-e.triggerCh:
			e.runOnce(ctx)
		}
	}
}

func (e *Escalator) setLastError(err error) {
	e.lastErrorMu.Lock()
	e.lastError = err.Error()
	e.lastErrorMu.Unlock()
}

func (e *Escalator) runOnce(ctx context.Context) {
	now := e.clk.Now()
	e.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())

	items, err := e.repo.ClaimDuePending(ctx, now, e.batchSize, e.lease)
	if err != nil {
		slog.Error("claim due pending requests", "error", err.Error())
		e.setLastError(err)
		return
	}
	e.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for _, item := range items {
		sem <- struct{}{}
		wg.Add(1)
		e.inFlight.Add(1)
		go func(item *models.PendingRequest) {
			defer func() {
				e.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := e.processOne(ctx, item); err != nil {
				e.totalErrors.Add(1)
				e.setLastError(err)
				slog.Error("escalate request", "request_id", item.Request.ID, "error", err.Error())
			}
		}(item)
	}
	wg.Wait()
}

// processOne either raises the next alert or pushes the check to when the request
// becomes overdue. A publish failure leaves the lease in place so the row is retried
// after it expires.
func (e *Escalator) processOne(ctx context.Context, item *models.PendingRequest) error {
	now := e.clk.Now()
	r := item.Request

	overdueAt := r.CreatedAt.Add(e.planner.Threshold(r.Priority))
	if now.Before(overdueAt) {
		e.totalDeferred.Add(1)
		return e.repo.ScheduleEscalation(ctx, r.ID, item.EscalationCount, overdueAt)
	}

	if e.rl != nil {
		key := fmt.Sprintf("rl:escalations:%s", now.UTC().Format("200601021504"))
		allowed, n, err := e.rl.Allow(ctx, key)
		switch {
		case err != nil:
			slog.Warn("escalation rate limiter failed", "error", err.Error())
		case !allowed:
			slog.Warn("escalation rate limit exceeded", "request_id", r.ID, "count", n)
			e.totalDeferred.Add(1)
			return e.repo.ScheduleEscalation(ctx, r.ID, item.EscalationCount, now.Add(limitedRetryDelay))
		}
	}

	level := item.EscalationCount + 1
	next := now.Add(e.planner.BackoffDelay(level))
	msg := messages.RequestEscalated{
		RequestID:   r.ID,
		CustomerID:  r.CustomerID,
		Priority:    string(r.Priority),
		ServiceType: string(r.ServiceType),
		Level:       level,
		WaitingFor:  now.Sub(r.CreatedAt).Truncate(time.Second).String(),
		CreatedAt:   r.CreatedAt,
		RaisedAt:    now,
		NextCheckAt: &next,
	}

	var pubErr error
	for i := 0; i < publishAttempts; i++ {
		if pubErr = e.pub.PublishEscalation(ctx, msg); pubErr == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(100*(i+1)) * time.Millisecond):
		}
	}
	if pubErr != nil {
		return errors.Wrap(pubErr, "publish escalation")
	}

	e.totalRaised.Add(1)
	slog.Info("request escalated", "request_id", r.ID, "priority", r.Priority, "level", level, "waiting_for", msg.WaitingFor)
	return e.repo.ScheduleEscalation(ctx, r.ID, level, next)
}
