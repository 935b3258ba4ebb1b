package main

import (
	"context"
	"time"

	"github.com/BearBump/AidBox/config"
	"github.com/BearBump/AidBox/internal/broker/kafka"
	"github.com/BearBump/AidBox/internal/cache/rediscache"
	"github.com/BearBump/AidBox/internal/services/escalator"
	"github.com/BearBump/AidBox/internal/storage/pgdispatch"
)

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo escalator.Repository, closeFn func(), err error)
	newPublisher   func(cfg *config.Config) (pub escalator.Publisher, closeFn func())
	newRateLimiter func(cfg *config.Config) (rl escalator.RateLimiter, closeFn func())
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (escalator.Repository, func(), error) {
			st, err := pgdispatch.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newPublisher: func(cfg *config.Config) (escalator.Publisher, func()) {
			topic := cfg.Kafka.EscalationsTopicName
			if topic == "" {
				topic = "request.escalations"
			}
			producer := kafka.NewProducer(cfg.Kafka.Brokers())
			return kafka.NewEscalationPublisher(producer, topic), func() { _ = producer.Close() }
		},
		newRateLimiter: func(cfg *config.Config) (escalator.RateLimiter, func()) {
			perMin := int64(cfg.AidBox.EscalationRateLimitPerMinute)
			if perMin <= 0 {
				perMin = 120
			}
			rc := rediscache.New(cfg.Redis.Addr())
			// ключ минутный, окно с запасом на TTL
			return rediscache.NewRateLimiter(rc.Client(), perMin, 2*time.Minute), func() { _ = rc.Close() }
		},
	}
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func plannerConfig(ab config.AidBoxConfig) escalator.PlannerConfig {
	d := escalator.DefaultPlannerConfig()
	return escalator.PlannerConfig{
		CriticalAfter: secondsOr(ab.EscalateCriticalAfterSeconds, d.CriticalAfter),
		HighAfter:     secondsOr(ab.EscalateHighAfterSeconds, d.HighAfter),
		NormalAfter:   secondsOr(ab.EscalateNormalAfterSeconds, d.NormalAfter),
		Backoff1:      secondsOr(ab.EscalationBackoff1Seconds, d.Backoff1),
		Backoff2:      secondsOr(ab.EscalationBackoff2Seconds, d.Backoff2),
		Backoff3:      secondsOr(ab.EscalationBackoff3Seconds, d.Backoff3),
		Backoff4:      secondsOr(ab.EscalationBackoff4Seconds, d.Backoff4),
	}
}

// buildEscalator returns the worker and a close func for everything it opened.
func buildEscalator(cfg *config.Config, f workerFactories) (*escalator.Escalator, func(), error) {
	ab := cfg.AidBox

	repo, closeRepo, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	pub, closePub := f.newPublisher(cfg)
	rl, closeRL := f.newRateLimiter(cfg)

	closeAll := func() {
		for _, fn := range []func(){closeRL, closePub, closeRepo} {
			if fn != nil {
				fn()
			}
		}
	}

	e := escalator.New(repo, pub, rl).
		WithSettings(
			secondsOr(ab.WorkerPollIntervalSeconds, 5*time.Second),
			ab.WorkerBatchSize,
			ab.WorkerConcurrency,
			secondsOr(ab.WorkerLeaseSeconds, 60*time.Second),
		).
		WithPlanner(plannerConfig(ab))
	return e, closeAll, nil
}

func RunAidWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	e, closeFn, err := buildEscalator(cfg, f)
	if err != nil {
		return err
	}
	defer closeFn()
	return e.Run(ctx)
}
