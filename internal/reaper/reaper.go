// Copyright 2025 James Ross
package reaper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/archivewrapped/pipeline/internal/bus"
	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/archivewrapped/pipeline/internal/obs"
	"github.com/archivewrapped/pipeline/internal/pipeline"
	"github.com/archivewrapped/pipeline/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// stuckStatuses are the in-flight Job states a worker can die while holding.
// StatusRetrying is verifier-only (set when RegionRetryCount > 0) so it
// reaps the same way StatusVerifying does.
var stuckStatuses = []pipeline.Status{
	pipeline.StatusVerifying,
	pipeline.StatusRetrying,
	pipeline.StatusCollecting,
	pipeline.StatusAnalyzing,
}

// retryTypeFor maps a stuck status back to the stage that owns it, for the
// RetryMessage pushed onto the shared retry queue.
func retryTypeFor(status pipeline.Status) string {
	switch status {
	case pipeline.StatusVerifying, pipeline.StatusRetrying:
		return "verify"
	case pipeline.StatusCollecting:
		return "collect"
	case pipeline.StatusAnalyzing:
		return "analyze"
	default:
		return ""
	}
}

// Reaper periodically finds Jobs stuck mid-stage whose per-job lock has
// expired or vanished (Invariant I1 means the owning worker is gone, not
// just slow) and requeues them onto the retry queue for a fresh worker to
// pick up. Shaped after the teacher's ticker-driven Reaper, but there are
// no per-worker processing lists here: ownership is a single TTL'd lock
// per task_id, and staleness is read off the Job row itself rather than a
// Redis key scan.
type Reaper struct {
	cfg   *config.Config
	store *store.Store
	bus   *bus.Bus
	log   *zap.Logger
}

func New(cfg *config.Config, st *store.Store, bs *bus.Bus, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, store: st, bus: bs, log: log}
}

// Run blocks until ctx is cancelled, invoking scanOnce on cfg.Reaper.Schedule.
func (r *Reaper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Reaper.Schedule, func() { r.scanOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule reaper %q: %w", r.cfg.Reaper.Schedule, err)
	}
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return nil
}

func (r *Reaper) scanOnce(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.Reaper.GracePeriod)
	jobs, err := r.store.ListStuckJobs(ctx, stuckStatuses, cutoff)
	if err != nil {
		r.log.Warn("reaper list stuck jobs failed", zap.Error(err))
		return
	}

	for _, job := range jobs {
		r.reapOne(ctx, job)
	}
}

func (r *Reaper) reapOne(ctx context.Context, job *pipeline.Job) {
	lockKey := fmt.Sprintf(r.bus.LockKeyPattern(), job.TaskID)
	held, err := r.bus.RedisClient().Exists(ctx, lockKey).Result()
	if err != nil {
		r.log.Warn("reaper lock check failed", zap.String("task_id", job.TaskID), zap.Error(err))
		return
	}
	if held == 1 {
		// Lock is still live; a worker owns this job within its TTL, just slow.
		return
	}

	retryType := retryTypeFor(job.Status)
	if retryType == "" {
		return
	}

	payload, err := json.Marshal(pipeline.RetryMessage{TaskID: job.TaskID, RetryType: retryType})
	if err != nil {
		r.log.Warn("reaper marshal retry message failed", zap.String("task_id", job.TaskID), zap.Error(err))
		return
	}
	if err := r.bus.Push(ctx, r.cfg.Bus.RetryQueue, payload); err != nil {
		r.log.Error("reaper requeue failed", zap.String("task_id", job.TaskID), zap.Error(err))
		return
	}

	obs.ReaperRecovered.Inc()
	r.log.Warn("reaped abandoned job",
		zap.String("task_id", job.TaskID),
		zap.String("status", string(job.Status)),
		zap.String("retry_type", retryType),
	)
}
