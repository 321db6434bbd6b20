// Copyright 2025 James Ross
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/archivewrapped/pipeline/internal/archiveclient"
	"github.com/archivewrapped/pipeline/internal/bus"
	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/archivewrapped/pipeline/internal/obs"
	"github.com/archivewrapped/pipeline/internal/pipeline"
	"github.com/archivewrapped/pipeline/internal/store"
	"go.uber.org/zap"
)

// Worker drives the region/availability verification stage. It consumes
// both the verify queue and the retry queue (filtered to retry_type
// "verify"), each push priced through the lock in internal/bus so at most
// one worker ever holds a given task_id (Invariant I1).
type Worker struct {
	cfg     *config.Config
	store   *store.Store
	bus     *bus.Bus
	archive *archiveclient.Client
	log     *zap.Logger
}

func New(cfg *config.Config, st *store.Store, bs *bus.Bus, archive *archiveclient.Client, log *zap.Logger) *Worker {
	return &Worker{cfg: cfg, store: st, bus: bs, archive: archive, log: log}
}

// Run launches cfg.Worker.VerifyCount goroutines and blocks until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Worker.VerifyCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs.WorkerActive.WithLabelValues("verify").Inc()
			defer obs.WorkerActive.WithLabelValues("verify").Dec()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		queue, payload, err := w.bus.PopMulti(ctx, w.cfg.Bus.BRPopTimeout, w.cfg.Bus.RetryQueue, w.cfg.Bus.VerifyQueue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("verify pop error", obs.Err(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if payload == nil {
			continue
		}

		taskID, ok := w.extractTaskID(queue, payload)
		if !ok {
			continue
		}

		start := time.Now()
		w.processOne(ctx, taskID)
		obs.StageProcessingDuration.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	}
}

func (w *Worker) extractTaskID(queue string, payload []byte) (string, bool) {
	if queue == w.cfg.Bus.RetryQueue {
		var msg pipeline.RetryMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			w.log.Warn("malformed retry message", obs.Err(err))
			return "", false
		}
		if msg.RetryType != "verify" {
			// Not ours; push it back for the stage that owns this retry_type.
			_ = w.bus.Push(context.Background(), w.cfg.Bus.RetryQueue, payload)
			return "", false
		}
		return msg.TaskID, true
	}
	var msg pipeline.VerifyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		w.log.Warn("malformed verify message", obs.Err(err))
		return "", false
	}
	return msg.TaskID, true
}

func (w *Worker) processOne(ctx context.Context, taskID string) {
	ctx, span := obs.ContextWithJobSpan(ctx, "verify", taskID)
	defer span.End()

	lock, ok, err := w.bus.AcquireLock(ctx, taskID)
	if err != nil {
		w.log.Warn("acquire lock failed", obs.String("task_id", taskID), obs.Err(err))
		return
	}
	if !ok {
		return
	}
	defer lock.Release(ctx)

	job, err := w.store.GetJob(ctx, taskID)
	if err != nil {
		w.log.Warn("job lookup failed", obs.String("task_id", taskID), obs.Err(err))
		return
	}
	if job.Status == pipeline.StatusPaused || job.Status == pipeline.StatusCancelled {
		return
	}

	// The verify/retry queues receive their first push before the Archive
	// finalize step binds app_user_id to the Job; until that binding lands
	// there is nothing to verify yet, and the façade's own inline probe
	// (run synchronously from finalize and from /verify-region) is what
	// performs the actual check in that window. See DESIGN.md decision (d).
	if job.AppUserID == "" {
		return
	}

	user, err := w.store.GetUser(ctx, job.AppUserID)
	if err != nil {
		w.log.Warn("user lookup failed", obs.String("task_id", taskID), obs.Err(err))
		return
	}

	newStatus := pipeline.StatusVerifying
	if job.RegionRetryCount > 0 {
		newStatus = pipeline.StatusRetrying
	}
	w.markStatus(ctx, taskID, newStatus, "in_progress")

	availability, diag := w.Probe(ctx, taskID, user.LatestSecUserID)

	if err := w.store.PatchUser(ctx, user.AppUserID, store.UserPatch{IsWatchHistoryAvailable: &availability}); err != nil {
		w.log.Warn("user availability patch failed", obs.String("task_id", taskID), obs.Err(err))
	}
	_ = w.bus.SetStatus(ctx, taskID, map[string]interface{}{"availability": string(availability)})

	if availability != pipeline.AvailabilityYes {
		obs.VerifyFailed.Inc()
		errMsg := fmt.Sprintf("region verify error: %s", diag)
		w.finishFailed(ctx, taskID, errMsg)
		return
	}

	obs.VerifySucceeded.Inc()
	w.markStatus(ctx, taskID, pipeline.StatusCollecting, "success")
	if err := w.enqueueCollect(ctx, taskID); err != nil {
		w.log.Warn("enqueue collect failed", obs.String("task_id", taskID), obs.Err(err))
	}
}

// Probe performs the start+poll-finalize availability check against the
// Archive API and returns the resulting Availability plus, on failure, a
// short diagnostic. It does not touch Job/User state — callers (the queue
// loop above, and the façade's inline triggers) own that transition since
// they differ in what else needs to happen around it.
func (w *Worker) Probe(ctx context.Context, taskID, secUserID string) (pipeline.Availability, string) {
	obs.VerifyAttempts.Inc()

	hook := func() {
		if err := w.store.IncrRegionRetryCount(ctx, taskID); err != nil {
			w.log.Warn("region retry count persist failed", obs.String("task_id", taskID), obs.Err(err))
		}
		_ = w.bus.IncrStatusField(ctx, taskID, "region_retry_count", 1)
	}

	started, err := w.archive.StartWatchHistory(ctx, taskID, "region_verify", secUserID, 1, 1, "", hook)
	if err != nil {
		return pipeline.AvailabilityNo, err.Error()
	}

	status, _, err := w.pollFinalize(ctx, taskID, started.DataJobID, hook)
	if err != nil {
		return pipeline.AvailabilityNo, err.Error()
	}
	if status != 200 {
		return pipeline.AvailabilityNo, fmt.Sprintf("finalize status %d", status)
	}
	return pipeline.AvailabilityYes, ""
}

const maxFinalizePolls = 10

func (w *Worker) pollFinalize(ctx context.Context, taskID, dataJobID string, hook func()) (int, []byte, error) {
	wait := time.Second
	for attempt := 1; attempt <= maxFinalizePolls; attempt++ {
		status, body, err := w.archive.FinalizeWatchHistory(ctx, taskID, "region_verify", dataJobID, true, 1, hook)
		if err != nil {
			return 0, nil, err
		}
		switch status {
		case 200:
			return status, body, nil
		case 202:
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(wait):
			}
			if wait < 8*time.Second {
				wait *= 2
			}
			continue
		default: // 410 Gone, 424 Failed Dependency
			return status, body, fmt.Errorf("finalize abandoned with status %d", status)
		}
	}
	return 0, nil, fmt.Errorf("finalize exhausted %d polls", maxFinalizePolls)
}

func (w *Worker) markStatus(ctx context.Context, taskID string, status pipeline.Status, regionVerifyStatus string) {
	s := status
	rvs := regionVerifyStatus
	if err := w.store.PatchJob(ctx, taskID, store.JobPatch{Status: &s, RegionVerifyStatus: &rvs}); err != nil {
		w.log.Warn("job status patch failed", obs.String("task_id", taskID), obs.Err(err))
	}
	_ = w.bus.SetStatus(ctx, taskID, map[string]interface{}{"status": string(status), "region_verify_status": regionVerifyStatus})
}

func (w *Worker) finishFailed(ctx context.Context, taskID, errMsg string) {
	status := pipeline.StatusFailed
	rvs := "failed"
	if err := w.store.PatchJob(ctx, taskID, store.JobPatch{Status: &status, RegionVerifyStatus: &rvs, ErrorMsg: &errMsg}); err != nil {
		w.log.Warn("job failure patch failed", obs.String("task_id", taskID), obs.Err(err))
	}
	_ = w.bus.SetStatus(ctx, taskID, map[string]interface{}{"status": string(status), "region_verify_status": rvs, "error_msg": errMsg})
}

func (w *Worker) enqueueCollect(ctx context.Context, taskID string) error {
	payload, err := json.Marshal(pipeline.CollectMessage{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("marshal collect message: %w", err)
	}
	return w.bus.Push(ctx, w.cfg.Bus.CollectQueue, payload)
}
