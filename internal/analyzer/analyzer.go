// Copyright 2025 James Ross
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/archivewrapped/pipeline/internal/bus"
	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/archivewrapped/pipeline/internal/obs"
	"github.com/archivewrapped/pipeline/internal/pipeline"
	"github.com/archivewrapped/pipeline/internal/store"
	"go.uber.org/zap"
)

const (
	llmMaxAttempts  = 3
	llmInitialDelay = 1 * time.Second
	llmMaxDelay     = 4 * time.Second
)

// Worker drives the LLM enrichment stage. Each of the eight prompts in
// analysisPrompts is issued in order against the job's sampled watch-history
// text; any single field's parse failure aborts the whole pass (all-or-
// nothing), leaving analysis_status "failed" rather than a partially
// enriched payload (Invariant I2).
type Worker struct {
	cfg    *config.Config
	store  *store.Store
	bus    *bus.Bus
	driver LLMDriver
	log    *zap.Logger
}

func New(cfg *config.Config, st *store.Store, bs *bus.Bus, driver LLMDriver, log *zap.Logger) *Worker {
	return &Worker{cfg: cfg, store: st, bus: bs, driver: driver, log: log}
}

func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Worker.AnalyzeCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs.WorkerActive.WithLabelValues("analyze").Inc()
			defer obs.WorkerActive.WithLabelValues("analyze").Dec()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		queue, payload, err := w.bus.PopMulti(ctx, w.cfg.Bus.BRPopTimeout, w.cfg.Bus.RetryQueue, w.cfg.Bus.AnalyzeQueue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("analyze pop error", obs.Err(err))
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
		obs.StageProcessingDuration.WithLabelValues("analyze").Observe(time.Since(start).Seconds())
	}
}

func (w *Worker) extractTaskID(queue string, payload []byte) (string, bool) {
	if queue == w.cfg.Bus.RetryQueue {
		var msg pipeline.RetryMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return "", false
		}
		if msg.RetryType != "analyze" {
			_ = w.bus.Push(context.Background(), w.cfg.Bus.RetryQueue, payload)
			return "", false
		}
		return msg.TaskID, true
	}
	var msg pipeline.AnalyzeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", false
	}
	return msg.TaskID, true
}

func (w *Worker) processOne(ctx context.Context, taskID string) {
	ctx, span := obs.ContextWithJobSpan(ctx, "analyze", taskID)
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

	if job.CollectStatus != "completed" {
		w.finishFailed(ctx, taskID, "collection not completed, cannot analyze")
		return
	}

	payload, err := w.store.GetJobPayload(ctx, taskID)
	if err != nil {
		w.log.Warn("payload lookup failed", obs.String("task_id", taskID), obs.Err(err))
		return
	}

	w.markAnalyzing(ctx, taskID)

	if w.cfg.LLM.APIKey == "" || w.cfg.LLM.Model == "" {
		w.finishFailed(ctx, taskID, "analyze fail: llm api key/model not configured")
		return
	}

	if ok, reason := w.runPrompts(ctx, payload); !ok {
		obs.AnalyzeFailed.Inc()
		w.finishFailed(ctx, taskID, fmt.Sprintf("analyze fail: %s", reason))
		return
	}

	if err := w.store.UpsertJobPayload(ctx, *payload); err != nil {
		obs.AnalyzeFailed.Inc()
		w.finishFailed(ctx, taskID, fmt.Sprintf("analyze fail: %s", err))
		return
	}

	w.finishSucceeded(ctx, taskID)
	if err := w.enqueueEmail(ctx, taskID); err != nil {
		w.log.Warn("enqueue email failed", obs.String("task_id", taskID), obs.Err(err))
	}
}

// runPrompts issues the eight enrichment prompts in order, stopping at the
// first field whose response fails to parse/validate.
func (w *Worker) runPrompts(ctx context.Context, payload *pipeline.JobPayload) (bool, string) {
	for _, spec := range analysisPrompts {
		obs.AnalyzePrompts.Inc()
		content := w.callWithBackoff(ctx, spec.prompt, payload.SampleTexts)
		if ok, reason := applyField(payload, spec.field, content); !ok {
			return false, reason
		}
	}
	return true, ""
}

// callWithBackoff runs up to llmMaxAttempts attempts against the driver
// with its own 1s->4s capped exponential backoff, independent of
// internal/retry.Engine (that engine is reserved for Archive API calls).
// Exhaustion returns an empty string, matching the original worker's
// "give up quietly" behavior; the caller's field-level validation is what
// turns that into a failure.
func (w *Worker) callWithBackoff(ctx context.Context, prompt string, sampleTexts []string) string {
	wait := llmInitialDelay
	for attempt := 1; attempt <= llmMaxAttempts; attempt++ {
		content, err := w.driver.Complete(ctx, prompt, sampleTexts)
		if err == nil {
			return content
		}
		w.log.Warn("llm call failed", obs.Err(err))
		if attempt == llmMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(wait):
		}
		if wait < llmMaxDelay {
			wait *= 2
		}
	}
	return ""
}

func (w *Worker) markAnalyzing(ctx context.Context, taskID string) {
	status := pipeline.StatusAnalyzing
	if err := w.store.PatchJob(ctx, taskID, store.JobPatch{Status: &status}); err != nil {
		w.log.Warn("job status patch failed", obs.String("task_id", taskID), obs.Err(err))
	}
	_ = w.bus.SetStatus(ctx, taskID, map[string]interface{}{"status": string(status)})
}

func (w *Worker) finishFailed(ctx context.Context, taskID, errMsg string) {
	status := pipeline.StatusFailed
	as := "failed"
	if err := w.store.PatchJob(ctx, taskID, store.JobPatch{Status: &status, AnalysisStatus: &as, ErrorMsg: &errMsg}); err != nil {
		w.log.Warn("job failure patch failed", obs.String("task_id", taskID), obs.Err(err))
	}
	_ = w.bus.SetStatus(ctx, taskID, map[string]interface{}{"status": string(status), "analysis_status": as, "error_msg": errMsg})
}

func (w *Worker) finishSucceeded(ctx context.Context, taskID string) {
	status := pipeline.StatusCompleted
	as := "success"
	if err := w.store.PatchJob(ctx, taskID, store.JobPatch{Status: &status, AnalysisStatus: &as}); err != nil {
		w.log.Warn("job success patch failed", obs.String("task_id", taskID), obs.Err(err))
	}
	_ = w.bus.SetStatus(ctx, taskID, map[string]interface{}{"status": string(status), "analysis_status": as})
}

func (w *Worker) enqueueEmail(ctx context.Context, taskID string) error {
	payload, err := json.Marshal(pipeline.EmailMessage{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("marshal email message: %w", err)
	}
	return w.bus.Push(ctx, w.cfg.Bus.EmailQueue, payload)
}
