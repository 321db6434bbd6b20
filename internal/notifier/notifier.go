// Copyright 2025 James Ross
package notifier

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/archivewrapped/pipeline/internal/bus"
	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/archivewrapped/pipeline/internal/eventhooks"
	"github.com/archivewrapped/pipeline/internal/obs"
	"github.com/archivewrapped/pipeline/internal/pipeline"
	"github.com/archivewrapped/pipeline/internal/store"
	"go.uber.org/zap"
)

const (
	sendMaxAttempts  = 3
	sendInitialDelay = 1 * time.Second
	sendMaxDelay     = 4 * time.Second
)

// Worker is the terminal stage: it delivers the Wrapped-ready email and is
// the one stage whose failure never marks the owning Job failed (a user
// with no working email address still gets a completed Wrapped, they just
// never hear about it).
type Worker struct {
	cfg    *config.Config
	store  *store.Store
	bus    *bus.Bus
	sender Sender
	events *eventhooks.Publisher
	log    *zap.Logger
}

// events may be nil; Publisher.Publish treats that as a no-op, so callers
// that never enabled event hooks don't need a separate code path here.
func New(cfg *config.Config, st *store.Store, bs *bus.Bus, sender Sender, events *eventhooks.Publisher, log *zap.Logger) *Worker {
	return &Worker{cfg: cfg, store: st, bus: bs, sender: sender, events: events, log: log}
}

func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Worker.NotifyCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs.WorkerActive.WithLabelValues("notify").Inc()
			defer obs.WorkerActive.WithLabelValues("notify").Dec()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		queue, payload, err := w.bus.PopMulti(ctx, w.cfg.Bus.BRPopTimeout, w.cfg.Bus.RetryQueue, w.cfg.Bus.EmailQueue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("notify pop error", obs.Err(err))
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
		obs.StageProcessingDuration.WithLabelValues("notify").Observe(time.Since(start).Seconds())
	}
}

func (w *Worker) extractTaskID(queue string, payload []byte) (string, bool) {
	if queue == w.cfg.Bus.RetryQueue {
		var msg pipeline.RetryMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return "", false
		}
		if msg.RetryType != "email" {
			_ = w.bus.Push(context.Background(), w.cfg.Bus.RetryQueue, payload)
			return "", false
		}
		return msg.TaskID, true
	}
	var msg pipeline.EmailMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", false
	}
	return msg.TaskID, true
}

func (w *Worker) processOne(ctx context.Context, taskID string) {
	ctx, span := obs.ContextWithJobSpan(ctx, "notify", taskID)
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

	user, err := w.store.GetUser(ctx, job.AppUserID)
	if err != nil || user.Email == "" {
		// Vacuous success: no email on file is not a delivery failure.
		return
	}

	subject, textBody, htmlBody := formatWrappedEmail(user.AppUserID, w.cfg.Email.FrontendURL)
	if !w.sendWithBackoff(ctx, user.Email, subject, textBody, htmlBody) {
		w.log.Warn("email delivery exhausted retries", obs.String("task_id", taskID), obs.String("app_user_id", user.AppUserID))
		return
	}

	obs.EmailsSent.Inc()
	sent := "sent"
	if err := w.store.PatchJob(ctx, taskID, store.JobPatch{EmailStatus: &sent}); err != nil {
		w.log.Warn("email status patch failed", obs.String("task_id", taskID), obs.Err(err))
	}
	_ = w.bus.SetStatus(ctx, taskID, map[string]interface{}{"email_status": sent})
	w.events.Publish(eventhooks.JobEvent{Event: eventhooks.EventWrappedCompleted, TaskID: taskID, AppUserID: user.AppUserID})
}

// sendWithBackoff mirrors the Archive retry shape at a smaller scale: up
// to sendMaxAttempts tries with a 1s->4s capped exponential backoff,
// independent of internal/retry.Engine (SES delivery isn't an Archive
// API call and carries no ApiCallLog row).
func (w *Worker) sendWithBackoff(ctx context.Context, toAddress, subject, textBody, htmlBody string) bool {
	wait := sendInitialDelay
	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		if err := w.sender.SendEmail(ctx, toAddress, subject, textBody, htmlBody); err == nil {
			return true
		} else {
			w.log.Warn("send email attempt failed", obs.Err(err))
		}
		if attempt == sendMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if wait < sendMaxDelay {
			wait *= 2
		}
	}
	return false
}
