// Copyright 2025 James Ross
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/archivewrapped/pipeline/internal/archiveclient"
	"github.com/archivewrapped/pipeline/internal/bus"
	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/archivewrapped/pipeline/internal/obs"
	"github.com/archivewrapped/pipeline/internal/pipeline"
	"github.com/archivewrapped/pipeline/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	collectYear      = 2025
	batchSize        = 10
	batchPacing      = 1100 * time.Millisecond
	maxFinalizePolls = 10
	maxSampleTexts   = 50
	maxSourceSpans   = 200
	maxTopCreators   = 5
)

// Worker fans out twelve month-window fetches per job, bounded to at most
// ten concurrent Archive calls and paced at least one second between
// batches (Invariant I6), then summarizes the accumulated rows.
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

func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Worker.CollectCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs.WorkerActive.WithLabelValues("collect").Inc()
			defer obs.WorkerActive.WithLabelValues("collect").Dec()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		queue, payload, err := w.bus.PopMulti(ctx, w.cfg.Bus.BRPopTimeout, w.cfg.Bus.RetryQueue, w.cfg.Bus.CollectQueue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("collect pop error", obs.Err(err))
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
		obs.StageProcessingDuration.WithLabelValues("collect").Observe(time.Since(start).Seconds())
	}
}

func (w *Worker) extractTaskID(queue string, payload []byte) (string, bool) {
	if queue == w.cfg.Bus.RetryQueue {
		var msg pipeline.RetryMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return "", false
		}
		if msg.RetryType != "collect" {
			_ = w.bus.Push(context.Background(), w.cfg.Bus.RetryQueue, payload)
			return "", false
		}
		return msg.TaskID, true
	}
	var msg pipeline.CollectMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", false
	}
	return msg.TaskID, true
}

func (w *Worker) processOne(ctx context.Context, taskID string) {
	ctx, span := obs.ContextWithJobSpan(ctx, "collect", taskID)
	defer span.End()

	lock, ok, err := w.bus.AcquireLock(ctx, taskID)
	if err != nil || !ok {
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
	if err != nil || user.LatestSecUserID == "" {
		w.log.Warn("user not bound for collection", obs.String("task_id", taskID))
		return
	}

	status := pipeline.StatusCollecting
	collectStatus := "in_progress"
	_ = w.store.PatchJob(ctx, taskID, store.JobPatch{Status: &status, CollectStatus: &collectStatus})
	_ = w.bus.SetStatus(ctx, taskID, map[string]interface{}{"status": string(status), "collect_status": collectStatus})

	loc := loadLocation(user.TimeZone)
	windows := monthWindows(collectYear, loc)

	allRows, err := w.fetchAllWindows(ctx, taskID, user.LatestSecUserID, windows)
	if err != nil {
		obs.CollectFailed.Inc()
		w.finishFailed(ctx, taskID, fmt.Sprintf("collection exception: %s", err))
		return
	}

	// Raw-row audit trail; losing it never fails the collection.
	if err := w.store.InsertBrowseRecords(ctx, taskID, user.AppUserID, browseRecords(allRows)); err != nil {
		w.log.Warn("browse records insert failed", obs.String("task_id", taskID), obs.Err(err))
	}

	summary := summarize(taskID, user.AppUserID, allRows, loc)
	if err := w.store.UpsertJobPayload(ctx, summary); err != nil {
		obs.CollectFailed.Inc()
		w.finishFailed(ctx, taskID, fmt.Sprintf("collection exception: %s", err))
		return
	}

	obs.CollectCompleted.Inc()
	completedStatus := pipeline.StatusAnalyzing
	doneCollect := "completed"
	_ = w.store.PatchJob(ctx, taskID, store.JobPatch{
		Status:        &completedStatus,
		CollectStatus: &doneCollect,
		CollectTotal:  intPtr(len(windows)),
		CurrentPage:   intPtr(len(windows)),
	})
	_ = w.bus.SetStatus(ctx, taskID, map[string]interface{}{"status": string(completedStatus), "collect_status": doneCollect})

	if err := w.enqueueAnalyze(ctx, taskID); err != nil {
		w.log.Warn("enqueue analyze failed", obs.String("task_id", taskID), obs.Err(err))
	}
}

func (w *Worker) finishFailed(ctx context.Context, taskID, errMsg string) {
	status := pipeline.StatusFailed
	cs := "failed"
	_ = w.store.PatchJob(ctx, taskID, store.JobPatch{Status: &status, CollectStatus: &cs, ErrorMsg: &errMsg})
	_ = w.bus.SetStatus(ctx, taskID, map[string]interface{}{"status": string(status), "collect_status": cs, "error_msg": errMsg})
}

func (w *Worker) enqueueAnalyze(ctx context.Context, taskID string) error {
	payload, err := json.Marshal(pipeline.AnalyzeMessage{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("marshal analyze message: %w", err)
	}
	return w.bus.Push(ctx, w.cfg.Bus.AnalyzeQueue, payload)
}

func intPtr(v int) *int { return &v }

func loadLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func monthWindows(year int, loc *time.Location) []pipeline.MonthWindow {
	windows := make([]pipeline.MonthWindow, 0, 12)
	for m := 1; m <= 12; m++ {
		start := time.Date(year, time.Month(m), 1, 0, 0, 0, 0, loc)
		end := start.AddDate(0, 1, 0)
		windows = append(windows, pipeline.MonthWindow{Start: start.UnixMilli(), End: end.UnixMilli()})
	}
	return windows
}

// fetchAllWindows runs the twelve windows in batches of at most ten,
// pacing at least one second between batches.
func (w *Worker) fetchAllWindows(ctx context.Context, taskID, secUserID string, windows []pipeline.MonthWindow) ([]archiveclient.WatchRow, error) {
	var all []archiveclient.WatchRow
	var mu sync.Mutex

	for start := 0; start < len(windows); start += batchSize {
		end := start + batchSize
		if end > len(windows) {
			end = len(windows)
		}
		batch := windows[start:end]
		obs.CollectBatches.Inc()

		g, gctx := errgroup.WithContext(ctx)
		for _, win := range batch {
			win := win
			g.Go(func() error {
				rows, err := w.fetchMonth(gctx, taskID, secUserID, win)
				if err != nil {
					return err
				}
				mu.Lock()
				all = append(all, rows...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		if end < len(windows) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(batchPacing):
			}
		}
	}
	return all, nil
}

func (w *Worker) fetchMonth(ctx context.Context, taskID, secUserID string, win pipeline.MonthWindow) ([]archiveclient.WatchRow, error) {
	started, err := w.archive.StartWatchHistory(ctx, taskID, "start_watch_history", secUserID,
		w.cfg.Archive.CollectPageSize, 50, fmt.Sprintf("%d", win.Start), nil)
	if err != nil {
		return nil, fmt.Errorf("start watch history: %w", err)
	}

	status, err := w.pollFinalize(ctx, taskID, started.DataJobID)
	if err != nil {
		return nil, err
	}
	if status == 410 || status == 424 {
		// Provider gave up on this window; an empty result is not a failure
		// (see DESIGN.md decision (b) and its window-level analogue).
		return nil, nil
	}

	var rows []archiveclient.WatchRow
	before := ""
	for {
		resp, err := w.archive.GetWatchHistory(ctx, taskID, "get_watch_history", secUserID, w.cfg.Archive.CollectPageSize, before)
		if err != nil {
			return nil, fmt.Errorf("get watch history: %w", err)
		}
		if len(resp.Rows) == 0 {
			break
		}
		stopped := false
		for _, row := range resp.Rows {
			if row.WatchedAtMs >= win.End {
				continue
			}
			if row.WatchedAtMs < win.Start {
				stopped = true
				break
			}
			rows = append(rows, row)
		}
		if stopped || resp.NextBefore == "" {
			break
		}
		before = resp.NextBefore
	}
	return rows, nil
}

func (w *Worker) pollFinalize(ctx context.Context, taskID, dataJobID string) (int, error) {
	wait := time.Second
	for attempt := 1; attempt <= maxFinalizePolls; attempt++ {
		status, _, err := w.archive.FinalizeWatchHistory(ctx, taskID, "finalize_watch_history", dataJobID, false, 0, nil)
		if err != nil {
			return 0, fmt.Errorf("finalize watch history: %w", err)
		}
		switch status {
		case 200:
			return status, nil
		case 202:
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(wait):
			}
			if wait < 8*time.Second {
				wait *= 2
			}
			continue
		default:
			return status, nil
		}
	}
	return 0, fmt.Errorf("finalize exhausted %d polls", maxFinalizePolls)
}

func summarize(taskID, appUserID string, rows []archiveclient.WatchRow, loc *time.Location) pipeline.JobPayload {
	p := pipeline.JobPayload{TaskID: taskID, AppUserID: appUserID, TotalVideos: len(rows)}

	var totalSeconds float64
	hourSeconds := make(map[int]float64)
	musicCounts := make(map[string]int)
	creatorCounts := make(map[string]int)
	var nightSeconds float64

	for i, row := range rows {
		seconds := float64(row.DurationMs) / 1000.0 * float64(max1(row.ApproxTimesWatched))
		totalSeconds += seconds

		t := time.UnixMilli(row.WatchedAtMs).In(loc)
		hour := t.Hour()
		hourSeconds[hour] += seconds
		if hour >= 22 || hour < 4 {
			nightSeconds += seconds
		}

		if row.MusicTitle != "" {
			musicCounts[row.MusicTitle]++
		}
		if row.AuthorID != "" {
			creatorCounts[row.AuthorID]++
		}

		if len(p.SourceSpans) < maxSourceSpans {
			p.SourceSpans = append(p.SourceSpans, pipeline.SourceSpan{VideoID: row.VideoID, Reason: "aggregate"})
		}
		if i < maxSampleTexts {
			p.SampleTexts = append(p.SampleTexts, sampleText(row))
		}
	}

	p.TotalHours = totalSeconds / 3600.0
	if totalSeconds > 0 {
		p.NightPct = nightSeconds / totalSeconds
	}
	if len(hourSeconds) > 0 {
		p.PeakHour = intPtr(peakHour(hourSeconds))
	}
	if name, count, ok := topMusic(musicCounts); ok {
		p.TopMusic = map[string]interface{}{"name": name, "count": count}
	} else {
		p.TopMusic = map[string]interface{}{}
	}
	p.TopCreators = topN(creatorCounts, maxTopCreators)

	return p
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func peakHour(hourSeconds map[int]float64) int {
	best, bestSeconds := 0, -1.0
	for h := 0; h < 24; h++ {
		s := hourSeconds[h]
		if s > bestSeconds {
			best, bestSeconds = h, s
		}
	}
	return best
}

func topMusic(counts map[string]int) (string, int, bool) {
	names := topN(counts, 1)
	if len(names) == 0 {
		return "", 0, false
	}
	return names[0], counts[names[0]], true
}

func topN(counts map[string]int, n int) []string {
	type kv struct {
		k string
		v int
	}
	list := make([]kv, 0, len(counts))
	for k, v := range counts {
		list = append(list, kv{k, v})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].v != list[j].v {
			return list[i].v > list[j].v
		}
		return list[i].k < list[j].k
	})
	if len(list) > n {
		list = list[:n]
	}
	out := make([]string, len(list))
	for i, kv := range list {
		out[i] = kv.k
	}
	return out
}

func browseRecords(rows []archiveclient.WatchRow) []pipeline.BrowseRecord {
	records := make([]pipeline.BrowseRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, pipeline.BrowseRecord{
			VideoID:     row.VideoID,
			URL:         row.URL,
			BrowseTime:  time.UnixMilli(row.WatchedAtMs),
			StaySeconds: int(row.DurationMs / 1000),
		})
	}
	return records
}

func sampleText(row archiveclient.WatchRow) string {
	parts := []string{row.Title, row.Description}
	if len(row.Hashtags) > 0 {
		parts = append(parts, strings.Join(row.Hashtags, " "))
	}
	if row.MusicTitle != "" {
		parts = append(parts, row.MusicTitle+" "+row.MusicAuthor)
	}
	text := strings.TrimSpace(strings.Join(parts, " "))
	if len(text) > 300 {
		text = text[:300]
	}
	return text
}
