// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/archivewrapped/pipeline/internal/pipeline"
	_ "github.com/lib/pq"
)

// Store is the durable Postgres-backed home of Jobs, Users, JobPayloads,
// ApiCallLogs, RetryStrategies, Sessions and BrowseRecords. Every pipeline
// component treats it as the source of truth; the Redis mirror in
// internal/bus exists only to make hot-path reads cheap.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and configures the pool per the store config.
func Open(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB, used by tests with go-sqlmock.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

// CreateJob inserts a new pending Job row, recording the provider-issued
// archive job id alongside the pipeline's own task id.
func (s *Store) CreateJob(ctx context.Context, taskID, archiveJobID, deviceID string) (*pipeline.Job, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (task_id, archive_job_id, device_id, status)
		VALUES ($1, $2, $3, $4)
	`, taskID, archiveJobID, deviceID, pipeline.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return s.GetJob(ctx, taskID)
}

func scanJob(row interface{ Scan(...interface{}) error }) (*pipeline.Job, error) {
	var j pipeline.Job
	if err := row.Scan(
		&j.TaskID, &j.ArchiveJobID, &j.AppUserID, &j.DeviceID, &j.Status, &j.RegionVerifyStatus,
		&j.CollectStatus, &j.AnalysisStatus, &j.EmailStatus, &j.ErrorMsg,
		&j.CollectedCount, &j.CollectTotal, &j.CurrentPage, &j.RegionRetryCount,
		&j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &j, nil
}

const jobColumns = `task_id, archive_job_id, app_user_id, device_id, status, region_verify_status,
	collect_status, analysis_status, email_status, error_msg,
	collected_count, collect_total, current_page, region_retry_count,
	created_at, updated_at`

// GetJob reads one Job by task ID. Returns sql.ErrNoRows if absent.
func (s *Store) GetJob(ctx context.Context, taskID string) (*pipeline.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE task_id = $1`, taskID)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", taskID, err)
	}
	return j, nil
}

// GetLatestJobByAppUserID returns the most recently created Job bound to a user.
func (s *Store) GetLatestJobByAppUserID(ctx context.Context, appUserID string) (*pipeline.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE app_user_id = $1 ORDER BY created_at DESC LIMIT 1`, appUserID)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("get latest job for user %s: %w", appUserID, err)
	}
	return j, nil
}

// ListStuckJobs finds jobs sitting in one of the given in-flight statuses
// whose last update predates the cutoff. The reaper uses this to find
// candidates abandoned by a worker that died holding their lock.
func (s *Store) ListStuckJobs(ctx context.Context, statuses []pipeline.Status, cutoff time.Time) ([]*pipeline.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, st)
	}
	args = append(args, cutoff)
	query := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE status IN (%s) AND updated_at < $%d ORDER BY updated_at ASC`,
		jobColumns, strings.Join(placeholders, ","), len(statuses)+1,
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*pipeline.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// JobPatch is a sparse set of Job column updates. Nil fields are left
// untouched; this lets every stage issue one UPDATE naming only what it
// actually changed, mirroring the teacher's "compute a patch, write once"
// approach to partial updates.
type JobPatch struct {
	AppUserID          *string
	Status             *pipeline.Status
	RegionVerifyStatus *string
	CollectStatus      *string
	AnalysisStatus     *string
	EmailStatus        *string
	ErrorMsg           *string
	CollectedCount     *int
	CollectTotal       *int
	CurrentPage        *int
	RegionRetryCount   *int
}

// PatchJob applies a sparse update to one Job row.
func (s *Store) PatchJob(ctx context.Context, taskID string, p JobPatch) error {
	sets := make([]string, 0, 12)
	args := make([]interface{}, 0, 12)
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.AppUserID != nil {
		add("app_user_id", *p.AppUserID)
	}
	if p.Status != nil {
		add("status", *p.Status)
	}
	if p.RegionVerifyStatus != nil {
		add("region_verify_status", *p.RegionVerifyStatus)
	}
	if p.CollectStatus != nil {
		add("collect_status", *p.CollectStatus)
	}
	if p.AnalysisStatus != nil {
		add("analysis_status", *p.AnalysisStatus)
	}
	if p.EmailStatus != nil {
		add("email_status", *p.EmailStatus)
	}
	if p.ErrorMsg != nil {
		add("error_msg", *p.ErrorMsg)
	}
	if p.CollectedCount != nil {
		add("collected_count", *p.CollectedCount)
	}
	if p.CollectTotal != nil {
		add("collect_total", *p.CollectTotal)
	}
	if p.CurrentPage != nil {
		add("current_page", *p.CurrentPage)
	}
	if p.RegionRetryCount != nil {
		add("region_retry_count", *p.RegionRetryCount)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, taskID)
	query := "UPDATE jobs SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += fmt.Sprintf(", updated_at = now() WHERE task_id = $%d", len(args))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("patch job %s: %w", taskID, err)
	}
	return nil
}

// IncrRegionRetryCount bumps Job.RegionRetryCount by one.
func (s *Store) IncrRegionRetryCount(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET region_retry_count = region_retry_count + 1, updated_at = now() WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("incr region retry count %s: %w", taskID, err)
	}
	return nil
}

// AdvanceCollectProgress records one more fetched batch and reports whether
// all twelve windows have now been accounted for.
func (s *Store) AdvanceCollectProgress(ctx context.Context, taskID string, pagesDone, rowsAdded, totalWindows int) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET current_page = $1, collected_count = collected_count + $2, updated_at = now()
		WHERE task_id = $3
		RETURNING current_page >= $4
	`, pagesDone, rowsAdded, taskID, totalWindows)
	var done bool
	if err := row.Scan(&done); err != nil {
		return false, fmt.Errorf("advance collect progress %s: %w", taskID, err)
	}
	return done, nil
}

func scanUser(row interface{ Scan(...interface{}) error }) (*pipeline.User, error) {
	var u pipeline.User
	if err := row.Scan(
		&u.AppUserID, &u.ArchiveUserID, &u.PlatformUsername, &u.LatestSecUserID,
		&u.LatestAnchorToken, &u.TimeZone, &u.IsWatchHistoryAvailable, &u.WaitlistOptIn,
		&u.Email, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

const userColumns = `app_user_id, archive_user_id, platform_username, latest_sec_user_id,
	latest_anchor_token, time_zone, is_watch_history_available, waitlist_opt_in,
	email, created_at, updated_at`

// GetUser reads one User by ID.
func (s *Store) GetUser(ctx context.Context, appUserID string) (*pipeline.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE app_user_id = $1`, appUserID)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", appUserID, err)
	}
	return u, nil
}

// EnsureUser creates the User row if absent; it never overwrites an existing one.
func (s *Store) EnsureUser(ctx context.Context, appUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (app_user_id) VALUES ($1)
		ON CONFLICT (app_user_id) DO NOTHING
	`, appUserID)
	if err != nil {
		return fmt.Errorf("ensure user %s: %w", appUserID, err)
	}
	return nil
}

// UserPatch mirrors JobPatch: a sparse set of User column updates applied
// as a single UPDATE naming only the non-nil fields.
type UserPatch struct {
	ArchiveUserID           *string
	PlatformUsername        *string
	LatestSecUserID         *string
	LatestAnchorToken       *string
	TimeZone                *string
	IsWatchHistoryAvailable *pipeline.Availability
	WaitlistOptIn           *bool
	Email                   *string
}

// PatchUser applies a sparse update to one User row.
func (s *Store) PatchUser(ctx context.Context, appUserID string, p UserPatch) error {
	sets := make([]string, 0, 8)
	args := make([]interface{}, 0, 8)
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if p.ArchiveUserID != nil {
		add("archive_user_id", *p.ArchiveUserID)
	}
	if p.PlatformUsername != nil {
		add("platform_username", *p.PlatformUsername)
	}
	if p.LatestSecUserID != nil {
		add("latest_sec_user_id", *p.LatestSecUserID)
	}
	if p.LatestAnchorToken != nil {
		add("latest_anchor_token", *p.LatestAnchorToken)
	}
	if p.TimeZone != nil {
		add("time_zone", *p.TimeZone)
	}
	if p.IsWatchHistoryAvailable != nil {
		add("is_watch_history_available", *p.IsWatchHistoryAvailable)
	}
	if p.WaitlistOptIn != nil {
		add("waitlist_opt_in", *p.WaitlistOptIn)
	}
	if p.Email != nil {
		add("email", *p.Email)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, appUserID)
	query := "UPDATE users SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += fmt.Sprintf(", updated_at = now() WHERE app_user_id = $%d", len(args))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("patch user %s: %w", appUserID, err)
	}
	return nil
}

// UpsertJobPayload writes the full accumulated payload in one statement.
func (s *Store) UpsertJobPayload(ctx context.Context, p pipeline.JobPayload) error {
	topMusic, err := json.Marshal(p.TopMusic)
	if err != nil {
		return fmt.Errorf("marshal top_music: %w", err)
	}
	topCreators, err := json.Marshal(p.TopCreators)
	if err != nil {
		return fmt.Errorf("marshal top_creators: %w", err)
	}
	sourceSpans, err := json.Marshal(p.SourceSpans)
	if err != nil {
		return fmt.Errorf("marshal source_spans: %w", err)
	}
	sampleTexts, err := json.Marshal(p.SampleTexts)
	if err != nil {
		return fmt.Errorf("marshal sample_texts: %w", err)
	}
	nicheJourney, err := json.Marshal(p.NicheJourney)
	if err != nil {
		return fmt.Errorf("marshal niche_journey: %w", err)
	}
	topNiches, err := json.Marshal(p.TopNiches)
	if err != nil {
		return fmt.Errorf("marshal top_niches: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_payloads (
			task_id, app_user_id, total_videos, total_hours, night_pct, peak_hour,
			top_music, top_creators, source_spans, sample_texts,
			personality_type, personality_explanation, niche_journey, top_niches,
			top_niche_percentile, brain_rot_score, brain_rot_explanation, keyword_2026, thumb_roast
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (task_id) DO UPDATE SET
			total_videos = EXCLUDED.total_videos,
			total_hours = EXCLUDED.total_hours,
			night_pct = EXCLUDED.night_pct,
			peak_hour = EXCLUDED.peak_hour,
			top_music = EXCLUDED.top_music,
			top_creators = EXCLUDED.top_creators,
			source_spans = EXCLUDED.source_spans,
			sample_texts = EXCLUDED.sample_texts,
			personality_type = EXCLUDED.personality_type,
			personality_explanation = EXCLUDED.personality_explanation,
			niche_journey = EXCLUDED.niche_journey,
			top_niches = EXCLUDED.top_niches,
			top_niche_percentile = EXCLUDED.top_niche_percentile,
			brain_rot_score = EXCLUDED.brain_rot_score,
			brain_rot_explanation = EXCLUDED.brain_rot_explanation,
			keyword_2026 = EXCLUDED.keyword_2026,
			thumb_roast = EXCLUDED.thumb_roast,
			updated_at = now()
	`, p.TaskID, p.AppUserID, p.TotalVideos, p.TotalHours, p.NightPct, p.PeakHour,
		topMusic, topCreators, sourceSpans, sampleTexts,
		p.PersonalityType, p.PersonalityExplanation, nicheJourney, topNiches,
		p.TopNichePercentile, p.BrainRotScore, p.BrainRotExplanation, p.Keyword2026, p.ThumbRoast)
	if err != nil {
		return fmt.Errorf("upsert job payload %s: %w", p.TaskID, err)
	}
	return nil
}

// GetJobPayload reads the accumulated payload for one task.
func (s *Store) GetJobPayload(ctx context.Context, taskID string) (*pipeline.JobPayload, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, app_user_id, total_videos, total_hours, night_pct, peak_hour,
			top_music, top_creators, source_spans, sample_texts,
			personality_type, personality_explanation, niche_journey, top_niches,
			top_niche_percentile, brain_rot_score, brain_rot_explanation, keyword_2026, thumb_roast,
			created_at, updated_at
		FROM job_payloads WHERE task_id = $1
	`, taskID)

	var p pipeline.JobPayload
	var topMusic, topCreators, sourceSpans, sampleTexts, nicheJourney, topNiches []byte
	if err := row.Scan(
		&p.TaskID, &p.AppUserID, &p.TotalVideos, &p.TotalHours, &p.NightPct, &p.PeakHour,
		&topMusic, &topCreators, &sourceSpans, &sampleTexts,
		&p.PersonalityType, &p.PersonalityExplanation, &nicheJourney, &topNiches,
		&p.TopNichePercentile, &p.BrainRotScore, &p.BrainRotExplanation, &p.Keyword2026, &p.ThumbRoast,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("get job payload %s: %w", taskID, err)
	}
	_ = json.Unmarshal(topMusic, &p.TopMusic)
	_ = json.Unmarshal(topCreators, &p.TopCreators)
	_ = json.Unmarshal(sourceSpans, &p.SourceSpans)
	_ = json.Unmarshal(sampleTexts, &p.SampleTexts)
	_ = json.Unmarshal(nicheJourney, &p.NicheJourney)
	_ = json.Unmarshal(topNiches, &p.TopNiches)
	return &p, nil
}

// InsertApiCallLog records one completed (possibly multi-attempt) outbound
// call. Callers treat failures here as best-effort: see internal/retry.
func (s *Store) InsertApiCallLog(ctx context.Context, l pipeline.ApiCallLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_call_logs (task_id, api_type, attempt, status_code, duration_ms, error)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, l.TaskID, l.ApiType, l.Attempt, l.StatusCode, l.DurationMs, l.Error)
	if err != nil {
		return fmt.Errorf("insert api call log: %w", err)
	}
	return nil
}

// GetRetryStrategy looks up a per-api_type override, falling back to
// pipeline.DefaultRetryStrategy when none exists.
func (s *Store) GetRetryStrategy(ctx context.Context, apiType string) (pipeline.RetryStrategy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT max_retry_count, initial_delay_ms, max_delay_ms, multiplier
		FROM retry_strategies WHERE api_type = $1
	`, apiType)
	var rs pipeline.RetryStrategy
	var initMs, maxMs int64
	err := row.Scan(&rs.MaxRetryCount, &initMs, &maxMs, &rs.Multiplier)
	if err == sql.ErrNoRows {
		return pipeline.DefaultRetryStrategy, nil
	}
	if err != nil {
		return pipeline.DefaultRetryStrategy, fmt.Errorf("get retry strategy %s: %w", apiType, err)
	}
	rs.InitialDelay = time.Duration(initMs) * time.Millisecond
	rs.MaxDelay = time.Duration(maxMs) * time.Millisecond
	return rs, nil
}

const sessionColumns = `session_id, app_user_id, device_id, token_hash, token_encrypted,
	platform, app_version, os_version, issued_at, expires_at, revoked_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*pipeline.Session, error) {
	var s pipeline.Session
	if err := row.Scan(
		&s.SessionID, &s.AppUserID, &s.DeviceID, &s.TokenHash, &s.TokenEncrypted,
		&s.Platform, &s.AppVersion, &s.OSVersion, &s.IssuedAt, &s.ExpiresAt, &s.RevokedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateOrRotateSession issues a bearer session for one (app_user_id,
// device_id) pair. A prior session for that pair is rotated in place: the
// session_id is kept, every other column (including token_hash/
// token_encrypted) is overwritten and any revocation is cleared. candidateID
// is only used the first time a pair is seen; the unique index on
// (app_user_id, device_id) is what makes the upsert double as "rotate".
func (s *Store) CreateOrRotateSession(ctx context.Context, candidateID, appUserID, deviceID, tokenHash, tokenEncrypted, platform, appVersion, osVersion string, expiresAt time.Time) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO app_sessions (
			session_id, app_user_id, device_id, token_hash, token_encrypted,
			platform, app_version, os_version, issued_at, expires_at, revoked_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),$9,NULL)
		ON CONFLICT (app_user_id, device_id) DO UPDATE SET
			token_hash = EXCLUDED.token_hash,
			token_encrypted = EXCLUDED.token_encrypted,
			platform = EXCLUDED.platform,
			app_version = EXCLUDED.app_version,
			os_version = EXCLUDED.os_version,
			issued_at = now(),
			expires_at = EXCLUDED.expires_at,
			revoked_at = NULL
		RETURNING session_id
	`, candidateID, appUserID, deviceID, tokenHash, tokenEncrypted, platform, appVersion, osVersion, expiresAt)
	var sessionID string
	if err := row.Scan(&sessionID); err != nil {
		return "", fmt.Errorf("create or rotate session for %s/%s: %w", appUserID, deviceID, err)
	}
	return sessionID, nil
}

// GetActiveSessionByTokenHash looks up a live (non-revoked, unexpired)
// session by its hash and device. Returns sql.ErrNoRows if none matches.
func (s *Store) GetActiveSessionByTokenHash(ctx context.Context, tokenHash, deviceID string) (*pipeline.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM app_sessions
		WHERE token_hash = $1 AND device_id = $2 AND revoked_at IS NULL AND expires_at > now()
	`, tokenHash, deviceID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

// TouchSessionExpiry extends one session's sliding-window TTL.
func (s *Store) TouchSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE app_sessions SET expires_at = $1 WHERE session_id = $2`, expiresAt, sessionID)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return nil
}

// InsertBrowseRecords batch-inserts raw watch-history rows for audit purposes.
func (s *Store) InsertBrowseRecords(ctx context.Context, taskID, appUserID string, records []pipeline.BrowseRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin browse records tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO browse_records (task_id, app_user_id, video_id, url, browse_time, stay_seconds)
		VALUES ($1,$2,$3,$4,$5,$6)
	`)
	if err != nil {
		return fmt.Errorf("prepare browse records insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, taskID, appUserID, r.VideoID, r.URL, r.BrowseTime, r.StaySeconds); err != nil {
			return fmt.Errorf("insert browse record: %w", err)
		}
	}
	return tx.Commit()
}
