// Copyright 2025 James Ross
package facade

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/archivewrapped/pipeline/internal/archiveclient"
	"github.com/archivewrapped/pipeline/internal/breaker"
	"github.com/archivewrapped/pipeline/internal/bus"
	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/archivewrapped/pipeline/internal/pipeline"
	"github.com/archivewrapped/pipeline/internal/retry"
	"github.com/archivewrapped/pipeline/internal/session"
	"github.com/archivewrapped/pipeline/internal/store"
	"github.com/archivewrapped/pipeline/internal/verifier"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSessionStore is the same fake used by internal/session's own tests,
// copied locally since types declared in another package's _test.go file
// cannot be imported.
type fakeSessionStore struct {
	bySessionID map[string]*pipeline.Session
	byTokenHash map[string]*pipeline.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{bySessionID: map[string]*pipeline.Session{}, byTokenHash: map[string]*pipeline.Session{}}
}

func (f *fakeSessionStore) CreateOrRotateSession(ctx context.Context, candidateID, appUserID, deviceID, tokenHash, tokenEncrypted, platform, appVersion, osVersion string, expiresAt time.Time) (string, error) {
	for _, s := range f.bySessionID {
		if s.AppUserID == appUserID && s.DeviceID == deviceID {
			oldHash := s.TokenHash
			s.TokenHash = tokenHash
			s.TokenEncrypted = tokenEncrypted
			s.Platform, s.AppVersion, s.OSVersion = platform, appVersion, osVersion
			s.ExpiresAt = expiresAt
			s.RevokedAt = nil
			delete(f.byTokenHash, oldHash)
			f.byTokenHash[tokenHash] = s
			return s.SessionID, nil
		}
	}
	s := &pipeline.Session{
		SessionID: candidateID, AppUserID: appUserID, DeviceID: deviceID,
		TokenHash: tokenHash, TokenEncrypted: tokenEncrypted,
		Platform: platform, AppVersion: appVersion, OSVersion: osVersion,
		IssuedAt: time.Now(), ExpiresAt: expiresAt,
	}
	f.bySessionID[candidateID] = s
	f.byTokenHash[tokenHash] = s
	return candidateID, nil
}

func (f *fakeSessionStore) GetActiveSessionByTokenHash(ctx context.Context, tokenHash, deviceID string) (*pipeline.Session, error) {
	s, ok := f.byTokenHash[tokenHash]
	if !ok || s.DeviceID != deviceID || s.RevokedAt != nil || s.ExpiresAt.Before(time.Now()) {
		return nil, sql.ErrNoRows
	}
	return s, nil
}

func (f *fakeSessionStore) TouchSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	s, ok := f.bySessionID[sessionID]
	if !ok {
		return sql.ErrNoRows
	}
	s.ExpiresAt = expiresAt
	return nil
}

var jobCols = []string{"task_id", "archive_job_id", "app_user_id", "device_id", "status", "region_verify_status",
	"collect_status", "analysis_status", "email_status", "error_msg",
	"collected_count", "collect_total", "current_page", "region_retry_count",
	"created_at", "updated_at"}

var userCols = []string{"app_user_id", "archive_user_id", "platform_username", "latest_sec_user_id",
	"latest_anchor_token", "time_zone", "is_watch_history_available", "waitlist_opt_in",
	"email", "created_at", "updated_at"}

var payloadCols = []string{"task_id", "app_user_id", "total_videos", "total_hours", "night_pct", "peak_hour",
	"top_music", "top_creators", "source_spans", "sample_texts",
	"personality_type", "personality_explanation", "niche_journey", "top_niches",
	"top_niche_percentile", "brain_rot_score", "brain_rot_explanation", "keyword_2026", "thumb_roast",
	"created_at", "updated_at"}

// jobRow fabricates a Job row whose provider-issued archive_job_id is
// deliberately distinct from the task_id, so any handler that confuses the
// two identifier spaces fails loudly.
func jobRow(taskID, appUserID, deviceID string, status pipeline.Status) *sqlmock.Rows {
	return sqlmock.NewRows(jobCols).AddRow(
		taskID, "aj-"+taskID, appUserID, deviceID, string(status), "",
		"", "", "", "",
		0, 0, 0, 0, time.Now(), time.Now())
}

func userRow(appUserID string, availability pipeline.Availability, secUserID string) *sqlmock.Rows {
	return sqlmock.NewRows(userCols).AddRow(
		appUserID, "", "", secUserID, "", "UTC", string(availability), false, "", time.Now(), time.Now())
}

func payloadRow(taskID, appUserID string) *sqlmock.Rows {
	return sqlmock.NewRows(payloadCols).AddRow(
		taskID, appUserID, 120, 42.5, 0.3, int64(22),
		[]byte(`{"artist":"x"}`), []byte(`["creator-1"]`), []byte(`[]`), []byte(`["sample"]`),
		"night_owl", "stays up late", []byte(`["music","dance"]`), []byte(`["music"]`),
		"top 5%", 60, "moderate", "keyword-2026", "",
		time.Now(), time.Now())
}

type testEnv struct {
	handler    *Handler
	sm         sqlmock.Sqlmock
	bus        *bus.Bus
	sessionMgr *session.Manager
}

// newTestEnv wires a Handler against a sqlmock-backed Store, a
// miniredis-backed Bus, and a real archiveclient.Client/verifier.Worker
// pointed at an in-process httptest server, matching the convention
// established in internal/verifier and internal/notifier's tests.
func newTestEnv(t *testing.T, archiveHandler http.Handler) *testEnv {
	t.Helper()
	srv := httptest.NewServer(archiveHandler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Archive.BaseURL = srv.URL
	cfg.Archive.StartAuthPath = "/auth/start"
	cfg.Archive.RedirectPath = "/auth/redirect"
	cfg.Archive.AuthorizationPath = "/auth/code"
	cfg.Archive.FinalizeAuthPath = "/auth/finalize"
	cfg.Archive.StartWatchPath = "/watch/start"
	cfg.Archive.FinalizeWatchPath = "/watch/finalize"
	cfg.Archive.WatchHistoryPath = "/watch/history"
	cfg.Archive.Timeout = 2 * time.Second

	cfg.Bus.VerifyQueue = "pipeline:verify_queue"
	cfg.Bus.CollectQueue = "pipeline:collect_queue"
	cfg.Bus.RetryQueue = "pipeline:retry_queue"
	cfg.Bus.StatusKeyPattern = "pipeline:task:%s:status"
	cfg.Bus.LockKeyPattern = "pipeline:task:%s:lock"
	cfg.Bus.LockTTL = time.Minute

	cfg.Session.TTL = time.Hour
	cfg.Session.EncryptionKey = "0123456789abcdef0123456789abcdef"

	sqlDB, sm, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	st := store.New(sqlDB)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	bs := bus.WithClient(cfg, rdb)

	cb := breaker.New(time.Minute, time.Second, 0.9, 100)
	re := retry.New(st, st, zap.NewNop())
	archive := archiveclient.New(cfg, cb, re)
	vw := verifier.New(cfg, st, bs, archive, zap.NewNop())
	sessionMgr := session.New(cfg, newFakeSessionStore())

	h := NewHandler(cfg, st, bs, archive, vw, sessionMgr, zap.NewNop())
	return &testEnv{handler: h, sm: sm, bus: bs, sessionMgr: sessionMgr}
}

func deviceRequest(method, target string, body interface{}) *http.Request {
	var r *http.Request
	if body != nil {
		raw, _ := json.Marshal(body)
		r = httptest.NewRequest(method, target, bytes.NewReader(raw))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	r.Header.Set("X-Device-Id", "device-1")
	r.Header.Set("X-Platform", "ios")
	r.Header.Set("X-App-Version", "1.0.0")
	r.Header.Set("X-OS-Version", "17.0")
	return r
}

func withSession(r *http.Request, sess *pipeline.Session) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), contextKeySession, sess))
}

func TestHandleStart_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"archive_job_id":"aj-1","queue_position":3}`))
	})
	env := newTestEnv(t, mux)

	env.sm.ExpectQuery("SELECT max_retry_count").WillReturnError(sql.ErrNoRows)
	env.sm.ExpectExec("INSERT INTO api_call_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectQuery("SELECT task_id").WillReturnRows(jobRow("will-be-overwritten", "", "device-1", pipeline.StatusPending))

	req := deviceRequest(http.MethodPost, "/link/start", nil)
	rec := httptest.NewRecorder()
	env.handler.HandleStart(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "aj-1", resp.ArchiveJobID)
	require.NotEmpty(t, resp.TaskID)
	require.NoError(t, env.sm.ExpectationsWereMet())
}

func TestHandleStart_MissingDeviceHeaders(t *testing.T) {
	env := newTestEnv(t, http.NewServeMux())
	req := httptest.NewRequest(http.MethodPost, "/link/start", nil)
	rec := httptest.NewRecorder()
	env.handler.HandleStart(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRedirect_StatusMapping(t *testing.T) {
	cases := []struct {
		archiveStatus string
		wantCode      int
	}{
		{"ready", http.StatusOK},
		{"pending", http.StatusAccepted},
		{"expired", http.StatusGone},
	}
	for _, tc := range cases {
		t.Run(tc.archiveStatus, func(t *testing.T) {
			var sentJobID string
			mux := http.NewServeMux()
			mux.HandleFunc("/auth/redirect", func(w http.ResponseWriter, r *http.Request) {
				var body map[string]interface{}
				_ = json.NewDecoder(r.Body).Decode(&body)
				sentJobID, _ = body["archive_job_id"].(string)
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"status":"` + tc.archiveStatus + `","redirect_url":"https://x.example.com"}`))
			})
			env := newTestEnv(t, mux)

			env.sm.ExpectQuery("SELECT task_id").WillReturnRows(jobRow("task-1", "", "device-1", pipeline.StatusPending))
			env.sm.ExpectQuery("SELECT max_retry_count").WillReturnError(sql.ErrNoRows)
			env.sm.ExpectExec("INSERT INTO api_call_logs").WillReturnResult(sqlmock.NewResult(1, 1))

			req := deviceRequest(http.MethodGet, "/link/redirect?task_id=task-1", nil)
			rec := httptest.NewRecorder()
			env.handler.HandleRedirect(rec, req)

			require.Equal(t, tc.wantCode, rec.Code)
			require.Equal(t, "aj-task-1", sentJobID, "the provider must be polled with its own archive_job_id, not the task_id")
			require.NoError(t, env.sm.ExpectationsWereMet())
		})
	}
}

func TestHandleRedirect_DeviceMismatchRejected(t *testing.T) {
	env := newTestEnv(t, http.NewServeMux())
	env.sm.ExpectQuery("SELECT task_id").WillReturnRows(jobRow("task-1", "", "someone-elses-device", pipeline.StatusPending))

	req := deviceRequest(http.MethodGet, "/link/redirect?task_id=task-1", nil)
	rec := httptest.NewRecorder()
	env.handler.HandleRedirect(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NoError(t, env.sm.ExpectationsWereMet())
}

func TestHandleRedirect_UnknownJobIs404(t *testing.T) {
	env := newTestEnv(t, http.NewServeMux())
	env.sm.ExpectQuery("SELECT task_id").WillReturnError(sql.ErrNoRows)

	req := deviceRequest(http.MethodGet, "/link/redirect?task_id=missing", nil)
	rec := httptest.NewRecorder()
	env.handler.HandleRedirect(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

// TestHandleFinalize_RebindsUserAndResetsAvailability exercises the full
// finalize flow: canonical user resolution, Invariant I3's availability
// reset on a sec_user_id change, session issuance, and the inline probe
// that follows a successful finalize.
func TestHandleFinalize_RebindsUserAndResetsAvailability(t *testing.T) {
	var finalizedJobID string
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/finalize", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		finalizedJobID, _ = body["archive_job_id"].(string)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"archive_user_id":"archiveuser-1","provider_unique_id":"sec-new","platform_username":"alice","anchor_token":"anchor-1"}`))
	})
	mux.HandleFunc("/watch/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data_job_id":"dj-1"}`))
	})
	mux.HandleFunc("/watch/finalize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	env := newTestEnv(t, mux)

	env.sm.ExpectQuery("SELECT task_id").WillReturnRows(jobRow("task-1", "", "device-1", pipeline.StatusFinalized))
	env.sm.ExpectQuery("SELECT max_retry_count").WillReturnError(sql.ErrNoRows)
	env.sm.ExpectExec("INSERT INTO api_call_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectQuery("SELECT app_user_id").WillReturnRows(userRow("archiveuser-1", pipeline.AvailabilityYes, "sec-old"))
	env.sm.ExpectExec("UPDATE users SET").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectExec("UPDATE jobs SET").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectQuery("SELECT max_retry_count").WillReturnError(sql.ErrNoRows)
	env.sm.ExpectExec("INSERT INTO api_call_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectQuery("SELECT max_retry_count").WillReturnError(sql.ErrNoRows)
	env.sm.ExpectExec("INSERT INTO api_call_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectExec("UPDATE users SET").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectExec("UPDATE jobs SET").WillReturnResult(sqlmock.NewResult(1, 1))

	req := deviceRequest(http.MethodPost, "/link/finalize", FinalizeRequest{
		TaskID:            "task-1",
		AuthorizationCode: "code-1",
	})
	rec := httptest.NewRecorder()
	env.handler.HandleFinalize(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "aj-task-1", finalizedJobID, "finalize must send the stored archive_job_id, not the task_id")
	var resp FinalizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "archiveuser-1", resp.AppUserID)
	require.Equal(t, "sec-new", resp.SecUserID)
	require.NotEmpty(t, resp.Token)
	require.NoError(t, env.sm.ExpectationsWereMet())
}

func TestHandleWaitlist_TogglesOptIn(t *testing.T) {
	env := newTestEnv(t, http.NewServeMux())
	env.sm.ExpectQuery("SELECT app_user_id").WillReturnRows(userRow("user-1", pipeline.AvailabilityUnknown, ""))
	env.sm.ExpectExec("UPDATE users SET").WillReturnResult(sqlmock.NewResult(1, 1))

	req := httptest.NewRequest(http.MethodPost, "/link/waitlist", bytes.NewReader(mustJSON(WaitlistRequest{AppUserID: "user-1"})))
	rec := httptest.NewRecorder()
	env.handler.HandleWaitlist(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NoError(t, env.sm.ExpectationsWereMet())
}

func TestHandleWaitlist_UnknownUserIs404(t *testing.T) {
	env := newTestEnv(t, http.NewServeMux())
	env.sm.ExpectQuery("SELECT app_user_id").WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodPost, "/link/waitlist", bytes.NewReader(mustJSON(WaitlistRequest{AppUserID: "ghost"})))
	rec := httptest.NewRecorder()
	env.handler.HandleWaitlist(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRegisterEmail_PatchesUser(t *testing.T) {
	env := newTestEnv(t, http.NewServeMux())
	env.sm.ExpectQuery("SELECT app_user_id").WillReturnRows(userRow("user-1", pipeline.AvailabilityYes, "sec-1"))
	env.sm.ExpectExec("UPDATE users SET").WillReturnResult(sqlmock.NewResult(1, 1))

	req := httptest.NewRequest(http.MethodPost, "/auth/register-email", bytes.NewReader(mustJSON(RegisterEmailRequest{Email: "person@example.com"})))
	req = withSession(req, &pipeline.Session{AppUserID: "user-1"})
	rec := httptest.NewRecorder()
	env.handler.HandleRegisterEmail(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NoError(t, env.sm.ExpectationsWereMet())
}

func TestHandleRegisterEmail_InvalidAddressRejected(t *testing.T) {
	env := newTestEnv(t, http.NewServeMux())

	req := httptest.NewRequest(http.MethodPost, "/auth/register-email", bytes.NewReader(mustJSON(RegisterEmailRequest{Email: "not-an-address"})))
	req = withSession(req, &pipeline.Session{AppUserID: "user-1"})
	rec := httptest.NewRecorder()
	env.handler.HandleRegisterEmail(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWrappedStatus_PendingJobReportsQueueStatus(t *testing.T) {
	env := newTestEnv(t, http.NewServeMux())
	env.sm.ExpectQuery("SELECT task_id").WillReturnRows(jobRow("task-1", "user-1", "device-1", pipeline.StatusAnalyzing))

	req := httptest.NewRequest(http.MethodGet, "/wrapped/user-1", nil)
	req.SetPathValue("app_user_id", "user-1")
	rec := httptest.NewRecorder()
	env.handler.HandleWrappedStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp WrappedStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "pending", resp.Status)
	require.Equal(t, "analyzing", resp.QueueStatus)
	require.Nil(t, resp.Wrapped)
}

func TestHandleWrappedStatus_CompletedJobReturnsPayload(t *testing.T) {
	env := newTestEnv(t, http.NewServeMux())
	env.sm.ExpectQuery("SELECT task_id").WillReturnRows(jobRow("task-1", "user-1", "device-1", pipeline.StatusCompleted))
	env.sm.ExpectQuery("SELECT task_id").WillReturnRows(payloadRow("task-1", "user-1"))
	env.sm.ExpectQuery("SELECT app_user_id").WillReturnRows(userRow("user-1", pipeline.AvailabilityYes, "sec-1"))

	req := httptest.NewRequest(http.MethodGet, "/wrapped/user-1", nil)
	req.SetPathValue("app_user_id", "user-1")
	rec := httptest.NewRecorder()
	env.handler.HandleWrappedStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp WrappedStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ready", resp.Status)
	require.NotNil(t, resp.Wrapped)
	require.Equal(t, "night_owl", resp.Wrapped.PersonalityType)
	require.NoError(t, env.sm.ExpectationsWereMet())
}

func TestHandleWrappedStatus_UnknownUserIs404(t *testing.T) {
	env := newTestEnv(t, http.NewServeMux())
	env.sm.ExpectQuery("SELECT task_id").WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/wrapped/ghost", nil)
	req.SetPathValue("app_user_id", "ghost")
	rec := httptest.NewRecorder()
	env.handler.HandleWrappedStatus(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleWrappedRequest_AvailableAndReadyAlwaysPushesRetry(t *testing.T) {
	env := newTestEnv(t, http.NewServeMux())
	env.sm.ExpectQuery("SELECT app_user_id").WillReturnRows(userRow("user-1", pipeline.AvailabilityYes, "sec-1"))
	env.sm.ExpectExec("UPDATE users SET").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectQuery("SELECT task_id").WillReturnRows(jobRow("task-1", "user-1", "device-1", pipeline.StatusCompleted))
	env.sm.ExpectQuery("SELECT task_id").WillReturnRows(payloadRow("task-1", "user-1"))
	env.sm.ExpectQuery("SELECT app_user_id").WillReturnRows(userRow("user-1", pipeline.AvailabilityYes, "sec-1"))

	req := deviceRequest(http.MethodPost, "/wrapped-request", WrappedRequest{Email: "person@example.com", TimeZone: "UTC"})
	req = withSession(req, &pipeline.Session{AppUserID: "user-1"})
	rec := httptest.NewRecorder()
	env.handler.HandleWrappedRequest(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp WrappedEnqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ready", resp.Status)
	require.NoError(t, env.sm.ExpectationsWereMet())

	queued, err := env.bus.RedisClient().LLen(context.Background(), "pipeline:retry_queue").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, queued, "a completed job's wrapped-request must still re-push to the retry queue")
}

func TestHandleWrappedRequest_UnavailableIsRejected(t *testing.T) {
	env := newTestEnv(t, http.NewServeMux())
	env.sm.ExpectQuery("SELECT app_user_id").WillReturnRows(userRow("user-1", pipeline.AvailabilityNo, "sec-1"))
	env.sm.ExpectExec("UPDATE users SET").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectQuery("SELECT task_id").WillReturnRows(jobRow("task-1", "user-1", "device-1", pipeline.StatusFailed))

	req := deviceRequest(http.MethodPost, "/wrapped-request", WrappedRequest{Email: "person@example.com", TimeZone: "UTC"})
	req = withSession(req, &pipeline.Session{AppUserID: "user-1"})
	rec := httptest.NewRecorder()
	env.handler.HandleWrappedRequest(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, env.sm.ExpectationsWereMet())

	queued, err := env.bus.RedisClient().LLen(context.Background(), "pipeline:retry_queue").Result()
	require.NoError(t, err)
	require.Zero(t, queued, "a known-unavailable user must never enqueue a retry")
}

func TestHandleWrappedRequest_UnknownAvailabilityProbesThenRejectsOnFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/watch/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	env := newTestEnv(t, mux)

	env.sm.ExpectQuery("SELECT app_user_id").WillReturnRows(userRow("user-1", pipeline.AvailabilityUnknown, "sec-1"))
	env.sm.ExpectExec("UPDATE users SET").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectQuery("SELECT task_id").WillReturnRows(jobRow("task-1", "user-1", "device-1", pipeline.StatusVerifying))
	env.sm.ExpectQuery("SELECT max_retry_count").WillReturnError(sql.ErrNoRows)
	env.sm.ExpectExec("INSERT INTO api_call_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectExec("UPDATE users SET").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectExec("UPDATE jobs SET").WillReturnResult(sqlmock.NewResult(1, 1))

	req := deviceRequest(http.MethodPost, "/wrapped-request", WrappedRequest{Email: "person@example.com", TimeZone: "UTC"})
	req = withSession(req, &pipeline.Session{AppUserID: "user-1"})
	rec := httptest.NewRecorder()
	env.handler.HandleWrappedRequest(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, env.sm.ExpectationsWereMet())
}

func TestHandleVerifyRegion_SuccessAdvancesJobToCollecting(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/watch/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data_job_id":"dj-1"}`))
	})
	mux.HandleFunc("/watch/finalize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	env := newTestEnv(t, mux)

	env.sm.ExpectQuery("SELECT app_user_id").WillReturnRows(userRow("user-1", pipeline.AvailabilityUnknown, "sec-1"))
	env.sm.ExpectQuery("SELECT task_id").WillReturnRows(jobRow("task-1", "user-1", "device-1", pipeline.StatusVerifying))
	env.sm.ExpectQuery("SELECT max_retry_count").WillReturnError(sql.ErrNoRows)
	env.sm.ExpectExec("INSERT INTO api_call_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectQuery("SELECT max_retry_count").WillReturnError(sql.ErrNoRows)
	env.sm.ExpectExec("INSERT INTO api_call_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectExec("UPDATE users SET").WillReturnResult(sqlmock.NewResult(1, 1))
	env.sm.ExpectExec("UPDATE jobs SET").WillReturnResult(sqlmock.NewResult(1, 1))

	req := httptest.NewRequest(http.MethodPost, "/link/verify-region", nil)
	req = withSession(req, &pipeline.Session{AppUserID: "user-1"})
	rec := httptest.NewRecorder()
	env.handler.HandleVerifyRegion(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp VerifyRegionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "yes", resp.IsWatchHistoryAvailable)
	require.Empty(t, resp.LastError)
	require.NoError(t, env.sm.ExpectationsWereMet())
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
