// Copyright 2025 James Ross
package facade

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/archivewrapped/pipeline/internal/archiveclient"
	"github.com/archivewrapped/pipeline/internal/bus"
	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/archivewrapped/pipeline/internal/obs"
	"github.com/archivewrapped/pipeline/internal/pipeline"
	"github.com/archivewrapped/pipeline/internal/session"
	"github.com/archivewrapped/pipeline/internal/store"
	"github.com/archivewrapped/pipeline/internal/verifier"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler holds every dependency a route needs. It mirrors the teacher's
// admin-api Handler shape (one struct, constructor injection) rather than
// free functions closing over package globals.
type Handler struct {
	cfg        *config.Config
	store      *store.Store
	bus        *bus.Bus
	archive    *archiveclient.Client
	verifier   *verifier.Worker
	sessionMgr *session.Manager
	log        *zap.Logger
	validate   *validator.Validate
}

func NewHandler(cfg *config.Config, st *store.Store, bs *bus.Bus, archive *archiveclient.Client, vw *verifier.Worker, sessionMgr *session.Manager, log *zap.Logger) *Handler {
	return &Handler{
		cfg: cfg, store: st, bus: bs, archive: archive, verifier: vw,
		sessionMgr: sessionMgr, log: log, validate: validator.New(),
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// HandleStart implements POST /link/start.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	deviceID, _, _, _, ok := requireDeviceHeaders(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "DEVICE_HEADERS_REQUIRED", "device headers required")
		return
	}
	ctx := r.Context()
	taskID := uuid.NewString()

	started, err := h.archive.StartXordiAuth(ctx, taskID, "")
	if err != nil {
		h.log.Warn("start xordi auth failed", obs.Err(err))
		writeError(w, http.StatusBadGateway, "ARCHIVE_ERROR", "failed to start authorization")
		return
	}

	if _, err := h.store.CreateJob(ctx, taskID, started.ArchiveJobID, deviceID); err != nil {
		h.log.Warn("create job failed", obs.Err(err))
		writeError(w, http.StatusInternalServerError, "CREATE_JOB_FAILED", "failed to create job")
		return
	}

	payload, _ := json.Marshal(pipeline.VerifyMessage{TaskID: taskID, DeviceID: deviceID})
	if err := h.bus.Push(ctx, h.cfg.Bus.VerifyQueue, payload); err != nil {
		h.log.Warn("enqueue verify failed", obs.Err(err))
	}
	_ = h.bus.SetStatus(ctx, taskID, map[string]interface{}{
		"task_id": taskID, "status": "pending", "region_retry_count": 0,
		"collect_total": 0, "collected_count": 0, "current_page": 0,
		"collect_status": "not_started", "analysis_status": "not_executed",
	})

	writeJSON(w, http.StatusOK, StartResponse{
		TaskID:        taskID,
		ArchiveJobID:  started.ArchiveJobID,
		ExpiresAt:     started.ExpiresAt,
		QueuePosition: started.QueuePosition,
	})
}

// HandleRedirect implements GET /link/redirect?task_id=...
func (h *Handler) HandleRedirect(w http.ResponseWriter, r *http.Request) {
	deviceID, _, _, _, ok := requireDeviceHeaders(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "DEVICE_HEADERS_REQUIRED", "device headers required")
		return
	}
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "TASK_ID_REQUIRED", "task_id is required")
		return
	}
	ctx := r.Context()

	job, err := h.store.GetJob(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LOOKUP_FAILED", "job lookup failed")
		return
	}
	if job.DeviceID != "" && job.DeviceID != deviceID {
		writeError(w, http.StatusUnauthorized, "INVALID_DEVICE", "device mismatch")
		return
	}

	result, err := h.archive.GetRedirect(ctx, taskID, job.ArchiveJobID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "ARCHIVE_ERROR", "failed to fetch redirect")
		return
	}
	resp := RedirectResponse{Status: result.Status, RedirectURL: result.RedirectURL, QueuePosition: result.QueuePosition, QRData: result.QRData}
	writeJSON(w, statusForLinkState(result.Status), resp)
}

// HandleCode implements GET /link/code?task_id=...
func (h *Handler) HandleCode(w http.ResponseWriter, r *http.Request) {
	deviceID, _, _, _, ok := requireDeviceHeaders(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "DEVICE_HEADERS_REQUIRED", "device headers required")
		return
	}
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "TASK_ID_REQUIRED", "task_id is required")
		return
	}
	ctx := r.Context()

	job, err := h.store.GetJob(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LOOKUP_FAILED", "job lookup failed")
		return
	}
	if job.DeviceID != "" && job.DeviceID != deviceID {
		writeError(w, http.StatusUnauthorized, "INVALID_DEVICE", "device mismatch")
		return
	}

	result, err := h.archive.GetAuthorizationCode(ctx, taskID, job.ArchiveJobID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "ARCHIVE_ERROR", "failed to fetch authorization code")
		return
	}
	resp := CodeResponse{Status: result.Status, AuthorizationCode: result.AuthorizationCode, ExpiresAt: result.ExpiresAt, QueuePosition: result.QueuePosition}
	writeJSON(w, statusForLinkState(result.Status), resp)
}

func statusForLinkState(status string) int {
	switch status {
	case "ready":
		return http.StatusOK
	case "pending":
		return http.StatusAccepted
	case "expired":
		return http.StatusGone
	default:
		return http.StatusOK
	}
}

// HandleFinalize implements POST /link/finalize. It resolves the canonical
// app_user_id, rebinds the job, rotates the session, and triggers the
// inline region auto-probe, per original_source/app/api/link.py.
func (h *Handler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	deviceID, platform, appVersion, osVersion, ok := requireDeviceHeaders(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "DEVICE_HEADERS_REQUIRED", "device headers required")
		return
	}
	var req FinalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	ctx := r.Context()

	job, err := h.store.GetJob(ctx, req.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LOOKUP_FAILED", "job lookup failed")
		return
	}
	if job.DeviceID != "" && job.DeviceID != deviceID {
		writeError(w, http.StatusUnauthorized, "INVALID_DEVICE", "device mismatch")
		return
	}

	var anchorToken string
	if job.AppUserID != "" {
		if existing, err := h.store.GetUser(ctx, job.AppUserID); err == nil {
			anchorToken = existing.LatestAnchorToken
		}
	}

	result, err := h.archive.FinalizeXordi(ctx, job.TaskID, job.ArchiveJobID, req.AuthorizationCode, anchorToken)
	if err != nil {
		writeError(w, http.StatusBadGateway, "ARCHIVE_ERROR", "failed to finalize authorization")
		return
	}

	finalAppUserID := result.ArchiveUserID
	if finalAppUserID == "" {
		finalAppUserID = job.AppUserID
	}
	if finalAppUserID == "" {
		finalAppUserID = uuid.NewString()
	}
	if err := h.store.EnsureUser(ctx, finalAppUserID); err != nil {
		h.log.Warn("ensure user failed", obs.Err(err))
	}
	canonical, err := h.store.GetUser(ctx, finalAppUserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "USER_LOOKUP_FAILED", "user lookup failed")
		return
	}

	previousSecUserID := canonical.LatestSecUserID
	newSecUserID := result.ProviderUniqueID
	newPlatformUsername := canonical.PlatformUsername
	if result.PlatformUsername != "" {
		newPlatformUsername = result.PlatformUsername
	}
	newTimeZone := canonical.TimeZone
	if req.TimeZone != "" {
		newTimeZone = req.TimeZone
	}
	newAnchor := canonical.LatestAnchorToken
	if result.AnchorToken != "" {
		newAnchor = result.AnchorToken
	} else if anchorToken != "" {
		newAnchor = anchorToken
	}
	newAvailability := canonical.IsWatchHistoryAvailable
	if previousSecUserID != newSecUserID {
		// Invariant I3: a sec_user_id change invalidates any cached availability.
		newAvailability = pipeline.AvailabilityUnknown
	}
	archiveUserID := result.ArchiveUserID
	if err := h.store.PatchUser(ctx, finalAppUserID, store.UserPatch{
		ArchiveUserID:           &archiveUserID,
		LatestSecUserID:         &newSecUserID,
		PlatformUsername:        &newPlatformUsername,
		TimeZone:                &newTimeZone,
		LatestAnchorToken:       &newAnchor,
		IsWatchHistoryAvailable: &newAvailability,
	}); err != nil {
		h.log.Warn("patch canonical user failed", obs.Err(err))
	}

	finalizedStatus := pipeline.StatusFinalized
	if err := h.store.PatchJob(ctx, job.TaskID, store.JobPatch{AppUserID: &finalAppUserID, Status: &finalizedStatus}); err != nil {
		h.log.Warn("rebind job failed", obs.Err(err))
	}

	token, expiresAt, err := h.sessionMgr.CreateOrRotate(ctx, finalAppUserID, deviceID, platform, appVersion, osVersion)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "failed to issue session")
		return
	}

	availability, diag := h.verifier.Probe(ctx, job.TaskID, newSecUserID)
	h.applyProbeResult(ctx, job.TaskID, finalAppUserID, availability, diag)

	writeJSON(w, http.StatusOK, FinalizeResponse{
		ArchiveUserID:    result.ArchiveUserID,
		SecUserID:        result.ProviderUniqueID,
		AnchorToken:      newAnchor,
		AppUserID:        finalAppUserID,
		Token:            token,
		ExpiresAt:        expiresAt,
		PlatformUsername: newPlatformUsername,
	})
}

// applyProbeResult records an inline (non-queue) availability probe's
// outcome: on success it advances the job into collection the same way
// the verifier worker would; on failure it marks the job failed. Shared by
// /link/finalize and /link/verify-region's auto-enqueue behavior.
func (h *Handler) applyProbeResult(ctx context.Context, taskID, appUserID string, availability pipeline.Availability, diag string) {
	if err := h.store.PatchUser(ctx, appUserID, store.UserPatch{IsWatchHistoryAvailable: &availability}); err != nil {
		h.log.Warn("probe availability patch failed", obs.Err(err))
	}
	_ = h.bus.SetStatus(ctx, taskID, map[string]interface{}{"availability": string(availability)})

	if availability != pipeline.AvailabilityYes {
		if diag != "" {
			status := pipeline.StatusFailed
			errMsg := "region verify error: " + diag
			if err := h.store.PatchJob(ctx, taskID, store.JobPatch{Status: &status, ErrorMsg: &errMsg}); err != nil {
				h.log.Warn("probe failure patch failed", obs.Err(err))
			}
		}
		return
	}

	status := pipeline.StatusCollecting
	if err := h.store.PatchJob(ctx, taskID, store.JobPatch{Status: &status}); err != nil {
		h.log.Warn("probe success patch failed", obs.Err(err))
	}
	payload, _ := json.Marshal(pipeline.CollectMessage{TaskID: taskID})
	if err := h.bus.Push(ctx, h.cfg.Bus.CollectQueue, payload); err != nil {
		h.log.Warn("enqueue collect failed", obs.Err(err))
	}
}

// HandleVerifyRegion implements POST /link/verify-region, a session-scoped
// manual re-probe of watch-history availability.
func (h *Handler) HandleVerifyRegion(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	ctx := r.Context()

	user, err := h.store.GetUser(ctx, sess.AppUserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "USER_NOT_FOUND", "user not found")
		return
	}

	taskID := sess.AppUserID
	if job, err := h.store.GetLatestJobByAppUserID(ctx, sess.AppUserID); err == nil {
		taskID = job.TaskID
	}

	availability, diag := h.verifier.Probe(ctx, taskID, user.LatestSecUserID)
	h.applyProbeResult(ctx, taskID, user.AppUserID, availability, diag)

	writeJSON(w, http.StatusOK, VerifyRegionResponse{
		IsWatchHistoryAvailable: string(availability),
		Attempts:                1,
		LastError:               diag,
	})
}

// HandleRegisterEmail implements POST /auth/register-email: binds a delivery
// address to the session's user so the notifier has somewhere to send the
// Wrapped-ready email.
func (h *Handler) HandleRegisterEmail(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	var req RegisterEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	ctx := r.Context()

	if _, err := h.store.GetUser(ctx, sess.AppUserID); err != nil {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "user_not_found")
		return
	}
	if err := h.store.PatchUser(ctx, sess.AppUserID, store.UserPatch{Email: &req.Email}); err != nil {
		h.log.Warn("register email failed", obs.Err(err))
		writeError(w, http.StatusInternalServerError, "PATCH_FAILED", "failed to register email")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleWaitlist implements POST /link/waitlist: toggles waitlist_opt_in
// and responds 204, matching original_source's join_waitlist.
func (h *Handler) HandleWaitlist(w http.ResponseWriter, r *http.Request) {
	var req WaitlistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	ctx := r.Context()

	user, err := h.store.GetUser(ctx, req.AppUserID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LOOKUP_FAILED", "user lookup failed")
		return
	}

	newOptIn := !user.WaitlistOptIn
	if err := h.store.PatchUser(ctx, req.AppUserID, store.UserPatch{WaitlistOptIn: &newOptIn}); err != nil {
		h.log.Warn("waitlist toggle failed", obs.Err(err))
		writeError(w, http.StatusInternalServerError, "PATCH_FAILED", "failed to update waitlist")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleWrappedStatus implements GET /wrapped/{app_user_id}: a public,
// unauthenticated status lookup (there is no credential to check — the
// app_user_id is itself the capability, matching original_source).
func (h *Handler) HandleWrappedStatus(w http.ResponseWriter, r *http.Request) {
	appUserID := r.PathValue("app_user_id")
	ctx := r.Context()

	job, err := h.store.GetLatestJobByAppUserID(ctx, appUserID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no wrapped job for this user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LOOKUP_FAILED", "job lookup failed")
		return
	}

	if job.Status != pipeline.StatusCompleted {
		writeJSON(w, http.StatusOK, WrappedStatusResponse{
			Status:       "pending",
			WrappedRunID: job.TaskID,
			QueueStatus:  string(job.Status),
		})
		return
	}

	wrapped, err := h.buildWrappedPayload(ctx, job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "PAYLOAD_LOOKUP_FAILED", "wrapped payload lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, WrappedStatusResponse{Status: "ready", WrappedRunID: job.TaskID, Wrapped: wrapped})
}

// HandleWrappedRequest implements POST /wrapped-request: session-scoped,
// gates on cached/fresh availability (rejecting "no" and "unknown" before
// anything is enqueued), and once the gate passes always re-pushes to the
// retry queue, even for an already-completed job (Design Note (a),
// preserved as observed).
func (h *Handler) HandleWrappedRequest(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	var req WrappedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}
	ctx := r.Context()

	user, err := h.store.GetUser(ctx, sess.AppUserID)
	if err != nil || user.LatestSecUserID == "" {
		writeError(w, http.StatusBadRequest, "SEC_USER_ID_REQUIRED", "sec_user_id_required")
		return
	}
	if err := h.store.PatchUser(ctx, sess.AppUserID, store.UserPatch{TimeZone: &req.TimeZone, Email: &req.Email}); err != nil {
		h.log.Warn("patch user time zone/email failed", obs.Err(err))
	}

	job, err := h.store.GetLatestJobByAppUserID(ctx, sess.AppUserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no job for this user")
		return
	}

	availability := user.IsWatchHistoryAvailable
	if availability == pipeline.AvailabilityUnknown {
		probed, diag := h.verifier.Probe(ctx, job.TaskID, user.LatestSecUserID)
		h.applyProbeResult(ctx, job.TaskID, sess.AppUserID, probed, diag)
		availability = probed
	}
	if availability == pipeline.AvailabilityNo {
		writeError(w, http.StatusBadRequest, "WATCH_HISTORY_UNAVAILABLE", "watch_history_unavailable")
		return
	}
	if availability == pipeline.AvailabilityUnknown {
		writeError(w, http.StatusBadRequest, "WATCH_HISTORY_UNKNOWN", "watch_history_unknown")
		return
	}

	retryPayload, _ := json.Marshal(pipeline.RetryMessage{TaskID: job.TaskID, RetryType: "collect"})
	if err := h.bus.Push(ctx, h.cfg.Bus.RetryQueue, retryPayload); err != nil {
		h.log.Warn("enqueue wrapped retry failed", obs.Err(err))
	}

	if job.Status == pipeline.StatusCompleted {
		wrapped, err := h.buildWrappedPayload(ctx, job)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "PAYLOAD_LOOKUP_FAILED", "wrapped payload lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, WrappedEnqueueResponse{
			Status: "ready", WrappedRunID: job.TaskID, ExistingRunID: job.TaskID,
			Wrapped: wrapped, QueueStatus: "ready",
		})
		return
	}

	writeJSON(w, http.StatusOK, WrappedEnqueueResponse{
		Status: "pending", WrappedRunID: job.TaskID, EmailDelivery: "queued", QueueStatus: "pending",
	})
}

func (h *Handler) buildWrappedPayload(ctx context.Context, job *pipeline.Job) (*WrappedPayload, error) {
	payload, err := h.store.GetJobPayload(ctx, job.TaskID)
	if err != nil {
		return nil, err
	}
	user, err := h.store.GetUser(ctx, job.AppUserID)
	if err != nil {
		return nil, err
	}
	return &WrappedPayload{
		TotalHours:             payload.TotalHours,
		TotalVideos:            payload.TotalVideos,
		NightPct:               payload.NightPct,
		PeakHour:               payload.PeakHour,
		TopMusic:               payload.TopMusic,
		TopCreators:            payload.TopCreators,
		PersonalityType:        payload.PersonalityType,
		PersonalityExplanation: payload.PersonalityExplanation,
		NicheJourney:           payload.NicheJourney,
		TopNiches:              payload.TopNiches,
		TopNichePercentile:     payload.TopNichePercentile,
		BrainRotScore:          payload.BrainRotScore,
		BrainRotExplanation:    payload.BrainRotExplanation,
		Keyword2026:            payload.Keyword2026,
		ThumbRoast:             payload.ThumbRoast,
		PlatformUsername:       user.PlatformUsername,
		Email:                  user.Email,
		DataJobs:               map[string]DataJobRef{job.TaskID: {ID: job.TaskID, Status: "succeeded"}},
	}, nil
}
