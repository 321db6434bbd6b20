// Copyright 2025 James Ross
package facade

import "time"

// ErrorResponse mirrors the teacher admin-api's shape: a stable error code
// plus a human message, never raw internals.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StartResponse is returned by POST /link/start.
type StartResponse struct {
	TaskID        string     `json:"task_id"`
	ArchiveJobID  string     `json:"archive_job_id"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	QueuePosition *int       `json:"queue_position,omitempty"`
}

// RedirectResponse is returned by GET /link/redirect.
type RedirectResponse struct {
	Status        string                 `json:"status"`
	RedirectURL   string                 `json:"redirect_url,omitempty"`
	QueuePosition int                    `json:"queue_position,omitempty"`
	QRData        map[string]interface{} `json:"qr_data,omitempty"`
}

// CodeResponse is returned by GET /link/code.
type CodeResponse struct {
	Status            string     `json:"status"`
	AuthorizationCode string     `json:"authorization_code,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	QueuePosition     int        `json:"queue_position,omitempty"`
}

// FinalizeRequest is the POST /link/finalize body. The client identifies
// the link job by the task_id it got from /link/start; the provider-side
// archive_job_id is read off the stored Job, never trusted from the caller.
type FinalizeRequest struct {
	TaskID            string `json:"task_id" validate:"required"`
	AuthorizationCode string `json:"authorization_code" validate:"required"`
	TimeZone          string `json:"time_zone"`
}

// FinalizeResponse is returned by POST /link/finalize.
type FinalizeResponse struct {
	ArchiveUserID    string    `json:"archive_user_id"`
	SecUserID        string    `json:"sec_user_id"`
	AnchorToken      string    `json:"anchor_token,omitempty"`
	AppUserID        string    `json:"app_user_id"`
	Token            string    `json:"token"`
	ExpiresAt        time.Time `json:"expires_at"`
	PlatformUsername string    `json:"platform_username,omitempty"`
}

// VerifyRegionResponse is returned by POST /link/verify-region.
type VerifyRegionResponse struct {
	IsWatchHistoryAvailable string `json:"is_watch_history_available"`
	Attempts                int    `json:"attempts"`
	LastError               string `json:"last_error,omitempty"`
}

// WaitlistRequest is the POST /link/waitlist body.
type WaitlistRequest struct {
	AppUserID string `json:"app_user_id" validate:"required"`
}

// RegisterEmailRequest is the POST /auth/register-email body.
type RegisterEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// WrappedRequest is the POST /wrapped-request body.
type WrappedRequest struct {
	Email    string `json:"email" validate:"required,email"`
	TimeZone string `json:"time_zone" validate:"required"`
}

// DataJobRef mirrors one entry of the original's data_jobs map.
type DataJobRef struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// WrappedPayload is the fully enriched Wrapped artifact.
type WrappedPayload struct {
	TotalHours             float64                `json:"total_hours"`
	TotalVideos            int                    `json:"total_videos"`
	NightPct               float64                `json:"night_pct"`
	PeakHour               *int                   `json:"peak_hour,omitempty"`
	TopMusic               map[string]interface{} `json:"top_music"`
	TopCreators            []string               `json:"top_creators"`
	PersonalityType        string                 `json:"personality_type"`
	PersonalityExplanation string                 `json:"personality_explanation,omitempty"`
	NicheJourney           []string               `json:"niche_journey"`
	TopNiches              []string               `json:"top_niches"`
	TopNichePercentile     string                 `json:"top_niche_percentile,omitempty"`
	BrainRotScore          int                    `json:"brain_rot_score"`
	BrainRotExplanation    string                 `json:"brain_rot_explanation,omitempty"`
	Keyword2026            string                 `json:"keyword_2026"`
	ThumbRoast             string                 `json:"thumb_roast,omitempty"`
	PlatformUsername       string                 `json:"platform_username,omitempty"`
	Email                  string                 `json:"email,omitempty"`
	DataJobs               map[string]DataJobRef  `json:"data_jobs"`
}

// WrappedStatusResponse is returned by GET /wrapped/{app_user_id}.
type WrappedStatusResponse struct {
	Status        string          `json:"status"`
	WrappedRunID  string          `json:"wrapped_run_id"`
	Wrapped       *WrappedPayload `json:"wrapped,omitempty"`
	QueueStatus   string          `json:"queue_status,omitempty"`
}

// WrappedEnqueueResponse is returned by POST /wrapped-request.
type WrappedEnqueueResponse struct {
	Status        string          `json:"status"`
	WrappedRunID  string          `json:"wrapped_run_id,omitempty"`
	ExistingRunID string          `json:"existing_run_id,omitempty"`
	EmailDelivery string          `json:"email_delivery,omitempty"`
	Wrapped       *WrappedPayload `json:"wrapped,omitempty"`
	QueueStatus   string          `json:"queue_status,omitempty"`
}
