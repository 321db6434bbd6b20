// Copyright 2025 James Ross
package pipeline

import "time"

// Status is the job lifecycle state machine value.
type Status string

const (
	StatusPending    Status = "pending"
	StatusVerifying  Status = "verifying"
	StatusCollecting Status = "collecting"
	StatusAnalyzing  Status = "analyzing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
	StatusCancelled  Status = "cancelled"
	StatusRejected   Status = "rejected"
	StatusRetrying   Status = "retrying"
	StatusFinalized  Status = "finalized"
)

// Availability tracks whether a user's archive watch history can be fetched.
type Availability string

const (
	AvailabilityYes     Availability = "yes"
	AvailabilityNo      Availability = "no"
	AvailabilityUnknown Availability = "unknown"
)

// User is the canonical identity a job is eventually bound to.
type User struct {
	AppUserID               string
	ArchiveUserID           string
	PlatformUsername        string
	LatestSecUserID         string
	LatestAnchorToken       string
	TimeZone                string
	IsWatchHistoryAvailable Availability
	WaitlistOptIn           bool
	Email                   string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Job is the durable record driving a single user through the pipeline.
// TaskID is the pipeline's own key (minted by the façade); ArchiveJobID is
// the provider-issued link-job id the Archive endpoints are polled with.
type Job struct {
	TaskID             string
	ArchiveJobID       string
	AppUserID          string
	DeviceID           string
	Status             Status
	RegionVerifyStatus string
	CollectStatus      string
	AnalysisStatus     string
	EmailStatus        string
	ErrorMsg           string
	CollectedCount     int
	CollectTotal       int
	CurrentPage        int
	RegionRetryCount   int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Session is a device-bound bearer session.
type Session struct {
	SessionID      string
	AppUserID      string
	DeviceID       string
	TokenHash      string
	TokenEncrypted string
	Platform       string
	AppVersion     string
	OSVersion      string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	RevokedAt      *time.Time
}

// ApiCallLog records one outbound Archive API call; Attempt is the number of
// attempts the retry engine made for it.
type ApiCallLog struct {
	ID         int64
	TaskID     string
	ApiType    string
	Attempt    int
	StatusCode int
	DurationMs int64
	Error      string
	CreatedAt  time.Time
}

// RetryStrategy configures the exponential backoff applied to one api_type.
type RetryStrategy struct {
	MaxRetryCount int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
}

// DefaultRetryStrategy is used when no per-api_type override exists.
var DefaultRetryStrategy = RetryStrategy{
	MaxRetryCount: 3,
	InitialDelay:  1 * time.Second,
	MaxDelay:      10 * time.Second,
	Multiplier:    2.0,
}

// VerifyMessage is the payload pushed onto the verify queue.
type VerifyMessage struct {
	TaskID    string `json:"task_id"`
	AppUserID string `json:"app_user_id,omitempty"`
	DeviceID  string `json:"device_id"`
	IPAddress string `json:"ip_address"`
}

// RetryMessage is the payload pushed onto the retry queue; RetryType selects
// which stage should pick it back up.
type RetryMessage struct {
	TaskID    string `json:"task_id"`
	RetryType string `json:"retry_type"`
}

// CollectMessage is the payload pushed onto the collect queue.
type CollectMessage struct {
	TaskID string `json:"task_id"`
}

// AnalyzeMessage is the payload pushed onto the analyze queue.
type AnalyzeMessage struct {
	TaskID string `json:"task_id"`
}

// EmailMessage is the payload pushed onto the email queue.
type EmailMessage struct {
	TaskID string `json:"task_id"`
}

// SourceSpan is one audit-trail entry pointing back at a raw watch-history row.
type SourceSpan struct {
	VideoID string `json:"video_id"`
	Reason  string `json:"reason"`
}

// MonthWindow is a half-open [Start, End) millisecond-epoch range the
// collector fans out a fetch against.
type MonthWindow struct {
	Start int64
	End   int64
}

// JobPayload is the 1:1 accumulating artifact for a Job. The collector
// writes the summary + SampleTexts fields; the analyzer only ever reads
// SampleTexts and only ever writes the LLM-derived fields below it.
type JobPayload struct {
	TaskID      string
	AppUserID   string

	// Collector-owned summary fields.
	TotalVideos  int
	TotalHours   float64
	NightPct     float64
	PeakHour     *int
	TopMusic     map[string]interface{}
	TopCreators  []string
	SourceSpans  []SourceSpan
	SampleTexts  []string

	// Analyzer-owned enrichment fields. Present only once AnalysisStatus
	// on the owning Job is "success" (Invariant I2).
	PersonalityType        string
	PersonalityExplanation string
	NicheJourney           []string
	TopNiches              []string
	TopNichePercentile     string
	BrainRotScore          int
	BrainRotExplanation    string
	Keyword2026            string
	ThumbRoast             string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasEnrichment reports whether the LLM-derived fields that must be
// non-empty are populated: personality type, keyword, niche journey, top
// niches and percentile. The free-text explanation/roast fields and the
// brain-rot score are not checked.
func (p JobPayload) HasEnrichment() bool {
	return p.PersonalityType != "" &&
		p.Keyword2026 != "" &&
		len(p.NicheJourney) > 0 &&
		len(p.TopNiches) > 0 &&
		p.TopNichePercentile != ""
}

// BrowseRecord is a raw watch-history row optionally persisted verbatim for
// audit purposes (the browse_records table).
type BrowseRecord struct {
	VideoID     string
	URL         string
	BrowseTime  time.Time
	StaySeconds int
}
