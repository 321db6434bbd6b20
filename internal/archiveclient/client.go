// Copyright 2025 James Ross
package archiveclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/archivewrapped/pipeline/internal/breaker"
	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/archivewrapped/pipeline/internal/retry"
)

// Client is the typed wrapper around the Archive provider's HTTP surface.
// Every method routes its single outbound call through the retry engine
// (per-api_type backoff, best-effort logging) and the shared circuit
// breaker, matching how the teacher's worker wraps each unit of external
// work. Plain net/http is used rather than a generated client because
// neither the teacher nor the rest of the retrieved pack exercises an
// HTTP client library beyond net/http itself for this kind of bespoke REST
// surface (see DESIGN.md).
type Client struct {
	cfg     *config.Config
	http    *http.Client
	breaker *breaker.CircuitBreaker
	retry   *retry.Engine
}

func New(cfg *config.Config, cb *breaker.CircuitBreaker, re *retry.Engine) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Archive.Timeout},
		breaker: cb,
		retry:   re,
	}
}

// ErrBreakerOpen is returned when the circuit breaker is refusing calls.
var ErrBreakerOpen = fmt.Errorf("archive circuit breaker open")

func (c *Client) post(ctx context.Context, taskID, apiType, path string, params interface{}, hook func()) ([]byte, int, error) {
	if !c.breaker.Allow() {
		return nil, 0, ErrBreakerOpen
	}

	body, status, err := c.retry.Do(ctx, taskID, apiType, func(ctx context.Context, attempt int) ([]byte, int, error) {
		return c.doOnce(ctx, path, params)
	}, hook)

	c.breaker.Record(err == nil)
	return body, status, err
}

func (c *Client) doOnce(ctx context.Context, path string, params interface{}) ([]byte, int, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, 0, &retry.CallError{Kind: retry.KindFailed, Message: fmt.Sprintf("marshal request: %s", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Archive.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, &retry.CallError{Kind: retry.KindFailed, Message: fmt.Sprintf("build request: %s", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Archive-API-Key", c.cfg.Archive.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, 0, &retry.CallError{Kind: retry.KindTimeout, Message: err.Error()}
		}
		return nil, 0, &retry.CallError{Kind: retry.KindConnection, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &retry.CallError{Kind: retry.KindFailed, Message: fmt.Sprintf("read body: %s", err)}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusGone && resp.StatusCode != http.StatusFailedDependency {
		return raw, resp.StatusCode, &retry.CallError{
			Kind:    retry.KindFailed,
			Message: fmt.Sprintf("status code: %d, content: %s", resp.StatusCode, string(raw)),
		}
	}
	return raw, resp.StatusCode, nil
}

// StartAuthResult is the response of StartXordiAuth.
type StartAuthResult struct {
	ArchiveJobID  string     `json:"archive_job_id"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	QueuePosition *int       `json:"queue_position,omitempty"`
}

func (c *Client) StartXordiAuth(ctx context.Context, taskID, anchorToken string) (*StartAuthResult, error) {
	body := map[string]interface{}{}
	if anchorToken != "" {
		body["anchor_token"] = anchorToken
	}
	raw, _, err := c.post(ctx, taskID, "auth_start", c.cfg.Archive.StartAuthPath, body, nil)
	if err != nil {
		return nil, err
	}
	var out StartAuthResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode start auth response: %w", err)
	}
	return &out, nil
}

// RedirectResult is the response of GetRedirect.
type RedirectResult struct {
	Status        string                 `json:"status"`
	RedirectURL   string                 `json:"redirect_url"`
	QueuePosition int                    `json:"queue_position"`
	QRData        map[string]interface{} `json:"qr_data,omitempty"`
}

func (c *Client) GetRedirect(ctx context.Context, taskID, archiveJobID string) (*RedirectResult, error) {
	body := map[string]interface{}{"archive_job_id": archiveJobID}
	raw, _, err := c.post(ctx, taskID, "get_redirect", c.cfg.Archive.RedirectPath, body, nil)
	if err != nil {
		return nil, err
	}
	var out RedirectResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode redirect response: %w", err)
	}
	return &out, nil
}

// CodeResult is the response of GetAuthorizationCode.
type CodeResult struct {
	Status            string     `json:"status"`
	AuthorizationCode string     `json:"authorization_code"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	QueuePosition     int        `json:"queue_position"`
}

func (c *Client) GetAuthorizationCode(ctx context.Context, taskID, archiveJobID string) (*CodeResult, error) {
	body := map[string]interface{}{"archive_job_id": archiveJobID}
	raw, _, err := c.post(ctx, taskID, "get_authorization_code", c.cfg.Archive.AuthorizationPath, body, nil)
	if err != nil {
		return nil, err
	}
	var out CodeResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode code response: %w", err)
	}
	return &out, nil
}

// FinalizeResult is the response of FinalizeXordi.
type FinalizeResult struct {
	ArchiveUserID     string `json:"archive_user_id"`
	ProviderUniqueID  string `json:"provider_unique_id"`
	PlatformUsername  string `json:"platform_username"`
	AnchorToken       string `json:"anchor_token"`
}

func (c *Client) FinalizeXordi(ctx context.Context, taskID, archiveJobID, authCode, anchorToken string) (*FinalizeResult, error) {
	body := map[string]interface{}{"archive_job_id": archiveJobID, "authorization_code": authCode}
	if anchorToken != "" {
		body["anchor_token"] = anchorToken
	}
	raw, _, err := c.post(ctx, taskID, "finalize_auth", c.cfg.Archive.FinalizeAuthPath, body, nil)
	if err != nil {
		return nil, err
	}
	var out FinalizeResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode finalize response: %w", err)
	}
	return &out, nil
}

// StartWatchResult is the response of StartWatchHistory.
type StartWatchResult struct {
	DataJobID string `json:"data_job_id"`
}

// StartWatchHistory kicks off an async watch-history fetch. apiType is
// caller-supplied: the collector passes "start_watch_history"; the
// region verifier passes "region_verify" so the retry engine's per-attempt
// hook fires for region_retry_count bookkeeping.
func (c *Client) StartWatchHistory(ctx context.Context, taskID, apiType, secUserID string, limit, maxPages int, cursor string, hook func()) (*StartWatchResult, error) {
	body := map[string]interface{}{"sec_user_id": secUserID, "limit": limit, "max_pages": maxPages}
	if cursor != "" {
		body["cursor"] = cursor
	}
	raw, _, err := c.post(ctx, taskID, apiType, c.cfg.Archive.StartWatchPath, body, hook)
	if err != nil {
		return nil, err
	}
	var out StartWatchResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode start watch response: %w", err)
	}
	return &out, nil
}

// FinalizeWatchHistory polls (or resolves) an async fetch job. httpStatus
// lets the caller branch on 200 (done), 202 (still running), or 410/424
// (abandon the window) exactly as the collector and verifier's polling
// loops require; only genuinely unexpected status codes surface as err.
func (c *Client) FinalizeWatchHistory(ctx context.Context, taskID, apiType, dataJobID string, includeRows bool, returnLimit int, hook func()) (httpStatus int, body []byte, err error) {
	reqBody := map[string]interface{}{"data_job_id": dataJobID, "include_rows": includeRows, "return_limit": returnLimit}
	raw, status, err := c.post(ctx, taskID, apiType, c.cfg.Archive.FinalizeWatchPath, reqBody, hook)
	return status, raw, err
}

// WatchRow is one raw watch-history entry as returned by the provider.
type WatchRow struct {
	VideoID            string   `json:"video_id"`
	URL                string   `json:"url"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Hashtags           []string `json:"hashtags"`
	MusicTitle         string   `json:"music_title"`
	MusicAuthor        string   `json:"music_author"`
	AuthorID           string   `json:"author_id"`
	DurationMs         int64    `json:"duration_ms"`
	ApproxTimesWatched int      `json:"approx_times_watched"`
	WatchedAtMs        int64    `json:"watched_at_ms"`
}

// WatchHistoryResult is the response of GetWatchHistory.
type WatchHistoryResult struct {
	Rows       []WatchRow `json:"rows"`
	NextBefore string     `json:"next_before"`
}

func (c *Client) GetWatchHistory(ctx context.Context, taskID, apiType, secUserID string, limit int, before string) (*WatchHistoryResult, error) {
	body := map[string]interface{}{"sec_user_id": secUserID, "limit": limit}
	if before != "" {
		body["before"] = before
	}
	raw, _, err := c.post(ctx, taskID, apiType, c.cfg.Archive.WatchHistoryPath, body, nil)
	if err != nil {
		return nil, err
	}
	var out WatchHistoryResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode watch history response: %w", err)
	}
	return &out, nil
}
