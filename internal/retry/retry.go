// Copyright 2025 James Ross
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/archivewrapped/pipeline/internal/obs"
	"github.com/archivewrapped/pipeline/internal/pipeline"
	"go.uber.org/zap"
)

// Kind classifies why a call attempt failed, which in turn decides whether
// the engine retries it.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindConnection Kind = "connection"
	KindFailed     Kind = "failed" // definitive: non-2xx, malformed response, etc. Never retried.
)

// CallError is the only error shape CallFunc should return; anything else
// is treated as KindFailed.
type CallError struct {
	Kind    Kind
	Message string
}

func (e *CallError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func isRetryable(err error) bool {
	var ce *CallError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == KindTimeout || ce.Kind == KindConnection
}

// CallFunc performs one attempt of an outbound API call. attempt is 1-based.
type CallFunc func(ctx context.Context, attempt int) (body []byte, statusCode int, err error)

// StrategyLookup resolves the backoff policy for one api_type.
type StrategyLookup interface {
	GetRetryStrategy(ctx context.Context, apiType string) (pipeline.RetryStrategy, error)
}

// CallLogger persists the single best-effort ApiCallLog row for a call.
type CallLogger interface {
	InsertApiCallLog(ctx context.Context, log pipeline.ApiCallLog) error
}

// Engine applies a per-api_type exponential backoff policy around a single
// outbound call, retrying only on timeout/connection-error outcomes and
// recording exactly one ApiCallLog row per logical call regardless of how
// many attempts it took (Invariant I4).
type Engine struct {
	strategies StrategyLookup
	logger     CallLogger
	log        *zap.Logger
}

func New(strategies StrategyLookup, logger CallLogger, log *zap.Logger) *Engine {
	return &Engine{strategies: strategies, logger: logger, log: log}
}

func backoffWait(rs pipeline.RetryStrategy, attempt int) time.Duration {
	wait := float64(rs.InitialDelay) * math.Pow(rs.Multiplier, float64(attempt))
	if wait > float64(rs.MaxDelay) {
		wait = float64(rs.MaxDelay)
	}
	return time.Duration(wait)
}

// Do runs call under apiType's retry policy. hook, if non-nil, fires once
// before each retry sleep (never before the first attempt) — the region
// verifier wires this to bump Job.RegionRetryCount.
func (e *Engine) Do(ctx context.Context, taskID, apiType string, call CallFunc, hook func()) ([]byte, int, error) {
	rs, err := e.strategies.GetRetryStrategy(ctx, apiType)
	if err != nil {
		e.log.Warn("retry strategy lookup failed, using default", obs.String("api_type", apiType), obs.Err(err))
		rs = pipeline.DefaultRetryStrategy
	}
	if rs.MaxRetryCount < 1 {
		rs.MaxRetryCount = 1
	}

	start := time.Now()
	var body []byte
	var status int
	var callErr error
	attempt := 0

	for attempt < rs.MaxRetryCount {
		attempt++
		obs.ApiCallAttempts.WithLabelValues(apiType).Inc()
		body, status, callErr = call(ctx, attempt)
		if callErr == nil {
			break
		}
		if !isRetryable(callErr) {
			break
		}
		if attempt >= rs.MaxRetryCount {
			break
		}
		wait := backoffWait(rs, attempt)
		if hook != nil {
			hook()
		}
		select {
		case <-ctx.Done():
			callErr = ctx.Err()
			attempt = rs.MaxRetryCount
		case <-time.After(wait):
		}
	}

	logErr := ""
	if callErr != nil {
		logErr = callErr.Error()
	}
	if err := e.logger.InsertApiCallLog(ctx, pipeline.ApiCallLog{
		TaskID:     taskID,
		ApiType:    apiType,
		Attempt:    attempt,
		StatusCode: status,
		DurationMs: time.Since(start).Milliseconds(),
		Error:      logErr,
	}); err != nil {
		// Best-effort: the log never masks the real call outcome.
		e.log.Warn("api call log insert failed", obs.String("task_id", taskID), obs.String("api_type", apiType), obs.Err(err))
	}

	return body, status, callErr
}
