// Copyright 2025 James Ross
package notifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/archivewrapped/pipeline/internal/bus"
	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/archivewrapped/pipeline/internal/store"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	fail  bool
	calls int
}

func (f *fakeSender) SendEmail(ctx context.Context, toAddress, subject, textBody, htmlBody string) error {
	f.calls++
	if f.fail {
		return errors.New("ses unavailable")
	}
	return nil
}

func newTestBus(t *testing.T, cfg *config.Config) *bus.Bus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	cfg.Bus.StatusKeyPattern = "pipeline:task:%s:status"
	cfg.Bus.LockKeyPattern = "pipeline:task:%s:lock"
	cfg.Bus.LockTTL = time.Minute
	rdb := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return bus.WithClient(cfg, rdb)
}

var jobCols = []string{"task_id", "archive_job_id", "app_user_id", "device_id", "status", "region_verify_status",
	"collect_status", "analysis_status", "email_status", "error_msg",
	"collected_count", "collect_total", "current_page", "region_retry_count",
	"created_at", "updated_at"}

var userCols = []string{"app_user_id", "archive_user_id", "platform_username", "latest_sec_user_id",
	"latest_anchor_token", "time_zone", "is_watch_history_available", "waitlist_opt_in",
	"email", "created_at", "updated_at"}

func expectJobAndUser(sm sqlmock.Sqlmock, email string) {
	sm.ExpectQuery("SELECT task_id").
		WillReturnRows(sqlmock.NewRows(jobCols).AddRow(
			"task-1", "aj-1", "user-1", "device-1", "analyzing", "",
			"completed", "success", "", "",
			0, 0, 0, 0, time.Now(), time.Now()))
	sm.ExpectQuery("SELECT app_user_id").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(
			"user-1", "", "", "", "", "UTC", "yes", false, email, time.Now(), time.Now()))
}

func TestProcessOne_NoEmailIsVacuousSuccess(t *testing.T) {
	cfg := &config.Config{}
	bs := newTestBus(t, cfg)

	sqlDB, sm, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	st := store.New(sqlDB)
	expectJobAndUser(sm, "")

	sender := &fakeSender{}
	w := New(cfg, st, bs, sender, nil, zap.NewNop())
	w.processOne(context.Background(), "task-1")

	require.Equal(t, 0, sender.calls, "no email on file must never attempt a send")
	require.NoError(t, sm.ExpectationsWereMet())
}

func TestProcessOne_SuccessfulSendPatchesEmailStatus(t *testing.T) {
	cfg := &config.Config{}
	cfg.Email.FrontendURL = "https://wrapped.example.com"
	bs := newTestBus(t, cfg)

	sqlDB, sm, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	st := store.New(sqlDB)
	expectJobAndUser(sm, "person@example.com")
	sm.ExpectExec("UPDATE jobs SET").WillReturnResult(sqlmock.NewResult(1, 1))

	sender := &fakeSender{}
	w := New(cfg, st, bs, sender, nil, zap.NewNop())
	w.processOne(context.Background(), "task-1")

	require.Equal(t, 1, sender.calls)
	require.NoError(t, sm.ExpectationsWereMet())

	status, err := bs.GetStatus(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, "sent", status["email_status"])
}

func TestProcessOne_ExhaustedRetriesLeavesJobUntouched(t *testing.T) {
	cfg := &config.Config{}
	bs := newTestBus(t, cfg)

	sqlDB, sm, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	st := store.New(sqlDB)
	expectJobAndUser(sm, "person@example.com")
	// No UPDATE jobs expectation: a failed send must never patch the row.

	sender := &fakeSender{fail: true}
	w := New(cfg, st, bs, sender, nil, zap.NewNop())
	w.processOne(context.Background(), "task-1")

	require.Equal(t, sendMaxAttempts, sender.calls)
	require.NoError(t, sm.ExpectationsWereMet())

	status, err := bs.GetStatus(context.Background(), "task-1")
	require.NoError(t, err)
	_, hasEmailStatus := status["email_status"]
	require.False(t, hasEmailStatus, "email delivery failure must never touch job status")
}
