package pipeline

import (
	"context"
	"sync"
	"time"

	"auto-apply-go/internal/backoff"
	"auto-apply-go/internal/notify"
	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/types"

	"github.com/rs/zerolog"
)

// finisher 写入终态并异步发送通知，编排器、取消和回收共用
type finisher struct {
	runs          RunStore
	notifier      notify.Notifier
	notifyTimeout time.Duration
	backoff       backoff.Options
	log           zerolog.Logger
	wg            *sync.WaitGroup
}

// finish 只有第一次终态写入生效，运行已结束时返回 types.ErrRunNotActive
func (f *finisher) finish(ctx context.Context, runID string, state types.RunState, msg string, cancelled bool, at time.Time) error {
	var errMsg *string
	if msg != "" {
		errMsg = &msg
	}
	err := backoff.Do(ctx, storeRetry(f.backoff, f.log, "finish_run"), func(ctx context.Context) error {
		return f.runs.FinishRun(ctx, runID, state, errMsg, cancelled, at)
	})
	if err != nil {
		return err
	}

	run, err := backoff.Retry(ctx, storeRetry(f.backoff, f.log, "get_run"), func(ctx context.Context) (*models.ProcessingRun, error) {
		return f.runs.GetRun(ctx, runID)
	})
	if err != nil {
		f.log.Warn().Err(err).Str("run_id", runID).Msg("读取已结束的运行失败，跳过通知")
		return nil
	}

	event := types.RunFinishedEvent{
		RunID:                 run.RunID,
		UserID:                run.UserID,
		Status:                state,
		Error:                 msg,
		JobsFound:             run.JobsFound,
		JobsProcessed:         run.JobsProcessed,
		ApplicationsSubmitted: run.ApplicationsSubmitted,
		StartedAt:             run.StartedAt,
		CompletedAt:           at,
	}

	logEvent := f.log.Info()
	if state == types.RunStateError {
		logEvent = f.log.Warn()
	}
	logEvent.
		Str("run_id", run.RunID).
		Str("user_id", run.UserID).
		Str("status", string(state)).
		Str("error", msg).
		Int("jobs_found", run.JobsFound).
		Int("jobs_processed", run.JobsProcessed).
		Int("applications_submitted", run.ApplicationsSubmitted).
		Msg("运行结束")

	f.dispatch(event)
	return nil
}

// dispatch 通知失败只记日志
func (f *finisher) dispatch(event types.RunFinishedEvent) {
	if f.notifier == nil {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), f.notifyTimeout)
		defer cancel()
		if err := f.notifier.Notify(ctx, event); err != nil {
			f.log.Warn().Err(err).Str("run_id", event.RunID).Msg("发送运行结束通知失败")
		}
	}()
}
