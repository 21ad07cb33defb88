package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"auto-apply-go/internal/backoff"
	"auto-apply-go/internal/constants"
	"auto-apply-go/internal/logger"
	"auto-apply-go/internal/notify"
	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/types"

	"github.com/rs/zerolog"
)

const reapBatchSize = 100

// Reaper 回收心跳超时的运行。进程崩溃留下的运行会一直占着用户的活动运行位，
// 这里把它们置为 ERROR 以便用户重新启动
type Reaper struct {
	runs       RunStore
	locker     Locker
	finisher   *finisher
	staleAfter time.Duration
	interval   time.Duration
	backoff    backoff.Options
	now        func() time.Time
	log        zerolog.Logger

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// ReaperOptions 回收参数
type ReaperOptions struct {
	StaleAfter    time.Duration
	Interval      time.Duration
	NotifyTimeout time.Duration
	// Locker 为空时不加锁，适合单实例部署
	Locker  Locker
	Backoff backoff.Options
	Now     func() time.Time
}

// NewReaper 创建回收器
func NewReaper(runs RunStore, notifier notify.Notifier, opts ReaperOptions) *Reaper {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Reaper{
		runs:       runs,
		locker:     opts.Locker,
		staleAfter: opts.StaleAfter,
		interval:   opts.Interval,
		backoff:    opts.Backoff,
		now:        opts.Now,
		log:        logger.Component("reaper"),
		done:       make(chan struct{}),
	}
	r.finisher = &finisher{
		runs:          runs,
		notifier:      notifier,
		notifyTimeout: opts.NotifyTimeout,
		backoff:       opts.Backoff,
		log:           r.log,
		wg:            &r.wg,
	}
	return r
}

// ReapOnce 回收一批超时的运行，返回回收数量
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	if r.locker != nil {
		token, err := backoff.Retry(ctx, r.backoff, func(ctx context.Context) (string, error) {
			return r.locker.AcquireLock(ctx, constants.KeyReaperLock, r.interval)
		})
		if err != nil {
			return 0, err
		}
		if token == "" {
			// 其他实例正在回收
			return 0, nil
		}
		defer func() {
			if _, err := r.locker.ReleaseLock(context.WithoutCancel(ctx), constants.KeyReaperLock, token); err != nil {
				r.log.Warn().Err(err).Msg("释放回收锁失败")
			}
		}()
	}

	now := r.now()
	stale, err := backoff.Retry(ctx, storeRetry(r.backoff, r.log, "list_stale_runs"), func(ctx context.Context) ([]models.ProcessingRun, error) {
		return r.runs.ListStaleRuns(ctx, now.Add(-r.staleAfter), reapBatchSize)
	})
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, run := range stale {
		err := r.finisher.finish(ctx, run.RunID, types.RunStateError, InterruptedMessage, false, now)
		if errors.Is(err, types.ErrRunNotActive) {
			continue
		}
		if err != nil {
			r.log.Error().Err(err).Str("run_id", run.RunID).Msg("回收运行失败")
			continue
		}
		r.log.Warn().Str("run_id", run.RunID).Str("user_id", run.UserID).Time("last_heartbeat", run.UpdatedAt).Msg("运行心跳超时，已回收")
		reaped++
	}
	return reaped, nil
}

// Start 后台定期回收
func (r *Reaper) Start() {
	ticker := time.NewTicker(r.interval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				if _, err := r.ReapOnce(context.Background()); err != nil {
					r.log.Error().Err(err).Msg("回收超时运行失败")
				}
			}
		}
	}()
	r.log.Info().Dur("stale_after", r.staleAfter).Dur("interval", r.interval).Msg("运行回收已启动")
}

// Stop 停止回收并等待进行中的通知
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}
