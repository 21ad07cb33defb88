// Package pipeline 自动投递流水线：启动检查、职位发现、打分、筛选排序、投递与进度上报
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"auto-apply-go/internal/backoff"
	"auto-apply-go/internal/logger"
	"auto-apply-go/internal/notify"
	"auto-apply-go/internal/ratelimit"
	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/tracing"
	"auto-apply-go/internal/types"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("auto-apply-go/pipeline")

// finalWriteTimeout 关停时写入终态的时限
const finalWriteTimeout = 5 * time.Second

// Deps 编排器依赖
type Deps struct {
	Runs         RunStore
	Applications ApplicationStore
	Profiles     ProfileStore
	Discoverer   Discoverer
	Scorer       Scorer
	Submitter    *Submitter
	Guard        *ratelimit.CooldownGuard
	Notifier     notify.Notifier
}

// Options 编排器参数
type Options struct {
	Backoff       backoff.Options
	Location      *time.Location // 统计"今日"投递数使用的时区
	NotifyTimeout time.Duration
	Now           func() time.Time
	NewID         func() (string, error)
	Logger        *zerolog.Logger
}

// Orchestrator 运行状态机。每个运行在独立的 goroutine 中执行，
// 与轮询方共享的只有持久化的运行记录
type Orchestrator struct {
	runs       RunStore
	apps       ApplicationStore
	profiles   ProfileStore
	discoverer Discoverer
	scorer     Scorer
	submitter  *Submitter
	guard      *ratelimit.CooldownGuard
	finisher   *finisher

	backoff  backoff.Options
	location *time.Location
	now      func() time.Time
	newID    func() (string, error)
	log      zerolog.Logger

	baseCtx  context.Context
	stopRuns context.CancelFunc
	wg       sync.WaitGroup
}

// NewOrchestrator 创建编排器
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newUUIDv7
	}
	log := logger.Component("orchestrator")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	if deps.Submitter == nil {
		deps.Submitter = NewSubmitter(deps.Applications,
			WithSubmitterBackoff(opts.Backoff),
			WithSubmitterClock(opts.Now),
			WithSubmitterLogger(log))
	}

	baseCtx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		runs:       deps.Runs,
		apps:       deps.Applications,
		profiles:   deps.Profiles,
		discoverer: deps.Discoverer,
		scorer:     deps.Scorer,
		submitter:  deps.Submitter,
		guard:      deps.Guard,
		backoff:    opts.Backoff,
		location:   opts.Location,
		now:        opts.Now,
		newID:      opts.NewID,
		log:        log,
		baseCtx:    baseCtx,
		stopRuns:   stop,
	}
	o.finisher = &finisher{
		runs:          deps.Runs,
		notifier:      deps.Notifier,
		notifyTimeout: opts.NotifyTimeout,
		backoff:       opts.Backoff,
		log:           log,
		wg:            &o.wg,
	}
	return o
}

// NextAllowedTime 下一次允许启动的时间，当前即可启动时返回 nil
func (o *Orchestrator) NextAllowedTime(ctx context.Context, userID string) (*time.Time, error) {
	return o.guard.NextAllowedTime(ctx, userID)
}

// Start 启动一次运行并立即返回运行ID，运行在后台执行。
//   - 已有进行中的运行: types.ErrAlreadyProcessing
//   - 冷却期内: *ratelimit.RateLimitedError (types.ErrRateLimited)
//   - 前置条件不满足: 运行已创建并置为 ERROR，同时返回运行ID和 types.ErrPreconditionFailed
func (o *Orchestrator) Start(ctx context.Context, userID string, cfg models.AutomationConfig) (string, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Start", trace.WithAttributes(attribute.String("user.id", tracing.MaskPII(userID))))
	defer span.End()

	if err := cfg.Validate(); err != nil {
		return "", newRunError("", userID, "start", types.ErrPreconditionFailed, err.Error())
	}

	active, err := backoff.Retry(ctx, o.storeOpts("find_active_run"), func(ctx context.Context) (*models.ProcessingRun, error) {
		return o.runs.FindActiveRun(ctx, userID)
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return "", fmt.Errorf("查询活动运行失败: %w", err)
	}
	if active != nil {
		return "", newRunError(active.RunID, userID, "start", types.ErrAlreadyProcessing, "")
	}

	if err := o.guard.Check(ctx, userID); err != nil {
		return "", err
	}

	runID, err := o.newID()
	if err != nil {
		return "", fmt.Errorf("生成运行ID失败: %w", err)
	}
	startedAt := o.now()
	run := &models.ProcessingRun{
		RunID:     runID,
		UserID:    userID,
		Status:    string(types.RunStateProcessing),
		StartedAt: startedAt,
	}
	err = backoff.Do(ctx, o.storeOpts("create_run"), func(ctx context.Context) error {
		return o.runs.CreateRun(ctx, run)
	})
	if err != nil {
		if errors.Is(err, types.ErrActiveRunExists) {
			return "", newRunError("", userID, "start", types.ErrAlreadyProcessing, "")
		}
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		return "", fmt.Errorf("创建运行记录失败: %w", err)
	}
	span.SetAttributes(attribute.String("run.id", runID))

	if err := o.guard.Record(ctx, userID); err != nil {
		o.log.Warn().Err(err).Str("user_id", userID).Msg("记录启动时间失败")
	}
	o.log.Info().Str("run_id", runID).Str("user_id", userID).Msg("运行已启动")

	profile, quota, err := o.checkPreconditions(ctx, userID, cfg)
	if err != nil {
		runErr := asRunError(err, runID, userID, "preconditions")
		if finishErr := o.finisher.finish(context.WithoutCancel(ctx), runID, types.RunStateError, runErr.Message(), false, o.now()); finishErr != nil && !errors.Is(finishErr, types.ErrRunNotActive) {
			o.log.Error().Err(finishErr).Str("run_id", runID).Msg("写入运行终态失败")
		}
		return runID, runErr
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(trace.LinkFromContext(ctx), runID, userID, profile, cfg, quota)
	}()
	return runID, nil
}

func asRunError(err error, runID, userID, op string) *RunError {
	var runErr *RunError
	if errors.As(err, &runErr) {
		runErr.RunID = runID
		return runErr
	}
	return newRunError(runID, userID, op, err, err.Error())
}

// checkPreconditions 依次检查简历、关键词和当日配额，返回剩余配额
func (o *Orchestrator) checkPreconditions(ctx context.Context, userID string, cfg models.AutomationConfig) (types.UserProfile, int, error) {
	row, err := backoff.Retry(ctx, o.storeOpts("get_profile"), func(ctx context.Context) (*models.UserProfile, error) {
		return o.profiles.GetUserProfile(ctx, userID)
	})
	if errors.Is(err, types.ErrProfileNotFound) {
		return types.UserProfile{}, 0, newRunError("", userID, "preconditions", types.ErrPreconditionFailed, msgResumeNotReady)
	}
	if err != nil {
		return types.UserProfile{}, 0, fmt.Errorf("读取用户资料失败: %w", err)
	}
	profile := row.ToProfile()
	if !profile.Resume.IsParsed() {
		return profile, 0, newRunError("", userID, "preconditions", types.ErrPreconditionFailed, msgResumeNotReady)
	}
	if len(nonEmpty(profile.Preferences.Keywords)) == 0 {
		return profile, 0, newRunError("", userID, "preconditions", types.ErrPreconditionFailed, msgNoKeywords)
	}

	today, err := o.todayCount(ctx, userID)
	if err != nil {
		return profile, 0, err
	}
	if today >= cfg.MaxApplicationsPerDay {
		return profile, 0, newRunError("", userID, "preconditions", types.ErrPreconditionFailed,
			fmt.Sprintf(msgDailyLimitFmt, today, cfg.MaxApplicationsPerDay))
	}
	return profile, cfg.MaxApplicationsPerDay - today, nil
}

func (o *Orchestrator) todayCount(ctx context.Context, userID string) (int, error) {
	count, err := backoff.Retry(ctx, o.backoff, func(ctx context.Context) (int, error) {
		return o.apps.CountApplicationsSince(ctx, userID, startOfDay(o.now(), o.location))
	})
	if err != nil {
		return 0, fmt.Errorf("统计今日投递数失败: %w", err)
	}
	return count, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// Cancel 取消进行中的运行。userID 不为空时校验归属，不属于该用户按不存在处理。
// 取消是协作式的：正在进行的外部调用会完成，之后的检查点发现运行已结束便停止
func (o *Orchestrator) Cancel(ctx context.Context, userID, runID string) error {
	run, err := backoff.Retry(ctx, o.storeOpts("get_run"), func(ctx context.Context) (*models.ProcessingRun, error) {
		return o.runs.GetRun(ctx, runID)
	})
	if err != nil {
		return err
	}
	if userID != "" && run.UserID != userID {
		return types.ErrRunNotFound
	}
	if run.State().IsTerminal() {
		return newRunError(runID, run.UserID, "cancel", types.ErrNotProcessing, "")
	}

	err = o.finisher.finish(ctx, runID, types.RunStateCancelled, CancelledMessage, true, o.now())
	if errors.Is(err, types.ErrRunNotActive) {
		return newRunError(runID, run.UserID, "cancel", types.ErrNotProcessing, "")
	}
	return err
}

// Shutdown 通知所有运行停止并等待后台任务退出，ctx 到期时返回 ctx 的错误
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopRuns()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait 等待所有后台运行和通知结束，测试使用
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// errStopped 运行已被取消或回收，不再写入任何状态
var errStopped = errors.New("run stopped")

// execute 后台执行一次运行，所有退出路径都写入终态或确认运行已被他人结束
func (o *Orchestrator) execute(link trace.Link, runID, userID string, profile types.UserProfile, cfg models.AutomationConfig, quota int) {
	ctx, span := tracer.Start(o.baseCtx, "pipeline.Run",
		trace.WithLinks(link),
		trace.WithAttributes(attribute.String("run.id", runID), attribute.String("user.id", tracing.MaskPII(userID))))
	defer span.End()
	log := o.log.With().Str("run_id", runID).Str("user_id", userID).Logger()
	ctx = log.WithContext(ctx)

	state, msg, err := o.process(ctx, runID, userID, profile, cfg, quota)
	switch {
	case errors.Is(err, errStopped):
		log.Info().Msg("运行已在别处结束，停止后续处理")
		return
	case state == "" && ctx.Err() != nil:
		state, msg = types.RunStateError, ShutdownMessage
	case state == "":
		state, msg = types.RunStateError, err.Error()
		tracing.RecordError(span, err, tracing.ErrorTypePipeline)
	case err != nil:
		tracing.RecordError(span, err, tracing.ErrorTypePipeline)
	}
	span.SetAttributes(attribute.String("run.status", string(state)))

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()
	if err := o.finisher.finish(finalCtx, runID, state, msg, false, o.now()); err != nil && !errors.Is(err, types.ErrRunNotActive) {
		log.Error().Err(err).Msg("写入运行终态失败")
	}
}

// checkpoint 刷新心跳；运行已结束时返回 errStopped
func (o *Orchestrator) checkpoint(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return o.progress(backoff.Do(ctx, o.storeOpts("touch_run"), func(ctx context.Context) error {
		return o.runs.TouchRun(ctx, runID)
	}))
}

func (o *Orchestrator) storeOpts(op string) backoff.Options {
	return storeRetry(o.backoff, o.log, op)
}

// progress 把运行已结束转换为 errStopped
func (o *Orchestrator) progress(err error) error {
	if errors.Is(err, types.ErrRunNotActive) {
		return errStopped
	}
	return err
}

// process 依次执行发现、打分、筛选、投递，返回应写入的终态
func (o *Orchestrator) process(ctx context.Context, runID, userID string, profile types.UserProfile, cfg models.AutomationConfig, quota int) (types.RunState, string, error) {
	log := zerolog.Ctx(ctx)

	// 发现
	if err := o.checkpoint(ctx, runID); err != nil {
		return "", "", err
	}
	jobs, err := o.discover(ctx, profile.Preferences)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		return types.RunStateError, runMessage(err), err
	}
	err = backoff.Do(ctx, o.storeOpts("set_jobs_found"), func(ctx context.Context) error {
		return o.runs.SetJobsFound(ctx, runID, len(jobs))
	})
	if err := o.progress(err); err != nil {
		return "", "", err
	}
	log.Info().Int("jobs_found", len(jobs)).Msg("职位发现完成")

	// 打分
	for i := range jobs {
		if err := o.checkpoint(ctx, runID); err != nil {
			return "", "", err
		}
		result, err := o.score(ctx, profile.Resume, jobs[i])
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		if err != nil {
			log.Warn().Err(err).Str("company", jobs[i].Company).Str("title", jobs[i].Title).Msg("打分失败，排除该职位")
		} else {
			score := result.Score
			jobs[i].MatchScore = &score
			jobs[i].MatchReasons = result.Reasons
		}
		err = backoff.Do(ctx, o.storeOpts("increment_jobs_processed"), func(ctx context.Context) error {
			return o.runs.IncrementJobsProcessed(ctx, runID)
		})
		if err := o.progress(err); err != nil {
			return "", "", err
		}
	}

	// 筛选排序。配额在启动时检查过，这里重新统计以扣除期间的其他投递
	if today, err := o.todayCount(ctx, userID); err == nil {
		quota = cfg.MaxApplicationsPerDay - today
	} else {
		log.Warn().Err(err).Msg("重新统计今日投递数失败，使用启动时的配额")
	}
	ranked := SelectCandidates(jobs, cfg, quota)
	if len(ranked) == 0 {
		return types.RunStateError, NoQualifyingJobsMessage, newRunError(runID, userID, "select", nil, NoQualifyingJobsMessage)
	}
	log.Info().Int("qualified", len(ranked)).Int("quota", quota).Msg("筛选完成")

	// 投递
	submitted, err := o.submitter.Submit(ctx, runID, userID, ranked, cfg, func(ctx context.Context) error {
		return o.checkpoint(ctx, runID)
	})
	switch {
	case err == nil:
	case errors.Is(err, errStopped), errors.Is(err, types.ErrRunNotActive):
		return "", "", errStopped
	case ctx.Err() != nil:
		return "", "", ctx.Err()
	case errors.Is(err, types.ErrSubmissionPartialFailure) && len(submitted) > 0:
		log.Warn().Err(err).Int("submitted", len(submitted)).Msg("部分职位投递失败")
	case errors.Is(err, types.ErrSubmissionPartialFailure):
		return types.RunStateError, fmt.Sprintf(msgSubmitFailedFmt, err), err
	default:
		return types.RunStateError, err.Error(), err
	}
	return types.RunStateComplete, "", nil
}

func (o *Orchestrator) discover(ctx context.Context, prefs types.Preferences) ([]types.CandidateJob, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Discover")
	defer span.End()

	opts := o.backoff
	opts.ShouldRetry = backoff.RetryUnless(types.ErrNoResults, types.ErrDiscoveryRejected)
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		zerolog.Ctx(ctx).Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("职位发现失败，稍后重试")
	}
	jobs, err := backoff.Retry(ctx, opts, func(ctx context.Context) ([]types.CandidateJob, error) {
		return o.discoverer.Discover(ctx, prefs)
	})
	if err == nil && len(jobs) == 0 {
		err = types.ErrNoResults
	}
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeExternal)
		if errors.Is(err, types.ErrNoResults) || errors.Is(err, types.ErrDiscoveryFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", types.ErrDiscoveryFailed, err)
	}
	span.SetAttributes(attribute.Int("discovery.jobs", len(jobs)))
	return jobs, nil
}

func (o *Orchestrator) score(ctx context.Context, resume types.Resume, job types.CandidateJob) (types.MatchResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Score", trace.WithAttributes(attribute.String("job.company", job.Company)))
	defer span.End()

	result, err := backoff.Retry(ctx, o.backoff, func(ctx context.Context) (types.MatchResult, error) {
		return o.scorer.Score(ctx, resume, job.Description)
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return result, err
	}
	span.SetAttributes(attribute.Int("job.match_score", result.Score))
	return result, nil
}

// SelectCandidates 保留已打分、达到最低分且不在黑名单中的职位，按分数降序，截断到剩余配额
func SelectCandidates(jobs []types.CandidateJob, cfg models.AutomationConfig, quota int) []types.CandidateJob {
	if quota <= 0 {
		return nil
	}
	selected := make([]types.CandidateJob, 0, len(jobs))
	for _, job := range jobs {
		if job.MatchScore == nil || *job.MatchScore < cfg.MinimumMatchScore {
			continue
		}
		if cfg.IsBlacklisted(job.Company) {
			continue
		}
		selected = append(selected, job)
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return *selected[i].MatchScore > *selected[j].MatchScore
	})
	if len(selected) > quota {
		selected = selected[:quota]
	}
	return selected
}
