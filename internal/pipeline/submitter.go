package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"auto-apply-go/internal/backoff"
	"auto-apply-go/internal/logger"
	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/tracing"
	"auto-apply-go/internal/types"

	gofrsuuid "github.com/gofrs/uuid/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
)

// Submitter 按排名顺序逐个投递。单个职位失败只跳过该职位，已投递的职位不会重复投递
type Submitter struct {
	apps      ApplicationStore
	snapshots SnapshotStore
	backoff   backoff.Options
	now       func() time.Time
	newID     func() (string, error)
	log       zerolog.Logger
}

// SubmitterOption 配置 Submitter
type SubmitterOption func(*Submitter)

// WithSnapshotStore 投递时保存职位快照
func WithSnapshotStore(store SnapshotStore) SubmitterOption {
	return func(s *Submitter) {
		s.snapshots = store
	}
}

// WithSubmitterBackoff 设置持久化调用的重试参数
func WithSubmitterBackoff(opts backoff.Options) SubmitterOption {
	return func(s *Submitter) {
		s.backoff = opts
	}
}

// WithSubmitterClock 替换时钟
func WithSubmitterClock(now func() time.Time) SubmitterOption {
	return func(s *Submitter) {
		s.now = now
	}
}

// WithSubmitterLogger 设置日志器
func WithSubmitterLogger(l zerolog.Logger) SubmitterOption {
	return func(s *Submitter) {
		s.log = l
	}
}

// NewSubmitter 创建投递器
func NewSubmitter(apps ApplicationStore, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		apps:  apps,
		now:   time.Now,
		newID: newUUIDv7,
		log:   logger.Component("submitter"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newUUIDv7() (string, error) {
	id, err := gofrsuuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// JobRef 由来源链接生成稳定的职位标识，同一职位在不同运行中得到相同的 jobRef
func JobRef(job types.CandidateJob) string {
	if u := strings.TrimSpace(job.SourceURL); u != "" {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(u)).String()
	}
	key := models.NormalizeCompany(job.Company) + "\x00" + strings.ToLower(strings.TrimSpace(job.Title))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// Checkpoint 在每个投递单元之前调用，返回错误时停止投递
type Checkpoint func(ctx context.Context) error

// Submit 依次投递 jobs，返回成功投递的记录。
// 有职位失败时同时返回包装了 types.ErrSubmissionPartialFailure 的错误；
// checkpoint 或运行结束导致的停止返回对应错误，已投递的记录保留
func (s *Submitter) Submit(ctx context.Context, runID, userID string, jobs []types.CandidateJob, cfg models.AutomationConfig, checkpoint Checkpoint) ([]models.Application, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.Int("submit.candidates", len(jobs)),
	)

	submitted := make([]models.Application, 0, len(jobs))
	var failures []error

	for _, job := range jobs {
		if checkpoint != nil {
			if err := checkpoint(ctx); err != nil {
				return submitted, err
			}
		}

		app, err := s.submitOne(ctx, runID, userID, job, cfg)
		switch {
		case err == nil && app == nil:
			// 已投递过
		case err == nil:
			submitted = append(submitted, *app)
		case errors.Is(err, types.ErrRunNotActive):
			return submitted, err
		case ctx.Err() != nil:
			return submitted, errors.Join(err, ctx.Err())
		default:
			s.log.Warn().Err(err).
				Str("run_id", runID).
				Str("user_id", userID).
				Str("company", job.Company).
				Str("title", job.Title).
				Msg("投递失败，跳过该职位")
			failures = append(failures, fmt.Errorf("%s @ %s: %w", job.Title, job.Company, err))
		}
	}

	span.SetAttributes(
		attribute.Int("submit.submitted", len(submitted)),
		attribute.Int("submit.failed", len(failures)),
	)
	if len(failures) > 0 {
		err := fmt.Errorf("%w: %d of %d failed: %w", types.ErrSubmissionPartialFailure, len(failures), len(jobs), errors.Join(failures...))
		tracing.RecordError(span, err, tracing.ErrorTypePipeline)
		return submitted, err
	}
	return submitted, nil
}

// submitOne 已投递过时返回 nil, nil
func (s *Submitter) submitOne(ctx context.Context, runID, userID string, job types.CandidateJob, cfg models.AutomationConfig) (*models.Application, error) {
	jobRef := JobRef(job)

	exists, err := backoff.Retry(ctx, s.backoff, func(ctx context.Context) (bool, error) {
		return s.apps.ApplicationExists(ctx, userID, jobRef)
	})
	if err != nil {
		return nil, fmt.Errorf("查询投递记录失败: %w", err)
	}
	if exists {
		s.log.Debug().Str("user_id", userID).Str("job_ref", jobRef).Msg("职位已投递，跳过")
		return nil, nil
	}

	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("生成投递ID失败: %w", err)
	}
	now := s.now()

	reasons, _ := json.Marshal(job.MatchReasons)
	app := &models.Application{
		ApplicationID:    id,
		UserID:           userID,
		JobRef:           jobRef,
		JobTitle:         job.Title,
		Company:          job.Company,
		Location:         job.Location,
		SourceURL:        job.SourceURL,
		MatchScore:       job.Score(),
		MatchReasonsJSON: datatypes.JSON(reasons),
		Status:           models.ApplicationStatusApplied,
		AppliedAt:        now,
	}
	if runID != "" {
		app.RunID = &runID
	}
	if path := s.saveSnapshot(ctx, userID, jobRef, job); path != "" {
		app.JobSnapshotPath = &path
	}

	var followUp *models.FollowUp
	if cfg.AutoFollowUp {
		followUp = &models.FollowUp{
			ScheduledDate: now.AddDate(0, 0, cfg.FollowUpDelayDays),
			Status:        models.FollowUpStatusPending,
		}
	}

	opts := s.backoff
	opts.ShouldRetry = backoff.RetryUnless(types.ErrDuplicateApplication, types.ErrRunNotActive)
	err = backoff.Do(ctx, opts, func(ctx context.Context) error {
		return s.apps.CreateApplication(ctx, app, followUp)
	})
	if errors.Is(err, types.ErrDuplicateApplication) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return app, nil
}

// saveSnapshot 快照失败不影响投递
func (s *Submitter) saveSnapshot(ctx context.Context, userID, jobRef string, job types.CandidateJob) string {
	if s.snapshots == nil {
		return ""
	}
	path, err := backoff.Retry(ctx, s.backoff, func(ctx context.Context) (string, error) {
		return s.snapshots.SaveJobSnapshot(ctx, userID, jobRef, job)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("job_ref", jobRef).Msg("保存职位快照失败")
		return ""
	}
	return path
}
