package pipeline

import (
	"context"
	"math"
	"time"

	"auto-apply-go/internal/constants"
	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/types"
)

// RunReader 状态查询只需要读取运行记录
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*models.ProcessingRun, error)
}

// Reporter 运行状态的只读投影，可以并发、任意频率调用
type Reporter struct {
	runs RunReader
	now  func() time.Time
}

// NewReporter 创建状态查询
func NewReporter(runs RunReader) *Reporter {
	return &Reporter{runs: runs, now: time.Now}
}

// WithClock 替换时钟，测试使用
func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	return r
}

// GetStatus 查询运行状态，不存在时返回 types.ErrRunNotFound
func (r *Reporter) GetStatus(ctx context.Context, runID string) (*types.RunStatus, error) {
	run, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	status := Project(run, r.now())
	return &status, nil
}

// Project 由一次读取到的运行记录计算状态，所有字段来自同一行
func Project(run *models.ProcessingRun, now time.Time) types.RunStatus {
	return types.RunStatus{
		RunID:                 run.RunID,
		UserID:                run.UserID,
		Status:                run.State(),
		Progress:              Progress(run.JobsFound, run.JobsProcessed),
		EstimatedEndTime:      estimateEnd(run, now),
		Error:                 run.Error,
		JobsFound:             run.JobsFound,
		JobsProcessed:         run.JobsProcessed,
		ApplicationsSubmitted: run.ApplicationsSubmitted,
		StartedAt:             run.StartedAt,
		CompletedAt:           run.CompletedAt,
	}
}

// Progress 尚未发现职位时返回固定占位值。
// jobsProcessed 按打分计数，打分结束后进度即为 100，投递阶段仍可能在进行
func Progress(jobsFound, jobsProcessed int) int {
	if jobsFound <= 0 {
		return constants.ProgressPlaceholder
	}
	p := int(math.Round(float64(jobsProcessed) / float64(jobsFound) * 100))
	if p > 100 {
		return 100
	}
	return p
}

// estimateEnd 按已处理职位的平均耗时外推；已结束的运行返回结束时间
func estimateEnd(run *models.ProcessingRun, now time.Time) *time.Time {
	if run.CompletedAt != nil {
		end := *run.CompletedAt
		return &end
	}
	if run.JobsProcessed <= 0 {
		return nil
	}
	elapsed := now.Sub(run.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := run.JobsFound - run.JobsProcessed
	if remaining < 0 {
		remaining = 0
	}
	end := now.Add(time.Duration(remaining) * (elapsed / time.Duration(run.JobsProcessed)))
	return &end
}
