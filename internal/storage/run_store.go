package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/types"

	"gorm.io/gorm"
)

// CreateRun 写入一条进行中的运行记录。同一用户已有未结束的运行时返回 ErrActiveRunExists
func (m *MySQL) CreateRun(ctx context.Context, run *models.ProcessingRun) error {
	if run.RunID == "" || run.UserID == "" {
		return fmt.Errorf("run_id 和 user_id 不能为空")
	}
	userID := run.UserID
	run.ActiveUserID = &userID
	run.StartedAt = dbTime(run.StartedAt)
	if run.Status == "" {
		run.Status = string(types.RunStateProcessing)
	}

	err := m.db.WithContext(ctx).Create(run).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return types.ErrActiveRunExists
	}
	if err != nil {
		return fmt.Errorf("创建运行记录失败: %w", err)
	}
	return nil
}

// GetRun 按ID查询运行记录
func (m *MySQL) GetRun(ctx context.Context, runID string) (*models.ProcessingRun, error) {
	var run models.ProcessingRun
	err := m.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}
	return &run, nil
}

// FindActiveRun 返回用户未结束的运行，没有时返回 nil, nil
func (m *MySQL) FindActiveRun(ctx context.Context, userID string) (*models.ProcessingRun, error) {
	var runs []models.ProcessingRun
	err := m.db.WithContext(ctx).
		Where("active_user_id = ?", userID).
		Limit(1).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("查询活动运行失败: %w", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// updateActiveRun 只更新未结束的运行，运行已结束时返回 ErrRunNotActive
func (m *MySQL) updateActiveRun(ctx context.Context, runID string, values map[string]interface{}) error {
	result := m.db.WithContext(ctx).
		Model(&models.ProcessingRun{}).
		Where("run_id = ? AND completed_at IS NULL", runID).
		Updates(values)
	if result.Error != nil {
		return fmt.Errorf("更新运行记录失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return types.ErrRunNotActive
	}
	return nil
}

// SetJobsFound 记录发现的候选职位数
func (m *MySQL) SetJobsFound(ctx context.Context, runID string, jobsFound int) error {
	return m.updateActiveRun(ctx, runID, map[string]interface{}{
		"jobs_found": jobsFound,
	})
}

// IncrementJobsProcessed 已处理职位数加一
func (m *MySQL) IncrementJobsProcessed(ctx context.Context, runID string) error {
	return m.updateActiveRun(ctx, runID, map[string]interface{}{
		"jobs_processed": gorm.Expr("jobs_processed + ?", 1),
	})
}

// TouchRun 刷新心跳，同时用作取消检查点
func (m *MySQL) TouchRun(ctx context.Context, runID string) error {
	return m.updateActiveRun(ctx, runID, map[string]interface{}{
		"updated_at": dbTime(time.Now()),
	})
}

// FinishRun 把运行置为终态并释放用户的活动运行占位。
// 只有第一次调用生效，之后的调用返回 ErrRunNotActive
func (m *MySQL) FinishRun(ctx context.Context, runID string, state types.RunState, errMsg *string, cancelled bool, at time.Time) error {
	if !state.IsTerminal() {
		return fmt.Errorf("状态 %s 不是终态", state)
	}
	return m.updateActiveRun(ctx, runID, map[string]interface{}{
		"status":         string(state),
		"completed_at":   dbTime(at),
		"active_user_id": gorm.Expr("NULL"),
		"error":          errMsg,
		"cancelled":      cancelled,
	})
}

// ListStaleRuns 查询心跳早于 before 的未结束运行
func (m *MySQL) ListStaleRuns(ctx context.Context, before time.Time, limit int) ([]models.ProcessingRun, error) {
	var runs []models.ProcessingRun
	err := m.db.WithContext(ctx).
		Where("completed_at IS NULL AND updated_at < ?", dbTime(before)).
		Order("updated_at asc").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("查询中断的运行失败: %w", err)
	}
	return runs, nil
}
