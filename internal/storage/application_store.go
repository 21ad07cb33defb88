package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/types"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// CountApplicationsSince 统计用户自 since 起的投递数
func (m *MySQL) CountApplicationsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&models.Application{}).
		Where("user_id = ? AND applied_at >= ?", userID, dbTime(since)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("统计投递数失败: %w", err)
	}
	return int(count), nil
}

// ApplicationExists 判断用户是否已投递过该职位
func (m *MySQL) ApplicationExists(ctx context.Context, userID, jobRef string) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&models.Application{}).
		Where("user_id = ? AND job_ref = ?", userID, jobRef).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("查询投递记录失败: %w", err)
	}
	return count > 0, nil
}

// CreateApplication 在一个事务中写入投递记录和可选的跟进计划。
// app.RunID 不为空时同时把该运行的投递数加一，运行已结束则整体回滚并返回 ErrRunNotActive
func (m *MySQL) CreateApplication(ctx context.Context, app *models.Application, followUp *models.FollowUp) error {
	ctx, span := m.startSpan(ctx, "MySQL.CreateApplication", app.TableName())
	defer span.End()
	span.SetAttributes(
		attribute.String("app.user_id", app.UserID),
		attribute.String("app.job_ref", app.JobRef),
		attribute.Bool("app.follow_up", followUp != nil),
	)

	app.AppliedAt = dbTime(app.AppliedAt)
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(app).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return types.ErrDuplicateApplication
			}
			return fmt.Errorf("写入投递记录失败: %w", err)
		}

		if followUp != nil {
			followUp.ApplicationID = app.ApplicationID
			followUp.UserID = app.UserID
			followUp.ScheduledDate = dbTime(followUp.ScheduledDate)
			if followUp.Status == "" {
				followUp.Status = models.FollowUpStatusPending
			}
			if err := tx.Create(followUp).Error; err != nil {
				return fmt.Errorf("写入跟进计划失败: %w", err)
			}
		}

		if app.RunID != nil {
			result := tx.Model(&models.ProcessingRun{}).
				Where("run_id = ? AND completed_at IS NULL", *app.RunID).
				Update("applications_submitted", gorm.Expr("applications_submitted + ?", 1))
			if result.Error != nil {
				return fmt.Errorf("更新运行投递数失败: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return types.ErrRunNotActive
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, types.ErrDuplicateApplication) {
		span.RecordError(err)
	}
	return err
}

// ListApplications 分页查询用户的投递记录，按投递时间倒序
func (m *MySQL) ListApplications(ctx context.Context, userID string, limit, offset int) ([]models.Application, int64, error) {
	var total int64
	base := m.db.WithContext(ctx).Model(&models.Application{}).Where("user_id = ?", userID)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计投递记录失败: %w", err)
	}

	var apps []models.Application
	err := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("applied_at desc").
		Limit(limit).
		Offset(offset).
		Find(&apps).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询投递记录失败: %w", err)
	}
	return apps, total, nil
}

// ListFollowUps 查询某次投递的跟进计划
func (m *MySQL) ListFollowUps(ctx context.Context, applicationID string) ([]models.FollowUp, error) {
	var followUps []models.FollowUp
	err := m.db.WithContext(ctx).
		Where("application_id = ?", applicationID).
		Order("scheduled_date asc").
		Find(&followUps).Error
	if err != nil {
		return nil, fmt.Errorf("查询跟进计划失败: %w", err)
	}
	return followUps, nil
}
