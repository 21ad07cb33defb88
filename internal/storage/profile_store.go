package storage

import (
	"context"
	"errors"
	"fmt"

	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetAutomationConfig 查询用户的自动投递策略，未保存过时返回 nil, nil
func (m *MySQL) GetAutomationConfig(ctx context.Context, userID string) (*models.AutomationConfig, error) {
	var cfg models.AutomationConfig
	err := m.db.WithContext(ctx).Where("user_id = ?", userID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询自动投递配置失败: %w", err)
	}
	return &cfg, nil
}

// SaveAutomationConfig 新增或覆盖用户的自动投递策略
func (m *MySQL) SaveAutomationConfig(ctx context.Context, cfg *models.AutomationConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"max_applications_per_day",
			"minimum_match_score",
			"blacklisted_companies_json",
			"auto_follow_up",
			"follow_up_delay_days",
			"updated_at",
		}),
	}).Create(cfg).Error
	if err != nil {
		return fmt.Errorf("保存自动投递配置失败: %w", err)
	}
	return nil
}

// GetUserProfile 查询用户资料
func (m *MySQL) GetUserProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var profile models.UserProfile
	err := m.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询用户资料失败: %w", err)
	}
	return &profile, nil
}

// SaveUserProfile 新增或覆盖用户资料
func (m *MySQL) SaveUserProfile(ctx context.Context, profile *models.UserProfile) error {
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(profile).Error
	if err != nil {
		return fmt.Errorf("保存用户资料失败: %w", err)
	}
	return nil
}

// EnqueueOutboxMessage 写入一条待投递消息
func (m *MySQL) EnqueueOutboxMessage(ctx context.Context, msg *models.OutboxMessage) error {
	if msg.Status == "" {
		msg.Status = models.OutboxStatusPending
	}
	if err := m.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("写入 outbox 消息失败: %w", err)
	}
	return nil
}
