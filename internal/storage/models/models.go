package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"auto-apply-go/internal/types"

	"gorm.io/datatypes"
)

// 投递状态
const (
	ApplicationStatusApplied   = "applied"
	ApplicationStatusContacted = "contacted"
	ApplicationStatusRejected  = "rejected"
	ApplicationStatusAccepted  = "accepted"
)

// 跟进状态
const (
	FollowUpStatusPending   = "pending"
	FollowUpStatusSent      = "sent"
	FollowUpStatusCancelled = "cancelled"
)

// ProcessingRun 一次自动投递运行
type ProcessingRun struct {
	RunID  string `gorm:"type:char(36);primaryKey"`
	UserID string `gorm:"type:varchar(64);not null;index:idx_runs_user_started,priority:1"`
	// ActiveUserID 运行未结束时等于 UserID，结束时置空；唯一索引保证每个用户最多一个活动运行
	ActiveUserID          *string    `gorm:"type:varchar(64);uniqueIndex:uq_runs_active_user"`
	Status                string     `gorm:"type:varchar(20);not null;index:idx_runs_status_updated,priority:1"`
	StartedAt             time.Time  `gorm:"precision:6;not null;index:idx_runs_user_started,priority:2"`
	CompletedAt           *time.Time `gorm:"precision:6"`
	JobsFound             int        `gorm:"not null;default:0"`
	JobsProcessed         int        `gorm:"not null;default:0"`
	ApplicationsSubmitted int        `gorm:"not null;default:0"`
	Error                 *string    `gorm:"type:text"`
	Cancelled             bool       `gorm:"not null;default:false"`
	// UpdatedAt 兼作心跳
	UpdatedAt time.Time `gorm:"precision:6;autoUpdateTime;index:idx_runs_status_updated,priority:2"`
}

func (ProcessingRun) TableName() string {
	return "processing_runs"
}

// State 返回运行状态
func (r *ProcessingRun) State() types.RunState {
	return types.RunState(r.Status)
}

// Application 投递记录，每个 (用户, 职位) 只有一条
type Application struct {
	ApplicationID    string         `gorm:"type:char(36);primaryKey"`
	UserID           string         `gorm:"type:varchar(64);not null;uniqueIndex:uq_applications_user_job,priority:1;index:idx_applications_user_applied,priority:1"`
	JobRef           string         `gorm:"type:char(36);not null;uniqueIndex:uq_applications_user_job,priority:2"`
	RunID            *string        `gorm:"type:char(36);index"`
	JobTitle         string         `gorm:"type:varchar(255)"`
	Company          string         `gorm:"type:varchar(255)"`
	Location         string         `gorm:"type:varchar(255)"`
	SourceURL        string         `gorm:"type:varchar(1024);not null"`
	MatchScore       int            `gorm:"not null"`
	MatchReasonsJSON datatypes.JSON `gorm:"type:json"`
	Status           string         `gorm:"type:varchar(20);not null;default:'applied'"`
	AppliedAt        time.Time      `gorm:"precision:6;not null;index:idx_applications_user_applied,priority:2"`
	LastContactAt    *time.Time     `gorm:"precision:6"`
	CustomizedResume *string        `gorm:"type:text"`
	Notes            *string        `gorm:"type:text"`
	JobSnapshotPath  *string        `gorm:"type:varchar(512)"`
	CreatedAt        time.Time      `gorm:"precision:6;autoCreateTime"`
	UpdatedAt        time.Time      `gorm:"precision:6;autoUpdateTime"`
}

func (Application) TableName() string {
	return "applications"
}

// MatchReasons 解析匹配理由
func (a *Application) MatchReasons() []string {
	var reasons []string
	if len(a.MatchReasonsJSON) == 0 {
		return reasons
	}
	_ = json.Unmarshal(a.MatchReasonsJSON, &reasons)
	return reasons
}

// FollowUp 投递后的跟进计划，由外部调度器消费
type FollowUp struct {
	FollowUpID    uint64    `gorm:"primaryKey;autoIncrement"`
	ApplicationID string    `gorm:"type:char(36);not null;index"`
	UserID        string    `gorm:"type:varchar(64);not null;index"`
	ScheduledDate time.Time `gorm:"precision:6;not null;index:idx_follow_ups_status_scheduled,priority:2"`
	Status        string    `gorm:"type:varchar(20);not null;default:'pending';index:idx_follow_ups_status_scheduled,priority:1"`
	CreatedAt     time.Time `gorm:"precision:6;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"precision:6;autoUpdateTime"`
}

func (FollowUp) TableName() string {
	return "follow_ups"
}

// AutomationConfig 用户的自动投递策略
type AutomationConfig struct {
	UserID                   string         `gorm:"type:varchar(64);primaryKey" json:"-"`
	MaxApplicationsPerDay    int            `gorm:"not null" json:"max_applications_per_day"`
	MinimumMatchScore        int            `gorm:"not null" json:"minimum_match_score"`
	BlacklistedCompaniesJSON datatypes.JSON `gorm:"type:json" json:"-"`
	AutoFollowUp             bool           `gorm:"not null;default:false" json:"auto_follow_up"`
	FollowUpDelayDays        int            `gorm:"not null;default:0" json:"follow_up_delay_days"`
	UpdatedAt                time.Time      `gorm:"precision:6;autoUpdateTime" json:"updated_at"`
}

func (AutomationConfig) TableName() string {
	return "automation_configs"
}

// NormalizeCompany 公司名比较前的规范化：小写、去首尾空白、合并连续空白
func NormalizeCompany(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// BlacklistedCompanies 返回规范化后的黑名单
func (c *AutomationConfig) BlacklistedCompanies() []string {
	var companies []string
	if len(c.BlacklistedCompaniesJSON) == 0 {
		return companies
	}
	_ = json.Unmarshal(c.BlacklistedCompaniesJSON, &companies)
	return companies
}

// SetBlacklistedCompanies 规范化并去重后保存
func (c *AutomationConfig) SetBlacklistedCompanies(companies []string) {
	seen := make(map[string]struct{}, len(companies))
	normalized := make([]string, 0, len(companies))
	for _, company := range companies {
		n := NormalizeCompany(company)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		normalized = append(normalized, n)
	}
	data, _ := json.Marshal(normalized)
	c.BlacklistedCompaniesJSON = datatypes.JSON(data)
}

// IsBlacklisted 判断公司是否在黑名单中
func (c *AutomationConfig) IsBlacklisted(company string) bool {
	n := NormalizeCompany(company)
	for _, b := range c.BlacklistedCompanies() {
		if b == n {
			return true
		}
	}
	return false
}

// Validate 检查策略取值范围
func (c *AutomationConfig) Validate() error {
	if c.MaxApplicationsPerDay <= 0 {
		return fmt.Errorf("max_applications_per_day 必须大于0")
	}
	if c.MinimumMatchScore < 0 || c.MinimumMatchScore > 100 {
		return fmt.Errorf("minimum_match_score 必须在0-100之间")
	}
	if c.FollowUpDelayDays < 0 {
		return fmt.Errorf("follow_up_delay_days 不能为负数")
	}
	return nil
}

// UserProfile 用户简历与求职偏好，由资料服务维护
type UserProfile struct {
	UserID           string         `gorm:"type:varchar(64);primaryKey"`
	ResumeText       string         `gorm:"type:mediumtext"`
	ResumeSkillsJSON datatypes.JSON `gorm:"type:json"`
	ResumeParsedAt   *time.Time     `gorm:"precision:6"`
	KeywordsJSON     datatypes.JSON `gorm:"type:json"`
	LocationsJSON    datatypes.JSON `gorm:"type:json"`
	RemoteOnly       bool           `gorm:"not null;default:false"`
	ExperienceLevel  string         `gorm:"type:varchar(50)"`
	UpdatedAt        time.Time      `gorm:"precision:6;autoUpdateTime"`
}

func (UserProfile) TableName() string {
	return "user_profiles"
}

// ToProfile 转换为流水线使用的资料
func (p *UserProfile) ToProfile() types.UserProfile {
	return types.UserProfile{
		UserID: p.UserID,
		Resume: types.Resume{
			Text:     p.ResumeText,
			Skills:   decodeStrings(p.ResumeSkillsJSON),
			ParsedAt: p.ResumeParsedAt,
		},
		Preferences: types.Preferences{
			Keywords:        decodeStrings(p.KeywordsJSON),
			Locations:       decodeStrings(p.LocationsJSON),
			RemoteOnly:      p.RemoteOnly,
			ExperienceLevel: p.ExperienceLevel,
		},
	}
}

// EncodeStrings 把字符串切片编码为 JSON 列
func EncodeStrings(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	data, _ := json.Marshal(values)
	return datatypes.JSON(data)
}

func decodeStrings(data datatypes.JSON) []string {
	var values []string
	if len(data) == 0 {
		return values
	}
	_ = json.Unmarshal(data, &values)
	return values
}
