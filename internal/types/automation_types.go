package types

import (
	"time"
)

// RunState 自动投递运行的状态
type RunState string

const (
	// RunStateIdle 用户当前没有活动运行，仅用于展示，不落库
	RunStateIdle RunState = "IDLE"
	// RunStateProcessing 运行中
	RunStateProcessing RunState = "PROCESSING"
	// RunStateComplete 正常结束
	RunStateComplete RunState = "COMPLETE"
	// RunStateError 异常结束
	RunStateError RunState = "ERROR"
	// RunStateCancelled 用户取消
	RunStateCancelled RunState = "CANCELLED"
)

// IsTerminal 终态不会再发生迁移
func (s RunState) IsTerminal() bool {
	return s == RunStateComplete || s == RunStateError || s == RunStateCancelled
}

// Resume 已解析的简历，由资料库提供
type Resume struct {
	Text     string     `json:"text"`
	Skills   []string   `json:"skills"`
	ParsedAt *time.Time `json:"parsed_at,omitempty"`
}

// IsParsed 简历存在且已完成解析
func (r Resume) IsParsed() bool {
	return r.ParsedAt != nil && r.Text != ""
}

// Preferences 求职偏好
type Preferences struct {
	Keywords        []string `json:"keywords"`
	Locations       []string `json:"locations,omitempty"`
	RemoteOnly      bool     `json:"remote_only"`
	ExperienceLevel string   `json:"experience_level,omitempty"`
	MaxResults      int      `json:"max_results,omitempty"`
}

// UserProfile 一次运行所需的用户资料
type UserProfile struct {
	UserID      string
	Resume      Resume
	Preferences Preferences
}

// CandidateJob 职位发现返回的候选职位，只在单次运行内存活
type CandidateJob struct {
	Title        string     `json:"title"`
	Company      string     `json:"company"`
	Location     string     `json:"location"`
	Description  string     `json:"description"`
	SourceURL    string     `json:"source_url"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
	MatchScore   *int       `json:"match_score,omitempty"`
	MatchReasons []string   `json:"match_reasons,omitempty"`
}

// Score 返回匹配分，未打分时为 -1
func (j CandidateJob) Score() int {
	if j.MatchScore == nil {
		return -1
	}
	return *j.MatchScore
}

// MatchResult 打分结果
type MatchResult struct {
	Score   int      `json:"match_score"`
	Reasons []string `json:"match_highlights"`
}

// RunStatus 轮询客户端看到的运行状态
type RunStatus struct {
	RunID                 string     `json:"run_id"`
	UserID                string     `json:"-"`
	Status                RunState   `json:"status"`
	Progress              int        `json:"progress"`
	EstimatedEndTime      *time.Time `json:"estimated_end_time"`
	Error                 *string    `json:"error"`
	JobsFound             int        `json:"jobs_found"`
	JobsProcessed         int        `json:"jobs_processed"`
	ApplicationsSubmitted int        `json:"applications_submitted"`
	StartedAt             time.Time  `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at"`
}

// RunFinishedEvent 运行进入终态时发出的通知
type RunFinishedEvent struct {
	RunID                 string    `json:"run_id"`
	UserID                string    `json:"user_id"`
	Status                RunState  `json:"status"`
	Error                 string    `json:"error,omitempty"`
	JobsFound             int       `json:"jobs_found"`
	JobsProcessed         int       `json:"jobs_processed"`
	ApplicationsSubmitted int       `json:"applications_submitted"`
	StartedAt             time.Time `json:"started_at"`
	CompletedAt           time.Time `json:"completed_at"`
}
