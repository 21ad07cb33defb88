package pipeline

import (
	"context"
	"time"

	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/types"
)

// RunStore 运行记录的持久化，所有进度写入和终态写入都只对未结束的运行生效
type RunStore interface {
	CreateRun(ctx context.Context, run *models.ProcessingRun) error
	GetRun(ctx context.Context, runID string) (*models.ProcessingRun, error)
	FindActiveRun(ctx context.Context, userID string) (*models.ProcessingRun, error)
	SetJobsFound(ctx context.Context, runID string, jobsFound int) error
	IncrementJobsProcessed(ctx context.Context, runID string) error
	TouchRun(ctx context.Context, runID string) error
	FinishRun(ctx context.Context, runID string, state types.RunState, errMsg *string, cancelled bool, at time.Time) error
	ListStaleRuns(ctx context.Context, before time.Time, limit int) ([]models.ProcessingRun, error)
}

// ApplicationStore 投递记录
type ApplicationStore interface {
	CountApplicationsSince(ctx context.Context, userID string, since time.Time) (int, error)
	ApplicationExists(ctx context.Context, userID, jobRef string) (bool, error)
	CreateApplication(ctx context.Context, app *models.Application, followUp *models.FollowUp) error
}

// ProfileStore 用户简历和求职偏好
type ProfileStore interface {
	GetUserProfile(ctx context.Context, userID string) (*models.UserProfile, error)
}

// Discoverer 职位发现
type Discoverer interface {
	Discover(ctx context.Context, prefs types.Preferences) ([]types.CandidateJob, error)
}

// Scorer 简历与职位描述的匹配打分
type Scorer interface {
	Score(ctx context.Context, resume types.Resume, jobDescription string) (types.MatchResult, error)
}

// SnapshotStore 保存投递时的职位快照
type SnapshotStore interface {
	SaveJobSnapshot(ctx context.Context, userID, jobRef string, snapshot interface{}) (string, error)
}

// Locker 多实例之间的互斥
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
}
