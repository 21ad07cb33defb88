package storage

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// newTestMySQL 每个测试使用独立的内存 SQLite 库
func newTestMySQL(t *testing.T) *MySQL {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), GormConfig(1))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	m, err := NewMySQLFromDB(db)
	require.NoError(t, err)
	return m
}

func newRun(runID, userID string) *models.ProcessingRun {
	return &models.ProcessingRun{
		RunID:     runID,
		UserID:    userID,
		StartedAt: time.Now(),
	}
}

func TestCreateRunRejectsSecondActiveRun(t *testing.T) {
	m := newTestMySQL(t)
	ctx := context.Background()

	require.NoError(t, m.CreateRun(ctx, newRun("run-1", "alice")))
	err := m.CreateRun(ctx, newRun("run-2", "alice"))
	assert.ErrorIs(t, err, types.ErrActiveRunExists)

	// 其他用户不受影响
	require.NoError(t, m.CreateRun(ctx, newRun("run-3", "bob")))

	active, err := m.FindActiveRun(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "run-1", active.RunID)
	assert.Equal(t, types.RunStateProcessing, active.State())
}

func TestFinishRunReleasesActiveSlot(t *testing.T) {
	m := newTestMySQL(t)
	ctx := context.Background()

	require.NoError(t, m.CreateRun(ctx, newRun("run-1", "alice")))
	msg := "Processing cancelled by user"
	require.NoError(t, m.FinishRun(ctx, "run-1", types.RunStateCancelled, &msg, true, time.Now()))

	active, err := m.FindActiveRun(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, active)

	run, err := m.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateCancelled, run.State())
	assert.True(t, run.Cancelled)
	require.NotNil(t, run.CompletedAt)
	require.NotNil(t, run.Error)
	assert.Equal(t, msg, *run.Error)
	assert.Nil(t, run.ActiveUserID)

	// 终态只写一次
	err = m.FinishRun(ctx, "run-1", types.RunStateComplete, nil, false, time.Now())
	assert.ErrorIs(t, err, types.ErrRunNotActive)
	run, err = m.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateCancelled, run.State())

	// 占位释放后可以再次启动
	require.NoError(t, m.CreateRun(ctx, newRun("run-2", "alice")))
}

func TestFinishRunRejectsNonTerminalState(t *testing.T) {
	m := newTestMySQL(t)
	ctx := context.Background()
	require.NoError(t, m.CreateRun(ctx, newRun("run-1", "alice")))
	assert.Error(t, m.FinishRun(ctx, "run-1", types.RunStateProcessing, nil, false, time.Now()))
}

func TestProgressWritesStopAfterFinish(t *testing.T) {
	m := newTestMySQL(t)
	ctx := context.Background()
	require.NoError(t, m.CreateRun(ctx, newRun("run-1", "alice")))

	require.NoError(t, m.SetJobsFound(ctx, "run-1", 10))
	for i := 0; i < 4; i++ {
		require.NoError(t, m.IncrementJobsProcessed(ctx, "run-1"))
	}
	require.NoError(t, m.TouchRun(ctx, "run-1"))

	run, err := m.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 10, run.JobsFound)
	assert.Equal(t, 4, run.JobsProcessed)

	require.NoError(t, m.FinishRun(ctx, "run-1", types.RunStateComplete, nil, false, time.Now()))
	assert.ErrorIs(t, m.IncrementJobsProcessed(ctx, "run-1"), types.ErrRunNotActive)
	assert.ErrorIs(t, m.TouchRun(ctx, "run-1"), types.ErrRunNotActive)
	assert.ErrorIs(t, m.SetJobsFound(ctx, "run-1", 99), types.ErrRunNotActive)
}

func TestGetRunNotFound(t *testing.T) {
	m := newTestMySQL(t)
	_, err := m.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrRunNotFound)
}

func TestListStaleRuns(t *testing.T) {
	m := newTestMySQL(t)
	ctx := context.Background()
	require.NoError(t, m.CreateRun(ctx, newRun("stale", "alice")))
	require.NoError(t, m.CreateRun(ctx, newRun("fresh", "bob")))

	old := dbTime(time.Now().Add(-time.Hour))
	require.NoError(t, m.DB().Model(&models.ProcessingRun{}).
		Where("run_id = ?", "stale").
		UpdateColumn("updated_at", old).Error)

	runs, err := m.ListStaleRuns(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "stale", runs[0].RunID)
}

func newApplication(id, userID, jobRef string, runID *string, at time.Time) *models.Application {
	return &models.Application{
		ApplicationID: id,
		UserID:        userID,
		JobRef:        jobRef,
		RunID:         runID,
		JobTitle:      "Go Engineer",
		Company:       "Example",
		SourceURL:     "https://jobs.example.com/" + jobRef,
		MatchScore:    85,
		Status:        models.ApplicationStatusApplied,
		AppliedAt:     at,
	}
}

func TestCreateApplicationCountsAgainstRun(t *testing.T) {
	m := newTestMySQL(t)
	ctx := context.Background()
	require.NoError(t, m.CreateRun(ctx, newRun("run-1", "alice")))

	runID := "run-1"
	followUp := &models.FollowUp{ScheduledDate: time.Now().AddDate(0, 0, 7)}
	require.NoError(t, m.CreateApplication(ctx, newApplication("app-1", "alice", "job-1", &runID, time.Now()), followUp))

	run, err := m.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.ApplicationsSubmitted)

	followUps, err := m.ListFollowUps(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, followUps, 1)
	assert.Equal(t, "alice", followUps[0].UserID)
	assert.Equal(t, models.FollowUpStatusPending, followUps[0].Status)

	exists, err := m.ApplicationExists(ctx, "alice", "job-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCreateApplicationDuplicate(t *testing.T) {
	m := newTestMySQL(t)
	ctx := context.Background()

	require.NoError(t, m.CreateApplication(ctx, newApplication("app-1", "alice", "job-1", nil, time.Now()), nil))
	err := m.CreateApplication(ctx, newApplication("app-2", "alice", "job-1", nil, time.Now()), nil)
	assert.ErrorIs(t, err, types.ErrDuplicateApplication)

	// 不同用户可以投递同一职位
	require.NoError(t, m.CreateApplication(ctx, newApplication("app-3", "bob", "job-1", nil, time.Now()), nil))
}

func TestCreateApplicationRollsBackWhenRunFinished(t *testing.T) {
	m := newTestMySQL(t)
	ctx := context.Background()
	require.NoError(t, m.CreateRun(ctx, newRun("run-1", "alice")))
	require.NoError(t, m.FinishRun(ctx, "run-1", types.RunStateCancelled, nil, true, time.Now()))

	runID := "run-1"
	err := m.CreateApplication(ctx, newApplication("app-1", "alice", "job-1", &runID, time.Now()), nil)
	assert.ErrorIs(t, err, types.ErrRunNotActive)

	exists, err := m.ApplicationExists(ctx, "alice", "job-1")
	require.NoError(t, err)
	assert.False(t, exists, "运行结束后不应留下投递记录")
}

func TestCountApplicationsSince(t *testing.T) {
	m := newTestMySQL(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.CreateApplication(ctx, newApplication("a1", "alice", "j1", nil, now.Add(-48*time.Hour)), nil))
	require.NoError(t, m.CreateApplication(ctx, newApplication("a2", "alice", "j2", nil, now.Add(-time.Minute)), nil))
	require.NoError(t, m.CreateApplication(ctx, newApplication("a3", "alice", "j3", nil, now), nil))
	require.NoError(t, m.CreateApplication(ctx, newApplication("a4", "bob", "j4", nil, now), nil))

	count, err := m.CountApplicationsSince(ctx, "alice", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	apps, total, err := m.ListApplications(ctx, "alice", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, apps, 2)
	assert.Equal(t, "a3", apps[0].ApplicationID)
}

func TestAutomationConfigUpsert(t *testing.T) {
	m := newTestMySQL(t)
	ctx := context.Background()

	cfg, err := m.GetAutomationConfig(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg = &models.AutomationConfig{UserID: "alice", MaxApplicationsPerDay: 10, MinimumMatchScore: 70}
	cfg.SetBlacklistedCompanies([]string{"  Acme   Corp ", "acme corp", "Globex"})
	require.NoError(t, m.SaveAutomationConfig(ctx, cfg))

	cfg.MinimumMatchScore = 90
	require.NoError(t, m.SaveAutomationConfig(ctx, cfg))

	got, err := m.GetAutomationConfig(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 90, got.MinimumMatchScore)
	assert.Equal(t, []string{"acme corp", "globex"}, got.BlacklistedCompanies())
	assert.True(t, got.IsBlacklisted("ACME CORP"))

	bad := &models.AutomationConfig{UserID: "alice", MaxApplicationsPerDay: 0, MinimumMatchScore: 70}
	assert.Error(t, m.SaveAutomationConfig(ctx, bad))
}

func TestUserProfileRoundTrip(t *testing.T) {
	m := newTestMySQL(t)
	ctx := context.Background()

	_, err := m.GetUserProfile(ctx, "alice")
	assert.ErrorIs(t, err, types.ErrProfileNotFound)

	parsedAt := time.Now()
	require.NoError(t, m.SaveUserProfile(ctx, &models.UserProfile{
		UserID:           "alice",
		ResumeText:       "Go developer",
		ResumeSkillsJSON: models.EncodeStrings([]string{"go", "mysql"}),
		ResumeParsedAt:   &parsedAt,
		KeywordsJSON:     models.EncodeStrings([]string{"golang"}),
		RemoteOnly:       true,
	}))

	row, err := m.GetUserProfile(ctx, "alice")
	require.NoError(t, err)
	profile := row.ToProfile()
	assert.True(t, profile.Resume.IsParsed())
	assert.Equal(t, []string{"go", "mysql"}, profile.Resume.Skills)
	assert.Equal(t, []string{"golang"}, profile.Preferences.Keywords)
	assert.True(t, profile.Preferences.RemoteOnly)
}
