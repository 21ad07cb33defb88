package pipeline

import (
	"context"
	"testing"
	"time"

	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgress(t *testing.T) {
	cases := []struct {
		found, processed, want int
	}{
		{0, 0, 10},
		{10, 0, 0},
		{10, 4, 40},
		{3, 1, 33},
		{3, 2, 67},
		{10, 10, 100},
		{5, 7, 100},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Progress(tc.found, tc.processed), "found=%d processed=%d", tc.found, tc.processed)
	}
}

func TestProjectEstimatedEndTime(t *testing.T) {
	started := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := started.Add(2 * time.Minute)

	t.Run("尚未处理职位时没有预计", func(t *testing.T) {
		run := &models.ProcessingRun{RunID: "r", Status: string(types.RunStateProcessing), StartedAt: started, JobsFound: 8}
		assert.Nil(t, Project(run, now).EstimatedEndTime)
	})

	t.Run("按平均耗时外推", func(t *testing.T) {
		run := &models.ProcessingRun{RunID: "r", Status: string(types.RunStateProcessing), StartedAt: started, JobsFound: 8, JobsProcessed: 4}
		status := Project(run, now)
		require.NotNil(t, status.EstimatedEndTime)
		assert.Equal(t, now.Add(2*time.Minute), *status.EstimatedEndTime)
		assert.Equal(t, 50, status.Progress)
	})

	t.Run("已结束的运行返回结束时间", func(t *testing.T) {
		completed := started.Add(time.Minute)
		msg := NoQualifyingJobsMessage
		run := &models.ProcessingRun{
			RunID: "r", UserID: testUser, Status: string(types.RunStateError), StartedAt: started,
			CompletedAt: &completed, JobsFound: 4, JobsProcessed: 4, Error: &msg,
		}
		status := Project(run, now)
		require.NotNil(t, status.EstimatedEndTime)
		assert.Equal(t, completed, *status.EstimatedEndTime)
		assert.Equal(t, types.RunStateError, status.Status)
		assert.Equal(t, &msg, status.Error)
		assert.Equal(t, testUser, status.UserID)
	})
}

func TestReporterUnknownRun(t *testing.T) {
	_, err := NewReporter(newMemStore()).GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrRunNotFound)
}
