package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"auto-apply-go/internal/backoff"
	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/types"
)

// memStore 内存版运行、投递、资料存储，终态和进度写入只对未结束的运行生效
type memStore struct {
	mu        sync.Mutex
	runs      map[string]*models.ProcessingRun
	apps      map[string]models.Application // key: userID|jobRef
	followUps []models.FollowUp
	profiles  map[string]*models.UserProfile

	createAppErr func(app *models.Application) error
	// failures 按方法名注入的一次性错误
	failures map[string][]error
}

func newMemStore() *memStore {
	return &memStore{
		runs:     make(map[string]*models.ProcessingRun),
		apps:     make(map[string]models.Application),
		profiles: make(map[string]*models.UserProfile),
		failures: make(map[string][]error),
	}
}

// failNext 让 op 的下一次调用返回 err，多次调用按顺序排队
func (m *memStore) failNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

func (m *memStore) injected(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	m.failures[op] = queue[1:]
	return queue[0]
}

func (m *memStore) CreateRun(_ context.Context, run *models.ProcessingRun) error {
	if err := m.injected("CreateRun"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ActiveUserID != nil && *r.ActiveUserID == run.UserID {
			return types.ErrActiveRunExists
		}
	}
	userID := run.UserID
	cp := *run
	cp.ActiveUserID = &userID
	cp.UpdatedAt = run.StartedAt
	m.runs[run.RunID] = &cp
	return nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (*models.ProcessingRun, error) {
	if err := m.injected("GetRun"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, types.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) FindActiveRun(_ context.Context, userID string) (*models.ProcessingRun, error) {
	if err := m.injected("FindActiveRun"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ActiveUserID != nil && *r.ActiveUserID == userID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) updateActive(runID string, fn func(r *models.ProcessingRun)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.CompletedAt != nil {
		return types.ErrRunNotActive
	}
	fn(r)
	return nil
}

func (m *memStore) SetJobsFound(_ context.Context, runID string, n int) error {
	if err := m.injected("SetJobsFound"); err != nil {
		return err
	}
	return m.updateActive(runID, func(r *models.ProcessingRun) { r.JobsFound = n })
}

func (m *memStore) IncrementJobsProcessed(_ context.Context, runID string) error {
	if err := m.injected("IncrementJobsProcessed"); err != nil {
		return err
	}
	return m.updateActive(runID, func(r *models.ProcessingRun) { r.JobsProcessed++ })
}

func (m *memStore) TouchRun(_ context.Context, runID string) error {
	if err := m.injected("TouchRun"); err != nil {
		return err
	}
	return m.updateActive(runID, func(r *models.ProcessingRun) {})
}

func (m *memStore) FinishRun(_ context.Context, runID string, state types.RunState, errMsg *string, cancelled bool, at time.Time) error {
	if err := m.injected("FinishRun"); err != nil {
		return err
	}
	return m.updateActive(runID, func(r *models.ProcessingRun) {
		r.Status = string(state)
		r.CompletedAt = &at
		r.ActiveUserID = nil
		r.Error = errMsg
		r.Cancelled = cancelled
	})
}

func (m *memStore) ListStaleRuns(_ context.Context, before time.Time, limit int) ([]models.ProcessingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProcessingRun
	for _, r := range m.runs {
		if r.CompletedAt == nil && r.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) activeRuns(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.UserID == userID && r.CompletedAt == nil {
			n++
		}
	}
	return n
}

func (m *memStore) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func (m *memStore) CountApplicationsSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.apps {
		if a.UserID == userID && !a.AppliedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ApplicationExists(_ context.Context, userID, jobRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.apps[userID+"|"+jobRef]
	return ok, nil
}

func (m *memStore) CreateApplication(_ context.Context, app *models.Application, followUp *models.FollowUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createAppErr != nil {
		if err := m.createAppErr(app); err != nil {
			return err
		}
	}
	key := app.UserID + "|" + app.JobRef
	if _, ok := m.apps[key]; ok {
		return types.ErrDuplicateApplication
	}
	if app.RunID != nil {
		r, ok := m.runs[*app.RunID]
		if !ok || r.CompletedAt != nil {
			return types.ErrRunNotActive
		}
		r.ApplicationsSubmitted++
	}
	m.apps[key] = *app
	if followUp != nil {
		f := *followUp
		f.ApplicationID = app.ApplicationID
		f.UserID = app.UserID
		m.followUps = append(m.followUps, f)
	}
	return nil
}

func (m *memStore) appsFor(userID string) []models.Application {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Application
	for _, a := range m.apps {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out
}

func (m *memStore) GetUserProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, types.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) putProfile(p *models.UserProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = p
}

// seedApplications 写入 n 条指定时间的历史投递
func (m *memStore) seedApplications(userID string, n int, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		ref := fmt.Sprintf("seed-%d", i)
		m.apps[userID+"|"+ref] = models.Application{ApplicationID: ref, UserID: userID, JobRef: ref, AppliedAt: at}
	}
}

// testClock 并发安全的可调时钟
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeDiscoverer 返回固定结果，可选在调用时阻塞
type fakeDiscoverer struct {
	mu    sync.Mutex
	jobs  []types.CandidateJob
	err   error
	calls int
	gate  chan struct{}
}

func (d *fakeDiscoverer) Discover(ctx context.Context, _ types.Preferences) ([]types.CandidateJob, error) {
	d.mu.Lock()
	d.calls++
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	out := make([]types.CandidateJob, len(d.jobs))
	copy(out, d.jobs)
	return out, nil
}

func (d *fakeDiscoverer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// gateScorer 按职位描述返回分数；blockAt 指定的第几次调用会阻塞，直到 release 关闭或 ctx 结束
type gateScorer struct {
	mu      sync.Mutex
	scores  map[string]int
	fail    map[string]bool
	calls   int
	blockAt int
	entered chan struct{}
	release chan struct{}
}

func newGateScorer(scores map[string]int) *gateScorer {
	return &gateScorer{
		scores:  scores,
		fail:    map[string]bool{},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *gateScorer) Score(ctx context.Context, _ types.Resume, description string) (types.MatchResult, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.blockAt > 0 && n == s.blockAt {
		s.entered <- struct{}{}
		select {
		case <-s.release:
		case <-ctx.Done():
			return types.MatchResult{}, ctx.Err()
		}
	}
	if s.fail[description] {
		return types.MatchResult{}, errors.New("model unavailable")
	}
	return types.MatchResult{Score: s.scores[description], Reasons: []string{"reason " + description}}, nil
}

// recordingNotifier 记录通知
type recordingNotifier struct {
	mu     sync.Mutex
	events []types.RunFinishedEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, event types.RunFinishedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) Events() []types.RunFinishedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.RunFinishedEvent(nil), n.events...)
}

// noSleep 测试中不真正等待
var noSleep = backoff.Options{
	MaxRetries: 3,
	Sleep:      func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
}

func candidate(i int) types.CandidateJob {
	return types.CandidateJob{
		Title:       fmt.Sprintf("Engineer %d", i),
		Company:     fmt.Sprintf("Company %d", i),
		Description: fmt.Sprintf("desc-%d", i),
		SourceURL:   fmt.Sprintf("https://jobs.example.com/%d", i),
	}
}

// candidates 生成职位和对应的打分表
func candidates(scores ...int) ([]types.CandidateJob, map[string]int) {
	jobs := make([]types.CandidateJob, 0, len(scores))
	table := make(map[string]int, len(scores))
	for i, score := range scores {
		job := candidate(i)
		jobs = append(jobs, job)
		table[job.Description] = score
	}
	return jobs, table
}

func readyProfile(userID string) *models.UserProfile {
	parsedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &models.UserProfile{
		UserID:           userID,
		ResumeText:       "Senior Go engineer",
		ResumeSkillsJSON: models.EncodeStrings([]string{"go"}),
		ResumeParsedAt:   &parsedAt,
		KeywordsJSON:     models.EncodeStrings([]string{"golang"}),
	}
}

func defaultConfig() models.AutomationConfig {
	return models.AutomationConfig{
		MaxApplicationsPerDay: 10,
		MinimumMatchScore:     70,
		AutoFollowUp:          true,
		FollowUpDelayDays:     7,
	}
}
