package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auto-apply-go/internal/backoff"
	"auto-apply-go/internal/types"
)

// CooldownStore 保存每个用户最近一次启动时间
type CooldownStore interface {
	LastRunStart(ctx context.Context, userID string) (time.Time, bool, error)
	// RecordRunStart 记录启动时间，ttl 之后记录可以被丢弃
	RecordRunStart(ctx context.Context, userID string, at time.Time, ttl time.Duration) error
}

// RateLimitedError 冷却期内再次启动
type RateLimitedError struct {
	UserID        string
	RetryAfter    time.Duration
	NextAllowedAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Unwrap() error {
	return types.ErrRateLimited
}

// CooldownGuard 按用户限制两次启动的最小间隔，不排队也不自动重试
type CooldownGuard struct {
	store   CooldownStore
	window  time.Duration
	backoff backoff.Options
	now     func() time.Time
}

// NewCooldownGuard 创建冷却守卫
func NewCooldownGuard(store CooldownStore, window time.Duration) *CooldownGuard {
	return &CooldownGuard{
		store:   store,
		window:  window,
		backoff: backoff.Options{ShouldRetry: backoff.RetryUnless()},
		now:     time.Now,
	}
}

// WithClock 替换时钟，测试使用
func (g *CooldownGuard) WithClock(now func() time.Time) *CooldownGuard {
	g.now = now
	return g
}

// WithBackoff 设置存储读写的重试参数
func (g *CooldownGuard) WithBackoff(opts backoff.Options) *CooldownGuard {
	opts.ShouldRetry = backoff.RetryUnless()
	g.backoff = opts
	return g
}

// Window 返回冷却时长
func (g *CooldownGuard) Window() time.Duration {
	return g.window
}

// NextAllowedTime 返回下一次允许启动的时间，当前即可启动时返回 nil
func (g *CooldownGuard) NextAllowedTime(ctx context.Context, userID string) (*time.Time, error) {
	var (
		last time.Time
		ok   bool
	)
	err := backoff.Do(ctx, g.backoff, func(ctx context.Context) error {
		var opErr error
		last, ok, opErr = g.store.LastRunStart(ctx, userID)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("读取冷却记录失败: %w", err)
	}
	if !ok {
		return nil, nil
	}
	next := last.Add(g.window)
	if !g.now().Before(next) {
		return nil, nil
	}
	return &next, nil
}

// Check 冷却期内返回 *RateLimitedError
func (g *CooldownGuard) Check(ctx context.Context, userID string) error {
	next, err := g.NextAllowedTime(ctx, userID)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	return &RateLimitedError{
		UserID:        userID,
		RetryAfter:    next.Sub(g.now()),
		NextAllowedAt: *next,
	}
}

// Record 记录一次启动
func (g *CooldownGuard) Record(ctx context.Context, userID string) error {
	at := g.now()
	err := backoff.Do(ctx, g.backoff, func(ctx context.Context) error {
		return g.store.RecordRunStart(ctx, userID, at, g.window)
	})
	if err != nil {
		return fmt.Errorf("写入冷却记录失败: %w", err)
	}
	return nil
}

// MemoryCooldownStore 进程内实现，用于单机部署和测试
type MemoryCooldownStore struct {
	mu     sync.Mutex
	starts map[string]time.Time
}

// NewMemoryCooldownStore 创建进程内冷却存储
func NewMemoryCooldownStore() *MemoryCooldownStore {
	return &MemoryCooldownStore{starts: make(map[string]time.Time)}
}

func (m *MemoryCooldownStore) LastRunStart(_ context.Context, userID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.starts[userID]
	return at, ok, nil
}

func (m *MemoryCooldownStore) RecordRunStart(_ context.Context, userID string, at time.Time, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts[userID] = at
	return nil
}
