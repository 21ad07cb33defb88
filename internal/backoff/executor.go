// Package backoff 为所有外部调用提供带抖动的指数退避重试
package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 5 * time.Second
)

// Options 重试参数，零值字段使用默认值
type Options struct {
	// MaxRetries 为总尝试次数上限
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// ShouldRetry 返回 false 时立即放弃，为空时总是重试
	ShouldRetry func(err error) bool
	// OnRetry 每次进入退避前回调，attempt 从0开始
	OnRetry func(attempt int, err error, delay time.Duration)

	// 测试注入
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() float64
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = func(error) bool { return true }
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.Jitter == nil {
		o.Jitter = rand.Float64
	}
	return o
}

// Delay 计算第 attempt 次失败后的等待时间: min(maxDelay, rand*base*2^attempt)
func (o Options) Delay(attempt int) time.Duration {
	o = o.withDefaults()
	if attempt > 30 {
		attempt = 30
	}
	d := time.Duration(o.Jitter() * float64(o.BaseDelay) * float64(int64(1)<<uint(attempt)))
	if d > o.MaxDelay || d < 0 {
		return o.MaxDelay
	}
	return d
}

// Do 执行 op，失败时按退避策略重试，始终返回最后一次的错误
func Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !opts.ShouldRetry(lastErr) || attempt == opts.MaxRetries-1 {
			return lastErr
		}

		delay := opts.Delay(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, lastErr, delay)
		}
		if err := opts.Sleep(ctx, delay); err != nil {
			return errors.Join(lastErr, err)
		}
	}
	return lastErr
}

// Retry 是带返回值的 Do
func Retry[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, opts, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

// RetryUnless 构造 ShouldRetry：命中任一错误或上下文已取消时不再重试
func RetryUnless(terminal ...error) func(error) bool {
	return func(err error) bool {
		if errors.Is(err, context.Canceled) {
			return false
		}
		for _, t := range terminal {
			if errors.Is(err, t) {
				return false
			}
		}
		return true
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
