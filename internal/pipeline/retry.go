package pipeline

import (
	"time"

	"auto-apply-go/internal/backoff"
	"auto-apply-go/internal/types"

	"github.com/rs/zerolog"
)

// storeRetry 运行记录和资料读写的重试策略。
// 运行已结束、已有活动运行、记录不存在都是确定结果，不重试
func storeRetry(opts backoff.Options, log zerolog.Logger, op string) backoff.Options {
	opts.ShouldRetry = backoff.RetryUnless(
		types.ErrRunNotActive,
		types.ErrActiveRunExists,
		types.ErrRunNotFound,
		types.ErrProfileNotFound,
	)
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("delay", delay).Msg("存储调用失败，稍后重试")
	}
	return opts
}
