package scorer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"auto-apply-go/internal/config"
	"auto-apply-go/internal/ratelimit"
	"auto-apply-go/internal/types"

	"github.com/rs/zerolog"
)

// Scorer 计算简历与职位描述的匹配分
type Scorer interface {
	Score(ctx context.Context, resume types.Resume, jobDescription string) (types.MatchResult, error)
}

// ScoreCache 相同输入的打分结果缓存
type ScoreCache interface {
	GetMatchResult(ctx context.Context, key string) (*types.MatchResult, error)
	SetMatchResult(ctx context.Context, key string, result types.MatchResult, ttl time.Duration) error
}

// CachedScorer 缓存打分结果，同一份简历和职位描述得到同样的分数
type CachedScorer struct {
	inner  Scorer
	cache  ScoreCache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedScorer 包装打分器
func NewCachedScorer(inner Scorer, cache ScoreCache, ttl time.Duration, logger zerolog.Logger) *CachedScorer {
	return &CachedScorer{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

// Score 先查缓存，缓存故障不影响打分
func (c *CachedScorer) Score(ctx context.Context, resume types.Resume, jobDescription string) (types.MatchResult, error) {
	key := CacheKey(resume, jobDescription)
	cached, err := c.cache.GetMatchResult(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Msg("读取打分缓存失败")
	} else if cached != nil {
		return *cached, nil
	}

	result, err := c.inner.Score(ctx, resume, jobDescription)
	if err != nil {
		return result, err
	}
	if err := c.cache.SetMatchResult(ctx, key, result, c.ttl); err != nil {
		c.logger.Warn().Err(err).Msg("写入打分缓存失败")
	}
	return result, nil
}

// CacheKey 由简历正文和职位描述计算
func CacheKey(resume types.Resume, jobDescription string) string {
	h := sha256.New()
	h.Write([]byte(resume.Text))
	h.Write([]byte{0})
	h.Write([]byte(jobDescription))
	return hex.EncodeToString(h.Sum(nil))
}

// New 按配置创建打分器
func New(cfg config.ScorerConfig, cache ScoreCache, logger zerolog.Logger) (Scorer, error) {
	var s Scorer
	switch cfg.Type {
	case "llm":
		chatModel, err := NewOpenAICompatibleChatModel(ChatModelConfig{
			APIKey:      cfg.APIKey,
			APIURL:      cfg.APIURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     config.GetDuration(cfg.EvalTimeout, 60*time.Second),
			JSONMode:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("创建打分模型失败: %w", err)
		}
		s = NewLLMScorer(ratelimit.NewRateLimitedChatModel(chatModel, cfg.QPM), WithLogger(logger))
	case "", "keyword":
		s = NewKeywordScorer()
	default:
		return nil, fmt.Errorf("不支持的打分器类型: %s", cfg.Type)
	}

	// 关键词打分本身足够便宜，只缓存模型打分
	if cache != nil && cfg.Type == "llm" {
		s = NewCachedScorer(s, cache, 24*time.Hour, logger)
	}
	return s, nil
}
