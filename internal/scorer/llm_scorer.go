package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"auto-apply-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

// llmMatchEvaluation 模型输出的 JSON 结构
type llmMatchEvaluation struct {
	MatchScore      int      `json:"match_score"`
	MatchHighlights []string `json:"match_highlights"`
	PotentialGaps   []string `json:"potential_gaps"`
}

// LLMScorer 使用大模型评估简历与职位描述的匹配度
type LLMScorer struct {
	llmModel       model.ToolCallingChatModel
	promptTemplate string
	systemMessage  string
	logger         zerolog.Logger
}

// LLMScorerOption 打分器选项
type LLMScorerOption func(*LLMScorer)

// WithPromptTemplate 设置提示词模板，模板包含两个 %s：职位描述、简历
func WithPromptTemplate(template string) LLMScorerOption {
	return func(s *LLMScorer) {
		s.promptTemplate = template
	}
}

// WithLogger 设置日志
func WithLogger(logger zerolog.Logger) LLMScorerOption {
	return func(s *LLMScorer) {
		s.logger = logger
	}
}

// NewLLMScorer 创建模型打分器
func NewLLMScorer(llmModel model.ToolCallingChatModel, options ...LLMScorerOption) *LLMScorer {
	s := &LLMScorer{
		llmModel:       llmModel,
		promptTemplate: defaultMatchPrompt,
		systemMessage:  "你是一位资深的AI求职助手，负责判断候选人简历与岗位描述的匹配度，只输出JSON。",
		logger:         zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

const defaultMatchPrompt = `请对比下面的【岗位描述】和【候选人简历】，评估候选人投递该岗位的匹配度，并严格按以下JSON格式输出：

1.  **"match_score"**: 整数 (0-100)，反映整体匹配程度。
2.  **"match_highlights"**: 字符串数组 (1-5项)，候选人与岗位匹配的具体关键点，按重要性排序。
3.  **"potential_gaps"**: 字符串数组 (0-3项)，候选人相对于岗位的具体不足。

**评分原则：**
*   岗位明确的硬性要求（学历、年限、必须掌握的核心技术）不满足时，match_score 应低于40。
*   核心技能与相关经验权重最高，其次是职责契合度，行业背景与加分项权重较低。
*   70-84分表示值得投递，85分以上表示高度匹配。

**JSON格式要求：**
- 完整输出必须是一个合法的JSON对象，禁止输出JSON以外的任何文字或Markdown标记。
- 字符串内部的双引号必须转义为 \"。

【岗位描述】:
"""
%s
"""

【候选人简历】:
"""
%s
"""`

// Score 评估简历与职位描述的匹配度
func (s *LLMScorer) Score(ctx context.Context, resume types.Resume, jobDescription string) (types.MatchResult, error) {
	if s.llmModel == nil {
		return types.MatchResult{}, fmt.Errorf("LLMScorer: llmModel is not initialized")
	}

	messages := []*einoschema.Message{
		einoschema.SystemMessage(s.systemMessage),
		einoschema.UserMessage(fmt.Sprintf(s.promptTemplate, jobDescription, resume.Text)),
	}

	response, err := s.llmModel.Generate(ctx, messages)
	if err != nil {
		return types.MatchResult{}, fmt.Errorf("LLMScorer: LLM call failed: %w", err)
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return types.MatchResult{}, fmt.Errorf("LLMScorer: LLM returned empty response")
	}

	evaluation, err := parseEvaluation(response.Content)
	if err != nil {
		s.logger.Warn().Err(err).Str("response", truncate(response.Content, 300)).Msg("模型输出无法解析")
		return types.MatchResult{}, err
	}

	s.logger.Debug().
		Int("match_score", evaluation.MatchScore).
		Int("highlights", len(evaluation.MatchHighlights)).
		Msg("模型打分完成")

	return types.MatchResult{Score: evaluation.MatchScore, Reasons: evaluation.MatchHighlights}, nil
}

func parseEvaluation(content string) (*llmMatchEvaluation, error) {
	processed := strings.TrimPrefix(content, "\uFEFF")
	jsonStr := extractJSONObject(processed)
	if jsonStr == "" {
		return nil, fmt.Errorf("LLMScorer: failed to extract JSON from LLM response")
	}
	if !utf8.ValidString(jsonStr) {
		jsonStr = strings.ToValidUTF8(jsonStr, "")
	}

	var evaluation llmMatchEvaluation
	if err := json.Unmarshal([]byte(jsonStr), &evaluation); err != nil {
		// 模型常见的问题是字符串内未转义的双引号，修复后再试一次
		if jsonErr := json.Unmarshal([]byte(sanitizeJSON(jsonStr)), &evaluation); jsonErr != nil {
			return nil, fmt.Errorf("LLMScorer: failed to unmarshal LLM JSON response: %w", err)
		}
	}
	if err := validateEvaluation(&evaluation); err != nil {
		return nil, err
	}
	return &evaluation, nil
}

func validateEvaluation(e *llmMatchEvaluation) error {
	if e.MatchScore < 0 || e.MatchScore > 100 {
		return fmt.Errorf("LLMScorer: match_score %d 超出范围 0-100", e.MatchScore)
	}
	if e.MatchHighlights == nil {
		e.MatchHighlights = []string{}
	}
	return nil
}

// extractJSONObject 截取第一个完整的 JSON 对象
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	level := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			level++
		case '}':
			level--
			if level == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// sanitizeJSON 把字符串字面量内部未转义的双引号改写为 \"。
// 一个 " 后面第一个非空白字符是 : , ] } 之一时才视为字符串结束。
func sanitizeJSON(src string) string {
	var b strings.Builder
	inStr := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '"' && !escaped:
			if !inStr {
				inStr = true
				b.WriteByte(c)
				break
			}
			j := i + 1
			for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
				j++
			}
			if j < len(src) && (src[j] == ':' || src[j] == ',' || src[j] == ']' || src[j] == '}') {
				inStr = false
				b.WriteByte(c)
			} else {
				b.WriteString("\\\"")
			}
		case c == '\\' && !escaped:
			escaped = true
			b.WriteByte(c)
			continue
		default:
			b.WriteByte(c)
		}
		escaped = false
	}
	return b.String()
}
