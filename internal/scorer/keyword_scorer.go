package scorer

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"auto-apply-go/internal/types"
)

// 简历没有结构化技能时，从正文中识别的常见技术词
var techVocabularyRegex = regexp.MustCompile(`(?i)\b(golang|go|java|python|rust|typescript|javascript|react|vue|node\.?js|kotlin|swift|c\+\+|sql|mysql|postgres(?:ql)?|redis|kafka|rabbitmq|docker|kubernetes|aws|gcp|azure|grpc|microservices|terraform|linux)\b`)

// KeywordScorer 按简历技能在职位描述中的命中比例打分，结果只取决于输入
type KeywordScorer struct{}

// NewKeywordScorer 创建关键词打分器
func NewKeywordScorer() *KeywordScorer {
	return &KeywordScorer{}
}

// Score 实现 Scorer
func (k *KeywordScorer) Score(_ context.Context, resume types.Resume, jobDescription string) (types.MatchResult, error) {
	terms := resumeTerms(resume)
	if len(terms) == 0 {
		return types.MatchResult{Score: 0, Reasons: []string{"简历中没有可匹配的技能关键词"}}, nil
	}

	reasons := make([]string, 0, len(terms))
	for _, term := range terms {
		if containsTerm(jobDescription, term) {
			reasons = append(reasons, fmt.Sprintf("匹配技能: %s", term))
		}
	}

	score := int(math.Round(float64(len(reasons)) / float64(len(terms)) * 100))
	return types.MatchResult{Score: score, Reasons: reasons}, nil
}

func resumeTerms(resume types.Resume) []string {
	source := resume.Skills
	if len(source) == 0 {
		source = techVocabularyRegex.FindAllString(resume.Text, -1)
	}

	seen := make(map[string]struct{}, len(source))
	terms := make([]string, 0, len(source))
	for _, s := range source {
		term := strings.ToLower(strings.TrimSpace(s))
		if term == "" {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms
}

// containsTerm 按词边界匹配，避免 "go" 命中 "google"
func containsTerm(text, term string) bool {
	pattern := `(?i)(^|[^a-z0-9+#])` + regexp.QuoteMeta(term) + `($|[^a-z0-9+#])`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return strings.Contains(strings.ToLower(text), term)
	}
	return re.MatchString(text)
}
