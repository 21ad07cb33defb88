// Package discovery 调用外部职位发现服务
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"auto-apply-go/internal/config"
	"auto-apply-go/internal/types"
)

const searchPath = "/v1/jobs/search"

// HTTPClient 通过 HTTP JSON 接口发现职位，不做重试，重试由调用方的退避执行器负责
type HTTPClient struct {
	baseURL    string
	apiKey     string
	maxResults int
	httpClient *http.Client
}

// NewHTTPClient 创建职位发现客户端
func NewHTTPClient(cfg config.DiscoveryConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("职位发现服务地址不能为空")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		maxResults: cfg.MaxResults,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type searchRequest struct {
	Keywords        []string `json:"keywords"`
	Locations       []string `json:"locations,omitempty"`
	RemoteOnly      bool     `json:"remote_only"`
	ExperienceLevel string   `json:"experience_level,omitempty"`
	Limit           int      `json:"limit,omitempty"`
}

type searchResponse struct {
	Jobs []jobPayload `json:"jobs"`
}

type jobPayload struct {
	Title       string     `json:"title"`
	Company     string     `json:"company"`
	Location    string     `json:"location"`
	Description string     `json:"description"`
	URL         string     `json:"url"`
	SourceURL   string     `json:"source_url"`
	PostedAt    *time.Time `json:"posted_at"`
}

// Discover 返回候选职位。服务异常返回 ErrDiscoveryFailed，结果为空返回 ErrNoResults
func (c *HTTPClient) Discover(ctx context.Context, prefs types.Preferences) ([]types.CandidateJob, error) {
	limit := prefs.MaxResults
	if limit <= 0 {
		limit = c.maxResults
	}
	body, err := json.Marshal(searchRequest{
		Keywords:        prefs.Keywords,
		Locations:       prefs.Locations,
		RemoteOnly:      prefs.RemoteOnly,
		ExperienceLevel: prefs.ExperienceLevel,
		Limit:           limit,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化搜索条件失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+searchPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDiscoveryFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: 读取响应失败: %v", types.ErrDiscoveryFailed, err)
	}
	if rejected(resp.StatusCode) {
		return nil, fmt.Errorf("%w: %w: 状态码 %d: %s", types.ErrDiscoveryFailed, types.ErrDiscoveryRejected, resp.StatusCode, snippet(data))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: 状态码 %d: %s", types.ErrDiscoveryFailed, resp.StatusCode, snippet(data))
	}

	var parsed searchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: 解析响应失败: %v", types.ErrDiscoveryFailed, err)
	}

	jobs := normalizeJobs(parsed.Jobs)
	if len(jobs) == 0 {
		return nil, types.ErrNoResults
	}
	return jobs, nil
}

// rejected 请求本身有问题的 4xx，重试不会改变结果；408 和 429 仍可重试
func rejected(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

// normalizeJobs 丢弃没有来源链接的职位，并按链接去重
func normalizeJobs(payloads []jobPayload) []types.CandidateJob {
	seen := make(map[string]struct{}, len(payloads))
	jobs := make([]types.CandidateJob, 0, len(payloads))
	for _, p := range payloads {
		url := strings.TrimSpace(p.SourceURL)
		if url == "" {
			url = strings.TrimSpace(p.URL)
		}
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		jobs = append(jobs, types.CandidateJob{
			Title:       strings.TrimSpace(p.Title),
			Company:     strings.TrimSpace(p.Company),
			Location:    strings.TrimSpace(p.Location),
			Description: p.Description,
			SourceURL:   url,
			PostedAt:    p.PostedAt,
		})
	}
	return jobs
}

func snippet(data []byte) string {
	const limit = 200
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
