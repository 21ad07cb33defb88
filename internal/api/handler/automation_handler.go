package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"

	"auto-apply-go/internal/config"
	"auto-apply-go/internal/logger"
	"auto-apply-go/internal/pipeline"
	"auto-apply-go/internal/ratelimit"
	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"
)

// UserIDKey 认证中间件写入请求上下文的用户ID键
const UserIDKey = "user_id"

// RunService 运行的启动与取消
type RunService interface {
	Start(ctx context.Context, userID string, cfg models.AutomationConfig) (string, error)
	Cancel(ctx context.Context, userID, runID string) error
	NextAllowedTime(ctx context.Context, userID string) (*time.Time, error)
}

// StatusReader 运行状态查询
type StatusReader interface {
	GetStatus(ctx context.Context, runID string) (*types.RunStatus, error)
}

// AutomationStore 处理器需要的持久化操作
type AutomationStore interface {
	GetAutomationConfig(ctx context.Context, userID string) (*models.AutomationConfig, error)
	SaveAutomationConfig(ctx context.Context, cfg *models.AutomationConfig) error
	FindActiveRun(ctx context.Context, userID string) (*models.ProcessingRun, error)
	ListApplications(ctx context.Context, userID string, limit, offset int) ([]models.Application, int64, error)
}

// AutomationHandler 自动投递相关接口
type AutomationHandler struct {
	runs         RunService
	status       StatusReader
	store        AutomationStore
	defaults     config.AutomationDefaults
	pollInterval time.Duration
	log          zerolog.Logger
}

// NewAutomationHandler 创建处理器
func NewAutomationHandler(runs RunService, status StatusReader, store AutomationStore, defaults config.AutomationDefaults, pollInterval time.Duration) *AutomationHandler {
	return &AutomationHandler{
		runs:         runs,
		status:       status,
		store:        store,
		defaults:     defaults,
		pollInterval: pollInterval,
		log:          logger.Component("api"),
	}
}

// StartRunResponse 启动成功的响应
type StartRunResponse struct {
	RunID          string         `json:"run_id"`
	Status         types.RunState `json:"status"`
	PollIntervalMs int64          `json:"poll_interval_ms"`
}

// RunStatusResponse 运行状态响应
type RunStatusResponse struct {
	*types.RunStatus
	PollIntervalMs int64 `json:"poll_interval_ms"`
}

// CooldownResponse 冷却状态
type CooldownResponse struct {
	CanStart          bool       `json:"can_start"`
	NextAllowedAt     *time.Time `json:"next_allowed_at"`
	RetryAfterSeconds int        `json:"retry_after_seconds"`
}

// AutomationConfigPayload 用户投递策略的读写格式
type AutomationConfigPayload struct {
	MaxApplicationsPerDay int        `json:"max_applications_per_day"`
	MinimumMatchScore     int        `json:"minimum_match_score"`
	BlacklistedCompanies  []string   `json:"blacklisted_companies"`
	AutoFollowUp          bool       `json:"auto_follow_up"`
	FollowUpDelayDays     int        `json:"follow_up_delay_days"`
	IsDefault             bool       `json:"is_default"`
	UpdatedAt             *time.Time `json:"updated_at,omitempty"`
}

// ApplicationItem 投递列表项
type ApplicationItem struct {
	ApplicationID   string    `json:"application_id"`
	RunID           *string   `json:"run_id"`
	JobTitle        string    `json:"job_title"`
	Company         string    `json:"company"`
	Location        string    `json:"location"`
	SourceURL       string    `json:"source_url"`
	MatchScore      int       `json:"match_score"`
	MatchReasons    []string  `json:"match_reasons"`
	Status          string    `json:"status"`
	AppliedAt       time.Time `json:"applied_at"`
	JobSnapshotPath *string   `json:"job_snapshot_path,omitempty"`
}

func (h *AutomationHandler) pollMs() int64 {
	return h.pollInterval.Milliseconds()
}

// userID 由认证中间件写入，缺失说明路由没有挂认证
func userID(c *app.RequestContext) (string, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func (h *AutomationHandler) requireUser(c *app.RequestContext) (string, bool) {
	id, ok := userID(c)
	if !ok {
		c.JSON(consts.StatusUnauthorized, utils.H{"error": "unauthorized"})
	}
	return id, ok
}

// loadConfig 读取用户策略，未保存过时使用默认策略
func (h *AutomationHandler) loadConfig(ctx context.Context, userID string) (models.AutomationConfig, bool, error) {
	saved, err := h.store.GetAutomationConfig(ctx, userID)
	if err != nil {
		return models.AutomationConfig{}, false, err
	}
	if saved != nil {
		return *saved, false, nil
	}
	cfg := models.AutomationConfig{
		UserID:                userID,
		MaxApplicationsPerDay: h.defaults.MaxApplicationsPerDay,
		MinimumMatchScore:     h.defaults.MinimumMatchScore,
		AutoFollowUp:          h.defaults.AutoFollowUp,
		FollowUpDelayDays:     h.defaults.FollowUpDelayDays,
	}
	cfg.SetBlacklistedCompanies(h.defaults.BlacklistedCompanies)
	return cfg, true, nil
}

// HandleStartRun 启动一次自动投递
// POST /api/v1/automation/runs
func (h *AutomationHandler) HandleStartRun(ctx context.Context, c *app.RequestContext) {
	uid, ok := h.requireUser(c)
	if !ok {
		return
	}

	cfg, _, err := h.loadConfig(ctx, uid)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", uid).Msg("读取投递策略失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to load automation config"})
		return
	}

	runID, err := h.runs.Start(ctx, uid, cfg)
	if err != nil {
		h.writeStartError(c, runID, err)
		return
	}

	c.JSON(consts.StatusAccepted, StartRunResponse{
		RunID:          runID,
		Status:         types.RunStateProcessing,
		PollIntervalMs: h.pollMs(),
	})
}

func (h *AutomationHandler) writeStartError(c *app.RequestContext, runID string, err error) {
	var limited *ratelimit.RateLimitedError
	switch {
	case errors.As(err, &limited):
		seconds := int(math.Ceil(limited.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.JSON(consts.StatusTooManyRequests, utils.H{
			"error":               err.Error(),
			"retry_after_seconds": seconds,
			"next_allowed_at":     limited.NextAllowedAt,
		})
	case errors.Is(err, types.ErrAlreadyProcessing):
		body := utils.H{"error": types.ErrAlreadyProcessing.Error()}
		if runErr := runErrorOf(err); runErr != nil && runErr.RunID != "" {
			body["run_id"] = runErr.RunID
		}
		c.JSON(consts.StatusConflict, body)
	case errors.Is(err, types.ErrPreconditionFailed):
		body := utils.H{"error": err.Error()}
		if runErr := runErrorOf(err); runErr != nil {
			body["error"] = runErr.Message()
		}
		if runID != "" {
			body["run_id"] = runID
			body["status"] = types.RunStateError
		}
		c.JSON(consts.StatusUnprocessableEntity, body)
	default:
		h.log.Error().Err(err).Msg("启动运行失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to start run"})
	}
}

// HandleGetRun 查询运行状态
// GET /api/v1/automation/runs/:run_id
func (h *AutomationHandler) HandleGetRun(ctx context.Context, c *app.RequestContext) {
	uid, ok := h.requireUser(c)
	if !ok {
		return
	}
	runID := c.Param("run_id")
	if runID == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "run_id is required"})
		return
	}

	status, err := h.status.GetStatus(ctx, runID)
	if errors.Is(err, types.ErrRunNotFound) || (err == nil && status.UserID != uid) {
		c.JSON(consts.StatusNotFound, utils.H{"error": "run not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Msg("查询运行状态失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to load run status"})
		return
	}
	c.JSON(consts.StatusOK, RunStatusResponse{RunStatus: status, PollIntervalMs: h.pollMs()})
}

// HandleCurrentRun 查询用户当前的运行，没有进行中的运行时返回 IDLE
// GET /api/v1/automation/status
func (h *AutomationHandler) HandleCurrentRun(ctx context.Context, c *app.RequestContext) {
	uid, ok := h.requireUser(c)
	if !ok {
		return
	}
	active, err := h.store.FindActiveRun(ctx, uid)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", uid).Msg("查询活动运行失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to load run status"})
		return
	}
	if active == nil {
		c.JSON(consts.StatusOK, utils.H{"status": types.RunStateIdle, "poll_interval_ms": h.pollMs()})
		return
	}
	status, err := h.status.GetStatus(ctx, active.RunID)
	if err != nil {
		h.log.Error().Err(err).Str("run_id", active.RunID).Msg("查询运行状态失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to load run status"})
		return
	}
	c.JSON(consts.StatusOK, RunStatusResponse{RunStatus: status, PollIntervalMs: h.pollMs()})
}

// HandleCancelRun 取消进行中的运行
// POST /api/v1/automation/runs/:run_id/cancel
func (h *AutomationHandler) HandleCancelRun(ctx context.Context, c *app.RequestContext) {
	uid, ok := h.requireUser(c)
	if !ok {
		return
	}
	runID := c.Param("run_id")

	err := h.runs.Cancel(ctx, uid, runID)
	switch {
	case err == nil:
		c.JSON(consts.StatusOK, utils.H{"run_id": runID, "status": types.RunStateCancelled})
	case errors.Is(err, types.ErrRunNotFound):
		c.JSON(consts.StatusNotFound, utils.H{"error": "run not found"})
	case errors.Is(err, types.ErrNotProcessing):
		c.JSON(consts.StatusConflict, utils.H{"error": types.ErrNotProcessing.Error(), "run_id": runID})
	default:
		h.log.Error().Err(err).Str("run_id", runID).Msg("取消运行失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to cancel run"})
	}
}

// HandleCooldown 查询下一次允许启动的时间
// GET /api/v1/automation/cooldown
func (h *AutomationHandler) HandleCooldown(ctx context.Context, c *app.RequestContext) {
	uid, ok := h.requireUser(c)
	if !ok {
		return
	}
	next, err := h.runs.NextAllowedTime(ctx, uid)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", uid).Msg("查询冷却状态失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to load cooldown"})
		return
	}
	resp := CooldownResponse{CanStart: next == nil, NextAllowedAt: next}
	if next != nil {
		resp.RetryAfterSeconds = int(math.Ceil(time.Until(*next).Seconds()))
		if resp.RetryAfterSeconds < 1 {
			resp.RetryAfterSeconds = 1
		}
	}
	c.JSON(consts.StatusOK, resp)
}

// HandleGetConfig 读取投递策略
// GET /api/v1/automation/config
func (h *AutomationHandler) HandleGetConfig(ctx context.Context, c *app.RequestContext) {
	uid, ok := h.requireUser(c)
	if !ok {
		return
	}
	cfg, isDefault, err := h.loadConfig(ctx, uid)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", uid).Msg("读取投递策略失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to load automation config"})
		return
	}
	c.JSON(consts.StatusOK, toPayload(cfg, isDefault))
}

// HandlePutConfig 保存投递策略
// PUT /api/v1/automation/config
func (h *AutomationHandler) HandlePutConfig(ctx context.Context, c *app.RequestContext) {
	uid, ok := h.requireUser(c)
	if !ok {
		return
	}

	var req AutomationConfigPayload
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "invalid JSON body"})
		return
	}
	cfg := models.AutomationConfig{
		UserID:                uid,
		MaxApplicationsPerDay: req.MaxApplicationsPerDay,
		MinimumMatchScore:     req.MinimumMatchScore,
		AutoFollowUp:          req.AutoFollowUp,
		FollowUpDelayDays:     req.FollowUpDelayDays,
	}
	cfg.SetBlacklistedCompanies(req.BlacklistedCompanies)
	if err := cfg.Validate(); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}

	if err := h.store.SaveAutomationConfig(ctx, &cfg); err != nil {
		h.log.Error().Err(err).Str("user_id", uid).Msg("保存投递策略失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to save automation config"})
		return
	}
	h.log.Info().Str("user_id", uid).Int("max_per_day", cfg.MaxApplicationsPerDay).Int("min_score", cfg.MinimumMatchScore).Msg("投递策略已更新")
	c.JSON(consts.StatusOK, toPayload(cfg, false))
}

func toPayload(cfg models.AutomationConfig, isDefault bool) AutomationConfigPayload {
	p := AutomationConfigPayload{
		MaxApplicationsPerDay: cfg.MaxApplicationsPerDay,
		MinimumMatchScore:     cfg.MinimumMatchScore,
		BlacklistedCompanies:  cfg.BlacklistedCompanies(),
		AutoFollowUp:          cfg.AutoFollowUp,
		FollowUpDelayDays:     cfg.FollowUpDelayDays,
		IsDefault:             isDefault,
	}
	if !cfg.UpdatedAt.IsZero() {
		updated := cfg.UpdatedAt
		p.UpdatedAt = &updated
	}
	return p
}

// HandleListApplications 分页列出用户的投递记录
// GET /api/v1/applications?limit=20&offset=0
func (h *AutomationHandler) HandleListApplications(ctx context.Context, c *app.RequestContext) {
	uid, ok := h.requireUser(c)
	if !ok {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	apps, total, err := h.store.ListApplications(ctx, uid, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", uid).Msg("查询投递记录失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to list applications"})
		return
	}

	items := make([]ApplicationItem, 0, len(apps))
	for i := range apps {
		a := &apps[i]
		items = append(items, ApplicationItem{
			ApplicationID:   a.ApplicationID,
			RunID:           a.RunID,
			JobTitle:        a.JobTitle,
			Company:         a.Company,
			Location:        a.Location,
			SourceURL:       a.SourceURL,
			MatchScore:      a.MatchScore,
			MatchReasons:    a.MatchReasons(),
			Status:          a.Status,
			AppliedAt:       a.AppliedAt,
			JobSnapshotPath: a.JobSnapshotPath,
		})
	}
	c.JSON(consts.StatusOK, utils.H{
		"data":        items,
		"total_count": total,
		"limit":       limit,
		"offset":      offset,
		"next_offset": offset + len(items),
	})
}

// HandleHealth 健康检查
func HandleHealth(_ context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{"status": "ok"})
}

// runErrorOf 取出编排器返回的 RunError
func runErrorOf(err error) *pipeline.RunError {
	var runErr *pipeline.RunError
	if errors.As(err, &runErr) {
		return runErr
	}
	return nil
}
