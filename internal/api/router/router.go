package router

import (
	"context"
	"errors"

	"auto-apply-go/internal/api/handler"
	"auto-apply-go/internal/config"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
)

var errUnknownAPIKey = errors.New("unknown api key")

// APIKeyAuth 按请求头中的 API Key 识别用户，并把用户ID写入请求上下文
func APIKeyAuth(cfg config.AuthConfig) app.HandlerFunc {
	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = "X-API-Key"
	}
	keys := make(map[string]string, len(cfg.APIKeys))
	for k, v := range cfg.APIKeys {
		keys[k] = v
	}

	return keyauth.New(
		keyauth.WithKeyLookUp("header:"+headerName, ""),
		keyauth.WithValidator(func(_ context.Context, c *app.RequestContext, key string) (bool, error) {
			userID, ok := keys[key]
			if !ok || userID == "" {
				return false, errUnknownAPIKey
			}
			c.Set(handler.UserIDKey, userID)
			return true, nil
		}),
		keyauth.WithErrorHandler(func(ctx context.Context, c *app.RequestContext, err error) {
			hlog.CtxWarnf(ctx, "API Key 认证失败: %s %s: %v", c.Method(), c.Path(), err)
			c.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"error": "invalid or missing API key"})
		}),
	)
}

// RegisterRoutes 注册 API 路由
func RegisterRoutes(h *server.Hertz, auth config.AuthConfig, automation *handler.AutomationHandler) {
	h.GET("/health", handler.HandleHealth)

	api := h.Group("/api/v1", APIKeyAuth(auth))

	runs := api.Group("/automation")
	runs.POST("/runs", automation.HandleStartRun)
	runs.GET("/runs/:run_id", automation.HandleGetRun)
	runs.POST("/runs/:run_id/cancel", automation.HandleCancelRun)
	runs.GET("/status", automation.HandleCurrentRun)
	runs.GET("/cooldown", automation.HandleCooldown)
	runs.GET("/config", automation.HandleGetConfig)
	runs.PUT("/config", automation.HandlePutConfig)

	api.GET("/applications", automation.HandleListApplications)
}
