package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auto-apply-go/internal/api/handler"
	"auto-apply-go/internal/api/router"
	"auto-apply-go/internal/backoff"
	"auto-apply-go/internal/config"
	"auto-apply-go/internal/constants"
	"auto-apply-go/internal/discovery"
	appCoreLogger "auto-apply-go/internal/logger"
	"auto-apply-go/internal/notify"
	"auto-apply-go/internal/outbox"
	"auto-apply-go/internal/pipeline"
	"auto-apply-go/internal/ratelimit"
	"auto-apply-go/internal/scorer"
	"auto-apply-go/internal/storage"
	"auto-apply-go/internal/tracing"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"
)

var (
	version     = "1.0.0"         //nolint:gochecknoglobals
	serviceName = "auto-apply-go" //nolint:gochecknoglobals
)

func main() {
	var configPath, samplePath string
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file")
	pflag.StringVar(&samplePath, "write-sample-config", "", "Write a sample config file to the given path and exit")
	pflag.Parse()

	if samplePath != "" {
		if err := config.CreateSampleConfig(samplePath); err != nil {
			appCoreLogger.Fatal().Err(err).Msg("生成示例配置失败")
		}
		appCoreLogger.Info().Str("path", samplePath).Msg("示例配置已生成")
		return
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		appCoreLogger.Fatal().Err(err).Msg("加载配置失败")
	}
	initLogger(cfg)
	glog.Info("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = serviceName
	}
	shutdownTracing, err := tracing.InitProvider(ctx, cfg.Tracing)
	if err != nil {
		glog.Fatalf("初始化链路追踪失败: %v", err)
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("初始化存储失败: %v", err)
	}
	defer storageManager.Close()
	glog.Info("存储服务初始化成功")

	// 冷却记录：多实例部署需要 Redis，否则退化为进程内存储
	var cooldownStore ratelimit.CooldownStore = ratelimit.NewMemoryCooldownStore()
	var scoreCache scorer.ScoreCache
	var locker pipeline.Locker
	if storageManager.Redis != nil {
		cooldownStore = storageManager.Redis
		scoreCache = storageManager.Redis
		locker = storageManager.Redis
	}
	guard := ratelimit.NewCooldownGuard(cooldownStore, config.GetDuration(cfg.Pipeline.CooldownWindow, constants.DefaultCooldownWindow))

	discoverer, err := discovery.NewHTTPClient(cfg.Discovery)
	if err != nil {
		glog.Fatalf("初始化职位发现客户端失败: %v", err)
	}
	matchScorer, err := scorer.New(cfg.Scorer, scoreCache, appCoreLogger.Component("scorer"))
	if err != nil {
		glog.Fatalf("初始化打分器失败: %v", err)
	}
	glog.Infof("打分器类型: %s", cfg.Scorer.Type)

	notifier := buildNotifier(cfg, storageManager)

	var messageRelay *outbox.MessageRelay
	if storageManager.RabbitMQ != nil {
		messageRelay = outbox.NewMessageRelay(storageManager.MySQL.DB(), storageManager.RabbitMQ, appCoreLogger.Logger, outbox.Options{
			PollingInterval: config.GetDuration(cfg.RabbitMQ.OutboxPollInterval, 2*time.Second),
			BatchSize:       cfg.RabbitMQ.OutboxBatchSize,
			MaxRetries:      cfg.RabbitMQ.MaxRetries,
		})
		messageRelay.Start()
		glog.Info("消息中继服务已启动")
	}

	backoffOpts := backoff.Options{
		MaxRetries: cfg.Pipeline.Backoff.MaxRetries,
		BaseDelay:  config.GetDuration(cfg.Pipeline.Backoff.BaseDelay, backoff.DefaultBaseDelay),
		MaxDelay:   config.GetDuration(cfg.Pipeline.Backoff.MaxDelay, backoff.DefaultMaxDelay),
	}
	guard.WithBackoff(backoffOpts)
	notifyTimeout := config.GetDuration(cfg.Pipeline.NotifyTimeout, 5*time.Second)

	submitterOpts := []pipeline.SubmitterOption{
		pipeline.WithSubmitterBackoff(backoffOpts),
		pipeline.WithSubmitterLogger(appCoreLogger.Component("submitter")),
	}
	if storageManager.MinIO != nil {
		submitterOpts = append(submitterOpts, pipeline.WithSnapshotStore(storageManager.MinIO))
	}

	orchestratorLogger := appCoreLogger.Component("orchestrator")
	orchestrator := pipeline.NewOrchestrator(pipeline.Deps{
		Runs:         storageManager.MySQL,
		Applications: storageManager.MySQL,
		Profiles:     storageManager.MySQL,
		Discoverer:   discoverer,
		Scorer:       matchScorer,
		Submitter:    pipeline.NewSubmitter(storageManager.MySQL, submitterOpts...),
		Guard:        guard,
		Notifier:     notifier,
	}, pipeline.Options{
		Backoff:       backoffOpts,
		Location:      cfg.Location(),
		NotifyTimeout: notifyTimeout,
		Logger:        &orchestratorLogger,
	})

	reaper := pipeline.NewReaper(storageManager.MySQL, notifier, pipeline.ReaperOptions{
		StaleAfter:    config.GetDuration(cfg.Pipeline.StaleRunAfter, 30*time.Minute),
		Interval:      config.GetDuration(cfg.Pipeline.ReaperInterval, time.Minute),
		NotifyTimeout: notifyTimeout,
		Locker:        locker,
		Backoff:       backoffOpts,
	})
	reaper.Start()

	automationHandler := handler.NewAutomationHandler(
		orchestrator,
		pipeline.NewReporter(storageManager.MySQL),
		storageManager.MySQL,
		cfg.AutomationDefaults,
		config.GetDuration(cfg.Pipeline.PollInterval, constants.DefaultPollInterval),
	)

	tracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
		tracer,
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		glog.CtxInfof(c, "%s %s -> %d (%s)", ctx.Method(), ctx.Path(), ctx.Response.StatusCode(), time.Since(start))
	})

	router.RegisterRoutes(h, cfg.Auth, automationHandler)
	glog.Info("HTTP路由注册成功")

	go func() {
		glog.Infof("HTTP 服务器启动中，监听地址: %s", cfg.Server.Address)
		if err := h.Run(); err != nil {
			glog.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	glog.Info("接收到终止信号，正在优雅退出...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	// 先停止接收请求，再停止后台运行
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("服务器关闭失败: %v", err)
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		glog.Warnf("等待运行退出超时，未结束的运行将由回收任务处理: %v", err)
	}
	reaper.Stop()
	if messageRelay != nil {
		messageRelay.Stop()
		glog.Info("消息中继服务已停止")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		glog.Warnf("关闭链路追踪失败: %v", err)
	}
	glog.Info("优雅退出完成")
}

// buildNotifier 组合运行结束通知：有 RabbitMQ 时写 outbox，配置了 token 时发 Telegram
func buildNotifier(cfg *config.Config, s *storage.Storage) notify.Notifier {
	var notifiers notify.Multi
	if s.RabbitMQ != nil {
		notifiers = append(notifiers, notify.NewOutboxNotifier(s.MySQL, cfg.RabbitMQ.AutomationEventsExchange))
	}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			glog.Warnf("初始化Telegram通知失败: %v", err)
		} else {
			notifiers = append(notifiers, tg)
		}
	}
	if len(notifiers) == 0 {
		return nil
	}
	return notifiers
}

func initLogger(cfg *config.Config) {
	appCoreLogger.Init(appCoreLogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})
	appCoreLogger.Logger = appCoreLogger.Logger.With().
		Str("app", serviceName).
		Str("version", version).
		Logger()

	glog.SetLogger(hertzadapter.From(appCoreLogger.Logger))
	if cfg.Logger.Level == "debug" {
		glog.SetLevel(glog.LevelDebug)
	} else {
		glog.SetLevel(glog.LevelInfo)
	}
}
