package constants

import "time"

const (
	// DefaultCooldownWindow 同一用户两次启动之间的最小间隔
	DefaultCooldownWindow = 5 * time.Minute
	// DefaultPollInterval 客户端轮询状态的间隔
	DefaultPollInterval = 2 * time.Second
	// ProgressPlaceholder 尚未发现职位时展示的进度
	ProgressPlaceholder = 10

	// 消息路由
	RoutingKeyRunCompleted = "automation.run.completed"
	RoutingKeyRunFailed    = "automation.run.failed"
	RoutingKeyRunCancelled = "automation.run.cancelled"
	// RoutingKeyRunAll 通知队列绑定所有运行结束事件
	RoutingKeyRunAll = "automation.run.*"

	// SnapshotObjectPrefix MinIO 中职位快照的对象前缀
	SnapshotObjectPrefix = "snapshots"
)
