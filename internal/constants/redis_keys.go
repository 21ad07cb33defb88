package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: {app}:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "autoapply"

	// AutomationModulePrefix 自动投递模块
	AutomationModulePrefix = "automation"

	// EntityCooldown 启动冷却实体
	EntityCooldown = "cooldown"

	// KeyRunCooldown 用户最近一次启动时间，毫秒时间戳 (STRING, 带TTL)
	// 格式: autoapply:automation:cooldown:{userID}
	KeyRunCooldown = AppPrefix + ":" + AutomationModulePrefix + ":" + EntityCooldown + ":%s"
)

const (
	// ScorerModulePrefix 打分模块
	ScorerModulePrefix = "scorer"

	// KeyMatchScore 打分结果缓存 (STRING, JSON, 带TTL)
	// 格式: autoapply:scorer:match:{sha256(resume, description)}
	KeyMatchScore = AppPrefix + ":" + ScorerModulePrefix + ":match:%s"

	// KeyReaperLock 中断运行回收的分布式锁，多实例部署时只有一个实例执行回收
	KeyReaperLock = AppPrefix + ":" + AutomationModulePrefix + ":lock:reaper"
)
