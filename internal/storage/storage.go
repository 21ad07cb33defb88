package storage

import (
	"context"
	"fmt"
	"strings"

	"auto-apply-go/internal/config"
	"auto-apply-go/internal/logger"
)

// Storage 存储管理器，聚合所有存储相关依赖。
// MySQL 必须可用，其余组件未配置或初始化失败时为 nil，调用方按需降级
type Storage struct {
	// 关系型数据库：运行记录、投递记录、用户配置、outbox
	MySQL *MySQL

	// 键值存储：启动冷却、打分缓存、回收锁
	Redis *Redis

	// 消息队列：运行结束事件
	RabbitMQ *RabbitMQ

	// 对象存储：职位快照
	MinIO *MinIO
}

// NewStorage 创建存储管理器
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	log := logger.Component("storage")

	storage := &Storage{}
	var err error
	var initErrors []string

	storage.MySQL, err = NewMySQL(&cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	log.Info().Str("driver", cfg.MySQL.Driver).Msg("数据库初始化成功")

	if cfg.Redis.Address != "" {
		storage.Redis, err = NewRedisAdapter(&cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("初始化Redis失败")
			initErrors = append(initErrors, fmt.Sprintf("Redis: %v", err))
		}
	} else {
		log.Info().Msg("Redis未配置, 冷却记录使用进程内存储")
	}

	if cfg.RabbitMQ.URL != "" {
		storage.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ)
		if err == nil {
			err = storage.RabbitMQ.SetupTopology(&cfg.RabbitMQ)
		}
		if err != nil {
			log.Warn().Err(err).Msg("初始化RabbitMQ失败")
			initErrors = append(initErrors, fmt.Sprintf("RabbitMQ: %v", err))
			if storage.RabbitMQ != nil {
				_ = storage.RabbitMQ.Close()
				storage.RabbitMQ = nil
			}
		}
	}

	if cfg.MinIO.Endpoint != "" {
		storage.MinIO, err = NewMinIO(&cfg.MinIO)
		if err != nil {
			log.Warn().Err(err).Msg("初始化MinIO失败")
			initErrors = append(initErrors, fmt.Sprintf("MinIO: %v", err))
		}
	}

	if len(initErrors) > 0 {
		log.Warn().Str("errors", strings.Join(initErrors, "; ")).Msg("部分存储组件初始化失败")
	}
	return storage, nil
}

// Close 关闭所有连接
func (s *Storage) Close() {
	log := logger.Component("storage")
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			log.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			log.Error().Err(err).Msg("关闭数据库连接失败")
		}
	}
}
