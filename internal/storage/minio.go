package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"auto-apply-go/internal/config"
	"auto-apply-go/internal/constants"
	"auto-apply-go/internal/logger"
	"auto-apply-go/internal/tracing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var minioTracer = otel.Tracer("auto-apply-go/storage/minio")

// ObjectStorage 对象存储接口
type ObjectStorage interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, fileSize int64, contentType string) (string, error)
	SaveJobSnapshot(ctx context.Context, userID, jobRef string, snapshot interface{}) (string, error)
}

var _ ObjectStorage = (*MinIO)(nil)

// MinIO 保存投递时的职位快照。候选职位只在一次运行内存活，快照留作日后核对
type MinIO struct {
	client *minio.Client
	cfg    *config.MinIOConfig
	bucket string
	log    zerolog.Logger
}

// NewMinIO 创建MinIO客户端并确保快照存储桶存在
func NewMinIO(cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	log := logger.Component("minio")

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	bucket := cfg.SnapshotBucket
	if bucket == "" {
		bucket = "job-snapshots"
	}

	m := &MinIO{client: client, cfg: cfg, bucket: bucket, log: log}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.ensureBucketExists(ctx, bucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保快照存储桶 %s 存在失败: %w", bucket, err)
	}

	if cfg.SnapshotExpireDays > 0 {
		if err := m.setupBucketLifecycle(ctx, bucket, "expire-job-snapshots", cfg.SnapshotExpireDays); err != nil {
			log.Warn().Err(err).Str("bucket", bucket).Msg("设置生命周期规则失败")
		}
	}

	log.Info().Str("endpoint", cfg.Endpoint).Str("bucket", bucket).Msg("MinIO客户端初始化完成")
	return m, nil
}

func (m *MinIO) ensureBucketExists(ctx context.Context, bucketName, location string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
	}
	m.log.Info().Str("bucket", bucketName).Msg("存储桶已创建")
	return nil
}

func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName, ruleID string, expiryDays int) error {
	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{
		{
			ID:     ruleID,
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}
	return m.client.SetBucketLifecycle(ctx, bucketName, cfg)
}

// UploadFile 上传对象到快照存储桶，返回对象名
func (m *MinIO) UploadFile(ctx context.Context, objectName string, reader io.Reader, fileSize int64, contentType string) (string, error) {
	ctx, span := minioTracer.Start(ctx, "MinIO.PutObject", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("minio.bucket", m.bucket),
		attribute.String("minio.object", objectName),
		attribute.Int64("minio.size", fileSize),
	)

	info, err := m.client.PutObject(ctx, m.bucket, objectName, reader, fileSize, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStore)
		return "", fmt.Errorf("上传对象 %s/%s 失败: %w", m.bucket, objectName, err)
	}
	m.log.Debug().Str("object", objectName).Str("etag", info.ETag).Int64("size", info.Size).Msg("对象已上传")
	return objectName, nil
}

// SaveJobSnapshot 以 JSON 保存职位快照，返回对象名
func (m *MinIO) SaveJobSnapshot(ctx context.Context, userID, jobRef string, snapshot interface{}) (string, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("序列化职位快照失败: %w", err)
	}
	return m.UploadFile(ctx, SnapshotObjectName(userID, jobRef), bytes.NewReader(data), int64(len(data)), "application/json")
}

// SnapshotObjectName 快照对象名: snapshots/{userID}/{jobRef}.json
func SnapshotObjectName(userID, jobRef string) string {
	return path.Join(constants.SnapshotObjectPrefix, userID, jobRef+".json")
}
