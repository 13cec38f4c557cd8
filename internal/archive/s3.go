package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/valyala/gozstd"
	"go.uber.org/zap"

	"mailflow/backend/internal/config"
)

// S3Archive 把压缩后的原始邮件上传到 S3 兼容对象存储。
// 对象键布局: {domain}/{YYYY/MM/DD}/{key}.eml.zst
type S3Archive struct {
	client *s3.S3
	bucket string
	log    *zap.Logger
}

// NewS3Archive 创建 S3 归档。
// 上传发生在 SMTP DATA 事务内，重试与超时都收得很紧。
func NewS3Archive(cfg config.ArchiveConfig, log *zap.Logger) *S3Archive {
	awsCfg := &aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		MaxRetries:  aws.Int(2),
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
	}
	if cfg.Endpoint != "" {
		// 自定义端点一般是 MinIO 等兼容实现，需要 path-style 访问
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess := session.Must(session.NewSession(awsCfg))
	return &S3Archive{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		log:    log,
	}
}

// Store 压缩并上传一封原始邮件，返回对象键。
func (a *S3Archive) Store(ctx context.Context, domainName, key string, raw []byte) (string, error) {
	objectKey := a.objectKey(domainName, key)

	_, err := a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(gozstd.Compress(nil, raw)),
		ContentType: aws.String("application/zstd"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload archive object: %w", err)
	}

	a.log.Debug("archived raw message",
		zap.String("domain", domainName),
		zap.String("key", objectKey),
		zap.Int("raw_bytes", len(raw)),
	)
	return objectKey, nil
}

// Fetch 下载并解压一个归档对象。
func (a *S3Archive) Fetch(ctx context.Context, location string) ([]byte, error) {
	resp, err := a.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(location),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archive object: %w", err)
	}
	defer resp.Body.Close()

	compressed, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive object: %w", err)
	}

	raw, err := gozstd.Decompress(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress archive object: %w", err)
	}
	return raw, nil
}

func (a *S3Archive) objectKey(domainName, key string) string {
	now := time.Now().UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.eml.zst",
		domainName, now.Year(), now.Month(), now.Day(), key)
}
