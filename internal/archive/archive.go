package archive

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailflow/backend/internal/config"
)

// Archive 原始邮件归档后端。
//
// Store 在转发前保存一份压缩的原始邮件，返回可持久化到投递记录的
// 归档位置；Fetch 按该位置取回解压后的原文。
type Archive interface {
	Store(ctx context.Context, domainName, key string, raw []byte) (string, error)
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// New 按配置选择归档后端。归档未启用时返回 nil。
func New(cfg config.ArchiveConfig, log *zap.Logger) (Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Backend {
	case "local":
		fs, err := NewFilesystemArchive(cfg.Dir, log)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "s3":
		return NewS3Archive(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
