package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/valyala/gozstd"
	"go.uber.org/zap"
)

// FilesystemArchive 把压缩后的原始邮件写入本地目录。
// 目录布局: {base}/{domain}/{YYYY-MM-DD}/{key}.eml.zst
type FilesystemArchive struct {
	basePath string
	log      *zap.Logger
}

// NewFilesystemArchive 创建本地文件系统归档。
//
// 参数:
//   - basePath: 归档根目录，不存在时自动创建
//   - log: 日志记录器
//
// 返回值:
//   - *FilesystemArchive: 归档实例
//   - error: 路径非法或目录创建失败
func NewFilesystemArchive(basePath string, log *zap.Logger) (*FilesystemArchive, error) {
	if basePath == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if strings.Contains(basePath, "..") {
		return nil, fmt.Errorf("path traversal detected: %s", basePath)
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archive directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &FilesystemArchive{basePath: abs, log: log}, nil
}

// Store 压缩并落盘一封原始邮件，返回相对于根目录的归档位置。
func (a *FilesystemArchive) Store(ctx context.Context, domainName, key string, raw []byte) (string, error) {
	dir := filepath.Join(a.basePath, sanitizeSegment(domainName), time.Now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	path := filepath.Join(dir, sanitizeSegment(key)+".eml.zst")
	if err := os.WriteFile(path, gozstd.Compress(nil, raw), 0644); err != nil {
		return "", fmt.Errorf("failed to write archive object: %w", err)
	}

	a.log.Debug("archived raw message",
		zap.String("domain", domainName),
		zap.String("path", path),
		zap.Int("raw_bytes", len(raw)),
	)

	rel, err := filepath.Rel(a.basePath, path)
	if err != nil {
		return path, nil
	}
	return rel, nil
}

// Fetch 按归档位置取回并解压原始邮件。
func (a *FilesystemArchive) Fetch(ctx context.Context, location string) ([]byte, error) {
	if strings.Contains(location, "..") {
		return nil, fmt.Errorf("path traversal detected: %s", location)
	}

	data, err := os.ReadFile(filepath.Join(a.basePath, location))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive object not found: %s", location)
		}
		return nil, fmt.Errorf("failed to read archive object: %w", err)
	}

	raw, err := gozstd.Decompress(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress archive object: %w", err)
	}
	return raw, nil
}

// CleanupExpired 删除超过保留期的归档。日期目录名即写入日期，
// 整目录早于截止日期时一并删除，返回删除的对象数。
func (a *FilesystemArchive) CleanupExpired(retentionDays int) (int, error) {
	count := 0
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	domainDirs, err := os.ReadDir(a.basePath)
	if err != nil {
		return 0, err
	}

	for _, domainDir := range domainDirs {
		if !domainDir.IsDir() {
			continue
		}
		domainPath := filepath.Join(a.basePath, domainDir.Name())

		dateDirs, err := os.ReadDir(domainPath)
		if err != nil {
			continue
		}

		for _, dateDir := range dateDirs {
			if !dateDir.IsDir() {
				continue
			}

			day, err := time.Parse("2006-01-02", dateDir.Name())
			if err != nil {
				continue
			}
			if !day.Before(cutoff) {
				continue
			}

			datePath := filepath.Join(domainPath, dateDir.Name())
			entries, _ := os.ReadDir(datePath)
			if err := os.RemoveAll(datePath); err == nil {
				count += len(entries)
			}
		}

		// 空的域名目录一并清理
		if entries, _ := os.ReadDir(domainPath); len(entries) == 0 {
			os.Remove(domainPath)
		}
	}

	return count, nil
}

// sanitizeSegment 清理单个路径段，去掉分隔符、控制字符与首尾的点号。
func sanitizeSegment(s string) string {
	s = filepath.Base(s)

	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	for _, ch := range []string{"/", "\\", "\x00", ":", "*", "?", "\"", "<", ">", "|"} {
		s = strings.ReplaceAll(s, ch, "_")
	}

	s = strings.Trim(s, " .")
	if s == "" {
		return "unnamed"
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
