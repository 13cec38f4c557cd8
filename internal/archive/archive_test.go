package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/gozstd"
	"go.uber.org/zap"

	"mailflow/backend/internal/config"
)

var sampleMessage = []byte("From: sender@remote.example\r\nTo: info@example.com\r\nSubject: hello\r\n\r\nbody text\r\n")

func TestFilesystemArchive(t *testing.T) {
	t.Run("存储并取回", func(t *testing.T) {
		arch, err := NewFilesystemArchive(t.TempDir(), zap.NewNop())
		require.NoError(t, err)

		location, err := arch.Store(context.Background(), "example.com", "msg-001", sampleMessage)
		require.NoError(t, err)
		assert.False(t, filepath.IsAbs(location))
		assert.True(t, strings.HasPrefix(location, "example.com"+string(filepath.Separator)))
		assert.True(t, strings.HasSuffix(location, "msg-001.eml.zst"))

		// 落盘内容是压缩过的
		onDisk, err := os.ReadFile(filepath.Join(arch.basePath, location))
		require.NoError(t, err)
		assert.NotEqual(t, sampleMessage, onDisk)

		raw, err := arch.Fetch(context.Background(), location)
		require.NoError(t, err)
		assert.Equal(t, sampleMessage, raw)
	})

	t.Run("路径段中的穿越被清理", func(t *testing.T) {
		arch, err := NewFilesystemArchive(t.TempDir(), zap.NewNop())
		require.NoError(t, err)

		location, err := arch.Store(context.Background(), "../../etc", "../key", sampleMessage)
		require.NoError(t, err)
		assert.NotContains(t, location, "..")

		full := filepath.Join(arch.basePath, location)
		rel, err := filepath.Rel(arch.basePath, full)
		require.NoError(t, err)
		assert.False(t, strings.HasPrefix(rel, ".."))
	})

	t.Run("取回不存在的对象返回错误", func(t *testing.T) {
		arch, err := NewFilesystemArchive(t.TempDir(), zap.NewNop())
		require.NoError(t, err)

		_, err = arch.Fetch(context.Background(), "example.com/2026-01-01/nope.eml.zst")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("取回路径穿越被拒绝", func(t *testing.T) {
		arch, err := NewFilesystemArchive(t.TempDir(), zap.NewNop())
		require.NoError(t, err)

		_, err = arch.Fetch(context.Background(), "../outside")
		require.Error(t, err)
	})

	t.Run("空目录报错", func(t *testing.T) {
		_, err := NewFilesystemArchive("", zap.NewNop())
		require.Error(t, err)
	})
}

func TestFilesystemArchiveCleanup(t *testing.T) {
	base := t.TempDir()
	arch, err := NewFilesystemArchive(base, zap.NewNop())
	require.NoError(t, err)

	mkObject := func(domainName, date, name string) {
		dir := filepath.Join(base, domainName, date)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), gozstd.Compress(nil, sampleMessage), 0644))
	}

	today := time.Now().UTC().Format("2006-01-02")
	mkObject("example.com", "2020-01-01", "old-1.eml.zst")
	mkObject("example.com", "2020-01-01", "old-2.eml.zst")
	mkObject("example.com", today, "fresh.eml.zst")
	mkObject("stale.example", "2019-06-15", "ancient.eml.zst")

	removed, err := arch.CleanupExpired(30)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = os.Stat(filepath.Join(base, "example.com", "2020-01-01"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(base, "example.com", today, "fresh.eml.zst"))
	assert.NoError(t, err)

	// 清空后的域名目录一并删除
	_, err = os.Stat(filepath.Join(base, "stale.example"))
	assert.True(t, os.IsNotExist(err))
}

func TestNewArchive(t *testing.T) {
	t.Run("未启用返回空", func(t *testing.T) {
		arch, err := New(config.ArchiveConfig{Enabled: false}, zap.NewNop())
		require.NoError(t, err)
		assert.Nil(t, arch)
	})

	t.Run("local后端", func(t *testing.T) {
		arch, err := New(config.ArchiveConfig{
			Enabled: true,
			Backend: "local",
			Dir:     t.TempDir(),
		}, zap.NewNop())
		require.NoError(t, err)
		assert.IsType(t, (*FilesystemArchive)(nil), arch)
	})

	t.Run("s3后端", func(t *testing.T) {
		arch, err := New(config.ArchiveConfig{
			Enabled:   true,
			Backend:   "s3",
			Region:    "us-east-1",
			Bucket:    "mailflow-archive",
			AccessKey: "test",
			SecretKey: "secret",
		}, zap.NewNop())
		require.NoError(t, err)
		assert.IsType(t, (*S3Archive)(nil), arch)
	})

	t.Run("未知后端报错", func(t *testing.T) {
		_, err := New(config.ArchiveConfig{Enabled: true, Backend: "tape"}, zap.NewNop())
		require.Error(t, err)
	})
}

// fakeS3 以路径为键保存 PUT 内容，供 GET 取回。
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
	ctype   string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.puts = append(f.puts, r.URL.Path)
		f.ctype = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"fake"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		if body, ok := f.objects[r.URL.Path]; ok {
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Archive(t *testing.T) {
	t.Run("上传并取回", func(t *testing.T) {
		fake := &fakeS3{objects: make(map[string][]byte)}
		srv := httptest.NewServer(fake)
		defer srv.Close()

		arch := NewS3Archive(config.ArchiveConfig{
			Endpoint:  srv.URL,
			Region:    "us-east-1",
			Bucket:    "mailflow-archive",
			AccessKey: "test",
			SecretKey: "secret",
		}, zap.NewNop())

		location, err := arch.Store(context.Background(), "example.com", "msg-001", sampleMessage)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(location, "example.com/"))
		assert.True(t, strings.HasSuffix(location, "msg-001.eml.zst"))

		fake.mu.Lock()
		require.Len(t, fake.puts, 1)
		assert.Equal(t, "/mailflow-archive/"+location, fake.puts[0])
		assert.Equal(t, "application/zstd", fake.ctype)
		stored := fake.objects[fake.puts[0]]
		fake.mu.Unlock()

		raw, err := gozstd.Decompress(nil, stored)
		require.NoError(t, err)
		assert.Equal(t, sampleMessage, raw)

		got, err := arch.Fetch(context.Background(), location)
		require.NoError(t, err)
		assert.Equal(t, sampleMessage, got)
	})

	t.Run("上传失败返回错误", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		arch := NewS3Archive(config.ArchiveConfig{
			Endpoint:  srv.URL,
			Region:    "us-east-1",
			Bucket:    "mailflow-archive",
			AccessKey: "test",
			SecretKey: "secret",
		}, zap.NewNop())

		_, err := arch.Store(context.Background(), "example.com", "msg-002", sampleMessage)
		require.Error(t, err)
	})
}
