package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	// 保存原始环境变量
	originalEnvs := make(map[string]string)
	envKeys := []string{
		"MAILFLOW_SERVER_HOST",
		"MAILFLOW_SERVER_PORT",
		"MAILFLOW_SMTP_BIND_ADDR",
		"MAILFLOW_SMTP_HOSTNAME",
		"MAILFLOW_SMTP_MAX_RECIPIENTS",
		"MAILFLOW_DELIVERY_MODE",
		"MAILFLOW_DELIVERY_HOSTNAME",
		"MAILFLOW_DELIVERY_MAX_RETRIES",
		"MAILFLOW_DELIVERY_RATE_WINDOW",
		"MAILFLOW_RELAY_HOST",
		"MAILFLOW_RELAY_TLS_MODE",
		"MAILFLOW_DKIM_ENABLED",
		"MAILFLOW_ADMIN_API_KEY",
		"MAILFLOW_ARCHIVE_ENABLED",
		"MAILFLOW_ARCHIVE_BACKEND",
		"MAILFLOW_ARCHIVE_BUCKET",
		"MAILFLOW_ARCHIVE_DIR",
		"MAILFLOW_LOG_LEVEL",
		"MAILFLOW_LOG_DEVELOPMENT",
	}

	for _, key := range envKeys {
		originalEnvs[key] = os.Getenv(key)
	}

	// 测试后恢复环境变量
	defer func() {
		for key, value := range originalEnvs {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
	}()

	clearEnv := func() {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}
	}

	t.Run("加载默认配置成功", func(t *testing.T) {
		clearEnv()

		cfg, err := Load()

		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		// 验证默认值
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, ":25", cfg.SMTP.BindAddr)
		assert.Equal(t, "localhost", cfg.SMTP.Hostname)
		assert.Equal(t, int64(25*1024*1024), cfg.SMTP.MaxMessageSize)
		assert.Equal(t, 50, cfg.SMTP.MaxRecipients)
		assert.Equal(t, "direct", cfg.Delivery.Mode)
		assert.Equal(t, 3, cfg.Delivery.MaxRetries)
		assert.Equal(t, 10, cfg.Delivery.RateLimit)
		assert.Equal(t, 60*time.Second, cfg.Delivery.RateWindow)
		assert.Equal(t, 30*time.Second, cfg.Delivery.ConnectTimeout)
		assert.Equal(t, 587, cfg.Relay.Port)
		assert.Equal(t, "starttls", cfg.Relay.TLSMode)
		assert.Equal(t, 1000, cfg.Relay.QueueCapacity)
		assert.True(t, cfg.DKIM.Enabled)
		assert.Equal(t, "", cfg.Database.Type)
		assert.Equal(t, "", cfg.Redis.Address)
		assert.False(t, cfg.Archive.Enabled)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.False(t, cfg.Log.Development)
	})

	t.Run("出站主机名缺省时沿用入站主机名", func(t *testing.T) {
		clearEnv()
		os.Setenv("MAILFLOW_SMTP_HOSTNAME", "mx.example.com")

		cfg, err := Load()

		assert.NoError(t, err)
		assert.Equal(t, "mx.example.com", cfg.Delivery.Hostname)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		clearEnv()
		os.Setenv("MAILFLOW_SERVER_HOST", "127.0.0.1")
		os.Setenv("MAILFLOW_SERVER_PORT", "9090")
		os.Setenv("MAILFLOW_SMTP_BIND_ADDR", ":2525")
		os.Setenv("MAILFLOW_SMTP_HOSTNAME", "mx.example.com")
		os.Setenv("MAILFLOW_DELIVERY_MODE", "hybrid")
		os.Setenv("MAILFLOW_DELIVERY_HOSTNAME", "out.example.com")
		os.Setenv("MAILFLOW_DELIVERY_MAX_RETRIES", "5")
		os.Setenv("MAILFLOW_DELIVERY_RATE_WINDOW", "30s")
		os.Setenv("MAILFLOW_RELAY_HOST", "smtp.upstream.net")
		os.Setenv("MAILFLOW_LOG_LEVEL", "debug")
		os.Setenv("MAILFLOW_LOG_DEVELOPMENT", "true")

		cfg, err := Load()

		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		// 验证自定义值
		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, ":2525", cfg.SMTP.BindAddr)
		assert.Equal(t, "hybrid", cfg.Delivery.Mode)
		assert.Equal(t, "out.example.com", cfg.Delivery.Hostname)
		assert.Equal(t, 5, cfg.Delivery.MaxRetries)
		assert.Equal(t, 30*time.Second, cfg.Delivery.RateWindow)
		assert.Equal(t, "smtp.upstream.net", cfg.Relay.Host)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.True(t, cfg.Log.Development)
	})

	t.Run("无效的投递模式失败", func(t *testing.T) {
		clearEnv()
		os.Setenv("MAILFLOW_DELIVERY_MODE", "broadcast")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid delivery.mode")
	})

	t.Run("无效的TLS模式失败", func(t *testing.T) {
		clearEnv()
		os.Setenv("MAILFLOW_RELAY_TLS_MODE", "ssl3")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid relay.tls_mode")
	})

	t.Run("无效的限流窗口失败", func(t *testing.T) {
		clearEnv()
		os.Setenv("MAILFLOW_DELIVERY_RATE_WINDOW", "not-a-duration")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid delivery.rate_window")
	})

	t.Run("引导密钥太短失败", func(t *testing.T) {
		clearEnv()
		os.Setenv("MAILFLOW_ADMIN_API_KEY", "short-key") // 少于16字符

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "admin API key must be at least 16 characters long")
	})

	t.Run("S3归档缺少bucket失败", func(t *testing.T) {
		clearEnv()
		os.Setenv("MAILFLOW_ARCHIVE_ENABLED", "true")
		os.Setenv("MAILFLOW_ARCHIVE_BACKEND", "s3")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "archive.bucket is required")
	})

	t.Run("本地归档缺少目录失败", func(t *testing.T) {
		clearEnv()
		os.Setenv("MAILFLOW_ARCHIVE_ENABLED", "true")
		os.Setenv("MAILFLOW_ARCHIVE_BACKEND", "local")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "archive.dir is required")
	})
}

func TestRelayConfigHasCredentials(t *testing.T) {
	testCases := []struct {
		name     string
		cfg      RelayConfig
		expected bool
	}{
		{
			name:     "凭据完整",
			cfg:      RelayConfig{Host: "smtp.upstream.net", Username: "user", Password: "pass"},
			expected: true,
		},
		{
			name:     "缺少主机",
			cfg:      RelayConfig{Username: "user", Password: "pass"},
			expected: false,
		},
		{
			name:     "缺少用户名",
			cfg:      RelayConfig{Host: "smtp.upstream.net", Password: "pass"},
			expected: false,
		},
		{
			name:     "缺少密码",
			cfg:      RelayConfig{Host: "smtp.upstream.net", Username: "user"},
			expected: false,
		},
		{
			name:     "全部为空",
			cfg:      RelayConfig{},
			expected: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.cfg.HasCredentials())
		})
	}
}

func TestParseList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "单个项目",
			input:    "item1",
			expected: []string{"item1"},
		},
		{
			name:     "多个项目",
			input:    "item1,item2,item3",
			expected: []string{"item1", "item2", "item3"},
		},
		{
			name:     "带空格的项目",
			input:    " item1 , item2 , item3 ",
			expected: []string{"item1", "item2", "item3"},
		},
		{
			name:     "空字符串",
			input:    "",
			expected: []string{},
		},
		{
			name:     "只有逗号",
			input:    ",,,",
			expected: []string{},
		},
		{
			name:     "混合空值",
			input:    "item1,,item2,",
			expected: []string{"item1", "item2"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := parseList(tc.input)
			assert.Equal(t, tc.expected, result)
		})
	}
}
