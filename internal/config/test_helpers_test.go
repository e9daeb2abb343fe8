package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{LogLevel: "info"},
		Backend: BackendConfig{
			BaseURL:         "https://apps.example.com",
			ConnectTimeout:  Duration(10 * time.Second),
			ReadTimeout:     Duration(10 * time.Second),
			MaxWorkers:      4,
			QueueSize:       1000,
			HTTPProxy:       "NONE",
			ReadChunkSize:   64 * 1024,
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Frontend: FrontendConfig{
			ListenPort:    9601,
			Backlog:       200,
			IOBufferSize:  64 * 1024,
			MaxHeaderSize: 64 * 1024,
			HeaderTimeout: Duration(30 * time.Second),
			WriteTimeout:  Duration(time.Minute),
		},
		Cache: CacheConfig{BasePath: "/tmp/cache", ChunkSize: 64 * 1024},
	}
}
