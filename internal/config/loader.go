package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/tailscale/hujson"
)

// Load 读取并解析配置文件（TOML，或带注释的 JSON），同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfig(v, path); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), sizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absBase, err := filepath.Abs(cfg.Cache.BasePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Cache.BasePath = absBase

	return &cfg, nil
}

// readConfig 按扩展名选择解析方式；JSON 系列先经 hujson 去除注释与尾逗号。
func readConfig(v *viper.Viper, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc", ".hujson":
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		standard, err := hujson.Standardize(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		v.SetConfigType("json")
		return v.ReadConfig(bytes.NewReader(standard))
	default:
		v.SetConfigFile(path)
		return v.ReadInConfig()
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)

	v.SetDefault("Backend.ConnectTimeout", "10s")
	v.SetDefault("Backend.ReadTimeout", "10s")
	v.SetDefault("Backend.MaxWorkers", 4)
	v.SetDefault("Backend.QueueSize", 1000)
	v.SetDefault("Backend.HTTPProxy", "NONE")
	v.SetDefault("Backend.ReadChunkSize", "64KB")
	v.SetDefault("Backend.ShutdownTimeout", "30s")

	v.SetDefault("Frontend.ListenAddr", "")
	v.SetDefault("Frontend.ListenPort", 9601)
	v.SetDefault("Frontend.Backlog", 200)
	v.SetDefault("Frontend.IOBufferSize", "64KB")
	v.SetDefault("Frontend.ReceiveBufferSize", "64KB")
	v.SetDefault("Frontend.SendBufferSize", "64KB")
	v.SetDefault("Frontend.MaxHeaderSize", "64KB")
	v.SetDefault("Frontend.HeaderTimeout", "30s")
	v.SetDefault("Frontend.WriteTimeout", "60s")

	v.SetDefault("Cache.BasePath", "./cache")
	v.SetDefault("Cache.ChunkSize", "64KB")
}

func applyDefaults(cfg *Config) {
	if cfg.Global.LogLevel == "" {
		cfg.Global.LogLevel = "info"
	}

	b := &cfg.Backend
	b.BaseURL = strings.TrimSpace(b.BaseURL)
	if b.ConnectTimeout.DurationValue() == 0 {
		b.ConnectTimeout = Duration(10 * time.Second)
	}
	if b.ReadTimeout.DurationValue() == 0 {
		b.ReadTimeout = Duration(10 * time.Second)
	}
	if b.ShutdownTimeout.DurationValue() == 0 {
		b.ShutdownTimeout = Duration(30 * time.Second)
	}
	if b.ReadChunkSize == 0 {
		b.ReadChunkSize = 64 * 1024
	}

	f := &cfg.Frontend
	if f.IOBufferSize == 0 {
		f.IOBufferSize = 64 * 1024
	}
	if f.MaxHeaderSize == 0 {
		f.MaxHeaderSize = 64 * 1024
	}
	if f.HeaderTimeout.DurationValue() == 0 {
		f.HeaderTimeout = Duration(30 * time.Second)
	}
	if f.WriteTimeout.DurationValue() == 0 {
		f.WriteTimeout = Duration(60 * time.Second)
	}

	if cfg.Cache.ChunkSize == 0 {
		cfg.Cache.ChunkSize = 64 * 1024
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func sizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Size(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := parseSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析 Size 字段: %w", err)
			}
			return parsed, nil
		case int:
			return Size(v), nil
		case int64:
			return Size(v), nil
		case float64:
			return Size(int64(v)), nil
		case Size:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Size 类型: %T", v)
		}
	}
}
