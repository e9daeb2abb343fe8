package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// Size 以字节为单位保存容量配置，支持 "64KB"、"8mb" 或纯整数写法。
type Size int64

// UnmarshalText 解析人类可读的容量字符串（按 1024 进位）。
func (s *Size) UnmarshalText(text []byte) error {
	parsed, err := parseSize(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Int 返回 int 形式的字节数。
func (s Size) Int() int {
	return int(s)
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

func parseSize(value string) (Size, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, nil
	}
	if intVal, err := parseInt(raw); err == nil {
		return Size(intVal), nil
	}
	parsed, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %s", raw)
	}
	return Size(parsed), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级日志参数。
type GlobalConfig struct {
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
}

// BackendConfig 描述上游源站以及抓取 worker 池。
type BackendConfig struct {
	BaseURL         string   `mapstructure:"BaseURL"`
	ConnectTimeout  Duration `mapstructure:"ConnectTimeout"`
	ReadTimeout     Duration `mapstructure:"ReadTimeout"`
	MaxWorkers      int      `mapstructure:"MaxWorkers"`
	QueueSize       int      `mapstructure:"QueueSize"`
	HTTPProxy       string   `mapstructure:"HTTPProxy"`
	ReadChunkSize   Size     `mapstructure:"ReadChunkSize"`
	ShutdownTimeout Duration `mapstructure:"ShutdownTimeout"`
}

// FrontendConfig 描述客户端监听 socket 与连接级限制。
type FrontendConfig struct {
	ListenAddr        string   `mapstructure:"ListenAddr"`
	ListenPort        int      `mapstructure:"ListenPort"`
	Backlog           int      `mapstructure:"Backlog"`
	IOBufferSize      Size     `mapstructure:"IOBufferSize"`
	ReceiveBufferSize Size     `mapstructure:"ReceiveBufferSize"`
	SendBufferSize    Size     `mapstructure:"SendBufferSize"`
	MaxHeaderSize     Size     `mapstructure:"MaxHeaderSize"`
	HeaderTimeout     Duration `mapstructure:"HeaderTimeout"`
	WriteTimeout      Duration `mapstructure:"WriteTimeout"`
}

// CacheConfig 描述磁盘缓存目录与内存分片大小。
type CacheConfig struct {
	BasePath  string `mapstructure:"BasePath"`
	ChunkSize Size   `mapstructure:"ChunkSize"`
}

// AdminConfig 控制诊断端口；ListenAddr 为空时不启动。
type AdminConfig struct {
	ListenAddr string `mapstructure:"ListenAddr"`
}

// Config 是配置文件映射的整体结构。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Backend  BackendConfig  `mapstructure:"Backend"`
	Frontend FrontendConfig `mapstructure:"Frontend"`
	Cache    CacheConfig    `mapstructure:"Cache"`
	Admin    AdminConfig    `mapstructure:"Admin"`
}

// Address 返回 host:port 形式的监听地址。
func (f FrontendConfig) Address() string {
	return net.JoinHostPort(f.ListenAddr, strconv.Itoa(f.ListenPort))
}

// ProxyURL 解析出站代理；空值或 NONE 表示直连。
// 既接受 host:port，也接受完整 URL。
func (b BackendConfig) ProxyURL() (*url.URL, error) {
	raw := strings.TrimSpace(b.HTTPProxy)
	if raw == "" || strings.EqualFold(raw, "NONE") {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Hostname() == "" || parsed.Port() == "" {
		return nil, fmt.Errorf("需要 host:port 格式: %s", b.HTTPProxy)
	}
	return parsed, nil
}

// UpstreamURL 返回解析后的上游基础地址。
func (b BackendConfig) UpstreamURL() (*url.URL, error) {
	return url.Parse(strings.TrimSpace(b.BaseURL))
}
