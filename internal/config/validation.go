package config

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}
	if err := c.Backend.validate(); err != nil {
		return err
	}
	if err := c.Frontend.validate(); err != nil {
		return err
	}

	if strings.TrimSpace(c.Cache.BasePath) == "" {
		return newFieldError("Cache.BasePath", "不能为空")
	}
	if c.Cache.ChunkSize <= 0 {
		return newFieldError("Cache.ChunkSize", "必须大于 0")
	}

	if addr := strings.TrimSpace(c.Admin.ListenAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return newFieldError("Admin.ListenAddr", "需要 host:port 格式")
		}
	}
	return nil
}

func (b BackendConfig) validate() error {
	if err := validateBaseURL(b.BaseURL); err != nil {
		return newFieldError("Backend.BaseURL", err.Error())
	}
	if b.ConnectTimeout.DurationValue() <= 0 {
		return newFieldError("Backend.ConnectTimeout", "必须大于 0")
	}
	if b.ReadTimeout.DurationValue() <= 0 {
		return newFieldError("Backend.ReadTimeout", "必须大于 0")
	}
	if b.MaxWorkers < 1 {
		return newFieldError("Backend.MaxWorkers", "至少为 1")
	}
	if b.QueueSize < 1 {
		return newFieldError("Backend.QueueSize", "至少为 1")
	}
	if _, err := b.ProxyURL(); err != nil {
		return newFieldError("Backend.HTTPProxy", err.Error())
	}
	if b.ReadChunkSize <= 0 {
		return newFieldError("Backend.ReadChunkSize", "必须大于 0")
	}
	if b.ShutdownTimeout.DurationValue() <= 0 {
		return newFieldError("Backend.ShutdownTimeout", "必须大于 0")
	}
	return nil
}

func (f FrontendConfig) validate() error {
	if f.ListenPort <= 0 || f.ListenPort > 65535 {
		return newFieldError("Frontend.ListenPort", "必须在 1-65535")
	}
	if f.Backlog < 1 {
		return newFieldError("Frontend.Backlog", "至少为 1")
	}
	if f.IOBufferSize <= 0 {
		return newFieldError("Frontend.IOBufferSize", "必须大于 0")
	}
	if f.ReceiveBufferSize < 0 {
		return newFieldError("Frontend.ReceiveBufferSize", "不能为负数")
	}
	if f.SendBufferSize < 0 {
		return newFieldError("Frontend.SendBufferSize", "不能为负数")
	}
	if f.MaxHeaderSize <= 0 {
		return newFieldError("Frontend.MaxHeaderSize", "必须大于 0")
	}
	if f.HeaderTimeout.DurationValue() <= 0 {
		return newFieldError("Frontend.HeaderTimeout", "必须大于 0")
	}
	if f.WriteTimeout.DurationValue() <= 0 {
		return newFieldError("Frontend.WriteTimeout", "必须大于 0")
	}
	return nil
}

func validateBaseURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return errors.New("无法解析 URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("仅支持 http/https")
	}
	if parsed.Host == "" {
		return errors.New("缺少主机名")
	}
	return nil
}
