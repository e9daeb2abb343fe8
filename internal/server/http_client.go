package server

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/any-hub/wsproxy/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
}

// NewUpstreamClient 返回抓取 worker 共享的 http.Client。
// ConnectTimeout 作用于建连，ReadTimeout 作用于等待响应头；
// 不设置整体超时，大文件下载由 worker 的逐次读取空闲超时约束。
func NewUpstreamClient(cfg config.BackendConfig) (*http.Client, error) {
	proxyURL, err := cfg.ProxyURL()
	if err != nil {
		return nil, fmt.Errorf("invalid upstream proxy: %w", err)
	}

	transport := defaultTransport.Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   cfg.ConnectTimeout.DurationValue(),
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = cfg.ReadTimeout.DurationValue()
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{Transport: transport}, nil
}
