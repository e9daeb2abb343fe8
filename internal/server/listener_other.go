//go:build !linux

package server

import (
	"net"

	"github.com/any-hub/wsproxy/internal/config"
)

// Listen 创建前端监听 socket；非 Linux 平台使用系统默认 backlog，
// 缓冲区大小由 reactor 在接受连接后逐个设置。
func Listen(cfg config.FrontendConfig) (net.Listener, error) {
	return net.Listen("tcp", cfg.Address())
}
