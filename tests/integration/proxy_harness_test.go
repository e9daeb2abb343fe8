package integration

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/any-hub/wsproxy/internal/cache"
	"github.com/any-hub/wsproxy/internal/config"
	"github.com/any-hub/wsproxy/internal/fetch"
	"github.com/any-hub/wsproxy/internal/logging"
	"github.com/any-hub/wsproxy/internal/proxy"
	"github.com/any-hub/wsproxy/internal/server"
)

// proxyHarness 在临时目录上装配完整的 抓取池 → 缓存 → reactor 链路。
type proxyHarness struct {
	Addr  string
	Root  string
	Store *cache.Store
	Pool  *fetch.Pool

	cancel context.CancelFunc
	done   chan error
}

func newProxyHarness(t *testing.T, upstream string) *proxyHarness {
	t.Helper()
	return newProxyHarnessAt(t, upstream, t.TempDir())
}

func newProxyHarnessAt(t *testing.T, upstream, root string) *proxyHarness {
	t.Helper()

	base, err := url.Parse(upstream)
	if err != nil {
		t.Fatalf("parse upstream: %v", err)
	}
	client, err := server.NewUpstreamClient(config.BackendConfig{
		ConnectTimeout: config.Duration(2 * time.Second),
		ReadTimeout:    config.Duration(5 * time.Second),
	})
	if err != nil {
		t.Fatalf("upstream client: %v", err)
	}

	logger := logging.Discard()
	pool, err := fetch.NewPool(client, logger, fetch.Options{
		BaseURL:       base,
		Workers:       2,
		QueueSize:     16,
		ReadChunkSize: 4 * 1024,
		ReadTimeout:   5 * time.Second,
		TempDir:       cache.IncomingDir(root),
	})
	if err != nil {
		t.Fatalf("pool init: %v", err)
	}
	store, err := cache.NewStore(cache.Options{Root: root, ChunkSize: 4 * 1024, FrameSize: 2 * 1024}, pool, logger)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	reactor, err := proxy.NewReactor(store, logger, proxy.Options{
		IOBufferSize:  8 * 1024,
		HeaderTimeout: 2 * time.Second,
		WriteTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("reactor init: %v", err)
	}
	ln, err := server.Listen(config.FrontendConfig{ListenAddr: "127.0.0.1", Backlog: 64})
	if err != nil {
		t.Skipf("unable to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &proxyHarness{
		Addr:   ln.Addr().String(),
		Root:   root,
		Store:  store,
		Pool:   pool,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() {
		h.done <- reactor.Serve(ctx, ln)
	}()
	t.Cleanup(h.Stop)
	return h
}

// Stop 停止 reactor 并关闭抓取池；可重复调用。
func (h *proxyHarness) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
	}
	h.Pool.Shutdown()
}

// Get 发送一条绝对 URI 的 GET 请求，并返回解码后的响应。
func (h *proxyHarness) Get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	return h.Raw(t, getRequest(path))
}

// Raw 发送原始请求字节，读取直到连接关闭。
func (h *proxyHarness) Raw(t *testing.T, request string) (int, []byte) {
	t.Helper()
	status, body, err := h.Do(request)
	if err != nil {
		t.Fatalf("proxy round trip: %v", err)
	}
	return status, body
}

// Do 是 Raw 的无 testing.T 版本，可在子 goroutine 中调用。
func (h *proxyHarness) Do(request string) (int, []byte, error) {
	conn, err := net.DialTimeout("tcp", h.Addr, 2*time.Second)
	if err != nil {
		return 0, nil, fmt.Errorf("dial proxy: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := io.WriteString(conn, request); err != nil {
		return 0, nil, fmt.Errorf("write request: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, body, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func getRequest(path string) string {
	return fmt.Sprintf("GET http://apps.example.com%s HTTP/1.1\r\nHost: apps.example.com\r\n\r\n", path)
}
