package integration

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

type upstreamMode int

const (
	upstreamServe upstreamMode = iota
	upstreamDrop
)

// upstreamStub 模拟应用归档源站：按路径返回固定内容，可切换为断开连接模式，
// 也可通过 gate 暂停响应体以观察并发请求的合流。
type upstreamStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	requests []RecordedRequest
	files    map[string][]byte
	mode     upstreamMode
	gate     chan struct{}
}

// RecordedRequest 捕获每次请求的方法与路径，便于断言回源次数。
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
}

func newUpstreamStub(t *testing.T) *upstreamStub {
	t.Helper()

	stub := &upstreamStub{files: make(map[string][]byte)}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start upstream stub listener: %v", err)
	}
	server := &http.Server{Handler: http.HandlerFunc(stub.handle)}

	stub.server = server
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = server.Serve(listener)
	}()

	t.Cleanup(func() {
		stub.Close()
	})
	return stub
}

func (s *upstreamStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery})
	body, ok := s.files[r.URL.Path]
	mode := s.mode
	gate := s.gate
	s.mu.Unlock()

	if mode == upstreamDrop {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		panic(http.ErrAbortHandler)
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/java-archive")
	half := len(body) / 2
	_, _ = w.Write(body[:half])
	if gate != nil {
		w.(http.Flusher).Flush()
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	_, _ = w.Write(body[half:])
}

// Put 注册一个可下载的文件。
func (s *upstreamStub) Put(path string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = body
}

// SetMode 切换源站行为。
func (s *upstreamStub) SetMode(mode upstreamMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// Hold 让后续响应在发送一半内容后阻塞，直到返回的函数被调用。
func (s *upstreamStub) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Requests 返回已记录的请求副本。
func (s *upstreamStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// Close 停止 stub 服务器。
func (s *upstreamStub) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	_ = s.listener.Close()
}
