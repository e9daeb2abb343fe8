package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/wsproxy/internal/logging"
	"github.com/any-hub/wsproxy/internal/stream"
)

// Resolver 将资源 key 解析为可读取的 Source，通常为 *cache.Store。
type Resolver interface {
	Resolve(ctx context.Context, key string) (stream.Source, error)
}

// Options 控制连接级缓冲区与超时。
type Options struct {
	IOBufferSize      int
	ReceiveBufferSize int
	SendBufferSize    int
	MaxHeaderSize     int
	HeaderTimeout     time.Duration
	WriteTimeout      time.Duration
}

// errIncompleteRequest marks a client that closed before sending a full header.
var errIncompleteRequest = errors.New("proxy: connection closed before request header")

// errWriteStalled marks a client that accepted no bytes within WriteTimeout.
var errWriteStalled = errors.New("proxy: client accepted no data before write deadline")

// Reactor accepts client connections and serves each one from its own
// goroutine: read the header block, resolve the key, then pump the source to
// the socket. A connection's failure never affects the accept loop or other
// connections.
type Reactor struct {
	resolver Resolver
	logger   *logrus.Logger
	opts     Options
	scratch  sync.Pool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewReactor 创建 Reactor；未设置的选项使用默认值。
func NewReactor(resolver Resolver, logger *logrus.Logger, opts Options) (*Reactor, error) {
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.IOBufferSize <= 0 {
		opts.IOBufferSize = 64 * 1024
	}
	if opts.MaxHeaderSize <= 0 {
		opts.MaxHeaderSize = 64 * 1024
	}
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = time.Minute
	}

	r := &Reactor{
		resolver: resolver,
		logger:   logger,
		opts:     opts,
		conns:    make(map[net.Conn]struct{}),
	}
	size := opts.IOBufferSize
	r.scratch.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return r, nil
}

// Serve 在 ln 上接受连接直到 ctx 结束；结束时关闭监听与所有在途连接并等待其退出。
func (r *Reactor) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		r.closeAll()
	})
	defer stop()

	r.logger.WithFields(logrus.Fields{
		"action": "frontend",
		"addr":   ln.Addr().String(),
	}).Info("frontend_listening")

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				r.wg.Wait()
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			r.logger.WithFields(logrus.Fields{
				"action":  "frontend",
				"error":   err.Error(),
				"backoff": backoff.String(),
			}).Warn("frontend_accept_failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !r.track(conn) {
			_ = conn.Close()
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.untrack(conn)
			r.serveConn(ctx, conn)
		}()
	}
}

func (r *Reactor) track(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns == nil {
		return false
	}
	r.conns[conn] = struct{}{}
	return true
}

func (r *Reactor) untrack(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, conn)
}

// closeAll closes in-flight connections; partially delivered responses are
// simply cut off.
func (r *Reactor) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.conns {
		_ = conn.Close()
	}
	r.conns = nil
}

func (r *Reactor) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	activeConnections.Inc()
	defer activeConnections.Dec()

	r.tune(conn)
	state := newConnState(uuid.NewString(), conn.RemoteAddr().String(), r.opts.MaxHeaderSize)

	bufPtr := r.scratch.Get().(*[]byte)
	defer r.scratch.Put(bufPtr)
	scratch := *bufPtr

	err := r.readRequest(conn, state, scratch)
	if err == nil {
		state.source, err = r.resolver.Resolve(ctx, state.key)
	}
	if err == nil {
		err = r.pump(ctx, conn, state, scratch)
		_ = state.source.Close()
	}
	r.finish(conn, state, err)
}

func (r *Reactor) tune(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if r.opts.ReceiveBufferSize > 0 {
		_ = tcp.SetReadBuffer(r.opts.ReceiveBufferSize)
	}
	if r.opts.SendBufferSize > 0 {
		_ = tcp.SetWriteBuffer(r.opts.SendBufferSize)
	}
}

// readRequest accumulates inbound bytes until the header terminator shows up,
// then parses the request line into state.
func (r *Reactor) readRequest(conn net.Conn, state *connState, scratch []byte) error {
	if err := conn.SetReadDeadline(time.Now().Add(r.opts.HeaderTimeout)); err != nil {
		return err
	}
	for {
		n, err := conn.Read(scratch)
		if n > 0 {
			state.appendInbound(scratch[:n])
			if state.headerComplete() {
				break
			}
			if state.headerTooLarge() {
				return &ProtocolError{Line: firstLine(state.inbound), Reason: "request header too large"}
			}
		}
		if err == io.EOF {
			return errIncompleteRequest
		}
		if err != nil {
			return err
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	req, err := ParseRequestLine(state.inbound)
	if err != nil {
		return err
	}
	state.request = &req
	if req.Method != "GET" {
		return ErrMethodNotAllowed
	}
	state.key, err = NormalizeTarget(req.Target)
	return err
}

// pump copies the source to conn. A read of zero bytes waits for the source
// to change; the unwritten tail of a write cut short by the deadline is kept
// and retried as long as the client keeps making progress.
func (r *Reactor) pump(ctx context.Context, conn net.Conn, state *connState, scratch []byte) error {
	for {
		if len(state.pending) > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout)); err != nil {
				return err
			}
			n, err := conn.Write(state.pending)
			state.pending = state.pending[n:]
			state.written += int64(n)
			responseBytes.Add(float64(n))
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) && n > 0 {
					continue
				}
				if errors.Is(err, os.ErrDeadlineExceeded) {
					return errWriteStalled
				}
				return err
			}
			continue
		}

		wait := state.source.Wait()
		n, err := state.source.Read(scratch)
		if n > 0 {
			state.pending = scratch[:n]
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finish reports the outcome and, when nothing was sent yet, answers the
// client with an error status before the connection is closed.
func (r *Reactor) finish(conn net.Conn, state *connState, err error) {
	fields := logging.ConnFields(state.id, state.remote)
	if state.request != nil {
		fields["method"] = state.request.Method
		fields["target"] = state.request.Target
	}
	if state.key != "" {
		fields["key"] = state.key
	}

	outcome := "ok"
	level := logrus.InfoLevel
	switch {
	case err == nil:
	case errors.Is(err, errIncompleteRequest):
		outcome = "incomplete"
		level = logrus.DebugLevel
	case errors.Is(err, errWriteStalled):
		outcome = "write_stalled"
		level = logrus.WarnLevel
	case errors.Is(err, net.ErrClosed):
		outcome = "closed"
	case state.responseStarted():
		outcome = "aborted"
		level = logrus.WarnLevel
	default:
		var protoErr *ProtocolError
		if state.request == nil && !errors.As(err, &protoErr) {
			outcome = "read_error"
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				outcome = "header_timeout"
			}
			level = logrus.WarnLevel
			break
		}
		code, label := classify(err)
		outcome = label
		level = logrus.WarnLevel
		fields["status"] = code
		_ = conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
		if n, werr := conn.Write(errorResponse(code)); werr == nil {
			state.written += int64(n)
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	fields["outcome"] = outcome
	fields["bytes"] = state.written
	fields["elapsed_ms"] = time.Since(state.started).Milliseconds()
	responsesTotal.WithLabelValues(outcome).Inc()
	r.logger.WithFields(fields).Log(level, "frontend_complete")
}

func firstLine(b []byte) string {
	const limit = 128
	for i, c := range b {
		if c == '\r' || c == '\n' || i == limit {
			return string(b[:i])
		}
	}
	return string(b)
}
