package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/wsproxy/internal/logging"
	"github.com/any-hub/wsproxy/internal/stream"
)

// ErrPoolClosed 表示 Pool 已关闭，不再接受任务。
var ErrPoolClosed = errors.New("fetch: pool closed")

// errIdleTimeout is reported when the upstream body stalls longer than ReadTimeout.
var errIdleTimeout = errors.New("fetch: upstream read idle timeout")

// Options 控制 worker 数量、队列容量与超时。
type Options struct {
	BaseURL         *url.URL
	Workers         int
	QueueSize       int
	ReadChunkSize   int
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	TempDir         string
}

// Pool 是固定大小的抓取 worker 池，任务经有界队列分发。
type Pool struct {
	client  *http.Client
	logger  *logrus.Logger
	opts    Options
	base    string
	workers int

	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu           sync.RWMutex
	closed       bool
	shutdownOnce sync.Once
}

// NewPool 创建并立即启动 worker；worker 数取配置上限与 CPU 数的较小值。
func NewPool(client *http.Client, logger *logrus.Logger, opts Options) (*Pool, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.BaseURL == nil {
		return nil, errors.New("upstream base url is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.ReadChunkSize <= 0 {
		opts.ReadChunkSize = 64 * 1024
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.TempDir != "" {
		if err := os.MkdirAll(opts.TempDir, 0o755); err != nil {
			return nil, fmt.Errorf("create temp dir: %w", err)
		}
	}

	workers := opts.Workers
	if cpus := runtime.NumCPU(); cpus < workers {
		workers = cpus
	}

	base := *opts.BaseURL
	base.RawQuery = ""
	base.Fragment = ""

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	p := &Pool{
		client:  client,
		logger:  logger,
		opts:    opts,
		base:    strings.TrimSuffix(base.String(), "/"),
		workers: workers,
		tasks:   make(chan Task, opts.QueueSize),
		ctx:     groupCtx,
		cancel:  cancel,
		group:   group,
	}
	for i := 0; i < workers; i++ {
		group.Go(p.worker(i))
	}

	logger.WithFields(logrus.Fields{
		"action":   "fetch_pool",
		"workers":  workers,
		"queue":    opts.QueueSize,
		"upstream": p.base,
	}).Info("fetch_pool_started")
	return p, nil
}

// Workers 返回实际启动的 worker 数量。
func (p *Pool) Workers() int {
	return p.workers
}

// Submit 将任务放入队列；队列满时阻塞，直到有空位、ctx 结束或 Pool 关闭。
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task.Buffer == nil {
		return errors.New("fetch: task without buffer")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		queueDepth.Set(float64(len(p.tasks)))
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown interrupts the workers, waits up to ShutdownTimeout for them to
// exit and fails every task still queued. A timeout is logged, not returned.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.cancel()

		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			_ = p.group.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(p.opts.ShutdownTimeout):
			p.logger.WithFields(logrus.Fields{
				"action":  "fetch_pool",
				"timeout": p.opts.ShutdownTimeout.String(),
			}).Warn("fetch_shutdown_timeout")
		}

		p.abandonQueued()
	})
}

func (p *Pool) abandonQueued() {
	for {
		select {
		case task := <-p.tasks:
			task.Buffer.SetError(ErrPoolClosed)
			task.failed(ErrPoolClosed)
			fetchTotal.WithLabelValues("abandoned").Inc()
			p.logger.WithFields(logging.FetchFields(task.Key, -1)).Warn("fetch_abandoned")
		default:
			queueDepth.Set(0)
			return
		}
	}
}

func (p *Pool) worker(idx int) func() error {
	return func() error {
		for {
			select {
			case <-p.ctx.Done():
				return nil
			case task := <-p.tasks:
				queueDepth.Set(float64(len(p.tasks)))
				workersBusy.Inc()
				p.run(idx, task)
				workersBusy.Dec()
			}
		}
	}
}

// UpstreamURL 将资源 key（路径与查询串）拼接到上游基础地址之后。
func (p *Pool) UpstreamURL(key string) string {
	if !strings.HasPrefix(key, "/") {
		key = "/" + key
	}
	return p.base + key
}

func (p *Pool) run(idx int, task Task) {
	start := time.Now()
	fields := logging.FetchFields(task.Key, idx)
	target := p.UpstreamURL(task.Key)
	fields["upstream"] = target

	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		p.fail(task, fields, start, err)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.fail(task, fields, start, err)
		return
	}
	defer resp.Body.Close()

	fields["status"] = resp.StatusCode
	task.Buffer.SetStatus(resp.StatusCode, resp.Header.Get("Content-Type"))
	if !stream.IsSuccess(resp.StatusCode) {
		fetchTotal.WithLabelValues("status").Inc()
		fields["elapsed_ms"] = time.Since(start).Milliseconds()
		p.logger.WithFields(fields).Warn("fetch_upstream_status")
		task.failed(&stream.UpstreamStatusError{Key: task.Key, Code: resp.StatusCode})
		return
	}

	tempFile, written, err := p.download(cancel, task, resp)
	fetchBytes.Add(float64(written))
	fields["bytes"] = written
	if err != nil {
		p.fail(task, fields, start, err)
		return
	}

	fetchTotal.WithLabelValues("ok").Inc()
	fetchDuration.Observe(time.Since(start).Seconds())
	fields["elapsed_ms"] = time.Since(start).Milliseconds()
	p.logger.WithFields(fields).Info("fetch_complete")
	task.completed(tempFile)
}

// download streams resp.Body into the task buffer and a framed temp file.
// The temp file is removed on failure.
func (p *Pool) download(cancel context.CancelFunc, task Task, resp *http.Response) (string, int64, error) {
	f, err := os.CreateTemp(p.opts.TempDir, "wsproxy-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := f.Name()
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tempPath)
	}

	w := bufio.NewWriterSize(f, p.opts.ReadChunkSize)
	framed := stream.NewFramedWriter(w, resp.StatusCode, resp.Header.Get("Content-Type"))

	var stalled atomic.Bool
	idle := time.AfterFunc(p.opts.ReadTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer idle.Stop()

	chunk := make([]byte, p.opts.ReadChunkSize)
	var written int64
	for {
		idle.Reset(p.opts.ReadTimeout)
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			if err := task.Buffer.Append(chunk[:n]); err != nil {
				cleanup()
				return "", written, err
			}
			if _, err := framed.Write(chunk[:n]); err != nil {
				cleanup()
				return "", written, fmt.Errorf("write temp file: %w", err)
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			cleanup()
			if stalled.Load() {
				return "", written, errIdleTimeout
			}
			return "", written, readErr
		}
	}
	idle.Stop()

	if err := framed.Close(); err != nil {
		cleanup()
		return "", written, fmt.Errorf("write temp file: %w", err)
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return "", written, fmt.Errorf("flush temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return "", written, fmt.Errorf("close temp file: %w", err)
	}
	if err := task.Buffer.Close(); err != nil {
		_ = os.Remove(tempPath)
		return "", written, err
	}
	return tempPath, written, nil
}

func (p *Pool) fail(task Task, fields logrus.Fields, start time.Time, err error) {
	task.Buffer.SetError(err)
	fetchTotal.WithLabelValues("error").Inc()
	fields["elapsed_ms"] = time.Since(start).Milliseconds()
	fields["error"] = err.Error()
	p.logger.WithFields(fields).Error("fetch_failed")
	task.failed(task.Buffer.Err())
}
