package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// DefaultChunkSize 是单个分片的默认容量。
	DefaultChunkSize = 64 * 1024
	// DefaultContentType 在上游未给出 Content-Type 时使用。
	DefaultContentType = "application/octet-stream"
)

// Buffer 是按固定大小分片的追加式字节存储：单写者、多读者。
// 当前写入中的分片在写满或 Close 之前对读者不可见。
type Buffer struct {
	key       string
	chunkSize int

	mu          sync.RWMutex
	chunks      [][]byte
	open        []byte
	size        int64
	closed      bool
	err         error
	status      int
	contentType string
	changed     chan struct{}
}

// NewBuffer 创建与资源 key 关联的空 Buffer；chunkSize<=0 时使用默认分片大小。
func NewBuffer(key string, chunkSize int) *Buffer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Buffer{
		key:       key,
		chunkSize: chunkSize,
		changed:   make(chan struct{}),
	}
}

// Key 返回 Buffer 所属的资源 key。
func (b *Buffer) Key() string {
	return b.key
}

// Append copies p into the open chunk, spilling into freshly allocated chunks
// when p does not fit. Only the owning writer may call it.
func (b *Buffer) Append(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	committed := false
	for len(p) > 0 {
		if b.open == nil {
			b.open = make([]byte, 0, b.chunkSize)
		}
		free := b.chunkSize - len(b.open)
		n := len(p)
		if n > free {
			n = free
		}
		b.open = append(b.open, p[:n]...)
		b.size += int64(n)
		p = p[n:]

		if len(b.open) == b.chunkSize {
			b.chunks = append(b.chunks, b.open)
			b.open = nil
			committed = true
		}
	}
	if committed {
		b.notifyLocked()
	}
	return nil
}

// Close 截断当前分片并固定总长度，之后的 Append/Close 返回 ErrClosed。
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if len(b.open) > 0 {
		b.chunks = append(b.chunks, b.open[:len(b.open):len(b.open)])
	}
	b.open = nil
	b.closed = true
	b.notifyLocked()
	return nil
}

// CopyAt copies readable bytes starting at off into p without blocking.
// It returns (0, nil) when nothing is readable at off yet, io.EOF once off is
// at or past the final length of a closed buffer, a *BackendError when the
// writer recorded a failure and an *UpstreamStatusError for non-2xx statuses.
func (b *Buffer) CopyAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("stream: negative offset %d", off)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.err != nil {
		return 0, b.err
	}
	if b.status != 0 && !IsSuccess(b.status) {
		return 0, &UpstreamStatusError{Key: b.key, Code: b.status}
	}

	idx := off / int64(b.chunkSize)
	if idx < int64(len(b.chunks)) {
		chunk := b.chunks[idx]
		chunkOff := off % int64(b.chunkSize)
		if chunkOff < int64(len(chunk)) {
			return copy(p, chunk[chunkOff:]), nil
		}
	}
	if b.closed {
		return 0, io.EOF
	}
	return 0, nil
}

// SetStatus 记录上游状态码与内容类型，之后 Ready 返回 true。
func (b *Buffer) SetStatus(code int, contentType string) {
	if contentType == "" {
		contentType = DefaultContentType
	}
	b.mu.Lock()
	b.status = code
	b.contentType = contentType
	b.notifyLocked()
	b.mu.Unlock()
}

// SetError 记录终止错误，只有第一次调用生效。
func (b *Buffer) SetError(err error) {
	if err == nil {
		return
	}
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		backendErr = &BackendError{Key: b.key, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return
	}
	b.err = backendErr
	b.notifyLocked()
}

// Ready 在状态码与内容类型均已知时返回 true。
func (b *Buffer) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status != 0 && b.contentType != ""
}

// Status 返回已记录的状态码与内容类型。
func (b *Buffer) Status() (int, string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status, b.contentType
}

// Err 返回已记录的终止错误。
func (b *Buffer) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

// Closed reports whether the writer finished the buffer.
func (b *Buffer) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Len returns the number of bytes appended so far, including the part of the
// open chunk that readers cannot see yet.
func (b *Buffer) Len() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Changed 返回在下一次状态变化（分片提交、关闭、状态或错误写入）时关闭的 channel。
// 读者应在读取之前获取它，避免错过通知。
func (b *Buffer) Changed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed
}

func (b *Buffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}
