package stream

import (
	"io"
	"os"
)

// Source 是连接写出阶段消费的非阻塞读取端。
// Read 返回 (0, nil) 表示暂时没有数据；调用方应先取 Wait() 再 Read，
// 读到 0 时等待该 channel 关闭后重试。
type Source interface {
	io.ReadCloser
	Wait() <-chan struct{}
}

type chunkPhase int

const (
	phaseHeader chunkPhase = iota
	phaseBody
	phaseDone
)

// ChunkedReader 将 Buffer 的增长内容编码为 HTTP 分块传输字节流。
// 调用方可以以任意小的切片读取，帧状态在多次调用之间保留。
type ChunkedReader struct {
	buf     *Buffer
	off     int64
	phase   chunkPhase
	frame   []byte
	pending []byte
}

// NewChunkedReader 基于 buf 创建读取器；frameSize 决定单个分块的最大数据长度。
func NewChunkedReader(buf *Buffer, frameSize int) *ChunkedReader {
	if frameSize <= 0 {
		frameSize = 8 * 1024
	}
	return &ChunkedReader{
		buf:   buf,
		frame: make([]byte, chunkHeaderRoom+frameSize+2),
	}
}

// Read implements the non-blocking contract described on Source.
func (r *ChunkedReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(r.pending) == 0 {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *ChunkedReader) fill() error {
	switch r.phase {
	case phaseHeader:
		if err := r.buf.Err(); err != nil {
			return err
		}
		if !r.buf.Ready() {
			return nil
		}
		code, contentType := r.buf.Status()
		if !IsSuccess(code) {
			return &UpstreamStatusError{Key: r.buf.Key(), Code: code}
		}
		r.pending = ResponseHeader(code, contentType)
		r.phase = phaseBody
		return nil

	case phaseBody:
		data := r.frame[chunkHeaderRoom : len(r.frame)-2]
		n, err := r.buf.CopyAt(data, r.off)
		if err == io.EOF {
			r.pending = terminator
			r.phase = phaseDone
			return nil
		}
		if err != nil || n == 0 {
			return err
		}
		r.off += int64(n)

		var hdr [chunkHeaderRoom]byte
		h := appendChunkHeader(hdr[:0], n)
		start := chunkHeaderRoom - len(h)
		copy(r.frame[start:], h)
		end := chunkHeaderRoom + n
		r.frame[end] = '\r'
		r.frame[end+1] = '\n'
		r.pending = r.frame[start : end+2]
		return nil

	default:
		return io.EOF
	}
}

// Wait 返回 Buffer 的下一次变化通知。
func (r *ChunkedReader) Wait() <-chan struct{} {
	return r.buf.Changed()
}

// Close 释放读取器，不影响共享的 Buffer。
func (r *ChunkedReader) Close() error {
	r.phase = phaseDone
	r.pending = nil
	return nil
}

var closedWait = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// FileReader 原样回放磁盘上已经完整编帧的缓存响应。
type FileReader struct {
	f *os.File
}

// OpenFile 打开缓存文件作为 Source。
func OpenFile(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileReader{f: f}, nil
}

func (r *FileReader) Read(p []byte) (int, error) {
	return r.f.Read(p)
}

// Wait always reports readiness; a file read never needs to be retried.
func (r *FileReader) Wait() <-chan struct{} {
	return closedWait
}

func (r *FileReader) Close() error {
	return r.f.Close()
}
