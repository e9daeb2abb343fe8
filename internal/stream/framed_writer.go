package stream

import "io"

// FramedWriter 以与 ChunkedReader 相同的线路格式写出完整响应，
// 用于抓取过程中生成待持久化的缓存文件。
type FramedWriter struct {
	w           io.Writer
	code        int
	contentType string
	wroteHeader bool
	closed      bool
	hdr         [chunkHeaderRoom]byte
}

// NewFramedWriter 创建 FramedWriter；头部在第一次写入或 Close 时输出。
func NewFramedWriter(w io.Writer, code int, contentType string) *FramedWriter {
	return &FramedWriter{w: w, code: code, contentType: contentType}
}

func (fw *FramedWriter) writeHeader() error {
	if fw.wroteHeader {
		return nil
	}
	fw.wroteHeader = true
	_, err := fw.w.Write(ResponseHeader(fw.code, fw.contentType))
	return err
}

// Write 将 p 作为一个分块写出，空切片不产生分块。
func (fw *FramedWriter) Write(p []byte) (int, error) {
	if fw.closed {
		return 0, ErrClosed
	}
	if err := fw.writeHeader(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fw.w.Write(appendChunkHeader(fw.hdr[:0], len(p))); err != nil {
		return 0, err
	}
	n, err := fw.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := io.WriteString(fw.w, "\r\n"); err != nil {
		return n, err
	}
	return n, nil
}

// Close 写出终止分块；不会关闭底层 Writer。
func (fw *FramedWriter) Close() error {
	if fw.closed {
		return ErrClosed
	}
	if err := fw.writeHeader(); err != nil {
		return err
	}
	fw.closed = true
	_, err := fw.w.Write(terminator)
	return err
}
