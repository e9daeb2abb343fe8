package stream

import (
	"errors"
	"fmt"
)

// ErrClosed 表示对已关闭的 Buffer 再次写入或关闭。
var ErrClosed = errors.New("stream: buffer closed")

// BackendError 包装上游抓取过程中的任意 I/O 失败，所有读者都会看到同一个错误。
type BackendError struct {
	Key string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend fetch %s: %v", e.Key, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// UpstreamStatusError 记录上游返回的非成功状态码。
type UpstreamStatusError struct {
	Key  string
	Code int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream status %d for %s", e.Code, e.Key)
}

// IsSuccess 判断状态码是否属于 2xx。
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}
