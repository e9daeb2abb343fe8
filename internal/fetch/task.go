package fetch

import "github.com/any-hub/wsproxy/internal/stream"

// Listener 接收抓取结果；由 worker goroutine 调用。
type Listener interface {
	// FetchCompleted 在 Buffer 已关闭后调用，tempFile 为完整编帧的响应文件。
	FetchCompleted(task Task, tempFile string)
	// FetchFailed 在错误已记录到 Buffer（或状态码非 2xx）后调用。
	FetchFailed(task Task, err error)
}

// Task 描述一次上游下载，创建后不可修改，只会被一个 worker 消费。
type Task struct {
	Key      string
	Buffer   *stream.Buffer
	Listener Listener
}

func (t Task) completed(tempFile string) {
	if t.Listener != nil {
		t.Listener.FetchCompleted(t, tempFile)
	}
}

func (t Task) failed(err error) {
	if t.Listener != nil {
		t.Listener.FetchFailed(t, err)
	}
}
