package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/any-hub/wsproxy/internal/fetch"
	"github.com/any-hub/wsproxy/internal/logging"
	"github.com/any-hub/wsproxy/internal/stream"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	tasks []fetch.Task
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, task fetch.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeSubmitter) submitted() []fetch.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetch.Task(nil), f.tasks...)
}

func newTestStore(t *testing.T, root string, sub Submitter) *Store {
	t.Helper()
	store, err := NewStore(Options{Root: root, ChunkSize: 16, FrameSize: 32}, sub, logging.Discard())
	if err != nil {
		t.Fatalf("NewStore 失败: %v", err)
	}
	return store
}

// completeTask plays the worker role: it fills the buffer, writes the framed
// temp file and reports completion.
func completeTask(t *testing.T, store *Store, task fetch.Task, body []byte) []byte {
	t.Helper()
	var framed bytes.Buffer
	fw := stream.NewFramedWriter(&framed, 200, "application/java-archive")

	task.Buffer.SetStatus(200, "application/java-archive")
	if err := task.Buffer.Append(body); err != nil {
		t.Fatalf("append 失败: %v", err)
	}
	if _, err := fw.Write(body); err != nil {
		t.Fatalf("写入帧失败: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("写入终止块失败: %v", err)
	}
	if err := task.Buffer.Close(); err != nil {
		t.Fatalf("close 失败: %v", err)
	}

	tmp, err := os.CreateTemp(IncomingDir(store.Root()), "wsproxy-*.tmp")
	if err != nil {
		t.Fatalf("创建临时文件失败: %v", err)
	}
	if _, err := tmp.Write(framed.Bytes()); err != nil {
		t.Fatalf("写入临时文件失败: %v", err)
	}
	tmp.Close()

	task.Listener.FetchCompleted(task, tmp.Name())
	return framed.Bytes()
}

func drainSource(t *testing.T, src stream.Source) []byte {
	t.Helper()
	defer src.Close()
	var out bytes.Buffer
	p := make([]byte, 5)
	for {
		wait := src.Wait()
		n, err := src.Read(p)
		out.Write(p[:n])
		if err == io.EOF {
			return out.Bytes()
		}
		if err != nil {
			t.Fatalf("读取失败: %v", err)
		}
		if n == 0 {
			select {
			case <-wait:
			case <-time.After(5 * time.Second):
				t.Fatalf("等待数据超时")
			}
		}
	}
}

func TestConcurrentResolveSubmitsOnce(t *testing.T) {
	sub := &fakeSubmitter{}
	store := newTestStore(t, t.TempDir(), sub)

	const callers = 32
	sources := make([]stream.Source, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			src, err := store.Resolve(context.Background(), "/app.jar")
			if err != nil {
				t.Errorf("Resolve 失败: %v", err)
				return
			}
			sources[idx] = src
		}(i)
	}
	wg.Wait()

	tasks := sub.submitted()
	if len(tasks) != 1 {
		t.Fatalf("并发解析应只提交一次抓取，实际 %d", len(tasks))
	}

	body := bytes.Repeat([]byte("jar-bytes|"), 20)
	outputs := make([][]byte, callers)
	for i, src := range sources {
		wg.Add(1)
		go func(idx int, src stream.Source) {
			defer wg.Done()
			outputs[idx] = drainSource(t, src)
		}(i, src)
	}
	framed := completeTask(t, store, tasks[0], body)
	wg.Wait()

	for i := 1; i < callers; i++ {
		if !bytes.Equal(outputs[0], outputs[i]) {
			t.Fatalf("reader %d 的输出与 reader 0 不一致", i)
		}
	}

	hit, err := store.Resolve(context.Background(), "/app.jar")
	if err != nil {
		t.Fatalf("命中缓存失败: %v", err)
	}
	if _, ok := hit.(*stream.FileReader); !ok {
		t.Fatalf("完成后应返回文件读取器，实际 %T", hit)
	}
	if got := drainSource(t, hit); !bytes.Equal(got, framed) {
		t.Fatalf("缓存回放应与临时文件逐字节一致")
	}
	if len(sub.submitted()) != 1 {
		t.Fatalf("命中缓存不应再次提交抓取")
	}

	target, _ := store.entryPath("/app.jar")
	if filepath.Base(target) != "app.jar.cache" {
		t.Fatalf("缓存文件名错误: %s", target)
	}
}

func TestFetchFailedEvictsPendingEntry(t *testing.T) {
	sub := &fakeSubmitter{}
	store := newTestStore(t, t.TempDir(), sub)

	src, err := store.Resolve(context.Background(), "/broken.jar")
	if err != nil {
		t.Fatalf("Resolve 失败: %v", err)
	}
	task := sub.submitted()[0]
	task.Buffer.SetError(errors.New("connection refused"))
	store.FetchFailed(task, task.Buffer.Err())

	_, err = src.Read(make([]byte, 8))
	var backendErr *stream.BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("读者应观察到 BackendError，实际: %v", err)
	}

	if _, err := store.Resolve(context.Background(), "/broken.jar"); err != nil {
		t.Fatalf("失败后再次 Resolve 不应报错: %v", err)
	}
	if n := len(sub.submitted()); n != 2 {
		t.Fatalf("失败的条目应被移除并重新抓取，提交次数 %d", n)
	}
}

func TestFetchFailedIgnoresForeignBuffer(t *testing.T) {
	sub := &fakeSubmitter{}
	store := newTestStore(t, t.TempDir(), sub)
	if _, err := store.Resolve(context.Background(), "/a.jar"); err != nil {
		t.Fatalf("Resolve 失败: %v", err)
	}

	stale := fetch.Task{Key: "/a.jar", Buffer: stream.NewBuffer("/a.jar", 0)}
	store.FetchFailed(stale, errors.New("old attempt"))

	if entries := store.Entries(); len(entries) != 1 || entries[0].State != "pending" {
		t.Fatalf("不属于当前条目的失败通知不应移除条目: %+v", entries)
	}
}

func TestResolveSubmitErrorRemovesEntry(t *testing.T) {
	sub := &fakeSubmitter{err: fetch.ErrPoolClosed}
	store := newTestStore(t, t.TempDir(), sub)

	_, err := store.Resolve(context.Background(), "/app.jar")
	if !errors.Is(err, fetch.ErrPoolClosed) {
		t.Fatalf("应返回提交错误，实际: %v", err)
	}
	if entries := store.Entries(); len(entries) != 0 {
		t.Fatalf("提交失败后不应残留条目: %+v", entries)
	}
}

func TestResolveRejectsRelativeKey(t *testing.T) {
	store := newTestStore(t, t.TempDir(), &fakeSubmitter{})
	if _, err := store.Resolve(context.Background(), "app.jar"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("非绝对路径 key 应被拒绝: %v", err)
	}
}

func TestStartupScanLoadsExistingFiles(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"app.jar.cache":             "/app.jar",
		"lib/core.jar.cache":        "/lib/core.jar",
		"lib/a%20b.jar%3Fv=2.cache": "/lib/a b.jar?v=2",
		"%2F.cache":                 "/",
		"notes.txt":                 "",
		".incoming/wsproxy-1.tmp":   "",
		".hidden/skipped.jar.cache": "",
	}
	for rel, key := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("创建目录失败: %v", err)
		}
		if err := os.WriteFile(full, []byte("payload for "+key), 0o644); err != nil {
			t.Fatalf("写入文件失败: %v", err)
		}
	}

	sub := &fakeSubmitter{}
	store := newTestStore(t, root, sub)

	var keys []string
	for _, e := range store.Entries() {
		if e.State != "cached" {
			t.Fatalf("扫描结果应为 cached: %+v", e)
		}
		keys = append(keys, e.Key)
	}
	want := []string{"/", "/app.jar", "/lib/a b.jar?v=2", "/lib/core.jar"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("扫描出的 key 不符 (-want +got):\n%s", diff)
	}

	src, err := store.Resolve(context.Background(), "/lib/core.jar")
	if err != nil {
		t.Fatalf("Resolve 失败: %v", err)
	}
	if got := string(drainSource(t, src)); got != "payload for /lib/core.jar" {
		t.Fatalf("缓存内容错误: %q", got)
	}
	if len(sub.submitted()) != 0 {
		t.Fatalf("命中磁盘缓存不应访问上游")
	}

	if _, err := os.Stat(filepath.Join(root, ".incoming", "wsproxy-1.tmp")); !os.IsNotExist(err) {
		t.Fatalf("遗留的临时文件应在启动时清理")
	}
}

func TestResolveRefetchesWhenCachedFileVanished(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.jar.cache")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("写入文件失败: %v", err)
	}
	sub := &fakeSubmitter{}
	store := newTestStore(t, root, sub)
	if err := os.Remove(path); err != nil {
		t.Fatalf("删除文件失败: %v", err)
	}

	src, err := store.Resolve(context.Background(), "/gone.jar")
	if err != nil {
		t.Fatalf("Resolve 失败: %v", err)
	}
	if _, ok := src.(*stream.ChunkedReader); !ok {
		t.Fatalf("文件缺失时应重新抓取，实际 %T", src)
	}
	if len(sub.submitted()) != 1 {
		t.Fatalf("应提交一次抓取")
	}
}

func TestKeyPathMappingRoundTrip(t *testing.T) {
	testCases := []struct {
		key string
		rel string
	}{
		{"/app.jar", "app.jar.cache"},
		{"/", "%2F.cache"},
		{"/?x=1", "%3Fx=1.cache"},
		{"/lib/app.jar?v=1&os=linux", "lib/app.jar%3Fv=1&os=linux.cache"},
		{"/.hidden", "%2Ehidden.cache"},
		{"/dir.cache/file", "dir%2Ecache/file.cache"},
		{"/a%2fb", "a%252fb.cache"},
		{"/ünï code.jar", "%C3%BCn%C3%AF%20code.jar.cache"},
	}
	for _, tc := range testCases {
		rel, err := relPathForKey(tc.key)
		if err != nil {
			t.Fatalf("%q 映射失败: %v", tc.key, err)
		}
		if rel != tc.rel {
			t.Fatalf("%q 映射为 %q，期望 %q", tc.key, rel, tc.rel)
		}
		back, ok := keyForRelPath(rel)
		if !ok || back != tc.key {
			t.Fatalf("%q 反向映射得到 %q (%v)", rel, back, ok)
		}
	}

	for _, rel := range []string{"app.jar", "app.jar.CACHE", "a%zz.cache", "lib/x.cache.d"} {
		if key, ok := keyForRelPath(rel); ok {
			t.Fatalf("%q 不应被识别，得到 %q", rel, key)
		}
	}
}

func TestEntriesReportsPendingBytes(t *testing.T) {
	sub := &fakeSubmitter{}
	store := newTestStore(t, t.TempDir(), sub)
	if _, err := store.Resolve(context.Background(), "/big.jar"); err != nil {
		t.Fatalf("Resolve 失败: %v", err)
	}
	if err := sub.submitted()[0].Buffer.Append(make([]byte, 40)); err != nil {
		t.Fatalf("append 失败: %v", err)
	}

	want := []EntryInfo{{Key: "/big.jar", State: "pending", Bytes: 40}}
	if diff := cmp.Diff(want, store.Entries()); diff != "" {
		t.Fatalf("Entries 不符 (-want +got):\n%s", diff)
	}
}
