package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/wsproxy/internal/fetch"
	"github.com/any-hub/wsproxy/internal/logging"
	"github.com/any-hub/wsproxy/internal/stream"
)

// Submitter 是 Store 依赖的抓取入口，通常为 *fetch.Pool。
type Submitter interface {
	Submit(ctx context.Context, task fetch.Task) error
}

type entryKind int

const (
	kindPending entryKind = iota
	kindCached
)

func (k entryKind) String() string {
	if k == kindCached {
		return "cached"
	}
	return "pending"
}

// entry is immutable once stored; state changes replace the pointer.
type entry struct {
	kind   entryKind
	path   string
	size   int64
	buffer *stream.Buffer
}

// Options 控制缓存根目录与内存分片大小。
type Options struct {
	Root      string
	ChunkSize int
	FrameSize int
}

// Store 维护 key → entry 映射，保证同一 key 同时最多只有一个上游抓取。
type Store struct {
	root      string
	incoming  string
	chunkSize int
	frameSize int
	submitter Submitter
	logger    *logrus.Logger

	entries sync.Map
}

var _ fetch.Listener = (*Store)(nil)

// NewStore 以 opts.Root 为根目录构建缓存，清理遗留临时文件并扫描已有缓存文件。
func NewStore(opts Options, submitter Submitter, logger *logrus.Logger) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("cache root required")
	}
	if submitter == nil {
		return nil, errors.New("fetch submitter required")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	abs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	s := &Store{
		root:      abs,
		incoming:  IncomingDir(abs),
		chunkSize: opts.ChunkSize,
		frameSize: opts.FrameSize,
		submitter: submitter,
		logger:    logger,
	}
	if err := s.cleanIncoming(); err != nil {
		return nil, err
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root 返回缓存根目录的绝对路径。
func (s *Store) Root() string {
	return s.root
}

// cleanIncoming removes temp files left behind by an interrupted run.
func (s *Store) cleanIncoming() error {
	if err := os.MkdirAll(s.incoming, 0o755); err != nil {
		return fmt.Errorf("create incoming dir: %w", err)
	}
	leftovers, err := os.ReadDir(s.incoming)
	if err != nil {
		return fmt.Errorf("read incoming dir: %w", err)
	}
	for _, item := range leftovers {
		if err := os.RemoveAll(filepath.Join(s.incoming, item.Name())); err != nil {
			return fmt.Errorf("remove stale temp file: %w", err)
		}
	}
	return nil
}

// scan pre-populates cached entries for every recognized file under root.
func (s *Store) scan() error {
	count := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != s.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key, ok := keyForRelPath(filepath.ToSlash(rel))
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		s.entries.Store(key, &entry{kind: kindCached, path: path, size: info.Size()})
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan cache root: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"action":  "cache",
		"root":    s.root,
		"entries": count,
	}).Info("cache_scan_complete")
	return nil
}

// Resolve returns the source for key: a replay of the cached file, or a
// chunked reader over the pending download. The first caller for an unknown
// key submits exactly one fetch task; concurrent callers join its buffer.
func (s *Store) Resolve(ctx context.Context, key string) (stream.Source, error) {
	if _, err := relPathForKey(key); err != nil {
		return nil, err
	}

	for {
		if value, ok := s.entries.Load(key); ok {
			e := value.(*entry)
			src, err := s.open(e)
			if errors.Is(err, fs.ErrNotExist) {
				if s.entries.CompareAndDelete(key, e) {
					cacheEvictions.WithLabelValues("stale_file").Inc()
					s.logger.WithFields(logging.CacheFields(key, e.path)).Warn("cache_stale_entry")
				}
				continue
			}
			if err != nil {
				return nil, err
			}
			if e.kind == kindCached {
				cacheLookups.WithLabelValues("hit").Inc()
			} else {
				cacheLookups.WithLabelValues("join").Inc()
			}
			return src, nil
		}

		fresh := &entry{kind: kindPending, buffer: stream.NewBuffer(key, s.chunkSize)}
		if _, loaded := s.entries.LoadOrStore(key, fresh); loaded {
			continue
		}

		task := fetch.Task{Key: key, Buffer: fresh.buffer, Listener: s}
		if err := s.submitter.Submit(ctx, task); err != nil {
			fresh.buffer.SetError(err)
			if s.entries.CompareAndDelete(key, fresh) {
				cacheEvictions.WithLabelValues("submit_failed").Inc()
			}
			return nil, fmt.Errorf("submit fetch %s: %w", key, err)
		}
		cacheLookups.WithLabelValues("miss").Inc()
		return stream.NewChunkedReader(fresh.buffer, s.frameSize), nil
	}
}

func (s *Store) open(e *entry) (stream.Source, error) {
	if e.kind == kindCached {
		return stream.OpenFile(e.path)
	}
	return stream.NewChunkedReader(e.buffer, s.frameSize), nil
}

// pendingFor returns the pending entry that owns task's buffer, if it is
// still the current mapping for the key.
func (s *Store) pendingFor(task fetch.Task) (*entry, bool) {
	value, ok := s.entries.Load(task.Key)
	if !ok {
		return nil, false
	}
	e := value.(*entry)
	if e.kind != kindPending || e.buffer != task.Buffer {
		return nil, false
	}
	return e, true
}

// FetchCompleted moves tempFile into the cache directory and swaps the
// pending entry for a cached one. Readers of the old buffer are unaffected.
func (s *Store) FetchCompleted(task fetch.Task, tempFile string) {
	fields := logging.CacheFields(task.Key, "")
	target, err := s.promote(task.Key, tempFile)
	if err != nil {
		_ = os.Remove(tempFile)
		cachePromotions.WithLabelValues("error").Inc()
		fields["error"] = err.Error()
		s.logger.WithFields(fields).Error("cache_promote_failed")
		if pending, ok := s.pendingFor(task); ok && s.entries.CompareAndDelete(task.Key, pending) {
			cacheEvictions.WithLabelValues("promote_failed").Inc()
		}
		return
	}
	fields["path"] = target

	var size int64
	if info, err := os.Stat(target); err == nil {
		size = info.Size()
	}
	cached := &entry{kind: kindCached, path: target, size: size}
	pending, ok := s.pendingFor(task)
	if !ok || !s.entries.CompareAndSwap(task.Key, pending, cached) {
		s.logger.WithFields(fields).Warn("cache_entry_replaced")
		s.entries.Store(task.Key, cached)
	}
	cachePromotions.WithLabelValues("ok").Inc()
	fields["bytes"] = size
	s.logger.WithFields(fields).Info("cache_promoted")
}

func (s *Store) promote(key, tempFile string) (string, error) {
	target, err := s.entryPath(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	if err := atomic.ReplaceFile(tempFile, target); err != nil {
		return "", fmt.Errorf("move into cache: %w", err)
	}
	return target, nil
}

// FetchFailed evicts the failed pending entry so that a later request can
// start a fresh fetch. Current readers already observe the error on the buffer.
func (s *Store) FetchFailed(task fetch.Task, err error) {
	fields := logging.CacheFields(task.Key, "")
	if err != nil {
		fields["error"] = err.Error()
	}
	pending, ok := s.pendingFor(task)
	if ok && s.entries.CompareAndDelete(task.Key, pending) {
		cacheEvictions.WithLabelValues("fetch_failed").Inc()
		s.logger.WithFields(fields).Warn("cache_evicted")
	}
}

// EntryInfo 是 Entries 返回的诊断快照。
type EntryInfo struct {
	Key   string `json:"key"`
	State string `json:"state"`
	Path  string `json:"path,omitempty"`
	Bytes int64  `json:"bytes"`
}

// Entries 返回按 key 排序的当前映射快照。
func (s *Store) Entries() []EntryInfo {
	var result []EntryInfo
	s.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		info := EntryInfo{Key: key.(string), State: e.kind.String(), Path: e.path, Bytes: e.size}
		if e.kind == kindPending {
			info.Bytes = e.buffer.Len()
		}
		result = append(result, info)
		return true
	})
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result
}
