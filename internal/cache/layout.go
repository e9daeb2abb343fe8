package cache

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

const (
	fileSuffix      = ".cache"
	incomingDirName = ".incoming"
	emptySegment    = "%2F"
)

// ErrInvalidKey 表示 key 无法映射为缓存文件路径。
var ErrInvalidKey = errors.New("cache: invalid resource key")

// IncomingDir 返回临时下载目录，位于缓存根目录内以保证 rename 原子性。
func IncomingDir(root string) string {
	return filepath.Join(root, incomingDirName)
}

// relPathForKey maps a key such as "/lib/app.jar?v=2" to a slash separated
// relative file path. The mapping is injective: every segment is
// path-escaped, a leading dot is escaped, directory segments never end in
// the file suffix, and the query stays part of the last segment.
func relPathForKey(key string) (string, error) {
	if key == "" || key[0] != '/' {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	pathPart, query := key, ""
	if idx := strings.IndexByte(key, '?'); idx >= 0 {
		pathPart, query = key[:idx], key[idx:]
	}

	segments := strings.Split(pathPart[1:], "/")
	last := len(segments) - 1
	for i, seg := range segments {
		if i == last {
			seg += query
		}
		escaped := escapeSegment(seg)
		if i != last && strings.HasSuffix(escaped, fileSuffix) {
			escaped = escaped[:len(escaped)-len(fileSuffix)] + "%2E" + fileSuffix[1:]
		}
		segments[i] = escaped
	}
	return strings.Join(segments, "/") + fileSuffix, nil
}

func escapeSegment(seg string) string {
	if seg == "" {
		return emptySegment
	}
	escaped := url.PathEscape(seg)
	if strings.HasPrefix(escaped, ".") {
		escaped = "%2E" + escaped[1:]
	}
	return escaped
}

// keyForRelPath reverses relPathForKey; files that were not produced by it are
// reported as not recognized.
func keyForRelPath(rel string) (string, bool) {
	if !strings.HasSuffix(rel, fileSuffix) {
		return "", false
	}
	segments := strings.Split(strings.TrimSuffix(rel, fileSuffix), "/")
	for i, seg := range segments {
		if seg == emptySegment {
			segments[i] = ""
			continue
		}
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return "", false
		}
		segments[i] = decoded
	}
	key := "/" + strings.Join(segments, "/")

	if again, err := relPathForKey(key); err != nil || again != rel {
		return "", false
	}
	return key, true
}

// entryPath 返回 key 对应的绝对缓存文件路径，并确保其位于根目录之内。
func (s *Store) entryPath(key string) (string, error) {
	rel, err := relPathForKey(key)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes cache root", ErrInvalidKey, key)
	}
	return full, nil
}
