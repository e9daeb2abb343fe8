package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrMethodNotAllowed 表示请求方法不是 GET。
var ErrMethodNotAllowed = errors.New("proxy: method not allowed")

// ProtocolError 描述无法解析的请求行。
type ProtocolError struct {
	Line   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed request %q: %s", e.Line, e.Reason)
}

// RequestLine 是解析后的请求行：方法与版本大写，目标小写。
type RequestLine struct {
	Method  string
	Target  string
	Version string
}

// ParseRequestLine 解析 header 块的第一行 "<METHOD> <TARGET> <VERSION>"。
func ParseRequestLine(header []byte) (RequestLine, error) {
	line := header
	if idx := bytes.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = bytes.TrimSuffix(line, []byte("\r"))

	fields := bytes.Fields(line)
	if len(fields) != 3 {
		return RequestLine{}, &ProtocolError{
			Line:   string(line),
			Reason: fmt.Sprintf("expected 3 tokens, got %d", len(fields)),
		}
	}

	req := RequestLine{
		Method:  strings.ToUpper(string(fields[0])),
		Target:  strings.ToLower(string(fields[1])),
		Version: strings.ToUpper(string(fields[2])),
	}
	if !strings.HasPrefix(req.Version, "HTTP/") {
		return RequestLine{}, &ProtocolError{Line: string(line), Reason: "unsupported protocol version"}
	}
	return req, nil
}

// NormalizeTarget 将请求目标规整为资源 key：绝对 URI 取 path+query，
// 路径经 path.Clean 处理，片段被丢弃。
func NormalizeTarget(target string) (string, error) {
	raw := target
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", &ProtocolError{Line: target, Reason: "invalid absolute target"}
		}
		raw = u.EscapedPath()
		if u.RawQuery != "" {
			raw += "?" + u.RawQuery
		}
	}
	if idx := strings.IndexByte(raw, '#'); idx >= 0 {
		raw = raw[:idx]
	}
	if raw == "" {
		raw = "/"
	}
	if raw[0] != '/' {
		return "", &ProtocolError{Line: target, Reason: "target must be an absolute path"}
	}

	pathPart, query := raw, ""
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		pathPart, query = raw[:idx], raw[idx:]
	}
	if query == "?" {
		query = ""
	}
	return path.Clean(pathPart) + query, nil
}
