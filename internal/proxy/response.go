package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/any-hub/wsproxy/internal/cache"
	"github.com/any-hub/wsproxy/internal/fetch"
	"github.com/any-hub/wsproxy/internal/stream"
)

// classify maps a connection failure to the status sent to the client and
// the outcome label used in logs and metrics.
func classify(err error) (int, string) {
	var (
		protoErr   *ProtocolError
		statusErr  *stream.UpstreamStatusError
		backendErr *stream.BackendError
	)
	switch {
	case errors.As(err, &protoErr), errors.Is(err, cache.ErrInvalidKey):
		return http.StatusBadRequest, "protocol_error"
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed, "method_not_allowed"
	case errors.As(err, &statusErr):
		return statusErr.Code, "upstream_status"
	case errors.As(err, &backendErr):
		return http.StatusBadGateway, "backend_error"
	case errors.Is(err, fetch.ErrPoolClosed), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// errorResponse 生成带 Content-Length 的简短错误响应。
func errorResponse(code int) []byte {
	text := http.StatusText(code)
	if text == "" {
		text = "Error"
	}
	body := fmt.Sprintf("%d %s\n", code, text)
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n"+
		"\r\n%s", code, text, len(body), body))
}
