package stream

import (
	"fmt"
	"net/http"
)

var terminator = []byte("0\r\n\r\n")

// ResponseHeader 生成分块响应的状态行与头部。
func ResponseHeader(code int, contentType string) []byte {
	if contentType == "" {
		contentType = DefaultContentType
	}
	text := http.StatusText(code)
	if text == "" {
		text = "Status"
	}
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"Transfer-Encoding: chunked\r\n"+
		"Content-Type: %s\r\n"+
		"Connection: close\r\n"+
		"\r\n", code, text, contentType))
}

// chunkHeaderRoom is enough for the hex length of any int64 plus CRLF.
const chunkHeaderRoom = 18

// appendChunkHeader 写入 "<hex>\r\n"。
func appendChunkHeader(dst []byte, n int) []byte {
	dst = fmt.Appendf(dst, "%x", n)
	return append(dst, '\r', '\n')
}
