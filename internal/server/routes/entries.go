package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/wsproxy/internal/cache"
)

// EntryLister 是 /-/entries 所需的缓存视图。
type EntryLister interface {
	Entries() []cache.EntryInfo
}

// RegisterEntryRoutes 暴露 /-/entries 诊断接口，列出缓存映射中的条目。
func RegisterEntryRoutes(app *fiber.App, lister EntryLister) {
	if app == nil || lister == nil {
		return
	}

	app.Get("/-/entries", func(c fiber.Ctx) error {
		entries := filterEntries(lister.Entries(), c.Query("state"), c.Query("prefix"))
		return c.JSON(entriesPayload{
			Count:   len(entries),
			Entries: entries,
			Summary: summarize(entries),
		})
	})
}

// RegisterMetricsRoute 通过 adaptor 挂载 Prometheus 默认 registry。
func RegisterMetricsRoute(app *fiber.App) {
	if app == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

type entriesPayload struct {
	Count   int               `json:"count"`
	Entries []cache.EntryInfo `json:"entries"`
	Summary map[string]int64  `json:"bytes_by_state"`
}

func filterEntries(entries []cache.EntryInfo, state, prefix string) []cache.EntryInfo {
	state = strings.ToLower(strings.TrimSpace(state))
	if state == "" && prefix == "" {
		if entries == nil {
			return []cache.EntryInfo{}
		}
		return entries
	}
	result := make([]cache.EntryInfo, 0, len(entries))
	for _, e := range entries {
		if state != "" && e.State != state {
			continue
		}
		if prefix != "" && !strings.HasPrefix(e.Key, prefix) {
			continue
		}
		result = append(result, e)
	}
	return result
}

func summarize(entries []cache.EntryInfo) map[string]int64 {
	summary := make(map[string]int64)
	for _, e := range entries {
		summary[e.State] += e.Bytes
	}
	return summary
}
