// Package server holds the process-level network plumbing: the shared
// upstream HTTP client used by the fetch workers, the frontend listening
// socket (with the configured backlog and socket buffer sizes), and the Fiber
// admin application that serves health, cache entry and metrics diagnostics
// under /-/. Keep exports narrow and accept explicit dependencies.
package server
