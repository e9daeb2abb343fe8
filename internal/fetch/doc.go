// Package fetch runs the bounded pool of workers that download resources from
// the upstream origin. Each task streams the response body into a shared
// stream.Buffer for live readers and, in parallel, into a framed temp file
// that the task's Listener promotes into the disk cache.
package fetch
