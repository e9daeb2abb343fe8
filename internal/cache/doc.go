// Package cache maps resource keys to their sources: a completed response
// file on disk, or the in-flight stream.Buffer of the single fetch running
// for that key. Lookups install a pending entry with an atomic
// insert-if-absent so concurrent misses share one upstream download; the fetch
// listener callbacks promote the finished temp file into
// <BasePath>/<escaped key>.cache and swap the entry, or evict it on failure.
package cache
