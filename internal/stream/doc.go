// Package stream holds the shared in-flight download buffer and the readers
// that turn it into wire bytes. A Buffer has exactly one writer (the fetch
// worker) and any number of readers (client connections). Readers never block:
// a Read that returns 0 bytes and a nil error means "nothing available yet",
// and callers wait on Source.Wait before trying again. io.EOF is the only
// end-of-data signal.
package stream
