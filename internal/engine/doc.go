// Package engine runs in-process operations. Each task gets its own
// goroutine and cancellation context, reports progress, metrics and
// resumable state through a Reporter, and is finalized in the lifecycle
// service when it returns.
package engine
