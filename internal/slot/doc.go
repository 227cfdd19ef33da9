// Package slot implements the per-adapter connection-slot semaphore: a
// thin, non-blocking counted resource with change notifications, protected
// by a single mutex.
package slot
