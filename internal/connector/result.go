// Package connector wraps the external services the orchestration layer
// talks to — the image-generation backend, the data store, the anomaly
// report sink, and prompt validation. Every connector call is timed and its
// outcome normalized into a uniform Result envelope; connectors never
// surface expected failures as Go errors to callers.
package connector

import (
	"time"
)

// Result is the uniform envelope every connector and adapter operation
// returns. Callers branch on Success; Error is set only when Success is
// false.
type Result struct {
	Success   bool          `json:"success"`
	Data      any           `json:"data,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Succeed builds a successful Result timed from start.
func Succeed(data any, start time.Time) Result {
	return Result{
		Success:   true,
		Data:      data,
		Duration:  time.Since(start),
		Timestamp: time.Now().UTC(),
	}
}

// Fail builds a failed Result timed from start.
func Fail(err error, start time.Time) Result {
	return Result{
		Success:   false,
		Error:     err.Error(),
		Duration:  time.Since(start),
		Timestamp: time.Now().UTC(),
	}
}
