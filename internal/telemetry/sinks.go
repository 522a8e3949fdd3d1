// Package telemetry provides the three observability modules of the
// orchestration layer: a prometheus-backed metrics collector, an error
// tracker, and a usage-event tracker. None of them are control-flow
// critical; each degrades to local queuing and logging when its external
// sink is unconfigured.
package telemetry

// MetricsSink is an opaque analytics collaborator. Implementations may drop
// or buffer calls; the trackers never fail because of sink behavior.
type MetricsSink interface {
	Track(name string, properties map[string]any, userID string)
	Identify(userID string, properties map[string]any)
}

// ErrorSink is an opaque error-reporting collaborator.
type ErrorSink interface {
	CaptureException(err error, context map[string]any)
	CaptureMessage(message, level string)
}
