// ABOUTME: No-op telemetry constructors for tests that exercise real components with telemetry disabled

package telemetry

// NewForTesting returns a no-op telemetry instance for use in tests.
func NewForTesting() Telemetry {
	return NewNoop()
}

// NewDisabled is an alias for NewNoop for scenarios where telemetry
// should be explicitly disabled.
func NewDisabled() Telemetry {
	return NewNoop()
}
