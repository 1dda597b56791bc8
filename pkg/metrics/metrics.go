// Package metrics holds the instrumentation primitive the store server and the
// cache backend report through. Each consumer declares its own metrics
// interface in terms of Timer; concrete backends live under adapters/ and every
// consumer defaults to a no-op implementation.
package metrics

// Timer measures one operation from its creation until ObserveDuration:
//
//	defer m.OpDuration("save").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }
