// Package metrics holds the instrument types shared by the metrics interfaces
// of es and dispatch. adapters/prometheus implements them.
package metrics

// Timer measures one operation. ObserveDuration records the time elapsed
// since the timer was created:
//
//	defer m.RepoLoadDuration("account").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }
