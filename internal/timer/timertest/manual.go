// Package timertest provides a hand-driven tick source for timer tests.
package timertest

import (
	"sync"
	"time"
)

// ManualSource hands out one unbuffered channel per run. Tick blocks until
// the run goroutine receives, so ticks are consumed strictly in order.
type ManualSource struct {
	mu       sync.Mutex
	chans    []chan time.Time
	released int
}

// NewManualSource creates an empty source.
func NewManualSource() *ManualSource {
	return &ManualSource{}
}

// Source satisfies timer.TickSource.
func (m *ManualSource) Source() (<-chan time.Time, func()) {
	ch := make(chan time.Time)
	m.mu.Lock()
	m.chans = append(m.chans, ch)
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		m.released++
		m.mu.Unlock()
	}
}

// Tick delivers n ticks to the most recent run. Do not tick past expiry:
// the run goroutine is gone and the send would block forever.
func (m *ManualSource) Tick(n int) {
	m.mu.Lock()
	if len(m.chans) == 0 {
		m.mu.Unlock()
		return
	}
	ch := m.chans[len(m.chans)-1]
	m.mu.Unlock()

	for i := 0; i < n; i++ {
		ch <- time.Time{}
	}
}

// Runs returns how many runs requested a tick channel.
func (m *ManualSource) Runs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chans)
}

// Released returns how many runs released their tick channel.
func (m *ManualSource) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}
