package timer_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-engine/internal/timer"
	"github.com/stemsi/exstem-engine/internal/timer/timertest"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu       sync.Mutex
	ticks    []int
	warnings []int
	expired  []string
}

func (r *recorder) handlers() timer.Handlers {
	return timer.Handlers{
		OnTick: func(_ string, remaining int) {
			r.mu.Lock()
			r.ticks = append(r.ticks, remaining)
			r.mu.Unlock()
		},
		OnWarning: func(_ string, remaining int) {
			r.mu.Lock()
			r.warnings = append(r.warnings, remaining)
			r.mu.Unlock()
		},
		OnExpire: func(sectionID string) {
			r.mu.Lock()
			r.expired = append(r.expired, sectionID)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) tickCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

func (r *recorder) warningList() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.warnings...)
}

func (r *recorder) expiredList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.expired...)
}

func TestTimer_ExpiresAndAutoStops(t *testing.T) {
	src := timertest.NewManualSource()
	rec := &recorder{}
	tm := timer.New(src.Source, rec.handlers())

	tm.Start("listening", 1)
	section, remaining, ok := tm.Remaining()
	require.True(t, ok)
	assert.Equal(t, "listening", section)
	assert.Equal(t, 60, remaining)

	src.Tick(60)

	require.Eventually(t, func() bool { return len(rec.expiredList()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"listening"}, rec.expiredList())
	assert.False(t, tm.Running())
	assert.Equal(t, 1, src.Released())

	// Stop after auto-stop is a no-op.
	tm.Stop()
	assert.Equal(t, 1, src.Released())
}

func TestTimer_WarningFiresOnceAtThreshold(t *testing.T) {
	src := timertest.NewManualSource()
	rec := &recorder{}
	tm := timer.New(src.Source, rec.handlers())

	tm.Start("reading", 6)

	src.Tick(59)
	require.Eventually(t, func() bool { return rec.tickCount() == 59 }, waitFor, time.Millisecond)
	assert.Empty(t, rec.warningList())
	assert.False(t, tm.Warned())

	src.Tick(1)
	require.Eventually(t, func() bool { return len(rec.warningList()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []int{timer.WarningThreshold}, rec.warningList())
	assert.True(t, tm.Warned())

	src.Tick(10)
	require.Eventually(t, func() bool { return rec.tickCount() == 70 }, waitFor, time.Millisecond)
	assert.Len(t, rec.warningList(), 1)

	tm.Stop()
}

func TestTimer_ShortRunWarnsAtStart(t *testing.T) {
	src := timertest.NewManualSource()
	rec := &recorder{}
	tm := timer.New(src.Source, rec.handlers())

	tm.Start("structure", 2)
	assert.True(t, tm.Warned())
	require.Eventually(t, func() bool { return len(rec.warningList()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []int{120}, rec.warningList())

	src.Tick(1)
	require.Eventually(t, func() bool { return rec.tickCount() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []int{120}, rec.warningList())
	tm.Stop()
}

func TestTimer_RunAtThresholdWarnsAtStart(t *testing.T) {
	src := timertest.NewManualSource()
	rec := &recorder{}
	tm := timer.New(src.Source, rec.handlers())

	tm.Start("listening", timer.WarningThreshold/60)

	require.Eventually(t, func() bool { return len(rec.warningList()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []int{timer.WarningThreshold}, rec.warningList())
	tm.Stop()
}

func TestTimer_StopIsIdempotent(t *testing.T) {
	src := timertest.NewManualSource()
	tm := timer.New(src.Source, timer.Handlers{})

	tm.Stop()
	assert.False(t, tm.Running())

	tm.Start("s1", 10)
	assert.True(t, tm.Running())
	tm.Stop()
	tm.Stop()

	_, _, ok := tm.Remaining()
	assert.False(t, ok)
	assert.Equal(t, 1, src.Released())
}

func TestTimer_StartReplacesActiveRun(t *testing.T) {
	src := timertest.NewManualSource()
	rec := &recorder{}
	tm := timer.New(src.Source, rec.handlers())

	tm.Start("s1", 10)
	src.Tick(5)
	require.Eventually(t, func() bool { return rec.tickCount() == 5 }, waitFor, time.Millisecond)

	tm.Start("s2", 1)
	assert.Equal(t, 2, src.Runs())
	assert.Equal(t, 1, src.Released())

	section, remaining, ok := tm.Remaining()
	require.True(t, ok)
	assert.Equal(t, "s2", section)
	assert.Equal(t, 60, remaining)

	src.Tick(60)
	require.Eventually(t, func() bool { return len(rec.expiredList()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"s2"}, rec.expiredList())
}

func TestTimer_RemainingCountsDown(t *testing.T) {
	src := timertest.NewManualSource()
	tm := timer.New(src.Source, timer.Handlers{})

	tm.Start("s1", 2)
	src.Tick(3)

	require.Eventually(t, func() bool {
		_, remaining, _ := tm.Remaining()
		return remaining == 117
	}, waitFor, time.Millisecond)
	tm.Stop()
}
