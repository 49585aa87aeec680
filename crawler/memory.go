package crawler

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// ThrottleLevel indicates memory pressure severity.
type ThrottleLevel int

const (
	// ThrottleNormal indicates heap usage below 75% of the limit.
	ThrottleNormal ThrottleLevel = iota
	// ThrottleWarning indicates heap usage at 75-90% of the limit.
	ThrottleWarning
	// ThrottleCritical indicates heap usage above 90% of the limit.
	ThrottleCritical
)

func (l ThrottleLevel) String() string {
	switch l {
	case ThrottleWarning:
		return "warning"
	case ThrottleCritical:
		return "critical"
	default:
		return "normal"
	}
}

// MemoryWatcher samples heap usage against a budget. The renderer consults
// it before starting a headless render, the most memory-hungry step of a
// crawl, and skips rendering while pressure is critical.
type MemoryWatcher struct {
	mu         sync.Mutex
	limitBytes int64
	callback   func(level ThrottleLevel)
	lastLevel  ThrottleLevel
	lastCheck  time.Time
	minGap     time.Duration
	readStats  func(*runtime.MemStats)
}

// NewMemoryWatcher creates a watcher with a budget of limitMB megabytes.
// A non-positive limit disables throttling.
func NewMemoryWatcher(limitMB int64) *MemoryWatcher {
	return &MemoryWatcher{
		limitBytes: limitMB * 1024 * 1024,
		minGap:     250 * time.Millisecond,
		readStats:  runtime.ReadMemStats,
	}
}

// ApplyProcessLimit installs the budget as the Go runtime's soft memory
// limit so the GC works harder before the watcher reports pressure.
func (m *MemoryWatcher) ApplyProcessLimit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limitBytes > 0 {
		debug.SetMemoryLimit(m.limitBytes)
	}
}

// Check samples the heap and returns the usage percentage and level. The
// throttle callback fires when the level changes.
func (m *MemoryWatcher) Check() (usedPercent float64, level ThrottleLevel) {
	m.mu.Lock()
	limit := m.limitBytes
	readStats := m.readStats
	m.mu.Unlock()

	if limit <= 0 {
		return 0, ThrottleNormal
	}

	var stats runtime.MemStats
	readStats(&stats)

	usedPercent = float64(stats.HeapAlloc) / float64(limit) * 100
	switch {
	case usedPercent >= 90:
		level = ThrottleCritical
	case usedPercent >= 75:
		level = ThrottleWarning
	default:
		level = ThrottleNormal
	}

	m.mu.Lock()
	changed := level != m.lastLevel
	m.lastLevel = level
	m.lastCheck = time.Now()
	callback := m.callback
	m.mu.Unlock()

	if changed && callback != nil {
		callback(level)
	}
	return usedPercent, level
}

// Allow reports whether memory-heavy work may start. ReadMemStats stops the
// world, so samples closer together than the minimum gap reuse the last
// level.
func (m *MemoryWatcher) Allow() bool {
	m.mu.Lock()
	fresh := !m.lastCheck.IsZero() && time.Since(m.lastCheck) < m.minGap
	level := m.lastLevel
	m.mu.Unlock()

	if !fresh {
		_, level = m.Check()
	}
	return level != ThrottleCritical
}

// SetThrottleCallback registers a callback invoked when the level changes.
func (m *MemoryWatcher) SetThrottleCallback(cb func(level ThrottleLevel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = cb
}

// SetLimit updates the budget in bytes.
func (m *MemoryWatcher) SetLimit(limitBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limitBytes = limitBytes
}
