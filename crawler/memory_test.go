package crawler

import (
	"runtime"
	"testing"
)

func fakeHeap(heapAlloc uint64) func(*runtime.MemStats) {
	return func(s *runtime.MemStats) { s.HeapAlloc = heapAlloc }
}

func TestMemoryWatcherLevels(t *testing.T) {
	const mb = 1024 * 1024
	tests := []struct {
		name      string
		heapAlloc uint64
		want      ThrottleLevel
	}{
		{name: "normal", heapAlloc: 50 * mb, want: ThrottleNormal},
		{name: "warning", heapAlloc: 80 * mb, want: ThrottleWarning},
		{name: "critical", heapAlloc: 95 * mb, want: ThrottleCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := NewMemoryWatcher(100)
			mw.readStats = fakeHeap(tt.heapAlloc)

			_, level := mw.Check()
			if level != tt.want {
				t.Errorf("Check() level = %v, want %v", level, tt.want)
			}
		})
	}
}

func TestMemoryWatcherBasicCheck(t *testing.T) {
	mw := NewMemoryWatcher(1 << 20) // 1 TiB budget

	usedPercent, level := mw.Check()
	if usedPercent < 0 || usedPercent > 100 {
		t.Errorf("usedPercent = %f, want between 0 and 100", usedPercent)
	}
	if level != ThrottleNormal {
		t.Errorf("level = %v, want ThrottleNormal", level)
	}
}

func TestMemoryWatcherDisabled(t *testing.T) {
	mw := NewMemoryWatcher(0)
	if _, level := mw.Check(); level != ThrottleNormal {
		t.Errorf("level = %v, want ThrottleNormal for disabled watcher", level)
	}
	if !mw.Allow() {
		t.Error("Allow() = false for disabled watcher")
	}
}

func TestMemoryWatcherCallbackOnChange(t *testing.T) {
	mw := NewMemoryWatcher(100)
	heap := uint64(10 * 1024 * 1024)
	mw.readStats = func(s *runtime.MemStats) { s.HeapAlloc = heap }

	var levels []ThrottleLevel
	mw.SetThrottleCallback(func(level ThrottleLevel) {
		levels = append(levels, level)
	})

	mw.Check() // normal, unchanged
	heap = 99 * 1024 * 1024
	mw.Check() // critical
	mw.Check() // still critical

	if len(levels) != 1 || levels[0] != ThrottleCritical {
		t.Errorf("callback levels = %v, want [critical]", levels)
	}
}

func TestMemoryWatcherAllow(t *testing.T) {
	mw := NewMemoryWatcher(100)
	mw.minGap = 0
	mw.readStats = fakeHeap(95 * 1024 * 1024)

	if mw.Allow() {
		t.Error("Allow() = true under critical pressure")
	}

	mw.readStats = fakeHeap(1024)
	if !mw.Allow() {
		t.Error("Allow() = false once pressure drops")
	}
}

func TestMemoryWatcherSetLimit(t *testing.T) {
	mw := NewMemoryWatcher(100)
	mw.readStats = fakeHeap(95 * 1024 * 1024)

	if _, level := mw.Check(); level != ThrottleCritical {
		t.Fatalf("level = %v, want critical", level)
	}
	mw.SetLimit(1024 * 1024 * 1024)
	if _, level := mw.Check(); level != ThrottleNormal {
		t.Errorf("level after SetLimit = %v, want normal", level)
	}
}
