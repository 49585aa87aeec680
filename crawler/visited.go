package crawler

import (
	"errors"
	"fmt"
	"os"
	"sync"

	bloom "github.com/bits-and-blooms/bloom/v3"
	"github.com/edsrzf/mmap-go"
)

const (
	// minBloomCapacity keeps tiny runs from building a degenerate filter.
	minBloomCapacity = 1024

	bloomFalsePositiveRate = 0.001
)

// VisitedTracker remembers the comparison keys a run has already accepted.
//
// A bloom filter mirrored into a memory-mapped temp file answers the common
// "definitely new" case without touching the exact set. A bloom hit is only a
// maybe, so it is confirmed against the exact set; false positives never cause
// a URL to be dropped.
type VisitedTracker struct {
	mu        sync.Mutex
	filter    *bloom.BloomFilter
	exact     map[string]struct{}
	file      *os.File
	mmap      mmap.MMap
	tmpPath   string
	pending   uint64 // keys added since last sync
	syncEvery uint64
	lastErr   error
}

// NewVisitedTracker creates a tracker sized for roughly expected keys. The
// backing file lives in the OS temp directory and is removed by Close.
func NewVisitedTracker(expected uint) (*VisitedTracker, error) {
	filter := bloom.NewWithEstimates(max(expected, minBloomCapacity), bloomFalsePositiveRate)

	data, err := filter.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal bloom filter: %w", err)
	}

	file, mapped, err := mapTempFile("siteaudit-seen-*.bloom", len(data))
	if err != nil {
		return nil, err
	}
	copy(mapped, data)

	return &VisitedTracker{
		filter:    filter,
		exact:     make(map[string]struct{}, expected),
		file:      file,
		mmap:      mapped,
		tmpPath:   file.Name(),
		syncEvery: 1000,
	}, nil
}

func mapTempFile(pattern string, size int) (*os.File, mmap.MMap, error) {
	file, err := os.CreateTemp(os.TempDir(), pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = file.Close()
		_ = os.Remove(file.Name())
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("truncate temp file: %w", err)
	}

	mapped, err := mmap.MapRegion(file, size, mmap.RDWR, 0, 0)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("mmap temp file: %w", err)
	}
	return file, mapped, nil
}

// VisitIfNew records key and reports whether it had not been seen before.
func (v *VisitedTracker) VisitIfNew(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.filter.TestString(key) {
		if _, ok := v.exact[key]; ok {
			return false
		}
	}

	v.filter.AddString(key)
	v.exact[key] = struct{}{}
	v.pending++

	if v.pending >= v.syncEvery {
		// periodic sync is best-effort; surfaced via LastError and Close
		if err := v.syncLocked(); err != nil {
			v.lastErr = err
		}
	}
	return true
}

// Seen reports whether key has been recorded.
func (v *VisitedTracker) Seen(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.filter.TestString(key) {
		return false
	}
	_, ok := v.exact[key]
	return ok
}

// Len returns the number of distinct keys recorded.
func (v *VisitedTracker) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.exact)
}

// syncLocked mirrors the filter into the mapped file. Must be called with mu held.
func (v *VisitedTracker) syncLocked() error {
	if v.mmap == nil {
		return nil
	}
	data, err := v.filter.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal bloom filter: %w", err)
	}
	if len(data) > len(v.mmap) {
		return fmt.Errorf("filter data (%d) exceeds mmap size (%d)", len(data), len(v.mmap))
	}
	copy(v.mmap, data)

	if err := v.mmap.Flush(); err != nil {
		return fmt.Errorf("flush mmap: %w", err)
	}
	v.pending = 0
	return nil
}

// Close syncs pending data and releases the mapped file. The tracker must not
// be used afterwards.
func (v *VisitedTracker) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var errs []error
	if v.lastErr != nil {
		errs = append(errs, v.lastErr)
	}

	if v.mmap != nil {
		if v.pending > 0 {
			if err := v.syncLocked(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := v.mmap.Unmap(); err != nil {
			errs = append(errs, fmt.Errorf("unmap: %w", err))
		}
		v.mmap = nil
	}

	if v.file != nil {
		if err := v.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close file: %w", err))
		}
		v.file = nil
	}

	if v.tmpPath != "" {
		if err := os.Remove(v.tmpPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove temp file: %w", err))
		}
		v.tmpPath = ""
	}

	if len(errs) > 0 {
		return fmt.Errorf("close visited tracker: %w", errors.Join(errs...))
	}
	return nil
}

// LastError returns the last error from a periodic sync.
func (v *VisitedTracker) LastError() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}
