package pipeline

import "sync"

// FillLock is the outermost lock named in spec.md's concurrency model:
// held during queue drain, startup initialization, periodic maintenance,
// and shutdown. It is shared between Pipeline and internal/maintenance so
// both honor the canonical fillProcessingLock -> divergenceLock order from
// the same underlying mutex, rather than each owning a private one.
type FillLock struct {
	mu sync.Mutex
}

// NewFillLock constructs an unheld lock.
func NewFillLock() *FillLock { return &FillLock{} }

func (l *FillLock) TryLock() bool { return l.mu.TryLock() }
func (l *FillLock) Lock()         { l.mu.Lock() }
func (l *FillLock) Unlock()       { l.mu.Unlock() }
