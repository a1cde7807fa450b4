package scanner

import (
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
)

// mmapThreshold is the size at which a regular file's contents are captured
// via a read-only shared memory map instead of a heap buffer; memory maps
// don't count against the heap budget.
const mmapThreshold = 64 * 1024

// heapContents is a regular in-memory byte slice read in full during the
// scan.
type heapContents struct {
	b       []byte
	counter *budgetCounter
}

func (h *heapContents) Bytes() []byte { return h.b }

func (h *heapContents) Close() error {
	if h.counter != nil {
		h.counter.release(int64(len(h.b)))
	}
	return nil
}

// mmapContents is a read-only shared memory map over a regular file.
type mmapContents struct {
	m mmap.MMap
}

func (m *mmapContents) Bytes() []byte { return m.m }

func (m *mmapContents) Close() error {
	return m.m.Unmap()
}

// budgetCounter is the shared counter of bytes currently held in
// heap-resident content caches, bounded by the prefetch memory budget.
type budgetCounter struct {
	limit int64
	used  int64
}

func newBudgetCounter(limit int64) *budgetCounter {
	return &budgetCounter{limit: limit}
}

// tryReserve attempts a saturating-add of size against the budget; it
// returns false (and reserves nothing) if that would exceed the limit.
func (b *budgetCounter) tryReserve(size int64) bool {
	for {
		cur := atomic.LoadInt64(&b.used)
		next := cur + size
		if next > b.limit {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.used, cur, next) {
			return true
		}
	}
}

func (b *budgetCounter) release(size int64) {
	atomic.AddInt64(&b.used, -size)
}
