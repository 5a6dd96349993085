package scanner

import (
	"sync"
	"time"

	"github.com/alejandrodnm/arbengine/internal/domain"
)

// RejectionTracker keeps the most recent rejections in a fixed-size ring plus
// per-category counters. Both are cleared when the window elapses, so memory
// stays bounded under continuous scanning. Safe for concurrent use.
type RejectionTracker struct {
	mu          sync.Mutex
	buf         []domain.Rejection
	next        int
	size        int
	counts      map[domain.RejectionCategory]int
	window      time.Duration
	windowStart time.Time
}

// NewRejectionTracker creates a tracker holding at most capacity rejections.
// A window of 0 never clears.
func NewRejectionTracker(capacity int, window time.Duration) *RejectionTracker {
	if capacity <= 0 {
		capacity = 256
	}
	return &RejectionTracker{
		buf:    make([]domain.Rejection, capacity),
		counts: make(map[domain.RejectionCategory]int, len(domain.AllRejectionCategories)),
		window: window,
	}
}

// Record adds a rejection, clearing the tracker first if its window has elapsed.
func (t *RejectionTracker) Record(r domain.Rejection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollLocked(r.At)
	t.buf[t.next] = r
	t.next = (t.next + 1) % len(t.buf)
	if t.size < len(t.buf) {
		t.size++
	}
	t.counts[r.Category]++
}

// Counts returns a copy of the per-category counters for the current window.
// Every category is present, zero or not.
func (t *RejectionTracker) Counts() map[domain.RejectionCategory]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[domain.RejectionCategory]int, len(domain.AllRejectionCategories))
	for _, c := range domain.AllRejectionCategories {
		out[c] = t.counts[c]
	}
	return out
}

// Total returns how many rejections were counted in the current window.
func (t *RejectionTracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, c := range t.counts {
		n += c
	}
	return n
}

// Recent returns up to n buffered rejections, newest first.
func (t *RejectionTracker) Recent(n int) []domain.Rejection {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || n > t.size {
		n = t.size
	}
	out := make([]domain.Rejection, 0, n)
	for i := 1; i <= n; i++ {
		idx := (t.next - i + len(t.buf)) % len(t.buf)
		out = append(out, t.buf[idx])
	}
	return out
}

// Expire clears the tracker if the window has elapsed at now.
func (t *RejectionTracker) Expire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked(now)
}

func (t *RejectionTracker) rollLocked(now time.Time) {
	if t.windowStart.IsZero() {
		t.windowStart = now
		return
	}
	if t.window <= 0 || now.Sub(t.windowStart) < t.window {
		return
	}
	clear(t.counts)
	clear(t.buf)
	t.next = 0
	t.size = 0
	t.windowStart = now
}
