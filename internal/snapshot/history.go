package snapshot

import (
	"sync"

	"github.com/oferchen/arena/internal/world"
)

// DefaultHistoryDepth is the number of frames a History retains when no depth is given.
const DefaultHistoryDepth = 32

// History is a bounded ring of frames recently sent to one connection,
// indexed by tick. When full, the oldest frame is evicted first.
type History struct {
	mu     sync.Mutex
	frames []world.Frame
	head   int // index of the oldest frame
	count  int
}

// NewHistory returns an empty history retaining at most depth frames.
func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	return &History{frames: make([]world.Frame, depth)}
}

// Depth returns the capacity of the ring.
func (h *History) Depth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

// Grow raises the capacity to depth, keeping every retained frame.
// It never shrinks the ring and does nothing on a released history.
func (h *History) Grow(depth int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frames == nil || depth <= len(h.frames) {
		return
	}
	frames := make([]world.Frame, depth)
	for i := 0; i < h.count; i++ {
		frames[i] = h.frames[(h.head+i)%len(h.frames)]
	}
	h.frames = frames
	h.head = 0
}

// Push records f. Frames must arrive with strictly increasing ticks;
// a frame that is not newer than the latest is ignored and Push returns false.
func (h *History) Push(f world.Frame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.frames) == 0 {
		return false
	}
	if h.count > 0 && f.Tick <= h.latestLocked().Tick {
		return false
	}
	if h.count == len(h.frames) {
		h.frames[h.head] = world.Frame{}
		h.head = (h.head + 1) % len(h.frames)
		h.count--
	}
	h.frames[(h.head+h.count)%len(h.frames)] = f
	h.count++
	return true
}

// Get returns the retained frame at tick.
func (h *History) Get(tick uint64) (world.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// ticks are increasing, so search from the newest end where acks usually land
	for i := h.count - 1; i >= 0; i-- {
		f := h.frames[(h.head+i)%len(h.frames)]
		if f.Tick == tick {
			return f, true
		}
		if f.Tick < tick {
			break
		}
	}
	return world.Frame{}, false
}

// Latest returns the newest retained frame.
func (h *History) Latest() (world.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return world.Frame{}, false
	}
	return h.latestLocked(), true
}

// Oldest returns the oldest retained frame.
func (h *History) Oldest() (world.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return world.Frame{}, false
	}
	return h.frames[h.head], true
}

// Len returns the number of retained frames.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Release drops every retained frame and the ring itself. A released
// history retains nothing and Push becomes a no-op.
func (h *History) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = nil
	h.head = 0
	h.count = 0
}

func (h *History) latestLocked() world.Frame {
	return h.frames[(h.head+h.count-1)%len(h.frames)]
}
