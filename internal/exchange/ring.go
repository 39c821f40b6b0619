package exchange

import "sync"

// frameRing is the bounded buffer used while a session is in
// reconnecting mode. Overflow discards the oldest frame and counts it.
type frameRing struct {
	mu      sync.Mutex
	frames  []Frame
	head    int
	size    int
	dropped int64
}

func newFrameRing(capacity int) *frameRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &frameRing{frames: make([]Frame, capacity)}
}

// push appends a frame, evicting the oldest one when full.
func (r *frameRing) push(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == len(r.frames) {
		r.head = (r.head + 1) % len(r.frames)
		r.size--
		r.dropped++
	}
	r.frames[(r.head+r.size)%len(r.frames)] = f
	r.size++
}

// drain removes and returns all buffered frames in arrival order.
func (r *frameRing) drain() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Frame, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.frames[(r.head+i)%len(r.frames)])
	}
	r.head = 0
	r.size = 0
	return out
}

// droppedCount returns the number of frames evicted so far.
func (r *frameRing) droppedCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
