package bridge

import (
	"sync"
	"time"
)

// muLawBytesPerMs is the byte rate of 8 kHz μ-law audio.
const muLawBytesPerMs = 8

// UpstreamBuffer accumulates inbound caller audio (μ-law bytes, arrival
// order) until a full packet is available for the agent side. The agent
// performs better with coarser packets than raw 20 ms frames; the packet
// size is a single process-wide tunable.
//
// Safe for concurrent use: the telephony reader appends while the poll
// ticker and turn-exit paths drain.
type UpstreamBuffer struct {
	mu          sync.Mutex
	buf         []byte
	packetBytes int
}

// NewUpstreamBuffer creates a buffer that considers itself full once packet
// worth of audio has accumulated.
func NewUpstreamBuffer(packet time.Duration) *UpstreamBuffer {
	return &UpstreamBuffer{
		packetBytes: int(packet.Milliseconds()) * muLawBytesPerMs,
	}
}

// Append adds one caller frame. Reports whether the buffer now holds at
// least a full packet.
func (b *UpstreamBuffer) Append(frame []byte) (full bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, frame...)
	return len(b.buf) >= b.packetBytes
}

// Len returns the number of buffered bytes.
func (b *UpstreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// TakeIfFull drains and returns the buffered audio when at least one full
// packet is present, nil otherwise.
func (b *UpstreamBuffer) TakeIfFull() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) < b.packetBytes {
		return nil
	}
	return b.takeLocked()
}

// TakeAll drains and returns everything buffered, regardless of size.
// Returns nil when the buffer is empty, so a forced flush of an empty
// buffer is a no-op for the caller.
func (b *UpstreamBuffer) TakeAll() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeLocked()
}

func (b *UpstreamBuffer) takeLocked() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	out := b.buf
	b.buf = nil
	return out
}
