package sandbox

import (
	"bytes"
	"sync"
)

// capBuffer is a bounded output sink. Writes past the cap are counted and
// discarded so a tool spraying gigabytes on stderr costs bounded memory.
// Safe for the concurrent writes exec's pipe copiers perform.
type capBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	cap     int64
	dropped int64
}

func newCapBuffer(capBytes int64) *capBuffer {
	return &capBuffer{cap: capBytes}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.cap - int64(b.buf.Len())
	if room <= 0 {
		b.dropped += int64(len(p))
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		b.dropped += int64(len(p)) - room
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped > 0 {
		return b.buf.String() + "\n[truncated]"
	}
	return b.buf.String()
}
