package buffer

import (
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/atomic"
)

const maxPktSize = 1500

// Buffer stashes RTP packets that arrive on a producer before any consumer
// is attached. The first consumer to bind gets the stash replayed in arrival
// order instead of joining mid-stream.
type Buffer struct {
	sync.Mutex

	ssrc    uint32
	limit   int
	pending deque.Deque[[]byte]
	bound   bool

	closed atomic.Bool
}

// NewBuffer returns a stash holding at most limit packets. When full, the
// oldest packet is dropped first.
func NewBuffer(ssrc uint32, limit int) *Buffer {
	b := &Buffer{
		ssrc:  ssrc,
		limit: limit,
	}
	b.pending.SetMinCapacity(7)

	return b
}

func (b *Buffer) SSRC() uint32 {
	return b.ssrc
}

// Push stores a copy of the packet while nothing is bound yet. Once a
// consumer has bound, packets flow to it directly and Push is a no-op.
func (b *Buffer) Push(p []byte) {
	if b.closed.Load() {
		return
	}

	b.Lock()
	defer b.Unlock()

	if b.bound {
		return
	}

	if len(p) > maxPktSize {
		p = p[:maxPktSize]
	}

	packet := make([]byte, len(p))
	copy(packet, p)

	if b.pending.Len() >= b.limit {
		b.pending.PopFront()
	}
	b.pending.PushBack(packet)
}

// Bind hands out the stashed packets in arrival order and stops stashing.
// Subsequent calls return nil.
func (b *Buffer) Bind() [][]byte {
	b.Lock()
	defer b.Unlock()

	if b.bound {
		return nil
	}
	b.bound = true

	stash := make([][]byte, 0, b.pending.Len())
	for b.pending.Len() > 0 {
		stash = append(stash, b.pending.PopFront())
	}

	return stash
}

func (b *Buffer) Close() error {
	b.closed.Store(true)

	b.Lock()
	defer b.Unlock()

	b.pending.Clear()

	return nil
}
