package wal

// pendingBuffer holds encoded samples whose append failed, oldest first.
// When full the oldest lines are dropped.
type pendingBuffer struct {
	items [][]byte
	max   int
}

func newPendingBuffer(max int) *pendingBuffer {
	return &pendingBuffer{max: max}
}

// add appends line and returns how many old lines were dropped.
func (b *pendingBuffer) add(line []byte) int {
	b.items = append(b.items, line)
	dropped := 0
	if over := len(b.items) - b.max; over > 0 {
		b.items = append([][]byte(nil), b.items[over:]...)
		dropped = over
	}
	return dropped
}

func (b *pendingBuffer) lines() [][]byte {
	out := make([][]byte, len(b.items), len(b.items)+1)
	copy(out, b.items)
	return out
}

func (b *pendingBuffer) len() int { return len(b.items) }

func (b *pendingBuffer) reset() { b.items = nil }
