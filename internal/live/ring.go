package live

// ring is a fixed-capacity line buffer that evicts the oldest line on
// overflow. Not safe for concurrent use; the Registry's mutex guards it.
type ring struct {
	lines []string
	head  int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{lines: make([]string, capacity)}
}

func (b *ring) append(line string) {
	if b.size < len(b.lines) {
		b.lines[(b.head+b.size)%len(b.lines)] = line
		b.size++
		return
	}
	b.lines[b.head] = line
	b.head = (b.head + 1) % len(b.lines)
}

// tail returns the most recent n lines in arrival order. n larger than
// the buffered count returns everything buffered.
func (b *ring) tail(n int) []string {
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	start := b.head + b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.lines[(start+i)%len(b.lines)]
	}
	return out
}
