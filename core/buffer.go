package core

// ring is a fixed-capacity FIFO-overwrite store of output lines for one
// tab. Insertion past capacity silently evicts the oldest line. No entry
// identity is retained: a consumer can read what is currently buffered but
// cannot tell how many lines were evicted.
type ring struct {
	lines []string
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{lines: make([]string, capacity)}
}

// Append adds one line, evicting the oldest when full.
func (r *ring) Append(line string) {
	if r.size < len(r.lines) {
		r.lines[(r.start+r.size)%len(r.lines)] = line
		r.size++
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % len(r.lines)
}

// Len returns the number of buffered lines.
func (r *ring) Len() int {
	if r == nil {
		return 0
	}
	return r.size
}

// All returns every buffered line in insertion order.
func (r *ring) All() []string {
	return r.Recent(r.Len())
}

// Recent returns the last k lines in insertion order. k greater than the
// current size returns everything.
func (r *ring) Recent(k int) []string {
	if r == nil || k <= 0 {
		return nil
	}
	if k > r.size {
		k = r.size
	}
	out := make([]string, 0, k)
	first := r.size - k
	for i := first; i < r.size; i++ {
		out = append(out, r.lines[(r.start+i)%len(r.lines)])
	}
	return out
}
