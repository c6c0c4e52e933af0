package core

import (
	"strings"
	"sync"

	"github.com/hullworks/deckhand/schema"
)

// Buffers owns one ring per tab. Appends arrive from capture goroutines,
// reads from the hub dispatch path, so all access is mutex-guarded.
type Buffers struct {
	mu       sync.Mutex
	maxLines int
	tabs     map[schema.TabID]*ring
	carry    map[schema.TabID]string
}

// NewBuffers constructs the per-tab buffer manager. maxLines bounds each
// tab's ring.
func NewBuffers(maxLines int) *Buffers {
	if maxLines <= 0 {
		maxLines = schema.DefaultBufferMaxLines
	}
	return &Buffers{
		maxLines: maxLines,
		tabs:     make(map[schema.TabID]*ring),
		carry:    make(map[schema.TabID]string),
	}
}

// Append splits data on newlines and pushes each non-empty complete line
// onto the tab's ring, creating the ring lazily. A trailing partial line is
// held back until a later chunk delivers its newline, so a line split
// across two capture reads lands as one entry.
func (b *Buffers) Append(tabID schema.TabID, data string) {
	if data == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data = b.carry[tabID] + data
	lines := strings.Split(data, "\n")
	if tail := lines[len(lines)-1]; tail != "" {
		b.carry[tabID] = tail
	} else {
		delete(b.carry, tabID)
	}
	lines = lines[:len(lines)-1]
	if len(lines) == 0 {
		return
	}
	buf := b.tabs[tabID]
	if buf == nil {
		buf = newRing(b.maxLines)
		b.tabs[tabID] = buf
	}
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		buf.Append(line)
	}
}

// Flush promotes a held-back partial line into the tab's ring. Called when
// the tab ends, since no further output can complete the line.
func (b *Buffers) Flush(tabID schema.TabID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	line := strings.TrimRight(b.carry[tabID], "\r")
	delete(b.carry, tabID)
	if line == "" {
		return
	}
	buf := b.tabs[tabID]
	if buf == nil {
		buf = newRing(b.maxLines)
		b.tabs[tabID] = buf
	}
	buf.Append(line)
}

// Recent returns the last n buffered lines for the tab. n <= 0 returns all
// buffered lines. Unknown tabs return an empty result, not an error.
func (b *Buffers) Recent(tabID schema.TabID, n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.tabs[tabID]
	if buf == nil {
		return nil
	}
	if n <= 0 {
		return buf.All()
	}
	return buf.Recent(n)
}

// All returns every buffered line for the tab.
func (b *Buffers) All(tabID schema.TabID) []string {
	return b.Recent(tabID, 0)
}

// Has reports whether the tab currently has buffered output.
func (b *Buffers) Has(tabID schema.TabID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabs[tabID].Len() > 0
}

// Clear discards the tab's buffer entirely. Called only when a tab is
// explicitly and permanently closed, never on mere disconnect, so a
// crash-and-restart can still serve buffered history.
func (b *Buffers) Clear(tabID schema.TabID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tabs, tabID)
	delete(b.carry, tabID)
}
