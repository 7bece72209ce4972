package ekomilk

// HistorySize is the number of raw lines kept for display.
const HistorySize = 50

// History keeps the most recent raw lines, oldest first. It is not safe for
// concurrent use; the session manager guards it.
type History struct {
	lines []string
	max   int
}

// NewHistory returns a History bounded to max lines. A non-positive max
// falls back to HistorySize.
func NewHistory(max int) *History {
	if max <= 0 {
		max = HistorySize
	}
	return &History{
		lines: make([]string, 0, max),
		max:   max,
	}
}

// Add appends line, evicting the oldest entry when full.
func (h *History) Add(line string) {
	if len(h.lines) >= h.max {
		copy(h.lines, h.lines[1:])
		h.lines = h.lines[:len(h.lines)-1]
	}
	h.lines = append(h.lines, line)
}

// Lines returns a copy of the buffered lines, oldest first.
func (h *History) Lines() []string {
	out := make([]string, len(h.lines))
	copy(out, h.lines)
	return out
}

func (h *History) Len() int {
	return len(h.lines)
}

func (h *History) Clear() {
	h.lines = h.lines[:0]
}
