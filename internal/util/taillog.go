package util

import "sync"

// TailLog keeps the most recent lines of an operational log. Once capacity
// is reached every Append drops the oldest line. Safe for concurrent use.
type TailLog struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewTailLog creates a tail log holding at most capacity lines.
func NewTailLog(capacity int) *TailLog {
	return &TailLog{lines: make([]string, capacity)}
}

// Append records one line, evicting the oldest when full.
func (l *TailLog) Append(line string) {
	l.mu.Lock()
	l.lines[l.next] = line
	l.next = (l.next + 1) % len(l.lines)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
}

// Lines returns the retained lines, oldest first.
func (l *TailLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]string, l.next)
		copy(out, l.lines[:l.next])
		return out
	}
	out := make([]string, 0, len(l.lines))
	out = append(out, l.lines[l.next:]...)
	out = append(out, l.lines[:l.next]...)
	return out
}

// Len reports how many lines are retained.
func (l *TailLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.lines)
	}
	return l.next
}
