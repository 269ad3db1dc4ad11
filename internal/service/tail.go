package service

import "sync"

// tailBuffer keeps the last n lines.
type tailBuffer struct {
	mx    sync.Mutex
	n     int
	lines []string
}

func newTail(n int) *tailBuffer {
	return &tailBuffer{n: n, lines: make([]string, 0, n)}
}

func (t *tailBuffer) Add(line string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if len(t.lines) == t.n {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:t.n-1]
	}
	t.lines = append(t.lines, line)
}

func (t *tailBuffer) Lines() []string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return append([]string(nil), t.lines...)
}
