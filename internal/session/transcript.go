package session

import "sync"

// transcript is a bounded ring of recent output lines. Old lines fall
// off the front once the cap is reached, so a chatty session cannot
// grow memory without bound.
type transcript struct {
	mu    sync.Mutex
	lines []string
	head  int
	full  bool
}

func newTranscript(capacity int) *transcript {
	if capacity <= 0 {
		capacity = 1000
	}
	return &transcript{lines: make([]string, capacity)}
}

func (t *transcript) append(lines ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, line := range lines {
		t.lines[t.head] = line
		t.head = (t.head + 1) % len(t.lines)
		if t.head == 0 {
			t.full = true
		}
	}
}

// snapshot returns the retained lines oldest first.
func (t *transcript) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		out := make([]string, t.head)
		copy(out, t.lines[:t.head])
		return out
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.head:]...)
	out = append(out, t.lines[:t.head]...)
	return out
}
