package sandbox

import "sync"

// maxLogLines bounds the in-memory ring buffer for a single run's captured
// guest output, scaled down from internal/logstore's per-instance ring
// buffer (which persists across a VM's lifetime) to a single run.
const maxLogLines = 2000

// logBuffer is a bounded, concurrency-safe ring buffer of log lines.
type logBuffer struct {
	mu    sync.Mutex
	lines []string
}

func newLogBuffer() *logBuffer {
	return &logBuffer{lines: make([]string, 0, 256)}
}

func (b *logBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) >= maxLogLines {
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, line)
}

func (b *logBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}
