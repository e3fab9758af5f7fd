package scope

// sampleRing keeps the most recent samples up to a fixed capacity.
type sampleRing struct {
	buf  []int16
	head int // next write position
	n    int
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{buf: make([]int16, max(capacity, 1))}
}

func (r *sampleRing) write(samples []int16) {
	if len(samples) >= len(r.buf) {
		copy(r.buf, samples[len(samples)-len(r.buf):])
		r.head = 0
		r.n = len(r.buf)
		return
	}
	for len(samples) > 0 {
		c := copy(r.buf[r.head:], samples)
		samples = samples[c:]
		r.head = (r.head + c) % len(r.buf)
		r.n = min(r.n+c, len(r.buf))
	}
}

// last returns a copy of up to limit of the newest samples, oldest first.
func (r *sampleRing) last(limit int) []int16 {
	if limit <= 0 || r.n == 0 {
		return []int16{}
	}
	n := min(limit, r.n)
	out := make([]int16, n)
	start := (r.head - n + len(r.buf)) % len(r.buf)
	c := copy(out, r.buf[start:min(start+n, len(r.buf))])
	copy(out[c:], r.buf[:n-c])
	return out
}

func (r *sampleRing) len() int { return r.n }

// LogEntry is one line of the scope's event log, as shown by the browser.
type LogEntry struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// Log levels understood by the front-end.
const (
	LevelDim   = "dim"
	LevelInfo  = "info"
	LevelOK    = "ok"
	LevelWarn  = "warn"
	LevelError = "error"
)

// logQueue is a bounded FIFO that forgets the oldest entries when full.
type logQueue struct {
	entries []LogEntry
	limit   int
}

func (q *logQueue) push(e LogEntry) {
	if len(q.entries) >= q.limit {
		q.entries = append(q.entries[:0], q.entries[len(q.entries)-q.limit+1:]...)
	}
	q.entries = append(q.entries, e)
}

func (q *logQueue) pop(limit int) []LogEntry {
	n := min(limit, len(q.entries))
	if n <= 0 {
		return nil
	}
	out := append([]LogEntry(nil), q.entries[:n]...)
	q.entries = append(q.entries[:0], q.entries[n:]...)
	return out
}
