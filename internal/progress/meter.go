package progress

import (
	"sync"
	"time"

	"github.com/xSeung/MultiThread-FileTransferr/internal/chunk"
)

// Stats represents a point-in-time snapshot of progress.
type Stats struct {
	BytesDone int64
	Total     int64
	// Resumed counts bytes that were already in place when the task started.
	Resumed    int64
	Chunks     int
	ChunksDone int
	RateBps    float64
	ETA        time.Duration
	Percent    float64
	StartedAt  time.Time
}

type chunkState struct {
	length int64
	done   int64
}

// Meter tracks byte progress per chunk of a task and computes an
// exponentially smoothed aggregate rate. Resumed bytes count toward the
// total but never toward the rate. It is safe for concurrent use.
type Meter struct {
	mu        sync.Mutex
	chunks    []chunkState
	total     int64
	done      int64
	resumed   int64
	finished  int
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for a task split into ranges.
func (m *Meter) Start(ranges []chunk.Range) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = make([]chunkState, len(ranges))
	m.total, m.done, m.resumed, m.finished = 0, 0, 0, 0
	for i, r := range ranges {
		m.chunks[i].length = r.Length
		m.total += r.Length
		if r.Length == 0 {
			m.finished++
		}
	}
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
}

// add credits n bytes to chunk id and returns how many of them were new.
// Bytes past the chunk length, such as a range re-sent after a lost ack,
// are not counted twice.
func (m *Meter) add(id int, n int64) int64 {
	if id < 0 || id >= len(m.chunks) || n <= 0 {
		return 0
	}
	c := &m.chunks[id]
	if c.done >= c.length {
		return 0
	}
	n = min(n, c.length-c.done)
	c.done += n
	m.done += n
	if c.done >= c.length {
		m.finished++
	}
	return n
}

// Add records n bytes moved for chunk id. Its signature matches
// chunk.ProgressFunc.
func (m *Meter) Add(id, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.add(id, int64(n)) == 0 {
		return
	}
	now := m.now()
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(m.done-m.lastDone) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.done
	}
}

// Resume credits chunk id with n bytes that were already transferred before
// Start, such as a part file left by an interrupted download.
func (m *Meter) Resume(id int, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n = m.add(id, n)
	m.resumed += n
	m.lastDone += n
}

// ChunkDone reports how many bytes of chunk id have been recorded.
func (m *Meter) ChunkDone(id int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.chunks) {
		return 0
	}
	return m.chunks[id].done
}

// Snapshot returns a current snapshot of progress stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone:  m.done,
		Total:      m.total,
		Resumed:    m.resumed,
		Chunks:     len(m.chunks),
		ChunksDone: m.finished,
		RateBps:    m.rateBps,
		StartedAt:  m.startedAt,
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}
