package taskpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xSeung/MultiThread-FileTransferr/internal/transfer"
)

// fakeUnit blocks in Run until released or cancelled.
type fakeUnit struct {
	id      int
	release chan struct{}
	err     error
	started chan struct{}
	stop    atomic.Bool
	runs    atomic.Int32
	onRun   func(int)
}

func newFakeUnit(id int) *fakeUnit {
	return &fakeUnit{id: id, release: make(chan struct{}), started: make(chan struct{}, 1)}
}

func (u *fakeUnit) ID() int { return u.id }

func (u *fakeUnit) RequestStop() { u.stop.Store(true) }

func (u *fakeUnit) Run(ctx context.Context) error {
	u.runs.Add(1)
	if u.onRun != nil {
		u.onRun(u.id)
	}
	select {
	case u.started <- struct{}{}:
	default:
	}
	select {
	case <-u.release:
		return u.err
	case <-ctx.Done():
		return transfer.ErrCancelled
	}
}

func (u *fakeUnit) finish() { close(u.release) }

type fakeTask struct {
	name  string
	dir   transfer.Direction
	units []*fakeUnit

	mu      sync.Mutex
	next    int
	closed  bool
	stopped atomic.Bool
}

func newFakeTask(name string, dir transfer.Direction, n int) *fakeTask {
	t := &fakeTask{name: name, dir: dir}
	for i := 0; i < n; i++ {
		t.units = append(t.units, newFakeUnit(i))
	}
	return t
}

func (t *fakeTask) Name() string                  { return t.name }
func (t *fakeTask) Direction() transfer.Direction { return t.dir }
func (t *fakeTask) Len() int                      { return len(t.units) }

func (t *fakeTask) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next >= len(t.units)
}

func (t *fakeTask) Take() (transfer.Unit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.next >= len(t.units) {
		return nil, false
	}
	u := t.units[t.next]
	t.next++
	return u, true
}

func (t *fakeTask) RequestStop() {
	t.stopped.Store(true)
	for _, u := range t.units {
		u.RequestStop()
	}
}

func (t *fakeTask) Close() error {
	t.mu.Lock()
	t.closed = true
	t.next = len(t.units)
	t.mu.Unlock()
	return nil
}

func (t *fakeTask) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTask) finishAll() {
	for _, u := range t.units {
		u.finish()
	}
}

// countingMerger records Merge and Cleanup calls per name.
type countingMerger struct {
	mu       sync.Mutex
	merges   map[string]int
	cleanups map[string]int
	mergeErr error
	inner    Merger
}

func newCountingMerger(inner Merger) *countingMerger {
	return &countingMerger{merges: map[string]int{}, cleanups: map[string]int{}, inner: inner}
}

func (m *countingMerger) Merge(name string) error {
	m.mu.Lock()
	m.merges[name]++
	err := m.mergeErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if m.inner != nil {
		return m.inner.Merge(name)
	}
	return nil
}

func (m *countingMerger) Cleanup(name string) error {
	m.mu.Lock()
	m.cleanups[name]++
	m.mu.Unlock()
	if m.inner != nil {
		return m.inner.Cleanup(name)
	}
	return nil
}

func (m *countingMerger) counts(name string) (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.merges[name], m.cleanups[name]
}

// results collects OnFinished callbacks.
type results struct {
	mu  sync.Mutex
	got []Result
	ch  chan Result
}

func newResults() *results {
	return &results{ch: make(chan Result, 16)}
}

func (r *results) add(res Result) {
	r.mu.Lock()
	r.got = append(r.got, res)
	r.mu.Unlock()
	r.ch <- res
}

func (r *results) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.got...)
}
