// Package taskpool schedules the units of submitted transfer tasks onto a
// fixed set of workers and finishes each task once all of its units have
// reached a terminal state.
//
// The pool runs three roles. Workers take units from the current task and
// run them. The scheduler promotes the next queued task once the current one
// has handed out every unit. The finisher watches the completion tally,
// discards finished uploads and merges finished downloads.
//
// The current task, the pending queue and the tally each have their own
// mutex and condition variable. No goroutine ever holds two of them.
package taskpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xSeung/MultiThread-FileTransferr/internal/transfer"
)

var (
	ErrClosed        = errors.New("taskpool: pool is shut down")
	ErrDuplicateTask = errors.New("taskpool: task already in flight")
	ErrEmptyTask     = errors.New("taskpool: task has no units")
	// ErrIncomplete is reported for a download whose units did not all succeed.
	// Its chunk files are left in place so a later task can resume them.
	ErrIncomplete = errors.New("taskpool: task did not complete")
)

// Task is the part of a transfer.Task the pool drives.
type Task interface {
	Name() string
	Direction() transfer.Direction
	Len() int
	Empty() bool
	Take() (transfer.Unit, bool)
	RequestStop()
	Close() error
}

// Merger assembles and cleans up the chunk files of a finished download.
type Merger interface {
	Merge(name string) error
	Cleanup(name string) error
}

// Key identifies a tally entry.
type Key struct {
	Name      string
	Direction transfer.Direction
}

func keyOf(t Task) Key {
	return Key{Name: t.Name(), Direction: t.Direction()}
}

// Result describes a finished task.
type Result struct {
	Name      string
	Direction transfer.Direction
	Units     int
	Failed    int
	Cancelled int
	Elapsed   time.Duration
	Err       error
}

// Entry is a point-in-time view of one tally entry.
type Entry struct {
	Name      string             `json:"name"`
	Direction transfer.Direction `json:"direction"`
	Done      int                `json:"done"`
	Total     int                `json:"total"`
	Merging   bool               `json:"merging"`
	Submitted time.Time          `json:"submitted_at"`
}

// Options configures a Pool.
type Options struct {
	// Workers is the number of units run concurrently. Defaults to twice the
	// number of CPUs.
	Workers int
	// Merger finishes downloads. Downloads are only discarded when nil.
	Merger Merger
	// OnFinished is called once per finished task from the finisher goroutine.
	OnFinished func(Result)
	Logger     *slog.Logger
}

type entry struct {
	total     int
	done      int
	failed    int
	cancelled int
	lastErr   error
	merging   bool
	submitted time.Time
}

// Pool is the scheduling engine. Create one with New and release it with
// Shutdown.
type Pool struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	stop   atomic.Bool
	// reportMu orders OnFinished calls against the stop flag, so a report
	// never starts once Shutdown has begun.
	reportMu sync.Mutex

	curMu   sync.Mutex
	curCond *sync.Cond
	current Task

	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []Task

	tallyMu   sync.Mutex
	tallyCond *sync.Cond
	tally     map[Key]*entry

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New starts the worker, scheduler and finisher goroutines.
func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 2 * runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:   opts,
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		tally:  make(map[Key]*entry),
	}
	p.curCond = sync.NewCond(&p.curMu)
	p.queueCond = sync.NewCond(&p.queueMu)
	p.tallyCond = sync.NewCond(&p.tallyMu)

	p.wg.Add(opts.Workers + 2)
	for i := 0; i < opts.Workers; i++ {
		go p.worker(i)
	}
	go p.scheduler()
	go p.finisher()
	p.logger.Debug("task pool started", "workers", opts.Workers)
	return p
}

// Submit registers t in the tally and queues it behind earlier tasks.
func (p *Pool) Submit(t Task) error {
	if t.Len() == 0 {
		return fmt.Errorf("%w: %q", ErrEmptyTask, t.Name())
	}
	k := keyOf(t)

	p.tallyMu.Lock()
	if p.stop.Load() {
		p.tallyMu.Unlock()
		return ErrClosed
	}
	if _, ok := p.tally[k]; ok {
		p.tallyMu.Unlock()
		return fmt.Errorf("%w: %s %q", ErrDuplicateTask, k.Direction, k.Name)
	}
	p.tally[k] = &entry{total: t.Len(), submitted: time.Now()}
	p.tallyMu.Unlock()

	p.queueMu.Lock()
	if p.stop.Load() {
		p.queueMu.Unlock()
		p.tallyMu.Lock()
		delete(p.tally, k)
		p.tallyMu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, t)
	p.queueCond.Broadcast()
	p.queueMu.Unlock()

	p.logger.Info("task submitted", "task", k.Name, "dir", k.Direction.String(), "units", t.Len())
	return nil
}

// HasPendingUpload reports whether an upload named name is still in flight.
func (p *Pool) HasPendingUpload(name string) bool {
	p.tallyMu.Lock()
	defer p.tallyMu.Unlock()
	_, ok := p.tally[Key{Name: name, Direction: transfer.Send}]
	return ok
}

// Snapshot returns the tally entries ordered by name and direction.
func (p *Pool) Snapshot() []Entry {
	p.tallyMu.Lock()
	out := make([]Entry, 0, len(p.tally))
	for k, e := range p.tally {
		out = append(out, Entry{
			Name:      k.Name,
			Direction: k.Direction,
			Done:      e.done,
			Total:     e.total,
			Merging:   e.merging,
			Submitted: e.submitted,
		})
	}
	p.tallyMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Direction < out[j].Direction
	})
	return out
}

// Shutdown stops every task, waits for all pool goroutines to exit and
// releases units that were never dispatched. Tasks still in the tally are
// never reported finished. An OnFinished call already running completes
// before Shutdown returns, and none starts after Shutdown is called.
// Shutdown is idempotent.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.reportMu.Lock()
		p.stop.Store(true)
		p.reportMu.Unlock()
		p.cancel()

		p.curMu.Lock()
		cur := p.current
		p.curCond.Broadcast()
		p.curMu.Unlock()
		if cur != nil {
			cur.RequestStop()
		}

		p.queueMu.Lock()
		pending := append([]Task(nil), p.queue...)
		p.queueCond.Broadcast()
		p.queueMu.Unlock()
		for _, t := range pending {
			t.RequestStop()
		}

		p.tallyMu.Lock()
		p.tallyCond.Broadcast()
		p.tallyMu.Unlock()

		p.wg.Wait()

		// The scheduler may have promoted a task after the first look.
		p.curMu.Lock()
		cur = p.current
		p.curMu.Unlock()
		p.queueMu.Lock()
		pending = p.queue
		p.queue = nil
		p.queueMu.Unlock()
		for _, t := range append(pending, cur) {
			if t == nil {
				continue
			}
			if err := t.Close(); err != nil {
				p.logger.Warn("failed to release task", "task", t.Name(), "error", err)
			}
		}
		p.logger.Debug("task pool stopped")
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		p.curMu.Lock()
		var (
			task Task
			unit transfer.Unit
		)
		for {
			if p.stop.Load() {
				p.curMu.Unlock()
				return
			}
			if p.current != nil {
				if u, ok := p.current.Take(); ok {
					task, unit = p.current, u
					break
				}
			}
			p.curCond.Wait()
		}
		// Peers may take the next unit; the scheduler may promote if this was the last.
		p.curCond.Broadcast()
		p.curMu.Unlock()

		k := keyOf(task)
		p.logger.Debug("unit dispatched", "worker", id, "task", k.Name, "dir", k.Direction.String(), "unit", unit.ID())
		err := unit.Run(p.ctx)
		p.record(k, unit.ID(), err)
	}
}

func (p *Pool) scheduler() {
	defer p.wg.Done()
	for {
		p.curMu.Lock()
		for !p.stop.Load() && p.current != nil && !p.current.Empty() {
			p.curCond.Wait()
		}
		p.curMu.Unlock()

		p.queueMu.Lock()
		for !p.stop.Load() && len(p.queue) == 0 {
			p.queueCond.Wait()
		}
		if p.stop.Load() {
			p.queueMu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.queueMu.Unlock()

		p.curMu.Lock()
		p.current = next
		p.curCond.Broadcast()
		p.curMu.Unlock()
		p.logger.Debug("task promoted", "task", next.Name(), "dir", next.Direction().String())
	}
}

func (p *Pool) record(k Key, unitID int, err error) {
	p.tallyMu.Lock()
	defer p.tallyMu.Unlock()
	e, ok := p.tally[k]
	if !ok || e.done >= e.total {
		p.logger.Error("unit finished for unknown task", "task", k.Name, "dir", k.Direction.String(), "unit", unitID)
		return
	}
	e.done++
	switch {
	case err == nil:
	case errors.Is(err, transfer.ErrCancelled):
		e.cancelled++
	default:
		e.failed++
		e.lastErr = err
		p.logger.Warn("unit failed", "task", k.Name, "dir", k.Direction.String(), "unit", unitID, "error", err)
	}
	p.tallyCond.Broadcast()
}

type finished struct {
	key Key
	entry
}

func (p *Pool) finisher() {
	defer p.wg.Done()
	for {
		p.tallyMu.Lock()
		var batch []finished
		for {
			if p.stop.Load() {
				p.tallyMu.Unlock()
				return
			}
			batch = p.collectLocked()
			if len(batch) > 0 {
				break
			}
			p.tallyCond.Wait()
		}
		p.tallyMu.Unlock()

		for _, f := range batch {
			p.finish(f)
		}
	}
}

// collectLocked removes finished uploads and marks finished downloads as
// merging. Both are returned for finishing outside the lock.
func (p *Pool) collectLocked() []finished {
	var out []finished
	for k, e := range p.tally {
		if e.merging || e.done < e.total {
			continue
		}
		if k.Direction == transfer.Send {
			delete(p.tally, k)
		} else {
			e.merging = true
		}
		out = append(out, finished{key: k, entry: *e})
	}
	return out
}

func (p *Pool) finish(f finished) {
	res := Result{
		Name:      f.key.Name,
		Direction: f.key.Direction,
		Units:     f.total,
		Failed:    f.failed,
		Cancelled: f.cancelled,
		Elapsed:   time.Since(f.submitted),
	}
	if f.failed > 0 || f.cancelled > 0 {
		res.Err = fmt.Errorf("%w: %d failed, %d cancelled of %d units", ErrIncomplete, f.failed, f.cancelled, f.total)
		if f.lastErr != nil {
			res.Err = fmt.Errorf("%w: %w", res.Err, f.lastErr)
		}
	}
	logger := p.logger.With("task", res.Name, "dir", res.Direction.String())

	if f.key.Direction == transfer.Receive {
		if res.Err == nil && p.opts.Merger != nil {
			if err := p.opts.Merger.Merge(res.Name); err != nil {
				logger.Error("merge failed", "error", err)
				res.Err = fmt.Errorf("merge %q: %w", res.Name, err)
			} else {
				logger.Info("chunks merged")
			}
			if err := p.opts.Merger.Cleanup(res.Name); err != nil {
				logger.Warn("cleanup failed", "error", err)
			}
		}
		p.tallyMu.Lock()
		delete(p.tally, f.key)
		p.tallyMu.Unlock()
	}

	p.reportMu.Lock()
	defer p.reportMu.Unlock()
	if p.stop.Load() {
		return
	}
	if res.Err != nil {
		logger.Warn("task finished with errors", "units", res.Units, "elapsed", res.Elapsed, "error", res.Err)
	} else {
		logger.Info("task finished", "units", res.Units, "elapsed", res.Elapsed)
	}
	if p.opts.OnFinished != nil {
		p.opts.OnFinished(res)
	}
}
