package transfer

import (
	"fmt"
	"io"
	"sync"

	"github.com/xSeung/MultiThread-FileTransferr/internal/chunk"
)

// Direction is the way a task moves bytes.
type Direction int

const (
	// Send uploads chunks to a remote receiver.
	Send Direction = iota
	// Receive accepts chunks and writes them locally.
	Receive
)

func (d Direction) String() string {
	switch d {
	case Send:
		return "send"
	case Receive:
		return "receive"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ParseDirection is the inverse of Direction.String.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "send":
		return Send, nil
	case "receive":
		return Receive, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// Target pairs a chunk reader with the receiver endpoint it uploads to.
type Target struct {
	Addr   string
	Reader chunk.Reader
}

// PortMapping associates a chunk with the port its receive unit listens on.
type PortMapping struct {
	ID   int `json:"id"`
	Port int `json:"port"`
}

// Task is a named whole-file transfer: a fixed set of units of one direction.
// Units are handed out in chunk order.
type Task struct {
	name string
	dir  Direction

	mu    sync.Mutex
	units []Unit
	next  int
}

// NewReceiveTask creates one listening receive unit per writer.
func NewReceiveTask(name string, writers []chunk.Writer, opts Options) (*Task, error) {
	opts.Logger = opts.normalized().Logger.With("task", name, "dir", Receive.String())
	units := make([]Unit, 0, len(writers))
	for _, w := range writers {
		u, err := NewReceiveUnit(w, opts)
		if err != nil {
			for _, created := range units {
				_ = created.(*ReceiveUnit).Close()
			}
			return nil, err
		}
		units = append(units, u)
	}
	return &Task{name: name, dir: Receive, units: units}, nil
}

// NewSendTask creates one send unit per target.
func NewSendTask(name string, targets []Target, opts Options) (*Task, error) {
	opts.Logger = opts.normalized().Logger.With("task", name, "dir", Send.String())
	units := make([]Unit, 0, len(targets))
	for _, t := range targets {
		if t.Reader == nil {
			return nil, fmt.Errorf("target %q has no reader", t.Addr)
		}
		units = append(units, NewSendUnit(t.Addr, t.Reader, opts))
	}
	return &Task{name: name, dir: Send, units: units}, nil
}

func (t *Task) Name() string {
	return t.name
}

func (t *Task) Direction() Direction {
	return t.dir
}

// Len returns the fixed number of units the task was built with.
func (t *Task) Len() int {
	return len(t.units)
}

// Empty reports whether every unit has been taken.
func (t *Task) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next >= len(t.units)
}

// Take removes and returns the next unit in chunk order.
func (t *Task) Take() (Unit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.next >= len(t.units) {
		return nil, false
	}
	u := t.units[t.next]
	t.next++
	return u, true
}

// RequestStop stops every unit of the task, dispatched or not.
func (t *Task) RequestStop() {
	for _, u := range t.units {
		u.RequestStop()
	}
}

// Close releases the resources of units that were never taken.
func (t *Task) Close() error {
	t.mu.Lock()
	pending := t.units[t.next:]
	t.next = len(t.units)
	t.mu.Unlock()

	var first error
	for _, u := range pending {
		if c, ok := u.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// ListeningPorts returns the port of every unit, for publication to the
// sending side. It fails with ErrWrongDirection on a send task.
func (t *Task) ListeningPorts() ([]PortMapping, error) {
	if t.dir != Receive {
		return nil, fmt.Errorf("%w: listening ports of %s task %q", ErrWrongDirection, t.dir, t.name)
	}
	ports := make([]PortMapping, 0, len(t.units))
	for _, u := range t.units {
		pp, ok := u.(PortProvider)
		if !ok {
			return nil, fmt.Errorf("%w: unit %d does not listen", ErrWrongDirection, u.ID())
		}
		ports = append(ports, PortMapping{ID: u.ID(), Port: pp.LocalPort()})
	}
	return ports, nil
}
