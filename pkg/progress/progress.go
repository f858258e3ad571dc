// Package progress delivers completion reports from long-running filesystem
// operations to an optional caller-supplied sink carried in the context.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
)

// Status describes the phase of a reported operation.
type Status int

const (
	StatusStarted Status = iota
	StatusRunning
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	}
	return "unknown"
}

// Report is a single progress data point. Task identifies one operation;
// reports with the same Task value belong to the same invocation.
type Report struct {
	Task    uint64
	Op      string
	Status  Status
	Percent int
	Message string
}

// Sink receives progress reports. A sink shared between concurrent
// operations must be safe for concurrent use.
type Sink interface {
	Report(Report)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(Report)

func (f SinkFunc) Report(r Report) { f(r) }

type sinkKey struct{}

// NewContext returns a copy of ctx that carries s. Operations started with
// the returned context report their progress to s.
func NewContext(ctx context.Context, s Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, s)
}

// FromContext returns the sink carried by ctx, or nil if there is none.
func FromContext(ctx context.Context) Sink {
	s, _ := ctx.Value(sinkKey{}).(Sink)
	return s
}

var taskCounter uint64

// Task tracks the progress of a single operation. The reported percentage
// never decreases: updates below the current high-water mark are raised to
// it, so a consumer always observes a monotonic sequence ending at 100.
type Task struct {
	id   uint64
	op   string
	sink Sink

	mu   sync.Mutex
	last int
	done bool
}

// Begin opens a reporting span for op and emits the start data point. It
// never returns nil; without a sink in ctx the returned task discards all
// reports.
func Begin(ctx context.Context, op string) *Task {
	t := &Task{
		id:   atomic.AddUint64(&taskCounter, 1),
		op:   op,
		sink: FromContext(ctx),
	}
	t.emit(StatusStarted, 0, "")
	return t
}

// Update reports an intermediate completion percentage.
func (t *Task) Update(percent int, message string) {
	if percent > 100 {
		percent = 100
	}
	t.emit(StatusRunning, percent, message)
}

// Done closes the span, reporting 100 percent. Calling Done more than once
// is a no-op.
func (t *Task) Done() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()
	t.emit(StatusCompleted, 100, "")
}

func (t *Task) emit(status Status, percent int, message string) {
	if t.sink == nil {
		return
	}
	t.mu.Lock()
	if percent < t.last {
		percent = t.last
	}
	t.last = percent
	t.mu.Unlock()
	t.sink.Report(Report{
		Task:    t.id,
		Op:      t.op,
		Status:  status,
		Percent: percent,
		Message: message,
	})
}
