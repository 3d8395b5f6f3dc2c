package migrate

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ProgressStatus is the state of an operation while a plan runs.
type ProgressStatus string

const (
	ProgressPending  ProgressStatus = "pending"
	ProgressWorking  ProgressStatus = "working"
	ProgressComplete ProgressStatus = "complete"
	ProgressFailed   ProgressStatus = "failed"
)

// ProgressEvent is emitted after each state change and each committed batch.
type ProgressEvent struct {
	OperationIndex int
	Operation      Operation
	Status         ProgressStatus
	Batch          int
	Updated        int
	Matched        int
	Message        string
}

// ProgressPrinter renders progress events as status lines on a writer.
// Observe never blocks the engine: events queue in a buffer drained by a
// background goroutine, and overflow is counted rather than waited on.
type ProgressPrinter struct {
	w       io.Writer
	render  func(string) string
	queue   chan ProgressEvent
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
}

// NewProgressPrinter starts a printer writing to w. render styles each line
// and may be nil.
func NewProgressPrinter(w io.Writer, render func(string) string) *ProgressPrinter {
	if render == nil {
		render = func(s string) string { return s }
	}
	p := &ProgressPrinter{
		w:      w,
		render: render,
		queue:  make(chan ProgressEvent, 256),
		done:   make(chan struct{}),
	}
	go p.drain()
	return p
}

// Observe queues ev for printing. Pass it to WithProgress.
func (p *ProgressPrinter) Observe(ev ProgressEvent) {
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Close stops accepting events, waits for queued lines to be written and
// returns how many events were dropped on overflow. Safe to call twice.
func (p *ProgressPrinter) Close() int {
	p.once.Do(func() { close(p.queue) })
	<-p.done
	return int(p.dropped.Load())
}

func (p *ProgressPrinter) drain() {
	defer close(p.done)
	for ev := range p.queue {
		fmt.Fprintln(p.w, p.render(FormatProgress(ev)))
	}
}

// FormatProgress formats a ProgressEvent as a human-readable status line.
func FormatProgress(event ProgressEvent) string {
	switch event.Status {
	case ProgressPending:
		return fmt.Sprintf("  ○ %s (pending)", event.Operation)
	case ProgressWorking:
		if event.Batch == 0 {
			return fmt.Sprintf("  ● %s: %d matched", event.Operation, event.Matched)
		}
		return fmt.Sprintf("  ● %s: batch %d, %d/%d", event.Operation, event.Batch, event.Updated, event.Matched)
	case ProgressComplete:
		return fmt.Sprintf("  ✓ %s complete (%d updated)", event.Operation, event.Updated)
	case ProgressFailed:
		return fmt.Sprintf("  ✗ %s failed: %s", event.Operation, event.Message)
	default:
		return fmt.Sprintf("  ? %s (unknown status)", event.Operation)
	}
}
