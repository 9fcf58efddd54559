// Package audit provides an append-only, asynchronously-flushed log of
// prompts/responses. It is an external collaborator per spec.md §1: it is
// never consulted by the evaluator or quota service, and a failure to write
// an audit entry never blocks or reverses an admission decision.
package audit

import (
	"context"
	"sync"
	"time"
)

// Entry is one audit log record.
type Entry struct {
	Timestamp  time.Time
	Model      string
	Username   string
	CallerName string
	Project    string
	Prompt     string
	Response   string
	Metadata   map[string]string
}

// Sink persists audit entries. Implementations must tolerate batches of any
// size, including zero.
type Sink interface {
	WriteEntry(ctx context.Context, e Entry) error
	WriteBatch(ctx context.Context, entries []Entry) error
}

// AsyncLogger batches entries in memory and flushes them to a Sink either
// when the batch fills or on a fixed tick, whichever comes first.
type AsyncLogger struct {
	ch   chan Entry
	wg   sync.WaitGroup
	sink Sink
}

// NewAsyncLogger starts a background drain loop writing to sink. A
// non-positive bufferSize falls back to a generous default.
func NewAsyncLogger(sink Sink, bufferSize int) *AsyncLogger {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	al := &AsyncLogger{
		ch:   make(chan Entry, bufferSize),
		sink: sink,
	}
	al.wg.Add(1)
	go al.drain()
	return al
}

// Log queues an entry for asynchronous writing. If the buffer is full the
// entry is dropped rather than blocking the caller's request path.
func (al *AsyncLogger) Log(e Entry) {
	select {
	case al.ch <- e:
	default:
	}
}

// Close flushes pending entries and stops the drain loop.
func (al *AsyncLogger) Close() {
	close(al.ch)
	al.wg.Wait()
}

func (al *AsyncLogger) drain() {
	defer al.wg.Done()

	batch := make([]Entry, 0, 100)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-al.ch:
			if !ok {
				if len(batch) > 0 {
					al.flush(batch)
				}
				return
			}
			batch = append(batch, e)
			if len(batch) >= 100 {
				al.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				al.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (al *AsyncLogger) flush(batch []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Copy the batch: the caller's slice is reused after this call returns.
	cp := make([]Entry, len(batch))
	copy(cp, batch)
	_ = al.sink.WriteBatch(ctx, cp)
}
