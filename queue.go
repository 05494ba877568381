package board

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// txRound is one write-then-await step of a transaction. Simple commands
// have a single round; file transfers chain several under one deadline.
type txRound struct {
	payload []byte
	cap     *capture
}

// txResult carries the captured body of each completed round, in order.
type txResult struct {
	bodies [][]byte
	err    error
}

// txEntry is one queued transaction.
type txEntry struct {
	label    string
	rounds   []txRound
	timeout  time.Duration
	ctx      context.Context
	resultCh chan txResult
	enqueued time.Time
}

func newTxEntry(ctx context.Context, label string, timeout time.Duration, rounds ...txRound) *txEntry {
	return &txEntry{
		label:    label,
		rounds:   rounds,
		timeout:  timeout,
		ctx:      ctx,
		resultCh: make(chan txResult, 1),
		enqueued: time.Now(),
	}
}

// reject delivers err without running the entry.
func (e *txEntry) reject(err error) {
	select {
	case e.resultCh <- txResult{err: err}:
	default:
	}
}

// complete delivers the finished result.
func (e *txEntry) complete(res txResult) {
	select {
	case e.resultCh <- res:
	default:
	}
}

// txQueue is a per-device FIFO of transactions, drained by exactly one
// goroutine. Closing the queue rejects everything still waiting.
type txQueue struct {
	entries chan *txEntry
	done    chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
}

func newTxQueue(depth int) *txQueue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &txQueue{
		entries: make(chan *txEntry, depth),
		done:    make(chan struct{}),
	}
}

// submit places e at the tail of the queue. When the queue is full it
// waits for room, the caller's context, or queue shutdown.
func (q *txQueue) submit(e *txEntry) error {
	if q.closed.Load() {
		return ErrNotConnected
	}

	sent := false
	select {
	case q.entries <- e:
		sent = true
	default:
	}

	if !sent {
		select {
		case q.entries <- e:
		case <-e.ctx.Done():
			return e.ctx.Err()
		case <-q.done:
			return ErrNotConnected
		}
	}

	// The queue may have shut down between the closed check and the send.
	// The drain loop has already swept the channel in that case, so sweep
	// again to guarantee this entry is rejected rather than stranded.
	if q.closed.Load() {
		q.drainPending(ErrNotConnected)
	}
	return nil
}

// depth returns the number of transactions waiting behind the in-flight one.
func (q *txQueue) depth() int { return len(q.entries) }

// close stops intake. The drain loop completes shutdown by rejecting
// whatever is still queued.
func (q *txQueue) close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.done)
	})
}

// drainPending rejects all waiting transactions with err.
func (q *txQueue) drainPending(err error) {
	for {
		select {
		case e := <-q.entries:
			if e == nil {
				return
			}
			e.reject(err)
		default:
			return
		}
	}
}
