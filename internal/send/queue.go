package send

import (
	"log/slog"
	"sync"

	"github.com/eapache/queue"

	"github.com/postalsys/quicmux/internal/logging"
	"github.com/postalsys/quicmux/internal/recovery"
)

// Sender is the part of Path a Queue drives.
type Sender interface {
	Send(o *Outbound) Outcome
}

// Queue is an unbounded FIFO of outbound datagrams drained by a single
// sender goroutine. Enqueue never blocks.
type Queue struct {
	sender   Sender
	complete func(*Outbound, Outcome)
	logger   *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	items   *queue.Queue
	closed  bool
	abandon bool
	started bool

	stopped chan struct{}
}

// NewQueue creates a queue sending through s. complete is called on the
// sender goroutine after each datagram; when nil, Outbound.Done is called
// directly.
func NewQueue(s Sender, complete func(*Outbound, Outcome), logger *slog.Logger) *Queue {
	if logger == nil {
		logger = logging.NopLogger()
	}
	q := &Queue{
		sender:   s,
		complete: complete,
		logger:   logging.WithComponent(logger, "send"),
		items:    queue.New(),
		stopped:  make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the sender goroutine. Calling it more than once is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.run()
}

// Enqueue appends o. It reports false when the queue is closed; o is then
// left to the caller to complete.
func (q *Queue) Enqueue(o *Outbound) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items.Add(o)
	q.mu.Unlock()
	q.cond.Signal()
	return true
}

// Len returns the number of datagrams waiting to be sent.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Close stops accepting datagrams and waits for the sender goroutine to
// exit. With drain set, queued datagrams are still sent; otherwise they are
// completed with ErrSendAbandoned. A send already in the kernel call always
// finishes.
func (q *Queue) Close(drain bool) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.abandon = !drain
	}
	started := q.started
	q.mu.Unlock()
	q.cond.Broadcast()

	if started {
		<-q.stopped
		return
	}
	// Never started: nothing will drain the backlog.
	for {
		q.mu.Lock()
		if q.items.Length() == 0 {
			q.mu.Unlock()
			return
		}
		o := q.items.Remove().(*Outbound)
		q.mu.Unlock()
		q.finish(o, Outcome{Err: ErrSendAbandoned})
	}
}

// Abandon makes the sender complete every queued datagram with
// ErrSendAbandoned instead of sending it.
func (q *Queue) Abandon() {
	q.mu.Lock()
	q.abandon = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue) run() {
	defer close(q.stopped)
	defer recovery.RecoverWithLog(q.logger, "send.Queue.run")

	for {
		q.mu.Lock()
		for q.items.Length() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.items.Length() == 0 {
			q.mu.Unlock()
			return
		}
		o := q.items.Remove().(*Outbound)
		abandon := q.abandon
		q.mu.Unlock()

		if abandon {
			q.finish(o, Outcome{Err: ErrSendAbandoned})
			continue
		}
		q.finish(o, q.sender.Send(o))
	}
}

func (q *Queue) finish(o *Outbound, out Outcome) {
	if q.complete != nil {
		q.complete(o, out)
		return
	}
	if o.Done != nil {
		o.Done(out)
	}
}
