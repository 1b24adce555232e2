package work

import (
	"container/heap"
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abelbrown/discrimhist/internal/logging"
)

// historySize is how many finished items a pool remembers.
const historySize = 100

// Pool runs submitted items with bounded concurrency, highest priority
// first. Each item runs under its own context, derived from the context it
// was submitted with and cancelled when the pool stops.
type Pool struct {
	mu      sync.Mutex
	workers int
	closed  bool

	pending   priorityQueue
	byID      map[string]*Item // pending, active and unwinding
	active    map[string]*Item
	unwinding map[string]*Item // cancelled while active, not yet returned
	done      *history

	wake chan struct{}

	subscribers   []chan Event
	subscribersMu sync.RWMutex

	totalCreated   atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
	totalCancelled atomic.Int64
	nextID         atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool creates a work pool with the specified number of workers.
// If workers <= 0, uses runtime.NumCPU().
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: workers,
		byID:      make(map[string]*Item),
		active:    make(map[string]*Item),
		unwinding: make(map[string]*Item),
		done:      newHistory(historySize),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the dispatch loop. The pool stops when ctx is cancelled or
// Stop is called. Calling Start again is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		context.AfterFunc(ctx, p.cancel)
		p.wg.Add(1)
		go p.loop()
		logging.Info("Work pool started", "workers", p.workers)
	})
}

// Stop cancels running items, drops pending ones and waits for every
// goroutine to exit. Idempotent.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.drainPending() // loop may never have started
		logging.Info("Work pool stopped",
			"created", p.totalCreated.Load(),
			"completed", p.totalCompleted.Load(),
			"failed", p.totalFailed.Load(),
			"cancelled", p.totalCancelled.Load())
	})
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			p.drainPending()
			return
		case <-p.wake:
			p.dispatchPending()
		}
	}
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Submit queues item to run under ctx and returns its ID. An item submitted
// after the pool stopped is recorded as cancelled.
func (p *Pool) Submit(ctx context.Context, item *Item) string {
	item.ID = p.generateID()
	item.Status = StatusPending
	item.CreatedAt = time.Now()
	item.ctx = ctx
	item.finished = make(chan struct{})
	p.totalCreated.Add(1)

	p.mu.Lock()
	if p.closed {
		ev := p.finishLocked(item, "", context.Canceled, true)
		p.mu.Unlock()
		p.notify(ev)
		return item.ID
	}
	heap.Push(&p.pending, item)
	p.byID[item.ID] = item
	cp := *item
	p.mu.Unlock()

	p.notify(Event{Item: &cp, Change: ChangeCreated})
	p.signal()
	return item.ID
}

// SubmitFunc queues fn at the given priority.
func (p *Pool) SubmitFunc(ctx context.Context, typ Type, desc string, priority int, fn func(ctx context.Context) (string, error)) string {
	return p.Submit(ctx, &Item{
		Type:        typ,
		Description: desc,
		Priority:    priority,
		workFn:      fn,
	})
}

// Run queues fn at normal priority and waits until it finishes. It returns
// fn's error, or the context error when ctx ends first.
func (p *Pool) Run(ctx context.Context, typ Type, desc string, fn func(ctx context.Context) (string, error)) error {
	item := &Item{Type: typ, Description: desc, Priority: PriorityNormal, workFn: fn}
	p.Submit(ctx, item)
	select {
	case <-item.finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return item.Error
}

// SubmitWithData queues work that returns a value alongside its summary.
// source correlates the item with a request.
func (p *Pool) SubmitWithData(ctx context.Context, typ Type, desc, source string, priority int, fn func(ctx context.Context) (string, any, error)) string {
	item := &Item{
		Type:        typ,
		Description: desc,
		Source:      source,
		Priority:    priority,
	}
	item.workFn = func(ctx context.Context) (string, error) {
		result, data, err := fn(ctx)
		p.mu.Lock()
		item.Data = data
		p.mu.Unlock()
		return result, err
	}
	return p.Submit(ctx, item)
}

// dispatchPending starts pending items while workers are free.
func (p *Pool) dispatchPending() {
	type run struct {
		item *Item
		ctx  context.Context
	}
	var runs []run
	var events []Event

	p.mu.Lock()
	for p.pending.Len() > 0 && len(p.active) < p.workers {
		if p.ctx.Err() != nil {
			break // stopping; drainPending takes the rest
		}
		item := heap.Pop(&p.pending).(*Item)
		if err := item.ctx.Err(); err != nil {
			events = append(events, p.finishLocked(item, "", err, true))
			continue
		}

		runCtx, cancel := context.WithCancel(item.ctx)
		stop := context.AfterFunc(p.ctx, cancel)
		item.cancel = func() {
			stop()
			cancel()
		}
		item.Status = StatusActive
		item.StartedAt = time.Now()
		p.active[item.ID] = item

		cp := *item
		events = append(events, Event{Item: &cp, Change: ChangeStarted})
		runs = append(runs, run{item: item, ctx: runCtx})
		p.wg.Add(1)
	}
	p.mu.Unlock()

	for _, ev := range events {
		p.notify(ev)
	}
	for _, r := range runs {
		go p.execute(r.item, r.ctx)
	}
}

// execute runs a single work item.
func (p *Pool) execute(item *Item, ctx context.Context) {
	defer p.wg.Done()

	var result string
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error("Work panicked", "id", item.ID, "panic", r)
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		if item.workFn == nil {
			err = fmt.Errorf("no work function")
			return
		}
		result, err = item.workFn(ctx)
	}()

	cancelled := err != nil && ctx.Err() != nil
	p.mu.Lock()
	ev := p.finishLocked(item, result, err, cancelled)
	p.mu.Unlock()

	p.notify(ev)
	p.signal()
}

// finishLocked records the outcome of item. Caller holds p.mu.
func (p *Pool) finishLocked(item *Item, result string, err error, cancelled bool) Event {
	if item.cancel != nil {
		item.cancel()
		item.cancel = nil
	}
	item.FinishedAt = time.Now()
	item.Result = result
	item.Error = err

	var change Change
	switch {
	case cancelled:
		item.Status = StatusCancelled
		change = ChangeCancelled
		p.totalCancelled.Add(1)
	case err != nil:
		item.Status = StatusFailed
		change = ChangeFailed
		p.totalFailed.Add(1)
	default:
		item.Status = StatusComplete
		change = ChangeCompleted
		p.totalCompleted.Add(1)
	}

	delete(p.active, item.ID)
	delete(p.unwinding, item.ID)
	delete(p.byID, item.ID)
	p.done.push(item)
	close(item.finished)

	cp := *item
	return Event{Item: &cp, Change: change}
}

// drainPending cancels everything still queued once the pool stops.
func (p *Pool) drainPending() {
	var events []Event
	p.mu.Lock()
	p.closed = true
	for p.pending.Len() > 0 {
		item := heap.Pop(&p.pending).(*Item)
		events = append(events, p.finishLocked(item, "", context.Canceled, true))
	}
	p.mu.Unlock()

	for _, ev := range events {
		p.notify(ev)
	}
}

// Cancel cancels a pending or active item. It reports whether the item was
// still in the pool. An active item finishes once its function returns, but
// stops counting against the worker limit at once.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	item, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if item.Status == StatusActive {
		cancel := item.cancel
		if _, running := p.active[id]; running {
			delete(p.active, id)
			p.unwinding[id] = item
		}
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		p.signal()
		return true
	}

	heap.Remove(&p.pending, item.heapIndex)
	ev := p.finishLocked(item, "", context.Canceled, true)
	p.mu.Unlock()
	p.notify(ev)
	return true
}

// Snapshot returns copies of the current pool state.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending := make([]*Item, len(p.pending))
	for i, item := range p.pending {
		cp := *item
		pending[i] = &cp
	}
	active := make([]*Item, 0, len(p.active)+len(p.unwinding))
	for _, m := range []map[string]*Item{p.active, p.unwinding} {
		for _, item := range m {
			cp := *item
			active = append(active, &cp)
		}
	}
	recent := p.done.recent(0)
	completed := make([]*Item, len(recent))
	for i, item := range recent {
		cp := *item
		completed[i] = &cp
	}

	return Snapshot{
		Pending:   pending,
		Active:    active,
		Completed: completed,
		Stats:     p.statsLocked(),
	}
}

// Subscribe returns a channel that receives work events.
// The channel should be drained to avoid dropped events.
func (p *Pool) Subscribe() <-chan Event {
	ch := make(chan Event, 100)
	p.subscribersMu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.subscribersMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (p *Pool) Unsubscribe(ch <-chan Event) {
	p.subscribersMu.Lock()
	defer p.subscribersMu.Unlock()

	for i, sub := range p.subscribers {
		if sub == ch {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// notify sends an event to all subscribers.
func (p *Pool) notify(event Event) {
	LogEvent(event)

	p.subscribersMu.RLock()
	defer p.subscribersMu.RUnlock()

	for _, ch := range p.subscribers {
		select {
		case ch <- event:
		default:
			logging.Debug("Work event dropped (subscriber full)",
				"id", event.Item.ID,
				"change", event.Change)
		}
	}
}

func (p *Pool) generateID() string {
	return fmt.Sprintf("w%d", p.nextID.Add(1))
}

// Stats returns current statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	return Stats{
		TotalCreated:   p.totalCreated.Load(),
		TotalCompleted: p.totalCompleted.Load(),
		TotalFailed:    p.totalFailed.Load(),
		TotalCancelled: p.totalCancelled.Load(),
		WorkersActive:  len(p.active),
		WorkersTotal:   p.workers,
		PendingCount:   len(p.pending),
		Unwinding:      len(p.unwinding),
	}
}
