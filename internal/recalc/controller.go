// Package recalc decides when the histograms are recomputed. A Controller
// reacts to input-change triggers, runs one computation at a time on the
// work pool and publishes the newest result.
//
// State machine:
//
//	idle|done|failed --trigger--> pending --debounce--> running
//	running --ok--> done        running --error--> failed
//	running --hard trigger--> running (new generation, old run cancelled)
//	running --soft trigger--> running, pending again once it finishes
package recalc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abelbrown/discrimhist/internal/discrim"
	"github.com/abelbrown/discrimhist/internal/logging"
	"github.com/abelbrown/discrimhist/internal/otel"
	"github.com/abelbrown/discrimhist/internal/work"
)

// State is the controller's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// ErrStopped is returned by Trigger once the controller has shut down.
var ErrStopped = errors.New("controller stopped")

// Computer runs one request to completion.
type Computer interface {
	Compute(ctx context.Context, req discrim.Request) (discrim.Result, error)
}

// Listener receives computation outcomes. Exactly one call is made per
// computation that is still current when it finishes. Calls come from the
// controller goroutine, in order.
type Listener interface {
	OnResultReady(discrim.Result)
	OnComputationFailed(*discrim.StageError)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	ResultReady       func(discrim.Result)
	ComputationFailed func(*discrim.StageError)
}

func (l ListenerFuncs) OnResultReady(r discrim.Result) {
	if l.ResultReady != nil {
		l.ResultReady(r)
	}
}

func (l ListenerFuncs) OnComputationFailed(err *discrim.StageError) {
	if l.ComputationFailed != nil {
		l.ComputationFailed(err)
	}
}

// Options configure a Controller.
type Options struct {
	// Debounce delays the start of a computation after the first trigger;
	// triggers inside the window restart it. Zero starts immediately.
	Debounce time.Duration
	// Triggers overrides DefaultTriggers.
	Triggers map[Trigger]Policy
	// Endpoint and Processor are copied into every request.
	Endpoint  string
	Processor string
	// Pool runs computations. Nil gives the controller a private pool.
	Pool *work.Pool
	// Events receives transition events. Optional.
	Events *otel.Logger
}

// Transition is published to subscribers on every state change.
type Transition struct {
	From      State
	To        State
	Gen       uint64
	RequestID string
	Trigger   Trigger             // set when a trigger caused the change
	Err       *discrim.StageError // set on running -> failed
	Time      time.Time
}

type outcome struct {
	gen    uint64
	req    discrim.Request
	result discrim.Result
	err    error
}

// Controller owns the recalculation state machine. All mutable run state
// (generation, cancel func, queued flag, debounce timer) belongs to the
// loop goroutine; the mutex only guards what readers see.
type Controller struct {
	comp     Computer
	src      InputSource
	listener Listener
	opts     Options
	pool     *work.Pool
	ownPool  bool

	triggers chan Trigger
	outcomes chan outcome
	done     chan struct{}
	wg       sync.WaitGroup
	start    sync.Once

	mu        sync.RWMutex
	state     State
	gen       uint64 // mirrored for readers
	clusters  []discrim.ClusterID
	current   discrim.Request
	result    discrim.Result
	hasResult bool
	lastErr   *discrim.StageError

	subsMu sync.Mutex
	subs   []chan Transition

	// loop-owned
	runGen    uint64
	runItem   string // pool item of the current run
	cancelRun context.CancelFunc
	queued    bool
	timer     *time.Timer
}

// New creates a controller. listener may be nil.
func New(comp Computer, src InputSource, listener Listener, opts Options) *Controller {
	if opts.Triggers == nil {
		opts.Triggers = DefaultTriggers()
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}
	c := &Controller{
		comp:     comp,
		src:      src,
		listener: listener,
		opts:     opts,
		pool:     opts.Pool,
		triggers: make(chan Trigger, 64),
		outcomes: make(chan outcome, 4),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	if c.pool == nil {
		c.pool = work.NewPool(1)
		c.ownPool = true
	}
	return c
}

// Start runs the controller until ctx is cancelled. Calling Start again is
// a no-op.
func (c *Controller) Start(ctx context.Context) {
	c.start.Do(func() {
		if c.ownPool {
			c.pool.Start(ctx)
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.loop(ctx)
		}()
	})
}

// Wait blocks until the controller goroutine exits.
// Call after cancelling the context passed to Start.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Trigger reports an input change. Unknown triggers are rejected.
func (c *Controller) Trigger(t Trigger) error {
	if _, ok := c.opts.Triggers[t]; !ok {
		return fmt.Errorf("unknown trigger %q", t)
	}
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.triggers <- t:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// Triggers returns the trigger table in use.
func (c *Controller) Triggers() map[Trigger]Policy {
	out := make(map[Trigger]Policy, len(c.opts.Triggers))
	for t, p := range c.opts.Triggers {
		out[t] = p
	}
	return out
}

// SetClusterNumbers sets the clusters of the next computation. It does not
// start one; send TriggerClusters for that.
func (c *Controller) SetClusterNumbers(ids []discrim.ClusterID) {
	cp := make([]discrim.ClusterID, len(ids))
	copy(cp, ids)
	c.mu.Lock()
	c.clusters = cp
	c.mu.Unlock()
}

// ClusterNumbers returns the clusters the next computation will use.
func (c *Controller) ClusterNumbers() []discrim.ClusterID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := make([]discrim.ClusterID, len(c.clusters))
	copy(cp, c.clusters)
	return cp
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Generation returns the generation of the newest computation started.
func (c *Controller) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// CurrentRequest returns the request of the newest computation started.
// Inside Listener callbacks it is the request that just finished.
func (c *Controller) CurrentRequest() discrim.Request {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Clone()
}

// Result returns the latest successful result, if any. A failed computation
// does not clear it.
func (c *Controller) Result() (discrim.Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result, c.hasResult
}

// LastError returns the error of the most recent computation if it failed.
func (c *Controller) LastError() *discrim.StageError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Subscribe returns a channel of state transitions. Slow subscribers miss
// transitions rather than block the controller.
func (c *Controller) Subscribe() <-chan Transition {
	ch := make(chan Transition, 32)
	c.subsMu.Lock()
	c.subs = append(c.subs, ch)
	c.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription.
func (c *Controller) Unsubscribe(ch <-chan Transition) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for i, sub := range c.subs {
		if sub == ch {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (c *Controller) loop(ctx context.Context) {
	defer close(c.done)
	defer func() {
		c.abandonRun()
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.ownPool {
			c.pool.Stop()
		}
	}()

	for {
		var timerC <-chan time.Time
		if c.timer != nil {
			timerC = c.timer.C
		}
		select {
		case <-ctx.Done():
			return
		case t := <-c.triggers:
			c.handleTrigger(ctx, t)
		case <-timerC:
			c.timer = nil
			c.startRun(ctx, "")
		case o := <-c.outcomes:
			c.handleOutcome(ctx, o)
		}
	}
}

func (c *Controller) handleTrigger(ctx context.Context, t Trigger) {
	policy := c.opts.Triggers[t]
	c.emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindRecalcTrigger, Msg: string(t),
		State: string(c.State()), Extra: map[string]any{"policy": policy.String()}})

	switch c.State() {
	case StateIdle, StateDone, StateFailed:
		c.setState(StatePending, t, "", nil)
		c.schedule(ctx, t)
	case StatePending:
		if c.timer != nil {
			c.timer.Reset(c.opts.Debounce)
		}
	case StateRunning:
		if policy == Hard {
			c.emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindRecalcCancel, Gen: c.runGen, Msg: string(t)})
			logging.Info("Cancelling computation", "gen", c.runGen, "trigger", t)
			c.abandonRun()
			c.queued = false // the restart snapshots everything
			c.startRun(ctx, t)
			return
		}
		c.queued = true
	}
}

// schedule starts a run now or after the debounce window.
func (c *Controller) schedule(ctx context.Context, t Trigger) {
	if c.opts.Debounce <= 0 {
		c.startRun(ctx, t)
		return
	}
	c.timer = time.NewTimer(c.opts.Debounce)
}

// abandonRun cancels the current run and releases its pool slot, so the
// next generation never queues behind a run that is slow to unwind.
func (c *Controller) abandonRun() {
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	if c.runItem != "" {
		c.pool.Cancel(c.runItem)
		c.runItem = ""
	}
}

// startRun snapshots the inputs and submits a computation for a new
// generation.
func (c *Controller) startRun(ctx context.Context, t Trigger) {
	// Inputs and clusters come from one point in time.
	c.mu.RLock()
	in := c.src.Snapshot()
	req := discrim.NewRequest(c.opts.Endpoint, c.opts.Processor, in.Timeseries, in.Firings, in.Filter, c.clusters)
	c.mu.RUnlock()

	c.runGen++
	gen := c.runGen
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel

	c.mu.Lock()
	c.gen = gen
	c.current = req
	c.mu.Unlock()
	c.setState(StateRunning, t, req.ID, nil)

	desc := fmt.Sprintf("Compute %d clusters (gen %d)", len(req.Clusters), gen)
	c.runItem = c.pool.SubmitWithData(runCtx, work.TypeCompute, desc, req.ID, work.PriorityHigh,
		func(ctx context.Context) (string, any, error) {
			res, err := c.compute(ctx, req)
			select {
			case c.outcomes <- outcome{gen: gen, req: req, result: res, err: err}:
			case <-c.done:
			}
			if err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("%d histograms", len(res.Histograms)), res, nil
		})
}

// compute runs the computer, reporting a panic as an unknown-kind failure
// so every run yields exactly one outcome.
func (c *Controller) compute(ctx context.Context, req discrim.Request) (res discrim.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Computation panicked", "rid", req.ID, "panic", r)
			res = discrim.Result{}
			err = discrim.NewStageError(discrim.KindUnknown, "compute", fmt.Errorf("panic: %v", r))
		}
	}()
	return c.comp.Compute(ctx, req)
}

func (c *Controller) handleOutcome(ctx context.Context, o outcome) {
	if o.gen != c.runGen {
		c.emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindRecalcStale, Gen: o.gen, RequestID: o.req.ID,
			Msg: fmt.Sprintf("current gen %d", c.runGen)})
		logging.Debug("Discarding stale result", "gen", o.gen, "current", c.runGen, "rid", o.req.ID)
		return
	}
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	c.runItem = ""

	if o.err != nil {
		se := discrim.AsStageError(o.err)
		c.mu.Lock()
		c.lastErr = se
		c.mu.Unlock()
		c.setState(StateFailed, "", o.req.ID, se)
		logging.Warn("Computation failed", "gen", o.gen, "rid", o.req.ID, "stage", se.Stage, "kind", se.Kind, "err", se.Err)
		c.listener.OnComputationFailed(se)
	} else {
		c.mu.Lock()
		c.result = o.result
		c.hasResult = true
		c.lastErr = nil
		c.mu.Unlock()
		c.setState(StateDone, "", o.req.ID, nil)
		logging.Info("Computation done", "gen", o.gen, "rid", o.req.ID, "histograms", len(o.result.Histograms))
		c.listener.OnResultReady(o.result)
	}

	if c.queued {
		c.queued = false
		c.setState(StatePending, "", "", nil)
		c.schedule(ctx, "")
	}
}

func (c *Controller) setState(to State, t Trigger, requestID string, err *discrim.StageError) {
	c.mu.Lock()
	from := c.state
	c.state = to
	gen := c.gen
	c.mu.Unlock()

	tr := Transition{From: from, To: to, Gen: gen, RequestID: requestID, Trigger: t, Err: err, Time: time.Now()}
	ev := otel.Event{Level: otel.LevelInfo, Kind: otel.KindRecalcTransition, Gen: gen, RequestID: requestID,
		State: string(to), Msg: string(from) + "->" + string(to)}
	if err != nil {
		ev.Level = otel.LevelError
		ev.Err = err.Error()
		ev.Stage = err.Stage
	}
	c.emit(ev)

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- tr:
		default:
		}
	}
}

func (c *Controller) emit(e otel.Event) {
	if c.opts.Events != nil {
		e.Comp = "recalc"
		c.opts.Events.Emit(e)
	}
}
