package actor

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultQueueSize bounds the number of queued messages per actor.
const DefaultQueueSize = 100

var ErrTerminated = errors.New("actor terminated")

// Message is a unit of work addressed to an actor. Kind selects the handler
// branch; the remaining fields are optional arguments.
type Message[K comparable] struct {
	Kind    K
	Arg1    int
	Arg2    int
	Payload any
}

type Handler[K comparable] func(Message[K])

type Options struct {
	QueueSize int
	Logger    *slog.Logger
}

type Option func(*Options)

func WithQueueSize(n int) Option {
	return func(o *Options) { o.QueueSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

type delayed[K comparable] struct {
	msg   Message[K]
	timer *time.Timer
}

// Actor runs a single goroutine that dispatches queued messages to one
// handler, one message at a time, in queue order. Producers may submit from
// any goroutine. Delayed messages join the queue only when their delay
// elapses.
type Actor[K comparable] struct {
	name    string
	handler Handler[K]
	logger  *slog.Logger

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    []Message[K]
	capacity int

	timers  map[uint64]*delayed[K]
	timerID uint64

	started    bool
	terminated bool
	exited     chan struct{}
}

func New[K comparable](name string, h Handler[K], opts ...Option) *Actor[K] {
	o := Options{QueueSize: DefaultQueueSize, Logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}

	a := &Actor[K]{
		name:     name,
		handler:  h,
		logger:   o.Logger.With("actor", name),
		queue:    make([]Message[K], 0, o.QueueSize),
		capacity: o.QueueSize,
		timers:   make(map[uint64]*delayed[K]),
		exited:   make(chan struct{}),
	}
	a.notEmpty = sync.NewCond(&a.mu)
	a.notFull = sync.NewCond(&a.mu)
	return a
}

// Start spawns the processing loop. Only the first call has an effect.
func (a *Actor[K]) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	if a.terminated {
		a.logger.Warn("Start called on terminated actor")
		return
	}
	a.started = true
	go a.run()
}

func (a *Actor[K]) run() {
	defer close(a.exited)
	a.logger.Debug("Actor loop started")
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.terminated {
			a.notEmpty.Wait()
		}
		if a.terminated {
			a.mu.Unlock()
			a.logger.Debug("Actor loop stopped")
			return
		}
		msg := a.queue[0]
		var zero Message[K]
		a.queue[0] = zero
		a.queue = a.queue[1:]
		a.notFull.Signal()
		a.mu.Unlock()

		a.dispatch(msg)
	}
}

func (a *Actor[K]) dispatch(msg Message[K]) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Handler panicked", "kind", fmt.Sprint(msg.Kind), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	a.handler(msg)
}

// Submit appends msg to the queue, waiting while the queue is full.
func (a *Actor[K]) Submit(msg Message[K]) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enqueueLocked(msg)
}

func (a *Actor[K]) SubmitKind(kind K) error {
	return a.Submit(Message[K]{Kind: kind})
}

// SubmitDelayed enqueues msg once d has elapsed. A non-positive delay is the
// same as Submit.
func (a *Actor[K]) SubmitDelayed(msg Message[K], d time.Duration) error {
	if d <= 0 {
		return a.Submit(msg)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminated {
		return ErrTerminated
	}
	a.timerID++
	id := a.timerID
	entry := &delayed[K]{msg: msg}
	entry.timer = time.AfterFunc(d, func() { a.fire(id) })
	a.timers[id] = entry
	return nil
}

func (a *Actor[K]) fire(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.timers[id]
	if !ok {
		return
	}
	delete(a.timers, id)
	if err := a.enqueueLocked(entry.msg); err != nil {
		a.logger.Debug("Dropped delayed message", "kind", fmt.Sprint(entry.msg.Kind), "error", err)
	}
}

// enqueueLocked must be called with a.mu held.
func (a *Actor[K]) enqueueLocked(msg Message[K]) error {
	for len(a.queue) >= a.capacity && !a.terminated {
		a.notFull.Wait()
	}
	if a.terminated {
		return ErrTerminated
	}
	a.queue = append(a.queue, msg)
	a.notEmpty.Signal()
	return nil
}

// Cancel removes queued messages of the given kinds and drops delayed
// messages of those kinds whose delay has not elapsed yet. A message already
// handed to the handler is not affected. It returns the number of messages
// removed.
func (a *Actor[K]) Cancel(kinds ...K) int {
	if len(kinds) == 0 {
		return 0
	}
	match := make(map[K]struct{}, len(kinds))
	for _, k := range kinds {
		match[k] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	kept := a.queue[:0]
	for _, msg := range a.queue {
		if _, ok := match[msg.Kind]; ok {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	var zero Message[K]
	for i := len(kept); i < len(a.queue); i++ {
		a.queue[i] = zero
	}
	a.queue = kept

	for id, entry := range a.timers {
		if _, ok := match[entry.msg.Kind]; ok {
			entry.timer.Stop()
			delete(a.timers, id)
			removed++
		}
	}

	if removed > 0 {
		a.notFull.Broadcast()
	}
	return removed
}

// Pending returns the number of queued messages, excluding delayed ones that
// have not elapsed.
func (a *Actor[K]) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Terminate stops pending timers, refuses new work and wakes the loop so it
// exits. Queued messages that were not dispatched are discarded.
func (a *Actor[K]) Terminate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminated {
		return
	}
	a.terminated = true
	for id, entry := range a.timers {
		entry.timer.Stop()
		delete(a.timers, id)
	}
	a.queue = nil
	a.notEmpty.Broadcast()
	a.notFull.Broadcast()
	if !a.started {
		close(a.exited)
	}
}

// Join blocks until the processing loop has exited. It must not be called
// from the actor's own handler.
func (a *Actor[K]) Join() {
	<-a.exited
}

// Done is closed once the processing loop has exited.
func (a *Actor[K]) Done() <-chan struct{} {
	return a.exited
}

func (a *Actor[K]) Stop() {
	a.Terminate()
	a.Join()
}

func (a *Actor[K]) Name() string {
	return a.name
}
