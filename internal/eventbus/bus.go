// Package eventbus implements a bounded publish/subscribe bus decoupling the
// agent from the UI and other observers.
package eventbus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultQueueCapacity is the default bound on pending (event, data) pairs.
	DefaultQueueCapacity = 10000

	// DefaultWorkers is the default size of the threaded-subscriber pool.
	DefaultWorkers = 10
)

// Handler receives event data. The bool return from a panic recovery is not
// part of the signature; handlers simply may panic and the bus recovers.
type Handler func(data any)

// SubscribeOptions configures a single subscription.
type SubscribeOptions struct {
	// Threaded dispatches this subscriber onto the worker pool instead of
	// running it inline on the dispatcher goroutine.
	Threaded bool
}

// Token identifies a single subscription for later removal. Go has no
// portable way to compare func values for equality, so unlike the source's
// unsubscribe(event, handler) this bus returns a Token from Subscribe and
// removes by token — the same re-expression idiom SPEC_FULL.md applies
// elsewhere to identity-keyed state.
type Token uint64

type entry struct {
	token   Token
	handler Handler
	opts    SubscribeOptions
}

type envelope struct {
	event string
	data  any
}

// Bus is a bounded, threaded publish/subscribe event bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]entry

	queue chan envelope
	tasks chan func()

	workers   int
	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}

	active sync.WaitGroup // outstanding worker-pool tasks

	nextToken Token
}

// New creates a Bus with the default queue capacity and worker pool size.
func New() *Bus {
	return NewWithCapacity(DefaultQueueCapacity, DefaultWorkers)
}

// NewWithCapacity creates a Bus with explicit queue capacity and worker count.
func NewWithCapacity(capacity, workers int) *Bus {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	b := &Bus{
		subs:    make(map[string][]entry),
		queue:   make(chan envelope, capacity),
		tasks:   make(chan func(), capacity),
		workers: workers,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go b.worker()
	}
	go b.dispatch()
	return b
}

// Subscribe registers handler for event under the given options and returns
// a Token that can later be passed to Unsubscribe.
func (b *Bus) Subscribe(event string, handler Handler, opts SubscribeOptions) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	tok := b.nextToken
	b.subs[event] = append(b.subs[event], entry{token: tok, handler: handler, opts: opts})
	return tok
}

// Unsubscribe removes the subscription identified by token from event.
func (b *Bus) Unsubscribe(event string, token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[event]
	for i, e := range subs {
		if e.token == token {
			b.subs[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes every subscription registered for event.
func (b *Bus) UnsubscribeAll(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, event)
}

func (b *Bus) snapshot(event string) []entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subs[event]
	out := make([]entry, len(subs))
	copy(out, subs)
	return out
}

// Emit enqueues an event for asynchronous dispatch. If the queue is full the
// event is dropped and a warning is logged; Emit never blocks the caller.
func (b *Bus) Emit(event string, data any) {
	select {
	case b.queue <- envelope{event: event, data: data}:
	default:
		log.Warn().Str("event", event).Msg("eventbus: queue full, dropping event")
	}
}

// EmitSync dispatches event synchronously on the calling goroutine, bypassing
// the queue. Threaded subscribers still run on the worker pool; EmitSync
// simply does not enqueue the envelope itself and does not wait for
// threaded subscribers invoked as part of it.
func (b *Bus) EmitSync(event string, data any) {
	b.deliver(event, data)
}

func (b *Bus) dispatch() {
	for {
		select {
		case env := <-b.queue:
			b.deliver(env.event, env.data)
		case <-b.done:
			// Drain remaining buffered envelopes best-effort, then stop.
			for {
				select {
				case env := <-b.queue:
					b.deliver(env.event, env.data)
				default:
					close(b.drained)
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(event string, data any) {
	for _, e := range b.snapshot(event) {
		if e.opts.Threaded {
			b.submit(e.handler, data)
		} else {
			invoke(e.handler, data)
		}
	}
}

func (b *Bus) submit(handler Handler, data any) {
	b.active.Add(1)
	select {
	case b.tasks <- func() {
		defer b.active.Done()
		invoke(handler, data)
	}:
	default:
		b.active.Done()
		log.Warn().Msg("eventbus: worker pool saturated, dropping dispatch")
	}
}

func (b *Bus) worker() {
	for task := range b.tasks {
		task()
	}
}

func invoke(handler Handler, data any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("eventbus: subscriber panicked, recovered")
		}
	}()
	handler(data)
}

// Close stops the dispatcher and worker pool. If wait is true it blocks up
// to timeout for the queue to drain and in-flight worker tasks to finish;
// beyond the timeout it abandons pending work and returns.
func (b *Bus) Close(wait bool, timeout time.Duration) {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	if !wait {
		return
	}

	deadline := time.Now().Add(timeout)
	select {
	case <-b.drained:
	case <-time.After(time.Until(deadline)):
		log.Warn().Msg("eventbus: close timed out waiting for dispatcher drain")
		return
	}

	idle := make(chan struct{})
	go func() {
		b.active.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-time.After(time.Until(deadline)):
		log.Warn().Msg("eventbus: close timed out waiting for worker pool to idle")
	}
}
