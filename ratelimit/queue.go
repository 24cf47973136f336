// Package ratelimit serialises calls to providers with strict per-second
// quotas. Each Queue runs its tasks one at a time, in submission order, with
// at least 1/callsPerSecond between the start of two tasks.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ledgersync/logger"
	"ledgersync/metrics"

	"golang.org/x/time/rate"
)

// ErrCleared is returned to callers whose task was dropped by Clear before it started.
var ErrCleared = errors.New("ratelimit: task cleared before execution")

type Task func(ctx context.Context) (any, error)

type result struct {
	value any
	err   error
}

type entry struct {
	ctx  context.Context
	fn   Task
	done chan result
}

type Queue struct {
	name    string
	limiter *rate.Limiter

	mu       sync.Mutex
	pending  []*entry
	draining bool
}

func New(name string, callsPerSecond float64) *Queue {
	if callsPerSecond <= 0 {
		callsPerSecond = 1
	}
	return &Queue{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), 1),
	}
}

// Enqueue blocks until fn has run and returns its result. If ctx ends first
// the caller gets ctx.Err() and fn is skipped when its turn comes.
func (q *Queue) Enqueue(ctx context.Context, fn Task) (any, error) {
	e := &entry{ctx: ctx, fn: fn, done: make(chan result, 1)}

	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.report()
	if !q.draining {
		q.draining = true
		go q.drain()
	}
	q.mu.Unlock()

	select {
	case r := <-e.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do is Enqueue with a typed result.
func Do[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := q.Enqueue(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// Len reports tasks that have not started yet.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear drops every task that has not started and fails it with ErrCleared.
// A task already waiting for its slot or running is not affected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.report()
	q.mu.Unlock()

	for _, e := range dropped {
		e.done <- result{err: ErrCleared}
	}
	if len(dropped) > 0 {
		logger.Warn().Str("queue", q.name).Int("dropped", len(dropped)).Msg("[RateLimit] queue cleared")
	}
	return len(dropped)
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.report()
		q.mu.Unlock()

		e.done <- q.run(e)
	}
}

func (q *Queue) run(e *entry) (r result) {
	if err := e.ctx.Err(); err != nil {
		return result{err: err}
	}
	if err := q.limiter.Wait(e.ctx); err != nil {
		return result{err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Str("queue", q.name).Interface("panic", p).Msg("[RateLimit] task panicked")
			r = result{err: fmt.Errorf("ratelimit: task panicked: %v", p)}
		}
	}()

	v, err := e.fn(e.ctx)
	return result{value: v, err: err}
}

// report must be called with mu held.
func (q *Queue) report() {
	metrics.RateLimitQueueLength.WithLabelValues(q.name).Set(float64(len(q.pending)))
}

// Group hands out one Queue per name, all sharing the same rate.
type Group struct {
	callsPerSecond float64

	mu     sync.Mutex
	queues map[string]*Queue
}

func NewGroup(callsPerSecond float64) *Group {
	return &Group{callsPerSecond: callsPerSecond, queues: map[string]*Queue{}}
}

func (g *Group) Get(name string) *Queue {
	g.mu.Lock()
	defer g.mu.Unlock()

	q, ok := g.queues[name]
	if !ok {
		q = New(name, g.callsPerSecond)
		g.queues[name] = q
	}
	return q
}

// Lengths returns the pending count of every queue created so far.
func (g *Group) Lengths() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]int, len(g.queues))
	for name, q := range g.queues {
		out[name] = q.Len()
	}
	return out
}

func (g *Group) ClearAll() int {
	g.mu.Lock()
	queues := make([]*Queue, 0, len(g.queues))
	for _, q := range g.queues {
		queues = append(queues, q)
	}
	g.mu.Unlock()

	total := 0
	for _, q := range queues {
		total += q.Clear()
	}
	return total
}
