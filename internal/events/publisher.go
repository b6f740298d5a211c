// Copyright 2025 The runshim Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package events delivers lifecycle events to the orchestrator. Emission
// never blocks the lifecycle path: events enter a bounded queue and a
// single consumer delivers them in order, retrying transient sink
// failures with exponential backoff before dropping.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"k8s.io/klog/v2"

	"github.com/containershim/runshim/pkg/api"
)

// Sink is one delivery attempt for one event. Deliver is called from the
// single consumer goroutine, never concurrently.
type Sink interface {
	Deliver(ctx context.Context, ev api.Event) error
}

// Options tune the publisher. Zero values fall back to defaults.
type Options struct {
	QueueSize  int
	MaxRetries int
	// RetryInterval is the initial backoff delay between attempts.
	RetryInterval time.Duration
}

// Publisher owns the queue, the consumer goroutine and the local
// subscriber fanout.
type Publisher struct {
	sink       Sink
	maxRetries int
	interval   time.Duration

	queue  chan api.Event
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	mu     sync.Mutex
	closed bool
	subs   map[chan api.Event]struct{}
}

func NewPublisher(sink Sink, opts Options) *Publisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		sink:       sink,
		maxRetries: opts.MaxRetries,
		interval:   opts.RetryInterval,
		queue:      make(chan api.Event, opts.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		doneCh:     make(chan struct{}),
		subs:       make(map[chan api.Event]struct{}),
	}
	go p.run()
	return p
}

// Emit enqueues one event. When the queue is full the event is dropped
// with a warning rather than stalling a lifecycle transition.
func (p *Publisher) Emit(ev api.Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		klog.V(1).InfoS("event publisher closed, dropping event", "topic", ev.Topic, "task", ev.TaskID)
		return
	}
	select {
	case p.queue <- ev:
	default:
		klog.ErrorS(nil, "event queue full, dropping event", "topic", ev.Topic, "task", ev.TaskID)
	}
	p.mu.Unlock()
}

// Subscribe registers a local consumer for the live event stream. The
// returned cancel function must be called when the consumer goes away.
// Slow subscribers lose events rather than slowing delivery.
func (p *Publisher) Subscribe() (<-chan api.Event, func()) {
	ch := make(chan api.Event, 32)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if _, ok := p.subs[ch]; ok {
			delete(p.subs, ch)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// Close stops accepting events and flushes what is queued. When ctx ends
// first, in-flight retries are abandoned.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.doneCh
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.doneCh
		return ctx.Err()
	}
}

func (p *Publisher) run() {
	defer close(p.doneCh)
	for ev := range p.queue {
		p.fanout(ev)
		p.deliver(ev)
	}
	p.mu.Lock()
	for ch := range p.subs {
		delete(p.subs, ch)
		close(ch)
	}
	p.mu.Unlock()
}

func (p *Publisher) fanout(ev api.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// deliver pushes one event through the sink, retrying transient failures.
// Delivery order is preserved because nothing else consumes the queue
// while a retry sequence runs.
func (p *Publisher) deliver(ev api.Event) {
	if p.sink == nil {
		return
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.interval

	_, err := backoff.Retry(p.ctx, func() (struct{}, error) {
		return struct{}{}, p.sink.Deliver(p.ctx, ev)
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(p.maxRetries)))
	if err != nil {
		klog.ErrorS(err, "event delivery failed, dropping event",
			"topic", ev.Topic, "task", ev.TaskID, "attempts", p.maxRetries)
	}
}
