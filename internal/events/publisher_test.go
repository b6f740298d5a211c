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

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containershim/runshim/pkg/api"
)

// flakySink fails the first failures attempts per event, then succeeds.
type flakySink struct {
	mu        sync.Mutex
	failures  int
	attempts  map[string]int
	delivered []api.Event
}

func newFlakySink(failures int) *flakySink {
	return &flakySink{failures: failures, attempts: make(map[string]int)}
}

func (s *flakySink) Deliver(_ context.Context, ev api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[ev.ID]++
	if s.attempts[ev.ID] <= s.failures {
		return fmt.Errorf("transient failure %d", s.attempts[ev.ID])
	}
	s.delivered = append(s.delivered, ev)
	return nil
}

func (s *flakySink) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.delivered))
	for i, ev := range s.delivered {
		out[i] = ev.Topic
	}
	return out
}

func testOptions() Options {
	return Options{QueueSize: 16, MaxRetries: 3, RetryInterval: time.Millisecond}
}

func event(id, topic string) api.Event {
	return api.Event{ID: id, Topic: topic, TaskID: "t1", Timestamp: time.Now()}
}

func TestDeliveryOrderPreserved(t *testing.T) {
	sink := newFlakySink(0)
	p := NewPublisher(sink, testOptions())

	p.Emit(event("1", api.TopicTaskCreate))
	p.Emit(event("2", api.TopicTaskStart))
	p.Emit(event("3", api.TopicTaskExit))

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, []string{api.TopicTaskCreate, api.TopicTaskStart, api.TopicTaskExit}, sink.topics())
}

func TestTransientFailureRetried(t *testing.T) {
	sink := newFlakySink(2)
	p := NewPublisher(sink, testOptions())

	p.Emit(event("1", api.TopicTaskCreate))
	require.NoError(t, p.Close(context.Background()))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 3, sink.attempts["1"], "two failures then success")
	require.Len(t, sink.delivered, 1)
}

func TestExhaustedRetriesDropOnlyThatEvent(t *testing.T) {
	// first event always fails, rest succeed
	sink := newFlakySink(0)
	failing := &flakySink{failures: 100, attempts: map[string]int{}}
	p := NewPublisher(sinkFunc(func(ctx context.Context, ev api.Event) error {
		if ev.ID == "poison" {
			return failing.Deliver(ctx, ev)
		}
		return sink.Deliver(ctx, ev)
	}), testOptions())

	p.Emit(event("poison", api.TopicTaskCreate))
	p.Emit(event("ok", api.TopicTaskStart))
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, []string{api.TopicTaskStart}, sink.topics())
	failing.mu.Lock()
	defer failing.mu.Unlock()
	assert.Equal(t, 3, failing.attempts["poison"], "bounded retries")
}

type sinkFunc func(ctx context.Context, ev api.Event) error

func (f sinkFunc) Deliver(ctx context.Context, ev api.Event) error { return f(ctx, ev) }

func TestSubscriberReceivesLiveStream(t *testing.T) {
	p := NewPublisher(nil, testOptions())
	ch, cancel := p.Subscribe()
	defer cancel()

	p.Emit(event("1", api.TopicTaskCreate))

	select {
	case ev := <-ch:
		assert.Equal(t, api.TopicTaskCreate, ev.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}

	require.NoError(t, p.Close(context.Background()))
	_, open := <-ch
	assert.False(t, open, "subscriber channel closes with the publisher")
}

func TestEmitAfterCloseIsNoop(t *testing.T) {
	p := NewPublisher(newFlakySink(0), testOptions())
	require.NoError(t, p.Close(context.Background()))
	p.Emit(event("1", api.TopicTaskCreate)) // must not panic
}

func jsonDecode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func TestHTTPSinkPostsJSON(t *testing.T) {
	var got api.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, jsonDecode(r, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL)
	ev := event("1", api.TopicTaskExit)
	ev.ExitCode = 137
	require.NoError(t, sink.Deliver(context.Background(), ev))
	assert.Equal(t, api.TopicTaskExit, got.Topic)
	assert.Equal(t, 137, got.ExitCode)
}

func TestHTTPSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewHTTPSink(srv.URL).Deliver(context.Background(), event("1", api.TopicTaskCreate))
	assert.Error(t, err)
}
