package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func writeEvent(w http.ResponseWriter, name, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	w.(http.Flusher).Flush()
}

func nextEvent(t *testing.T, ch <-chan PushEvent) PushEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for push event")
	}
	return PushEvent{}
}

func nextPayload(t *testing.T, ch <-chan PushEvent) PushEvent {
	t.Helper()
	for {
		ev := nextEvent(t, ch)
		if ev.Kind != KindConnected && ev.Kind != KindDisconnected {
			return ev
		}
	}
}

func TestChannel_DeliversAndResubscribesAfterEOF(t *testing.T) {
	t.Parallel()

	var conns int32
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		n := atomic.AddInt32(&conns, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "ping", "{}")
		writeEvent(w, "weather", `{"sunny":true}`)
		writeEvent(w, "completion", fmt.Sprintf(`{"group":1,"task":%d,"completed":true}`, n))
		// Returning ends the stream with a clean EOF.
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := NewChannel(ChannelConfig{
		URL:            srv.URL,
		Headers:        map[string]string{"Authorization": "Bearer t"},
		InitialBackoff: 10 * time.Millisecond,
	})
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	first := nextPayload(t, ch.Events())
	second := nextPayload(t, ch.Events())
	assert.Equal(t, KindCompletion, first.Kind)
	assert.Equal(t, 1, first.Payload.(CompletionPayload).Task)
	assert.Equal(t, 2, second.Payload.(CompletionPayload).Task)
	assert.Equal(t, "Bearer t", gotAuth.Load().(string))

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
	for range ch.Events() {
	}
}

func TestChannel_RetriesUnavailableServer(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "comment", `{"group":4,"author":"amy","comment":"hi"}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := NewChannel(ChannelConfig{URL: srv.URL, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	ch.Start(ctx)

	ev := nextEvent(t, ch.Events())
	assert.Equal(t, KindConnected, ev.Kind)
	ev = nextPayload(t, ch.Events())
	assert.Equal(t, KindComment, ev.Kind)
	assert.Equal(t, "hi", ev.Payload.(CommentPayload).Comment)
	assert.Equal(t, true, ch.Connected())
}
