package notify

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_FanOut(t *testing.T) {
	h := NewHub()
	const k = 5
	chans := make([]<-chan Event, k)
	for i := range k {
		id, ch := h.Subscribe()
		defer h.Unsubscribe(id)
		chans[i] = ch
	}

	if n := h.Publish(Event{Kind: TaskCreated, Data: "T-1"}); n != k {
		t.Errorf("Publish delivered to %d, want %d", n, k)
	}
	for i, ch := range chans {
		e := recv(t, ch)
		if e.Kind != TaskCreated || e.Data != "T-1" {
			t.Errorf("subscriber %d got %+v", i, e)
		}
		select {
		case dup := <-ch:
			t.Errorf("subscriber %d got duplicate %+v", i, dup)
		default:
		}
	}
}

func TestHub_PreservesOrderPerSubscriber(t *testing.T) {
	h := NewHub(WithBuffer(64))
	id, ch := h.Subscribe()
	defer h.Unsubscribe(id)

	for i := range 50 {
		h.Publish(Event{Kind: TaskUpdated, Data: i})
	}
	for i := range 50 {
		if e := recv(t, ch); e.Data != i {
			t.Fatalf("event %d carried %v", i, e.Data)
		}
	}
}

func TestHub_EvictsStuckSubscriber(t *testing.T) {
	h := NewHub(WithBuffer(1), WithSendTimeout(20*time.Millisecond))
	stuckID, stuck := h.Subscribe()
	liveID, live := h.Subscribe()
	defer h.Unsubscribe(liveID)

	var wg sync.WaitGroup
	got := 0
	wg.Go(func() {
		for range live {
			got++
			if got == 3 {
				return
			}
		}
	})

	// The stuck subscriber never reads: the first event fills its buffer,
	// the second times out and evicts it.
	start := time.Now()
	h.Publish(Event{Kind: TaskCreated})
	h.Publish(Event{Kind: TaskUpdated})
	n := h.Publish(Event{Kind: TaskDeleted})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Publish blocked for %v", elapsed)
	}
	if n != 1 {
		t.Errorf("third Publish delivered to %d, want 1 (live only)", n)
	}
	wg.Wait()
	if got != 3 {
		t.Errorf("live subscriber received %d events, want 3", got)
	}

	<-stuck // buffered event
	if _, ok := <-stuck; ok {
		t.Error("evicted subscriber channel should be closed")
	}
	if h.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.Len())
	}
	h.Unsubscribe(stuckID) // already evicted; must not panic
}

func TestHub_UnsubscribeClosesAndIsIdempotent(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe()
	h.Unsubscribe(id)
	h.Unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	if n := h.Publish(Event{Kind: TaskCreated}); n != 0 {
		t.Errorf("Publish delivered to %d after unsubscribe", n)
	}
}

func TestHub_IDsAreUnique(t *testing.T) {
	h := NewHub()
	seen := make(map[int]bool)
	for range 10 {
		id, _ := h.Subscribe()
		h.Unsubscribe(id)
		if seen[id] {
			t.Errorf("duplicate subscriber ID: %d", id)
		}
		seen[id] = true
	}
}

func TestHub_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	h := NewHub(WithBuffer(1), WithSendTimeout(5*time.Millisecond))
	var wg sync.WaitGroup
	for range 10 {
		id, _ := h.Subscribe()
		wg.Go(func() {
			time.Sleep(time.Millisecond)
			h.Unsubscribe(id)
		})
	}
	for range 4 {
		wg.Go(func() {
			for range 20 {
				h.Publish(Event{Kind: TaskUpdated})
			}
		})
	}
	wg.Wait()
	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.Len())
	}
}

func TestKind_WireName(t *testing.T) {
	if TasksBulkReplaced.WireName() != "tasks_updated" {
		t.Errorf("bulk wire name = %q", TasksBulkReplaced.WireName())
	}
	if TaskCreated.WireName() != "task_created" {
		t.Errorf("created wire name = %q", TaskCreated.WireName())
	}
	msg := Event{Kind: RoadmapUpdated, Data: map[string]string{"content": "x"}}.Message()
	if msg.Type != "roadmap_updated" {
		t.Errorf("Message().Type = %q", msg.Type)
	}
}
