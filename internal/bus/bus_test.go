package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/basket/agentq/internal/persistence"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicPrefix)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskQueued, TaskEvent{Task: persistence.AgentTask{ID: "t1"}})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTaskQueued {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskQueued)
		}
		payload, ok := event.Payload.(TaskEvent)
		if !ok || payload.Task.ID != "t1" {
			t.Fatalf("payload = %#v", event.Payload)
		}
		if event.At.IsZero() {
			t.Fatal("expected event timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("agents:task-")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskDone, "done")
	b.Publish(TopicSummary, "summary")

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskDone {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskDone)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}

	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
}

func TestBus_NonBlockingCountsDrops(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered(TopicPrefix, 4)
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish(TopicHeartbeat, i)
	}

	count := 0
	for len(sub.Ch()) > 0 {
		<-sub.Ch()
		count++
	}
	if count != 4 {
		t.Fatalf("received %d events, want 4 (buffer size)", count)
	}
	if got := b.Dropped(); got != 6 {
		t.Fatalf("Dropped() = %d, want 6", got)
	}
	if got := sub.Dropped(); got != 6 {
		t.Fatalf("sub.Dropped() = %d, want 6", got)
	}
}

func TestBus_DropsAreCountedPerSubscriber(t *testing.T) {
	b := New()
	slow := b.SubscribeBuffered("", 1)
	defer b.Unsubscribe(slow)
	fast := b.SubscribeBuffered(TopicPrefix, 8)
	defer b.Unsubscribe(fast)

	for i := 0; i < 3; i++ {
		b.Publish(TopicHeartbeat, i)
	}
	if slow.Dropped() != 2 || fast.Dropped() != 0 {
		t.Fatalf("dropped slow=%d fast=%d, want 2 and 0", slow.Dropped(), fast.Dropped())
	}
	if b.Dropped() != 2 {
		t.Fatalf("bus Dropped() = %d, want 2", b.Dropped())
	}
	if fast.Prefix() != TopicPrefix {
		t.Fatalf("prefix = %q", fast.Prefix())
	}
}

func TestBus_PublishRacesUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Publish(TopicHeartbeat, i)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		sub := b.SubscribeBuffered("", 2)
		b.Unsubscribe(sub)
	}
	wg.Wait()
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicPrefix)
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicRunStarted, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	if got := len(sub.Ch()); got != goroutines*perGoroutine {
		t.Fatalf("buffered %d events, want %d", got, goroutines*perGoroutine)
	}
}
