package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 16, time.Second)
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	bus.Subscribe(EventCaptureEventReceived, func(ctx context.Context, e Event) {
		mu.Lock()
		got = append(got, e.Type())
		mu.Unlock()
		close(done)
	})

	bus.Publish(context.Background(), NewEvent(EventCaptureEventReceived, nil))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != EventCaptureEventReceived {
		t.Fatalf("got %v", got)
	}
}

func TestBus_SequentialOrderPerTopic(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 64, time.Second)
	defer bus.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)

	bus.Subscribe("topic", func(ctx context.Context, e Event) {
		defer wg.Done()
		mu.Lock()
		order = append(order, e.Payload().(int))
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), NewEvent("topic", i))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("events delivered out of order: %v", order)
		}
	}
}

func TestBus_PanicIsolation(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 16, time.Second)
	defer bus.Close()

	done := make(chan struct{})
	bus.Subscribe("topic", func(ctx context.Context, e Event) {
		panic("handler blew up")
	})
	bus.Subscribe("topic", func(ctx context.Context, e Event) {
		close(done)
	})

	bus.Publish(context.Background(), NewEvent("topic", nil))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panic in one handler must not stop the next")
	}
}

func TestBus_WildcardSubscription(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 16, time.Second)
	defer bus.Close()

	seen := make(chan string, 2)
	bus.Subscribe("*", func(ctx context.Context, e Event) {
		seen <- e.Type()
	})

	bus.Publish(context.Background(), NewEvent("a", nil))
	bus.Publish(context.Background(), NewEvent("b", nil))

	for _, want := range []string{"a", "b"} {
		select {
		case got := <-seen:
			if got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("wildcard handler missed an event")
		}
	}
}

func TestBus_SlowHandlerDoesNotBlockForever(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 16, 50*time.Millisecond)
	defer bus.Close()

	release := make(chan struct{})
	done := make(chan struct{})

	bus.Subscribe("slow", func(ctx context.Context, e Event) {
		<-release
	})
	bus.Subscribe("slow", func(ctx context.Context, e Event) {
		close(done)
	})

	bus.Publish(context.Background(), NewEvent("slow", nil))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch should abandon an overrunning handler")
	}
	close(release)
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 16, time.Second)
	bus.Close()
	bus.Publish(context.Background(), NewEvent("x", nil)) // must not panic
}
