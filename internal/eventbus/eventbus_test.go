package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

type panicCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (p *panicCounter) HandlerPanicked(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts == nil {
		p.counts = make(map[string]int)
	}
	p.counts[name]++
}

func TestDeliveryOrderMatchesSubscriptionOrder(t *testing.T) {
	b := New()
	var got []int
	for i := 0; i < 5; i++ {
		b.Subscribe("tick", func(string, any) { got = append(got, i) })
	}
	b.Publish("tick", nil)
	if fmt.Sprint(got) != "[0 1 2 3 4]" {
		t.Fatalf("delivery order = %v", got)
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := New()
	b.Publish("nobody.listens", 42)
	if b.Subscribers("nobody.listens") != 0 {
		t.Fatalf("expected no subscribers")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	calls := 0
	off := b.Subscribe("e", func(string, any) { calls++ })
	keep := b.Subscribe("e", func(string, any) {})
	defer keep()

	b.Publish("e", nil)
	off()
	off()
	b.Publish("e", nil)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if b.Subscribers("e") != 1 {
		t.Fatalf("subscribers = %d, want 1", b.Subscribers("e"))
	}
}

func TestSubscribeOnceFiresOnce(t *testing.T) {
	b := New()
	calls := 0
	b.SubscribeOnce("e", func(string, any) { calls++ })
	b.Publish("e", nil)
	b.Publish("e", nil)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if b.Subscribers("e") != 0 {
		t.Fatalf("once handler still registered")
	}
}

func TestSubscribeOnceUnderConcurrentPublish(t *testing.T) {
	b := New()
	var calls atomic.Int32
	b.SubscribeOnce("e", func(string, any) { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish("e", nil)
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Fatalf("once handler ran %d times", calls.Load())
	}
}

func TestSubscribeMany(t *testing.T) {
	b := New()
	var names []string
	off := b.SubscribeMany([]string{"a", "b"}, func(name string, _ any) { names = append(names, name) })
	b.Publish("a", nil)
	b.Publish("b", nil)
	b.Publish("c", nil)
	off()
	b.Publish("a", nil)
	if fmt.Sprint(names) != "[a b]" {
		t.Fatalf("names = %v", names)
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	reporter := &panicCounter{}
	b := New(WithPanicReporter(reporter))
	var after bool
	b.Subscribe("e", func(string, any) { panic("boom") })
	b.Subscribe("e", func(string, any) { after = true })

	b.Publish("e", nil)

	if !after {
		t.Fatalf("handler after the panicking one did not run")
	}
	if reporter.counts["e"] != 1 {
		t.Fatalf("panic count = %d, want 1", reporter.counts["e"])
	}
}

func TestHandlersMayMutateSubscriptionsDuringDelivery(t *testing.T) {
	b := New()
	var second int
	var off func()
	off = b.Subscribe("e", func(string, any) {
		off()
		b.Subscribe("e", func(string, any) { second++ })
	})
	b.Publish("e", nil)
	if second != 0 {
		t.Fatalf("handler added during delivery ran in the same publish")
	}
	b.Publish("e", nil)
	if second != 1 {
		t.Fatalf("second = %d, want 1", second)
	}
}

func TestHandlerRemovedDuringDeliveryIsSkipped(t *testing.T) {
	b := New()
	var offB func()
	var ranB bool
	b.Subscribe("e", func(string, any) { offB() })
	offB = b.Subscribe("e", func(string, any) { ranB = true })

	b.Publish("e", nil)
	if ranB {
		t.Fatalf("handler ran after an earlier handler unsubscribed it")
	}
	if b.Subscribers("e") != 1 {
		t.Fatalf("subscribers = %d, want 1", b.Subscribers("e"))
	}
}

func TestNestedPublishIsDeliveredInline(t *testing.T) {
	b := New()
	var order []string
	b.Subscribe("outer", func(string, any) {
		order = append(order, "outer")
		b.Publish("inner", nil)
		order = append(order, "outer-done")
	})
	b.Subscribe("inner", func(string, any) { order = append(order, "inner") })
	b.Publish("outer", nil)
	if fmt.Sprint(order) != "[outer inner outer-done]" {
		t.Fatalf("order = %v", order)
	}
}

func TestTypedTopics(t *testing.T) {
	type payload struct{ N int }
	topic := NewTopic[payload]("typed")
	b := New()

	var got []int
	off := On(b, topic, func(p payload) { got = append(got, p.N) })
	Once(b, topic, func(p payload) { got = append(got, -p.N) })

	Emit(b, topic, payload{N: 1})
	b.Publish(topic.Name(), "wrong type")
	Emit(b, topic, payload{N: 2})
	off()
	Emit(b, topic, payload{N: 3})

	if fmt.Sprint(got) != "[1 -1 2]" {
		t.Fatalf("got %v", got)
	}
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	b := New()
	var delivered atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				off := b.Subscribe("e", func(string, any) { delivered.Add(1) })
				off()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish("e", j)
			}
		}()
	}
	wg.Wait()
	if b.Subscribers("e") != 0 {
		t.Fatalf("subscribers leaked: %d", b.Subscribers("e"))
	}
}
