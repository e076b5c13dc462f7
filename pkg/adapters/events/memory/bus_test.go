package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func textEvent(runID, text string) domain.RunEvent {
	return domain.RunEvent{Type: domain.EventTypeTextDelta, RunID: runID, Text: text}
}

type recorder struct {
	mu     sync.Mutex
	events []domain.RunEvent
}

func (r *recorder) handle(ev domain.RunEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Text)
	}
	return out
}

func TestBusDeliversInOrderToRunSubscribers(t *testing.T) {
	bus := NewBus(16, nil, zaptest.NewLogger(t))
	defer bus.Close()

	var a, b, other recorder
	bus.Subscribe("run-1", a.handle)
	bus.Subscribe("run-1", b.handle)
	bus.Subscribe("run-2", other.handle)

	for _, text := range []string{"1", "2", "3"} {
		bus.Publish("run-1", textEvent("run-1", text))
	}

	require.Eventually(t, func() bool { return len(a.texts()) == 3 && len(b.texts()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, a.texts())
	assert.Equal(t, []string{"1", "2", "3"}, b.texts())
	assert.Empty(t, other.texts())
}

func TestBusLateSubscriberMissesEarlierEvents(t *testing.T) {
	bus := NewBus(16, nil, zaptest.NewLogger(t))
	defer bus.Close()

	bus.Publish("run-1", textEvent("run-1", "early"))

	var rec recorder
	bus.Subscribe("run-1", rec.handle)
	bus.Publish("run-1", textEvent("run-1", "late"))

	require.Eventually(t, func() bool { return len(rec.texts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"late"}, rec.texts())
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(16, nil, zaptest.NewLogger(t))
	defer bus.Close()

	var rec recorder
	sub := bus.Subscribe("run-1", rec.handle)
	assert.Equal(t, 1, bus.SubscriberCount("run-1"))

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount("run-1"))

	bus.Publish("run-1", textEvent("run-1", "ignored"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.texts())
}

func TestBusDropsOldestWhenSubscriberIsSlow(t *testing.T) {
	bus := NewBus(2, nil, zaptest.NewLogger(t))
	defer bus.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var rec recorder
	var first sync.Once
	sub := bus.Subscribe("run-1", func(ev domain.RunEvent) {
		first.Do(func() {
			close(started)
			<-release
		})
		rec.handle(ev)
	})

	bus.Publish("run-1", textEvent("run-1", "0"))
	<-started

	for _, text := range []string{"1", "2", "3", "4"} {
		bus.Publish("run-1", textEvent("run-1", text))
	}
	assert.Equal(t, uint64(2), sub.Dropped())

	close(release)
	require.Eventually(t, func() bool { return len(rec.texts()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"0", "3", "4"}, rec.texts())
}

func TestBusPublishRacesWithUnsubscribe(t *testing.T) {
	bus := NewBus(4, nil, zaptest.NewLogger(t))
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		sub := bus.Subscribe("run-1", func(domain.RunEvent) {})
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				bus.Publish("run-1", textEvent("run-1", "x"))
			}
		}()
		go func() {
			defer wg.Done()
			bus.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, bus.SubscriberCount("run-1"))
}

func TestBusHandlerPanicDoesNotKillSubscription(t *testing.T) {
	bus := NewBus(4, nil, zaptest.NewLogger(t))
	defer bus.Close()

	var rec recorder
	bus.Subscribe("run-1", func(ev domain.RunEvent) {
		if ev.Text == "boom" {
			panic("handler failure")
		}
		rec.handle(ev)
	})

	bus.Publish("run-1", textEvent("run-1", "boom"))
	bus.Publish("run-1", textEvent("run-1", "after"))

	require.Eventually(t, func() bool { return len(rec.texts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"after"}, rec.texts())
}
