package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBus(t *testing.T) {
	b := New()
	require.NotNil(t, b.subscribers)
	assert.Empty(t, b.subscribers)
}

func TestSubscribeAndPublish(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe("server.status")
	defer unsubscribe()

	b.Publish(Event{Topic: "server.status", Data: "s1"})

	select {
	case evt := <-ch:
		assert.Equal(t, "server.status", evt.Topic)
		assert.Equal(t, "s1", evt.Data)
	case <-time.After(time.Second):
		t.Fatal("expected event, got none")
	}
}

func TestWildcardSubscriber(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe("*")
	defer unsubscribe()

	b.Publish(Event{Topic: "deployment.update", Data: 1})

	select {
	case evt := <-ch:
		assert.Equal(t, "deployment.update", evt.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected wildcard event, got none")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe("topic")
	unsubscribe()

	b.Publish(Event{Topic: "topic"})

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, unsubscribe := b.Subscribe("load")
			defer unsubscribe()
			select {
			case <-ch:
			case <-time.After(time.Second):
			}
		}()
	}
	for i := 0; i < 20; i++ {
		go b.Publish(Event{Topic: "load", Data: i})
	}
	wg.Wait()
}
