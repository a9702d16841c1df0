package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: ChatJoined, Data: ChatEvent{ChatID: -1}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			require.Equal(t, ChatJoined, e.Type)
			require.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: ChatLeft})
	b.Publish(Event{Type: ChatLeft})
	require.EqualValues(t, 1, b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok, "expected closed channel")
	b.Publish(Event{Type: ChatLeft})
}
