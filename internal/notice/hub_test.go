package notice

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastRecordsRecent(t *testing.T) {
	hub := NewHub(3, nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return fixed }

	for i := 1; i <= 5; i++ {
		hub.Broadcast(fmt.Sprintf("notice %d", i))
	}

	recent := hub.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "notice 3", recent[0].Text)
	assert.Equal(t, "notice 5", recent[2].Text)
	assert.Equal(t, uint64(5), recent[2].Seq)
	assert.Equal(t, fixed, recent[2].Time)
	assert.Equal(t, uint64(5), hub.Count())

	last := hub.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "notice 5", last[0].Text)

	last[0].Text = "mutated"
	assert.Equal(t, "notice 5", hub.Recent(1)[0].Text)
}

func TestSubscribeReceivesBroadcasts(t *testing.T) {
	hub := NewHub(0, nil)
	ch, unsubscribe := hub.Subscribe()
	assert.Equal(t, 1, hub.Subscribers())

	hub.Broadcast("Memory critical. Reducing view radius to 6")

	select {
	case n := <-ch:
		assert.Equal(t, "Memory critical. Reducing view radius to 6", n.Text)
		assert.Equal(t, uint64(1), n.Seq)
	case <-time.After(time.Second):
		t.Fatal("notice not delivered")
	}

	unsubscribe()
	unsubscribe()
	assert.Zero(t, hub.Subscribers())
	_, open := <-ch
	assert.False(t, open, "channel closed after unsubscribe")

	hub.Broadcast("after unsubscribe")
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	hub := NewHub(0, nil)
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	total := queueSize + 4
	for i := 1; i <= total; i++ {
		hub.Broadcast(fmt.Sprintf("n%d", i))
	}

	first := <-ch
	assert.Equal(t, uint64(total-queueSize+1), first.Seq, "oldest notices were dropped")
	for i := 1; i < queueSize; i++ {
		<-ch
	}
	select {
	case n := <-ch:
		t.Fatalf("unexpected extra notice %v", n)
	default:
	}
}
