package chunkuploader

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotWithBytes(n int64) Snapshot {
	return Snapshot{UploadedBytes: n}
}

func TestPublisher_SubscriptionOrder(t *testing.T) {
	p := NewPublisher()

	var got []string
	p.Subscribe(func(s Snapshot) { got = append(got, "first") })
	p.Subscribe(func(s Snapshot) { got = append(got, "second") })
	p.Subscribe(func(s Snapshot) { got = append(got, "third") })

	p.Publish(snapshotWithBytes(1))
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestPublisher_Unsubscribe(t *testing.T) {
	p := NewPublisher()

	calls := 0
	unsubscribe := p.Subscribe(func(s Snapshot) { calls++ })

	p.Publish(snapshotWithBytes(1))
	unsubscribe()
	unsubscribe()
	p.Publish(snapshotWithBytes(2))

	assert.Equal(t, 1, calls)
}

func TestPublisher_UnsubscribeDuringEmission(t *testing.T) {
	p := NewPublisher()

	var got []string
	var unsubscribeSecond func()
	p.Subscribe(func(s Snapshot) {
		got = append(got, "first")
		unsubscribeSecond()
	})
	unsubscribeSecond = p.Subscribe(func(s Snapshot) { got = append(got, "second") })
	p.Subscribe(func(s Snapshot) { got = append(got, "third") })

	p.Publish(snapshotWithBytes(1))
	assert.Equal(t, []string{"first", "second", "third"}, got)

	got = nil
	p.Publish(snapshotWithBytes(2))
	assert.Equal(t, []string{"first", "third"}, got)
}

func TestPublisher_SubscribeDuringEmission(t *testing.T) {
	p := NewPublisher()

	var got []int64
	subscribed := false
	p.Subscribe(func(s Snapshot) {
		if !subscribed {
			subscribed = true
			p.Subscribe(func(s Snapshot) { got = append(got, -s.UploadedBytes) })
		}
		got = append(got, s.UploadedBytes)
	})

	p.Publish(snapshotWithBytes(1))
	p.Publish(snapshotWithBytes(2))
	assert.Equal(t, []int64{1, 2, -2}, got)
}

func TestPublisher_PublishFromSubscriberKeepsOrder(t *testing.T) {
	p := NewPublisher()

	var first, second []int64
	p.Subscribe(func(s Snapshot) {
		first = append(first, s.UploadedBytes)
		if s.UploadedBytes == 1 {
			p.Publish(snapshotWithBytes(2))
		}
	})
	p.Subscribe(func(s Snapshot) { second = append(second, s.UploadedBytes) })

	p.Publish(snapshotWithBytes(1))
	assert.Equal(t, []int64{1, 2}, first)
	assert.Equal(t, []int64{1, 2}, second)
}

func TestPublisher_ConcurrentPublish(t *testing.T) {
	p := NewPublisher()

	var mu sync.Mutex
	count := 0
	p.Subscribe(func(s Snapshot) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.Publish(snapshotWithBytes(int64(i)))
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, count)
}

func TestPublisher_Channel(t *testing.T) {
	p := NewPublisher()
	ch, closeCh := p.Channel(2)

	p.Publish(snapshotWithBytes(1))
	p.Publish(snapshotWithBytes(2))
	p.Publish(snapshotWithBytes(3))

	require.Len(t, ch, 2)
	assert.Equal(t, int64(2), (<-ch).UploadedBytes)
	assert.Equal(t, int64(3), (<-ch).UploadedBytes)

	closeCh()
	closeCh()
	p.Publish(snapshotWithBytes(4))

	_, ok := <-ch
	assert.False(t, ok)
}
