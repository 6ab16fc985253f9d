package runtime

import (
	"sync"
	"testing"
	"time"

	"github.com/rechain/sovereignsync/pkg/ids"
)

func TestKeyedDispatcherSerializesSameKey(t *testing.T) {
	d := newKeyedDispatcher()
	key := ids.Random()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		d.run(key, func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	if len(order) != 5 {
		t.Fatalf("expected 5 tasks to run, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order for same key, got %v", order)
		}
	}
}

func TestKeyedDispatcherRunsDifferentKeysConcurrently(t *testing.T) {
	d := newKeyedDispatcher()
	keyA, keyB := ids.Random(), ids.Random()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(2)
	d.run(keyA, func() {
		defer wg.Done()
		started <- struct{}{}
		<-release
	})
	d.run(keyB, func() {
		defer wg.Done()
		started <- struct{}{}
		<-release
	})

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("expected both distinct-key tasks to start without waiting on each other")
		}
	}
	close(release)
	wg.Wait()
}
