package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithLockSerializesSameKey(t *testing.T) {
	k := New()
	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			k.WithLock("thing-1", func() {
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	assert.Len(t, order, 2)
}

func TestDistinctKeysDoNotBlockEachOther(t *testing.T) {
	k := New()
	done := make(chan struct{}, 2)

	k.Lock(Key("thing-a", ""))
	defer k.Unlock(Key("thing-a", ""))

	go func() {
		k.WithLock(Key("thing-b", "config"), func() {})
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct key lock was blocked")
	}
}

func TestKeyDistinguishesShadowName(t *testing.T) {
	assert.NotEqual(t, Key("thing-1", ""), Key("thing-1", "config"))
}
