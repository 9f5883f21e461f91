package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	var a, b int
	counts := map[string]*int{"job-a": &a, "job-b": &b}
	var mu sync.Mutex
	inside := map[string]int{}

	for i := 0; i < 50; i++ {
		for _, key := range []string{"job-a", "job-b"} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				unlock := k.lock(key)
				defer unlock()
				mu.Lock()
				inside[key]++
				if inside[key] > 1 {
					t.Errorf("two holders of %s", key)
				}
				mu.Unlock()

				*counts[key]++ // guarded by the keyed lock only

				mu.Lock()
				inside[key]--
				mu.Unlock()
			}(key)
		}
	}
	wg.Wait()
	assert.Equal(t, 50, a)
	assert.Equal(t, 50, b)
	assert.Equal(t, 0, k.size())
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.lock("a")
	unlockB := k.lock("b")
	assert.Equal(t, 2, k.size())
	unlockA()
	assert.Equal(t, 1, k.size())
	unlockB()
	assert.Equal(t, 0, k.size())

	var nilMutex *keyedMutex
	nilMutex.lock("x")()
}
