package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestKeys(t *testing.T) {
	tests := []struct {
		name  string
		email *string
		phone *string
		want  []string
	}{
		{"both", strPtr(" Alice@Example.com "), strPtr(" 555 "), []string{"email:alice@example.com", "phone:555"}},
		{"email only", strPtr("a@x.com"), nil, []string{"email:a@x.com"}},
		{"phone only", nil, strPtr("123"), []string{"phone:123"}},
		{"blank values dropped", strPtr("  "), strPtr(""), []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Keys(tt.email, tt.phone))
		})
	}
}

func TestLocalSerializesSharedKeys(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Alternate key order to prove callers cannot deadlock each other.
			keys := []string{"email:a@x.com", "phone:555"}
			if i%2 == 0 {
				keys = []string{"phone:555", "email:a@x.com"}
			}
			unlock, err := l.Lock(ctx, keys)
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Empty(t, l.slots, "slots are dropped once no one references them")
}

func TestLocalDisjointKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, []string{"email:a@x.com"})
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, []string{"email:b@x.com"})
	require.NoError(t, err)
	unlockB()
}

func TestLocalHonoursContext(t *testing.T) {
	l := NewLocal()

	unlock, err := l.Lock(context.Background(), []string{"email:a@x.com", "phone:1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, []string{"phone:1", "email:z@x.com"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op

	// Everything taken by the failed attempt was handed back.
	again, err := l.Lock(context.Background(), []string{"email:z@x.com", "phone:1"})
	require.NoError(t, err)
	again()
	assert.Empty(t, l.slots)
}

type recordingLocker struct {
	name string
	log  *[]string
	err  error
}

func (r recordingLocker) Lock(_ context.Context, _ []string) (Unlock, error) {
	if r.err != nil {
		return nil, r.err
	}
	*r.log = append(*r.log, "lock "+r.name)
	return func() { *r.log = append(*r.log, "unlock "+r.name) }, nil
}

func TestChain(t *testing.T) {
	t.Run("releases in reverse order", func(t *testing.T) {
		var log []string
		c := Chain{recordingLocker{name: "a", log: &log}, recordingLocker{name: "b", log: &log}}

		unlock, err := c.Lock(context.Background(), []string{"k"})
		require.NoError(t, err)
		unlock()

		assert.Equal(t, []string{"lock a", "lock b", "unlock b", "unlock a"}, log)
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		var log []string
		c := Chain{recordingLocker{name: "a", log: &log}, recordingLocker{name: "b", log: &log, err: ErrTimeout}}

		_, err := c.Lock(context.Background(), []string{"k"})
		require.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, []string{"lock a", "unlock a"}, log)
	})
}
