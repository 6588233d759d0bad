package actionstate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flags struct {
	A bool
	B bool
}

func (f flags) Busy() bool { return f.A || f.B }

func setA(v bool) func(flags) flags {
	return func(f flags) flags { f.A = v; return f }
}

func TestBusyUnknownID(t *testing.T) {
	r := New(flags{})
	assert.False(t, r.Busy("missing"))
}

func TestTryAcquireAndRelease(t *testing.T) {
	r := New(flags{})

	ok := r.TryAcquire("srv1", func(f flags) bool { return f.A }, setA(true))
	require.True(t, ok)
	assert.True(t, r.Busy("srv1"))

	ok = r.TryAcquire("srv1", func(f flags) bool { return f.A }, setA(true))
	assert.False(t, ok, "second acquire on an already-busy flag must fail")

	r.Release("srv1", setA(false))
	assert.False(t, r.Busy("srv1"))
}

func TestReleaseIsUnconditional(t *testing.T) {
	r := New(flags{})
	// Release on an id with no entry must not panic, and must not create a
	// busy entry either.
	r.Release("never-acquired", setA(false))
	assert.False(t, r.Busy("never-acquired"))
}

func TestIndependentFlagsDoNotBlockEachOther(t *testing.T) {
	r := New(flags{})
	setB := func(v bool) func(flags) flags {
		return func(f flags) flags { f.B = v; return f }
	}

	require.True(t, r.TryAcquire("srv1", func(f flags) bool { return f.A }, setA(true)))
	require.True(t, r.TryAcquire("srv1", func(f flags) bool { return f.B }, setB(true)))
	assert.True(t, r.Busy("srv1"))

	r.Release("srv1", setA(false))
	assert.True(t, r.Busy("srv1"), "B flag still set")

	r.Release("srv1", setB(false))
	assert.False(t, r.Busy("srv1"))
}

func TestGuardReleasesOnDefer(t *testing.T) {
	r := New(flags{})
	require.True(t, r.TryAcquire("srv1", func(f flags) bool { return f.A }, setA(true)))

	func() {
		release := Guard(r, "srv1", setA(false))
		defer release()
		assert.True(t, r.Busy("srv1"))
	}()

	assert.False(t, r.Busy("srv1"))
}

func TestGuardReleasesAfterPanic(t *testing.T) {
	r := New(flags{})
	require.True(t, r.TryAcquire("srv1", func(f flags) bool { return f.A }, setA(true)))

	func() {
		defer func() { recover() }()
		release := Guard(r, "srv1", setA(false))
		defer release()
		panic("boom")
	}()

	assert.False(t, r.Busy("srv1"), "flag must clear even when the guarded body panics")
}

func TestConcurrentTryAcquireOnlyOneWinner(t *testing.T) {
	r := New(flags{})
	const n = 50
	var wg sync.WaitGroup
	var wins int32
	var mu sync.Mutex

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryAcquire("srv1", func(f flags) bool { return f.A }, setA(true)) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins, "exactly one goroutine should win single-flight admission")
}

func TestUpdateIsLinearizable(t *testing.T) {
	r := New(flags{})
	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Update("srv1", func(f flags) flags { return f })
		}()
	}
	wg.Wait()
	assert.Equal(t, flags{}, r.Get("srv1"))
}
