package liveness

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsAlivePIDTrueForSelf(t *testing.T) {
	require.True(t, IsAlivePID(os.Getpid()))
}

func TestIsAlivePIDFalseForInvalidPID(t *testing.T) {
	require.False(t, IsAlivePID(0))
	require.False(t, IsAlivePID(-1))
}

func TestIsAlivePIDFalseForUnlikelyPID(t *testing.T) {
	// A pid this large should not exist on any real system; this is a
	// best-effort check, not a guarantee, since pid space is finite and
	// reused.
	require.False(t, IsAlivePID(1<<30))
}

func TestSweeperInvokesOnDeadForDeadEntries(t *testing.T) {
	var mu sync.Mutex
	var dead []uint64

	sweeper := NewSweeper(10*time.Millisecond,
		func(cid uint64) int {
			if cid == 1 {
				return os.Getpid()
			}
			return 1 << 30
		},
		func() []uint64 { return []uint64{1, 2} },
		func(cid uint64) {
			mu.Lock()
			dead = append(dead, cid)
			mu.Unlock()
		},
	)

	go sweeper.Run()
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range dead {
			if d == 2 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	for _, d := range dead {
		require.NotEqual(t, uint64(1), d)
	}
	mu.Unlock()
}
