package eventpipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWakeMakesFdReadable(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Wake())

	buf := make([]byte, 1)
	done := make(chan struct{})
	go func() {
		p.Fd().Read(buf)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Fd did not become readable after Wake")
	}
}

func TestDrainResetsPendingState(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Wake())
	require.NoError(t, p.Drain())
	require.NoError(t, p.Drain()) // draining with nothing pending is a no-op
}

func TestRepeatedWakeCoalesces(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Wake())
	require.NoError(t, p.Wake())
	require.NoError(t, p.Drain())
}
