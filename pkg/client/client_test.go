package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameQueueDropOldest(t *testing.T) {
	q := newFrameQueue(3)
	for i := uint32(1); i <= 5; i++ {
		q.push(frame{RequestID: i})
	}
	// 1 and 2 were dropped
	if _, ok := q.take(1); ok {
		t.Fatalf("oldest entry should have been dropped")
	}
	if _, ok := q.take(2); ok {
		t.Fatalf("entry 2 should have been dropped")
	}
	f, ok := q.take(4)
	require.True(t, ok)
	require.Equal(t, uint32(4), f.RequestID)
	// taking removes
	if _, ok := q.take(4); ok {
		t.Fatalf("take should remove the entry")
	}
}

func TestFrameQueueReset(t *testing.T) {
	q := newFrameQueue(0) // default capacity
	q.push(frame{RequestID: 9})
	q.reset()
	if _, ok := q.take(9); ok {
		t.Fatalf("reset should empty the queue")
	}
}

func TestIsHexAddr(t *testing.T) {
	cases := map[string]bool{
		"0x1000":     true,
		"DEADBEEF":   true,
		"1234":       true,
		"client.dll": false,
		"foo+0x10":   false,
		"":           true, // vacuously hex; ResolveBase rejects empty first
	}
	for in, want := range cases {
		require.Equal(t, want, isHexAddr(in), "input %q", in)
	}
}
