package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundFIFO(t *testing.T) {
	q := NewOutbound(10, 0, 3)
	for _, s := range []string{"a", "b", "c"} {
		assert.Equal(t, PushOK, q.Push([]byte(s), PriorityMessage))
	}
	out := q.Drain()
	require.Len(t, out, 3)
	assert.Equal(t, "a", string(out[0]))
	assert.Equal(t, "c", string(out[2]))
	assert.Nil(t, q.Drain())
}

func TestOutboundEvictsLowerPriorityFirst(t *testing.T) {
	q := NewOutbound(3, 0, 5)
	q.Push([]byte("m1"), PriorityMessage)
	q.Push([]byte("typing"), PriorityEphemeral)
	q.Push([]byte("m2"), PriorityMessage)

	assert.Equal(t, PushOverflow, q.Push([]byte("err"), PriorityControl))
	out := q.Drain()
	assert.Equal(t, []string{"m1", "m2", "err"}, strs(out))

	// 没有更低优先级的帧可淘汰时丢新帧
	q.Push([]byte("m1"), PriorityMessage)
	q.Push([]byte("m2"), PriorityMessage)
	q.Push([]byte("m3"), PriorityMessage)
	assert.Equal(t, PushOverflow, q.Push([]byte("typing"), PriorityEphemeral))
	assert.Equal(t, []string{"m1", "m2", "m3"}, strs(q.Drain()))
}

func TestOutboundByteLimit(t *testing.T) {
	q := NewOutbound(0, 10, 5)
	assert.Equal(t, PushOK, q.Push([]byte("12345"), PriorityEphemeral))
	assert.Equal(t, PushOverflow, q.Push([]byte("123456789"), PriorityMessage))
	depth, bytes := q.Stats()
	assert.Equal(t, 1, depth)
	assert.Equal(t, 9, bytes)
}

func TestOutboundConsecutiveOverflowsClose(t *testing.T) {
	q := NewOutbound(1, 0, 3)
	q.Push([]byte("x"), PriorityMessage)
	assert.Equal(t, PushOverflow, q.Push([]byte("y"), PriorityMessage))
	assert.Equal(t, PushOverflow, q.Push([]byte("y"), PriorityMessage))

	// 一次成功入队会清零
	q.Drain()
	assert.Equal(t, PushOK, q.Push([]byte("x"), PriorityMessage))
	assert.Equal(t, PushOverflow, q.Push([]byte("y"), PriorityMessage))
	assert.Equal(t, PushOverflow, q.Push([]byte("y"), PriorityMessage))
	assert.Equal(t, PushClose, q.Push([]byte("y"), PriorityMessage))

	q.Close()
	assert.Equal(t, PushClosed, q.Push([]byte("z"), PriorityControl))
}

func strs(list [][]byte) []string {
	out := make([]string, len(list))
	for i, b := range list {
		out[i] = string(b)
	}
	return out
}

func TestOutboundPushWaitBlocksUntilDrained(t *testing.T) {
	q := NewOutbound(2, 0, 1)
	ctx := context.Background()
	assert.Equal(t, PushOK, q.PushWait(ctx, []byte("r1"), PriorityMessage))
	assert.Equal(t, PushOK, q.PushWait(ctx, []byte("r2"), PriorityMessage))

	done := make(chan PushResult, 1)
	go func() { done <- q.PushWait(ctx, []byte("r3"), PriorityMessage) }()
	select {
	case <-done:
		t.Fatal("PushWait returned while the queue was full")
	case <-time.After(20 * time.Millisecond):
	}

	assert.Equal(t, []string{"r1", "r2"}, strs(q.Drain()))
	select {
	case res := <-done:
		assert.Equal(t, PushOK, res)
	case <-time.After(time.Second):
		t.Fatal("PushWait not woken by Drain")
	}
	assert.Equal(t, []string{"r3"}, strs(q.Drain()))

	// 等待不算溢出：之后一次普通 Push 仍然成功
	assert.Equal(t, PushOK, q.Push([]byte("m"), PriorityMessage))
}

func TestOutboundPushWaitStopsOnClose(t *testing.T) {
	q := NewOutbound(1, 0, 1)
	q.Push([]byte("a"), PriorityMessage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, PushClosed, q.PushWait(ctx, []byte("b"), PriorityMessage))

	done := make(chan PushResult, 1)
	go func() { done <- q.PushWait(context.Background(), []byte("c"), PriorityMessage) }()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case res := <-done:
		assert.Equal(t, PushClosed, res)
	case <-time.After(time.Second):
		t.Fatal("PushWait not woken by Close")
	}
}
