package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMalformedFramesKeepConnection(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil, "a")
	a, sa := h.connect(t, "a")

	h.srv.disp.Dispatch(context.Background(), a, []byte("{not json"))
	h.srv.disp.Dispatch(context.Background(), a, []byte(`{"reqId":"1"}`))
	h.frame(t, a, "NOPE", "r-unknown", map[string]any{})
	h.frame(t, a, TypeMessageEdit, "r-type", map[string]any{"messageId": 12, "content": "x"})

	errs := waitType(t, sa, TypeMessageError, 4)
	assert.Equal(t, "INVALID_PAYLOAD", decodePayload[ErrorPayload](t, errs[0]).Code)
	assert.Equal(t, "INVALID_PAYLOAD", decodePayload[ErrorPayload](t, errs[1]).Code)
	assert.Equal(t, "UNKNOWN_TYPE", decodePayload[ErrorPayload](t, errs[2]).Code)
	assert.Equal(t, "r-unknown", errs[2].ReqID)
	assert.Equal(t, "INVALID_PAYLOAD", decodePayload[ErrorPayload](t, errs[3]).Code)
	assert.True(t, a.Alive())
}

func TestHandlerPanicBecomesInternal(t *testing.T) {
	h := newHarness(t, testConfig(), nil, nil, nil, "a")
	a, sa := h.connect(t, "a")
	h.srv.disp.Register("BOOM", false, func(context.Context, *WsConn, *Frame) error {
		panic("kaboom")
	})

	h.frame(t, a, "BOOM", "p1", nil)
	e := waitType(t, sa, TypeMessageError, 1)[0]
	p := decodePayload[ErrorPayload](t, e)
	assert.Equal(t, "INTERNAL", p.Code)
	assert.NotContains(t, p.Message, "kaboom")
	assert.True(t, a.Alive())
}

func TestRateLimitEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.Rate.Max = 2
	cfg.Rate.Window = time.Hour
	cfg.Rate.ThrottleAt = 2
	cfg.Rate.CloseAt = 3
	h := newHarness(t, cfg, nil, nil, nil, "a", "b")
	a, sa := h.connect(t, "a")
	_, sb := h.connect(t, "b")

	typing := map[string]any{"recipientId": "b"}
	h.frame(t, a, TypeTypingStart, "1", typing)
	h.frame(t, a, TypeTypingStart, "2", typing)
	warn := waitType(t, sa, TypeRateLimitWarning, 1)
	assert.Equal(t, "2", warn[0].ReqID)
	assert.Equal(t, 2, decodePayload[RateWarningPayload](t, warn[0]).Limit)

	// 回执不计入限流
	h.frame(t, a, TypePresencePing, "", map[string]any{})

	h.frame(t, a, TypeTypingStart, "3", typing)
	e := waitType(t, sa, TypeMessageError, 1)
	assert.Equal(t, "RATE_LIMITED", decodePayload[ErrorPayload](t, e[0]).Code)
	assert.True(t, a.Alive())

	h.frame(t, a, TypeTypingStart, "4", typing) // throttled
	assert.True(t, a.Alive())
	assert.Len(t, sa.ofType(TypeMessageError), 1)

	h.frame(t, a, TypeTypingStart, "5", typing)
	<-a.Done()
	code, _ := a.CloseInfo()
	assert.Equal(t, CloseRateLimitAbuse, code)
	require.Eventually(t, func() bool { return sa.code() == CloseRateLimitAbuse }, time.Second, 5*time.Millisecond)
	assert.Len(t, sb.ofType(TypeTypingStart), 2)

	// 关闭后不再分发
	h.frame(t, a, TypeTypingStart, "6", typing)
	assert.Len(t, sb.ofType(TypeTypingStart), 2)
}

func TestSlowConsumerIsClosed(t *testing.T) {
	cfg := testConfig()
	cfg.Backpressure.MaxQueueDepth = 1
	cfg.Backpressure.MaxConsecutiveOverflows = 2
	h := newHarness(t, cfg, nil, nil, nil, "a", "b")

	sock := &fakeSocket{}
	slow := newWsConn(sock, connOptions{
		connID: "slow", userID: "b", sessionID: "s-b",
		out: NewOutbound(1, 0, 2), now: time.Now(),
	})
	// 不启动写协程，队列只进不出
	require.NoError(t, h.srv.reg.Register(slow))
	a, _ := h.connect(t, "a")

	for i := 0; i < 3; i++ {
		h.frame(t, a, TypeTypingStart, "", map[string]any{"recipientId": "b"})
	}
	code, _ := slow.CloseInfo()
	assert.Equal(t, CloseSlowConsumer, code)
	assert.False(t, h.srv.reg.Online("b"))
}
