package chat

import (
	"context"
	"sync"
)

// Priority 溢出时先丢低优先级
type Priority int

const (
	PriorityEphemeral Priority = iota // typing / presence
	PriorityMessage                   // 消息、回执、回放
	PriorityControl                   // 错误、ack、resync 边界
)

// PushResult 入队结果
type PushResult int

const (
	PushOK       PushResult = iota
	PushOverflow            // 发生溢出（丢了帧），连接仍可用
	PushClose               // 连续溢出达到上限，应以 4006 关闭
	PushClosed              // 队列已关闭
)

type queued struct {
	data []byte
	prio Priority
}

// Outbound 每连接的发送队列：按 FIFO 发送，超过深度或字节上限时按优先级淘汰
type Outbound struct {
	mu           sync.Mutex
	frames       []queued
	bytes        int
	maxDepth     int
	maxBytes     int
	maxOverflows int
	overflows    int // 连续溢出次数
	closed       bool
	notify       chan struct{}
	space        chan struct{} // 写协程取走帧后通知 PushWait
}

func NewOutbound(maxDepth, maxBytes, maxOverflows int) *Outbound {
	return &Outbound{
		maxDepth:     maxDepth,
		maxBytes:     maxBytes,
		maxOverflows: maxOverflows,
		notify:       make(chan struct{}, 1),
		space:        make(chan struct{}, 1),
	}
}

// Push 不阻塞。新帧放不下时先淘汰比它优先级低的待发帧，仍放不下就丢掉新帧；两种情况都记一次溢出
func (q *Outbound) Push(data []byte, p Priority) PushResult {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return PushClosed
	}
	overflow := false
	for !q.fitsLocked(len(data)) {
		overflow = true
		if !q.evictLocked(p) {
			break
		}
	}
	res := PushOK
	if q.fitsLocked(len(data)) {
		q.frames = append(q.frames, queued{data: data, prio: p})
		q.bytes += len(data)
	}
	if overflow {
		q.overflows++
		res = PushOverflow
		if q.maxOverflows > 0 && q.overflows >= q.maxOverflows {
			res = PushClose
		}
	} else {
		q.overflows = 0
	}
	q.mu.Unlock()
	signal(q.notify)
	return res
}

// PushWait 放不下时等写协程腾出空间，不淘汰、不计溢出。回放这类批量下发用它控制节奏
func (q *Outbound) PushWait(ctx context.Context, data []byte, p Priority) PushResult {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return PushClosed
		}
		// 空队列总能放下，避免单帧超过字节上限时永远等待
		if len(q.frames) == 0 || q.fitsLocked(len(data)) {
			q.frames = append(q.frames, queued{data: data, prio: p})
			q.bytes += len(data)
			q.mu.Unlock()
			signal(q.notify)
			return PushOK
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return PushClosed
		case <-q.space:
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *Outbound) fitsLocked(n int) bool {
	if q.maxDepth > 0 && len(q.frames)+1 > q.maxDepth {
		return false
	}
	if q.maxBytes > 0 && q.bytes+n > q.maxBytes {
		return false
	}
	return true
}

// evictLocked 淘汰一条优先级最低（同级取最早）且低于 p 的帧
func (q *Outbound) evictLocked(p Priority) bool {
	idx := -1
	for i, f := range q.frames {
		if f.prio < p && (idx < 0 || f.prio < q.frames[idx].prio) {
			idx = i
		}
	}
	if idx < 0 {
		return false
	}
	q.bytes -= len(q.frames[idx].data)
	q.frames = append(q.frames[:idx], q.frames[idx+1:]...)
	return true
}

// Drain 取走全部待发帧
func (q *Outbound) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil
	}
	out := make([][]byte, len(q.frames))
	for i, f := range q.frames {
		out[i] = f.data
	}
	q.frames = q.frames[:0]
	q.bytes = 0
	signal(q.space)
	return out
}

func (q *Outbound) Notify() <-chan struct{} { return q.notify }

// Stats 当前深度与字节数
func (q *Outbound) Stats() (depth, bytes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames), q.bytes
}

func (q *Outbound) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	signal(q.notify)
	signal(q.space)
}
