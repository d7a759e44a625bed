package model

// State 消息生命周期：sending -> sent -> delivered -> read
// failed 只出现在客户端侧（发送未被服务端接受）
type State string

const (
	StateSending   State = "sending"
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateRead      State = "read"
	StateFailed    State = "failed"
)

// rank 用于判断前进/后退；failed 不在主线上
var rank = map[State]int{
	StateSending:   0,
	StateSent:      1,
	StateDelivered: 2,
	StateRead:      3,
}

var edges = map[State]State{
	StateSent:      StateSending,
	StateDelivered: StateSent,
	StateRead:      StateDelivered,
}

func (s State) Valid() bool {
	if s == StateFailed {
		return true
	}
	_, ok := rank[s]
	return ok
}

// IsValidTransition 只接受单步前进的边：
// sending->sent, sending->failed, sent->delivered, delivered->read
func IsValidTransition(cur, next State) bool {
	if next == StateFailed {
		return cur == StateSending
	}
	prev, ok := edges[next]
	return ok && prev == cur
}

// IsReceived delivered 与 read 都视为“已收到”，离线重放时排除
func IsReceived(s State) bool {
	return s == StateDelivered || s == StateRead
}

type Decision int

const (
	Apply   Decision = iota // 合法单步前进
	Ignore                  // 同状态或回退：重复/迟到的回执，丢弃即可
	Invalid                 // 跳步前进（例如 sent->read），上报 INVALID_TRANSITION
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case Ignore:
		return "ignore"
	default:
		return "invalid"
	}
}

// StatesBefore 主线上排在 s 之前的状态（用于只前进的条件更新）
func StatesBefore(s State) []State {
	r, ok := rank[s]
	if !ok {
		return nil
	}
	var out []State
	for _, st := range []State{StateSending, StateSent, StateDelivered, StateRead} {
		if rank[st] < r {
			out = append(out, st)
		}
	}
	return out
}

// Classify 在 IsValidTransition 之上区分“可忽略”和“需上报”的非法转换
func Classify(cur, next State) Decision {
	if IsValidTransition(cur, next) {
		return Apply
	}
	if cur == StateFailed || next == StateFailed {
		return Invalid
	}
	rc, okc := rank[cur]
	rn, okn := rank[next]
	if !okc || !okn {
		return Invalid
	}
	if rn <= rc {
		return Ignore
	}
	return Invalid
}
