package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ppchat"

// Metrics 实时核心的计数器。reg 为 nil 时不注册，测试直接 new 即可
type Metrics struct {
	Connections    prometheus.Gauge
	ConnRejected   *prometheus.CounterVec // reason: user_cap/session_cap/ip_cap/auth
	ForcedCloses   *prometheus.CounterVec // code
	FramesIn       *prometheus.CounterVec // type
	FrameErrors    *prometheus.CounterVec // code
	RateViolations *prometheus.CounterVec // action: reject/throttle/close
	QueueOverflows prometheus.Counter
	MessagesSent   *prometheus.CounterVec // kind: direct/room, duplicate
	BusPublished   *prometheus.CounterVec // channel, result
	BusReceived    *prometheus.CounterVec // channel, result: dispatched/self/dup/invalid
	ReplayedFrames prometheus.Counter
	ArchiveDropped prometheus.Counter
	ReceiptRetries prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections", Help: "Live websocket connections on this instance.",
		}),
		ConnRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total", Help: "Connections refused at admission.",
		}, []string{"reason"}),
		ForcedCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "forced_closes_total", Help: "Connections closed by the server, by close code.",
		}, []string{"code"}),
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_in_total", Help: "Inbound frames by type.",
		}, []string{"type"}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frame_errors_total", Help: "MESSAGE_ERROR frames by code.",
		}, []string{"code"}),
		RateViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_violations_total", Help: "Rate limit violations by resulting action.",
		}, []string{"action"}),
		QueueOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_overflows_total", Help: "Outbound queue overflows.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total", Help: "Accepted sends.",
		}, []string{"kind", "duplicate"}),
		BusPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_published_total", Help: "Bus publishes.",
		}, []string{"channel", "result"}),
		BusReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_received_total", Help: "Bus events received.",
		}, []string{"channel", "result"}),
		ReplayedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "replayed_messages_total", Help: "MESSAGE_REPLAY frames sent.",
		}),
		ArchiveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "archive_dropped_total", Help: "Messages dropped by the archive queue.",
		}),
		ReceiptRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "receipt_retries_total", Help: "Receipts retried after INVALID_TRANSITION.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.ConnRejected, m.ForcedCloses, m.FramesIn, m.FrameErrors,
			m.RateViolations, m.QueueOverflows, m.MessagesSent, m.BusPublished, m.BusReceived,
			m.ReplayedFrames, m.ArchiveDropped, m.ReceiptRetries)
	}
	return m
}

// Nop 不注册的实例
func Nop() *Metrics { return New(nil) }
