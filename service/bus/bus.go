package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ppchat/logger"
	"ppchat/service/metrics"
	"ppchat/service/natsx"
	"ppchat/tools/errs"
	"ppchat/tools/safe"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler 收到远端事件后的处理
type Handler func(ctx context.Context, ev *Event)

type Options struct {
	InstanceID string
	// Production 为 true 时启动连不上总线直接失败
	Production    bool
	DedupTTL      time.Duration
	RetryAttempts int
	RetryBase     time.Duration
	RetryMax      time.Duration
	RetryPoll     time.Duration
}

// RetryState 启动失败后的重连状态，由调度协程轮询
type RetryState struct {
	Attempts     int
	NextEligible time.Time
	Exhausted    bool
}

type Bus struct {
	opts    Options
	dial    Dialer
	idem    natsx.IdemStore
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	transport Transport
	handlers  map[string]Handler
	retry     RetryState
	started   bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(opts Options, dial Dialer, idem natsx.IdemStore, m *metrics.Metrics) *Bus {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 2 * time.Minute
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 10
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	if opts.RetryPoll <= 0 {
		opts.RetryPoll = 500 * time.Millisecond
	}
	if idem == nil {
		idem = natsx.NewMemIdem(opts.DedupTTL)
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Bus{
		opts:     opts,
		dial:     dial,
		idem:     idem,
		metrics:  m,
		now:      time.Now,
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
	}
}

// Handle 注册频道处理函数，需在 Start 前调用
func (b *Bus) Handle(channel string, h Handler) {
	b.mu.Lock()
	b.handlers[channel] = h
	b.mu.Unlock()
}

// Start 连接总线。生产环境连不上返回错误；其他环境降级为单实例并在后台按退避重试
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	err := b.connect(ctx)
	if err == nil {
		return nil
	}
	if b.opts.Production {
		return errs.WrapMsg(err, "bus connect failed in production")
	}
	logger.Warn("[Bus] unavailable, running single-instance; will retry", zap.Error(err))
	b.mu.Lock()
	b.retry = RetryState{Attempts: 1, NextEligible: b.now().Add(b.backoff(1))}
	b.mu.Unlock()
	b.wg.Add(1)
	safe.Go("bus-retry", b.retryLoop)
	return nil
}

func (b *Bus) connect(ctx context.Context) error {
	if b.dial == nil {
		return errs.ErrBusUnavailable.WrapMsg("no transport configured")
	}
	t, err := b.dial(ctx)
	if err != nil {
		return err
	}
	b.mu.RLock()
	channels := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		channels = append(channels, ch)
	}
	b.mu.RUnlock()
	for _, ch := range channels {
		if err := t.Subscribe(ch, b.receiver(ch)); err != nil {
			_ = t.Close()
			return err
		}
	}
	b.mu.Lock()
	b.transport = t
	b.mu.Unlock()
	logger.Info("[Bus] connected", zap.String("instance", b.opts.InstanceID), zap.Strings("channels", channels))
	return nil
}

// backoff 第 n 次失败后的等待：base * 2^(n-1)，不超过 max
func (b *Bus) backoff(attempt int) time.Duration {
	d := b.opts.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.opts.RetryMax {
			return b.opts.RetryMax
		}
	}
	return d
}

func (b *Bus) retryLoop() {
	defer b.wg.Done()
	t := time.NewTicker(b.opts.RetryPoll)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
			if done := b.retryOnce(); done {
				return
			}
		}
	}
}

// retryOnce 到期就重连一次，返回是否结束重试
func (b *Bus) retryOnce() bool {
	b.mu.RLock()
	st := b.retry
	b.mu.RUnlock()
	if st.Exhausted {
		return true
	}
	if b.now().Before(st.NextEligible) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := b.connect(ctx)
	cancel()
	if err == nil {
		b.mu.Lock()
		b.retry = RetryState{}
		b.mu.Unlock()
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retry.Attempts++
	if b.retry.Attempts >= b.opts.RetryAttempts {
		b.retry.Exhausted = true
		logger.Error("[Bus] giving up reconnect", zap.Int("attempts", b.retry.Attempts), zap.Error(err))
		return true
	}
	b.retry.NextEligible = b.now().Add(b.backoff(b.retry.Attempts))
	logger.Warn("[Bus] reconnect failed", zap.Int("attempt", b.retry.Attempts), zap.Error(err))
	return false
}

func (b *Bus) RetryState() RetryState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.retry
}

// Enabled 总线已连接且底层可用
func (b *Bus) Enabled() bool {
	b.mu.RLock()
	t := b.transport
	b.mu.RUnlock()
	return t != nil && t.Connected()
}

func (b *Bus) InstanceID() string { return b.opts.InstanceID }

// Publish 补齐 eventId/origin/ts 后校验并发布。总线不可用返回 BUS_UNAVAILABLE，由调用方决定是否忽略
func (b *Bus) Publish(ctx context.Context, ev *Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	ev.Origin = b.opts.InstanceID
	if ev.Ts == 0 {
		ev.Ts = b.now().UnixMilli()
	}
	if err := ev.Validate(); err != nil {
		b.metrics.BusPublished.WithLabelValues(ev.Channel, "invalid").Inc()
		return err
	}
	b.mu.RLock()
	t := b.transport
	b.mu.RUnlock()
	if t == nil {
		b.metrics.BusPublished.WithLabelValues(ev.Channel, "disabled").Inc()
		return errs.ErrBusUnavailable.WrapMsg("bus disabled", "channel", ev.Channel)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errs.WrapMsg(err, "marshal bus event")
	}
	if err := t.Publish(ctx, ev.Channel, data, ev.EventID); err != nil {
		b.metrics.BusPublished.WithLabelValues(ev.Channel, "error").Inc()
		return errs.ErrBusUnavailable.WrapMsg(err.Error(), "channel", ev.Channel)
	}
	b.metrics.BusPublished.WithLabelValues(ev.Channel, "ok").Inc()
	return nil
}

func (b *Bus) receiver(channel string) func(ctx context.Context, data []byte) {
	return func(ctx context.Context, data []byte) {
		b.dispatch(ctx, channel, data)
	}
}

func (b *Bus) dispatch(ctx context.Context, channel string, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		logger.Warn("[Bus] malformed event dropped", zap.String("channel", channel), zap.Error(err))
		b.metrics.BusReceived.WithLabelValues(channel, "invalid").Inc()
		return
	}
	if err := ev.Validate(); err != nil || ev.Channel != channel {
		logger.Warn("[Bus] invalid event dropped", zap.String("channel", channel), zap.String("eventId", ev.EventID), zap.Error(err))
		b.metrics.BusReceived.WithLabelValues(channel, "invalid").Inc()
		return
	}
	if ev.Origin == b.opts.InstanceID {
		b.metrics.BusReceived.WithLabelValues(channel, "self").Inc()
		return
	}
	// 去重表可能被多个实例共用（redis），key 带上本实例 id，只挡本实例的重复
	seen, err := b.idem.SeenOnce(ctx, b.opts.InstanceID+"|"+ev.DedupKey(), b.opts.DedupTTL)
	if err != nil {
		logger.Warn("[Bus] dedup store failed, dispatching anyway", zap.Error(err))
	}
	if seen {
		b.metrics.BusReceived.WithLabelValues(channel, "dup").Inc()
		return
	}
	b.mu.RLock()
	h := b.handlers[channel]
	b.mu.RUnlock()
	if h == nil {
		return
	}
	b.metrics.BusReceived.WithLabelValues(channel, "dispatched").Inc()
	defer safe.Recover("bus-handler")
	h(ctx, &ev)
}

func (b *Bus) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	b.mu.Lock()
	t := b.transport
	b.transport = nil
	b.mu.Unlock()
	if c, ok := b.idem.(interface{ Close() }); ok {
		c.Close()
	}
	if t != nil {
		return t.Close()
	}
	return nil
}
