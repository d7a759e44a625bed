package natsx

import (
	"context"
	"time"

	"ppchat/tools/errs"
)

// NatsManager 统一门面：对外只暴露这一个对象来用
type NatsManager struct {
	client   *NatsxClient
	producer *NatsxProducer
	consumer *NatsxConsumer

	retries int
	backoff time.Duration
}

// NewNatsManager 初始化；发布失败时最多重试 retries 次，间隔从 backoff 起翻倍
func NewNatsManager(cfg NatsxConfig, retries int, backoff time.Duration, middlewares ...NatsxMiddleware) (*NatsManager, error) {
	c, err := NewNatsxClient(cfg)
	if err != nil {
		return nil, err
	}
	return &NatsManager{
		client:   c,
		producer: NewNatsxProducer(c),
		consumer: NewNatsxConsumer(c, middlewares...),
		retries:  retries,
		backoff:  backoff,
	}, nil
}

func (m *NatsManager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *NatsManager) Connected() bool {
	return m != nil && m.client != nil && m.client.Connected()
}

// RegisterRoute 注册业务路由（biz -> subject）
func (m *NatsManager) RegisterRoute(r NatsxRoute) error {
	if m == nil || m.client == nil {
		return errs.New("manager not initialized")
	}
	return m.client.RegisterRoute(r)
}

// PublishOnce 带 Nats-Msg-Id 发布；重试沿用同一个 id，接收端据此去重
func (m *NatsManager) PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	if m == nil || m.producer == nil {
		return errs.New("manager not initialized")
	}
	return retry(ctx, m.retries, m.backoff, func() error {
		return m.producer.PublishOnce(biz, data, hdr, msgID)
	})
}

// Subscribe 广播订阅，每个实例都收到
func (m *NatsManager) Subscribe(biz string, h NatsxHandler) error {
	if m == nil || m.consumer == nil {
		return errs.New("manager not initialized")
	}
	return m.consumer.Subscribe(biz, h)
}

func retry(ctx context.Context, retries int, backoff time.Duration, fn func() error) error {
	err := fn()
	for i := 0; err != nil && i < retries; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff << i):
		}
		err = fn()
	}
	return err
}
