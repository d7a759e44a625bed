package natsx

import (
	"ppchat/tools/errs"

	"github.com/google/uuid"
)

// HeaderMsgID NATS 标准去重头
const HeaderMsgID = "Nats-Msg-Id"

// NatsxProducer 生产端
type NatsxProducer struct{ c *NatsxClient }

func NewNatsxProducer(c *NatsxClient) *NatsxProducer { return &NatsxProducer{c: c} }

// Publish 按 Biz 路由发送
func (p *NatsxProducer) Publish(biz string, data []byte, hdr map[string]string) error {
	r, ok := p.c.route(biz)
	if !ok {
		return errs.New("route not found", "biz", biz)
	}
	return p.c.sendCore(r.Subject, data, hdr)
}

// PublishOnce 带 Nats-Msg-Id 的发布；msgID 为空时生成 uuid
func (p *NatsxProducer) PublishOnce(biz string, data []byte, hdr map[string]string, msgID string) error {
	out := make(map[string]string, len(hdr)+1)
	for k, v := range hdr {
		out[k] = v
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}
	out[HeaderMsgID] = msgID
	return p.Publish(biz, data, out)
}
