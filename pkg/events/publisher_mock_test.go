package events

import (
	"github.com/ThreeDotsLabs/watermill/message"
)

type capturingPublisher struct {
	messages []*message.Message
}

func (c *capturingPublisher) Publish(topic string, messages ...*message.Message) error {
	c.messages = append(c.messages, messages...)
	return nil
}

func (c *capturingPublisher) Close() error {
	return nil
}

var _ message.Publisher = (*capturingPublisher)(nil)
