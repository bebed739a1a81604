package pulsarutils

import (
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
)

type MockMessageId struct {
	pulsar.MessageID
	id int
}

// MockPulsarMessage implements the parts of pulsar.Message the busbench transports read.
type MockPulsarMessage struct {
	pulsar.Message
	messageId   pulsar.MessageID
	payload     []byte
	publishTime time.Time
}

func NewMessageId(id int) pulsar.MessageID {
	return MockMessageId{id: id}
}

func NewPulsarMessage(id int, publishTime time.Time, payload []byte) MockPulsarMessage {
	return MockPulsarMessage{
		messageId:   NewMessageId(id),
		publishTime: publishTime,
		payload:     payload,
	}
}

func (m MockPulsarMessage) ID() pulsar.MessageID {
	return m.messageId
}

func (m MockPulsarMessage) Payload() []byte {
	return m.payload
}

func (m MockPulsarMessage) PublishTime() time.Time {
	return m.publishTime
}
