package messaging

import (
	"context"
)

// SubscribeFunc consumes one raw message from a topic.
type SubscribeFunc func(payload []byte) error

// SubscribeWithHandler subscribes to a topic and pumps messages into the
// handler on a background goroutine until the context is cancelled. Handler
// errors skip the message and keep the pump alive.
func SubscribeWithHandler(ctx context.Context, broker Broker, topic string, handler SubscribeFunc) error {
	msgChan, err := broker.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgChan {
			if err := handler(msg); err != nil {
				continue
			}
		}
	}()

	return nil
}
