package eventbus

import "context"

type Message struct {
	Key   []byte
	Value []byte
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
