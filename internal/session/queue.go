package session

import (
	"context"
)

// Handler 处理一条快照消息。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递快照。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费快照。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*RedisQueue)(nil)
	_ Queue = (*RabbitMQQueue)(nil)
	_ Queue = (*NATSQueue)(nil)
)
