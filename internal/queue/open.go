package queue

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options select and configure a queue backend.
type Options struct {
	Backend      string
	MemorySize   int
	Redis        *redis.Client
	RedisKey     string
	KafkaBrokers []string
	KafkaTopic   string
	// KafkaGroupID is only needed by consumers.
	KafkaGroupID string
}

// Open builds the configured backend. The returned close func is never nil.
func Open(o Options, log *zap.Logger) (Queue, func() error, error) {
	noop := func() error { return nil }
	switch o.Backend {
	case "", "memory":
		return NewInMemory(o.MemorySize), noop, nil
	case "redis":
		if o.Redis == nil {
			return nil, noop, fmt.Errorf("redis queue requires a redis client")
		}
		return NewRedisQueue(o.Redis, o.RedisKey), noop, nil
	case "kafka":
		q := NewKafkaQueue(o.KafkaBrokers, o.KafkaTopic, o.KafkaGroupID, log)
		return q, q.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown queue backend %q", o.Backend)
	}
}
