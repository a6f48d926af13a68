package redisqueue

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Config configures the Redis queue consumer.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
}

// Consumer pops audit log lines off a Redis list. Used when the log to
// analyze is staged in a queue instead of a file on disk.
type Consumer struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
}

// NewConsumer creates a Redis consumer for list-based queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Consumer{
		client:       client,
		key:          cfg.Key,
		blockTimeout: cfg.BlockTimeout,
	}, nil
}

// Pop pops one line from the list. A nil result with nil error means the
// queue was empty for the block timeout.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Drain pops lines until the queue stays empty for one block timeout, max
// lines are collected, or ctx is cancelled. Analysis runs on a fixed log, so
// ingestion ends at the first quiet period rather than tailing forever.
func (c *Consumer) Drain(ctx context.Context, max int) ([][]byte, error) {
	var lines [][]byte
	for max <= 0 || len(lines) < max {
		if err := ctx.Err(); err != nil {
			return lines, err
		}
		payload, err := c.Pop(ctx)
		if err != nil {
			return lines, err
		}
		if payload == nil {
			break
		}
		lines = append(lines, payload)
	}
	return lines, nil
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
