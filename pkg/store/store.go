package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no value in the store.
var ErrNotFound = errors.New("key not found")

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Messages stops delivering
// after Close.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// ScoredMember pairs a sorted-set member with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the shared coordination store: key/value, set, sorted-set and
// pub/sub primitives. It is the only synchronization point between agent
// processes.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) Subscription
	PSubscribe(ctx context.Context, pattern string) Subscription

	Close() error
}
