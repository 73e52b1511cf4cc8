package store

import (
	"context"
	"path"
	"sort"
	"sync"
)

// MemStore is an in-process Store implementation with the same semantics as
// the Redis-backed one. It backs single-process deployments and tests.
type MemStore struct {
	mu     sync.RWMutex
	kv     map[string][]byte
	sets   map[string]map[string]struct{}
	zsets  map[string]map[string]float64
	subs   map[*memSubscription]struct{}
	closed bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		kv:    make(map[string][]byte),
		sets:  make(map[string]map[string]struct{}),
		zsets: make(map[string]map[string]float64),
		subs:  make(map[*memSubscription]struct{}),
	}
}

func (s *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *MemStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.kv[key] = stored
	return nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.kv, key)
	return nil
}

func (s *MemStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemStore) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (s *MemStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (s *MemStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	zset, ok := s.zsets[key]
	if !ok {
		zset = make(map[string]float64)
		s.zsets[key] = zset
	}
	zset[member] = score
	return nil
}

func (s *MemStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.sortedMembers(key)
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.Score >= min && m.Score <= max {
			out = append(out, m.Member)
		}
	}
	return out, nil
}

func (s *MemStore) ZRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	zset, ok := s.zsets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(zset, m)
	}
	return nil
}

func (s *MemStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.sortedMembers(key)
	n := int64(len(members))
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		return nil
	}
	zset := s.zsets[key]
	for i := start; i <= stop; i++ {
		delete(zset, members[i].Member)
	}
	return nil
}

func (s *MemStore) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.sortedMembers(key)
	for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
		members[i], members[j] = members[j], members[i]
	}
	n := int64(len(members))
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		return nil, nil
	}
	return members[start : stop+1], nil
}

func (s *MemStore) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for sub := range s.subs {
		sub.deliver(channel, payload)
	}
	return nil
}

func (s *MemStore) Subscribe(ctx context.Context, channels ...string) Subscription {
	return s.addSubscription(channels, "")
}

func (s *MemStore) PSubscribe(ctx context.Context, pattern string) Subscription {
	return s.addSubscription(nil, pattern)
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		sub.closeLocked()
	}
	s.subs = make(map[*memSubscription]struct{})
	s.closed = true
	return nil
}

func (s *MemStore) addSubscription(channels []string, pattern string) *memSubscription {
	sub := &memSubscription{
		store:    s,
		channels: make(map[string]struct{}, len(channels)),
		pattern:  pattern,
		msgs:     make(chan Message, 64),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub] = struct{}{}
	return sub
}

// sortedMembers returns the zset ordered by score ascending, member
// lexicographic on ties. Caller holds at least a read lock.
func (s *MemStore) sortedMembers(key string) []ScoredMember {
	zset := s.zsets[key]
	members := make([]ScoredMember, 0, len(zset))
	for m, score := range zset {
		members = append(members, ScoredMember{Member: m, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	return members
}

func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

type memSubscription struct {
	store    *MemStore
	channels map[string]struct{}
	pattern  string
	msgs     chan Message
	mu       sync.Mutex
	closed   bool
}

func (s *memSubscription) matches(channel string) bool {
	if s.pattern != "" {
		ok, err := path.Match(s.pattern, channel)
		return err == nil && ok
	}
	_, ok := s.channels[channel]
	return ok
}

func (s *memSubscription) deliver(channel string, payload []byte) {
	if !s.matches(channel) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.msgs <- Message{Channel: channel, Payload: payload}:
	default:
		// Slow subscriber: drop rather than block publishers.
	}
}

func (s *memSubscription) Messages() <-chan Message {
	return s.msgs
}

func (s *memSubscription) Close() error {
	s.store.mu.Lock()
	delete(s.store.subs, s)
	s.store.mu.Unlock()

	s.closeLocked()
	return nil
}

func (s *memSubscription) closeLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.msgs)
	}
}
