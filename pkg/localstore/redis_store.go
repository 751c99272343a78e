package localstore

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries in Redis under a shared hash, letting several
// client instances (the cross-tab case) observe the same session state.
// Every write is published locally to subscribers and announced on a
// Redis channel so the other instances' subscribers fire too.
type RedisStore struct {
	notifier
	client  *redis.Client
	hashKey string
	id      string
	pubsub  *redis.PubSub
}

// NewRedisStore builds a Redis-backed store. All entries live in one
// hash named by hashKey so a flush clears exactly this client's state.
func NewRedisStore(addr, password, hashKey string) *RedisStore {
	if hashKey == "" {
		hashKey = "storefront:localstore"
	}
	s := &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		hashKey: hashKey,
		id:      uuid.NewString(),
	}
	s.pubsub = s.client.Subscribe(context.Background(), s.channel())
	// Wait for the subscription confirmation so no announcement sent
	// right after construction is lost.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_, _ = s.pubsub.Receive(ctx)
	cancel()
	go s.listen()
	return s
}

// Close stops the change listener.
func (s *RedisStore) Close() error {
	return s.pubsub.Close()
}

func (s *RedisStore) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	val, err := s.client.HGet(ctx, s.hashKey, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.HSet(ctx, s.hashKey, key, value).Err(); err != nil {
		return err
	}
	s.publish(key)
	s.announce(key)
	return nil
}

func (s *RedisStore) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.HDel(ctx, s.hashKey, keys...).Err(); err != nil && err != redis.Nil {
		return err
	}
	for _, key := range keys {
		s.publish(key)
		s.announce(key)
	}
	return nil
}

func (s *RedisStore) channel() string {
	return s.hashKey + ":changes"
}

// announce tells the other instances about a change. Best-effort: a
// missed announcement degrades freshness, not correctness, since every
// instance re-reads the hash on its next access.
func (s *RedisStore) announce(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.client.Publish(ctx, s.channel(), s.id+" "+key).Err()
}

// listen forwards announcements from other instances to local
// subscribers. Own announcements are skipped: Set and Delete already
// published locally.
func (s *RedisStore) listen() {
	for msg := range s.pubsub.Channel() {
		sender, key, ok := strings.Cut(msg.Payload, " ")
		if ok && sender != s.id {
			s.publish(key)
		}
	}
}
