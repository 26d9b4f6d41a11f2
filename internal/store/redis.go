package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"p2p_chat/internal/metrics"
	"p2p_chat/internal/model"
	"p2p_chat/internal/utils/log"
)

// RedisStore implements Store on redis: each record is a JSON value and a
// per-user set tracks record keys for listing. A keyed mutex serializes the
// read-modify-write cycle per record within this process.
type RedisStore struct {
	rdb   *redis.Client
	locks *keyedMutex
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:   rdb,
		locks: newKeyedMutex(),
	}
}

func userKey(username string) string {
	return fmt.Sprintf("user:%s", username)
}

func recordKey(username, conversationID string) string {
	return fmt.Sprintf("conv:%s:%s", username, conversationID)
}

func indexKey(username string) string {
	return fmt.Sprintf("convs:%s", username)
}

func (s *RedisStore) Register(ctx context.Context, username string) error {
	if !validKeyComponent(username) {
		return ErrInvalidKey
	}
	return s.rdb.Set(ctx, userKey(username), "1", 0).Err()
}

func (s *RedisStore) checkUser(ctx context.Context, username string) error {
	if !validKeyComponent(username) {
		return ErrInvalidKey
	}
	n, err := s.rdb.Exists(ctx, userKey(username)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownUser
	}
	return nil
}

func (s *RedisStore) fetch(ctx context.Context, key string) ([]model.Message, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []model.Message
	if err := json.Unmarshal([]byte(val), &msgs); err != nil {
		log.Error("malformed conversation record, treating as empty",
			zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	return msgs, nil
}

func (s *RedisStore) replace(ctx context.Context, username, conversationID string, msgs []model.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, recordKey(username, conversationID), data, 0).Err(); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, indexKey(username), conversationID).Err()
}

func (s *RedisStore) Append(ctx context.Context, username, conversationID string, batch []model.Message, overwrite bool) error {
	if err := s.checkUser(ctx, username); err != nil {
		return err
	}

	key := recordKey(username, conversationID)
	lock := s.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	combined := batch
	if !overwrite {
		existing, err := s.fetch(ctx, key)
		if err != nil {
			return err
		}
		combined = append(existing, batch...)
	}

	merged := dedupeSort(combined)
	assignIDs(merged)
	return s.replace(ctx, username, conversationID, merged)
}

func (s *RedisStore) Read(ctx context.Context, username, conversationID string) ([]model.Message, error) {
	if err := s.checkUser(ctx, username); err != nil {
		return nil, err
	}

	key := recordKey(username, conversationID)
	lock := s.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	return s.readAndHeal(ctx, username, conversationID)
}

func (s *RedisStore) readAndHeal(ctx context.Context, username, conversationID string) ([]model.Message, error) {
	msgs, err := s.fetch(ctx, recordKey(username, conversationID))
	if err != nil {
		return nil, err
	}

	healed := dedupeSort(msgs)
	if len(healed) != len(msgs) {
		if err := s.replace(ctx, username, conversationID, healed); err != nil {
			return nil, err
		}
		metrics.SelfHealRepairs.Inc()
	}
	return healed, nil
}

func (s *RedisStore) ListAll(ctx context.Context, username string) (map[string][]model.Message, error) {
	if err := s.checkUser(ctx, username); err != nil {
		return nil, err
	}

	keys, err := s.rdb.SMembers(ctx, indexKey(username)).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[string][]model.Message, len(keys))
	for _, key := range keys {
		if !model.ValidConversationID(key) {
			if err := s.quarantineRecord(ctx, username, key); err != nil {
				return nil, err
			}
			continue
		}

		lock := s.locks.get(recordKey(username, key))
		lock.Lock()
		msgs, err := s.readAndHeal(ctx, username, key)
		lock.Unlock()
		if err != nil {
			return nil, err
		}
		result[key] = msgs
	}
	return result, nil
}

func (s *RedisStore) quarantineRecord(ctx context.Context, username, conversationID string) error {
	src := recordKey(username, conversationID)
	dst := "quarantine:" + src

	err := s.rdb.Rename(ctx, src, dst).Err()
	if err != nil && err != redis.Nil {
		// the index may reference a key that no longer exists
		log.Debug("quarantine rename skipped", zap.String("key", src), zap.Error(err))
	}
	if err := s.rdb.SRem(ctx, indexKey(username), conversationID).Err(); err != nil {
		return err
	}

	metrics.RecordsQuarantined.Inc()
	log.Info("quarantined record with malformed conversation key",
		zap.String("user", username), zap.String("record", conversationID))
	return nil
}
