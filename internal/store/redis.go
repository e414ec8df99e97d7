package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mistica-notifications/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisTTL = 30 * 24 * time.Hour

// RedisStore тримає кожне сповіщення окремим JSON ключем, а для користувача -
// sorted set за часом створення та set непрочитаних id.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: defaultRedisTTL}
}

func recordKey(id string) string { return fmt.Sprintf("notif:%s", id) }
func userKey(userID string) string { return fmt.Sprintf("notif:user:%s", userID) }
func unreadKey(userID string) string { return fmt.Sprintf("notif:unread:%s", userID) }

func (s *RedisStore) Create(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Read && n.ReadAt == nil {
		t := n.CreatedAt
		n.ReadAt = &t
	}
	if !n.Read {
		n.ReadAt = nil
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, recordKey(n.ID), b, s.ttl)
	pipe.ZAdd(ctx, userKey(n.UserID), redis.Z{Score: float64(n.CreatedAt.UnixNano()), Member: n.ID})
	pipe.Expire(ctx, userKey(n.UserID), s.ttl)
	if !n.Read {
		pipe.SAdd(ctx, unreadKey(n.UserID), n.ID)
		pipe.Expire(ctx, unreadKey(n.UserID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Notification, error) {
	b, err := s.rdb.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notification: %w", err)
	}

	var n models.Notification
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, fmt.Errorf("failed to decode notification: %w", err)
	}
	return &n, nil
}

func (s *RedisStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]models.Notification, error) {
	opts = opts.Normalize()

	if !opts.UnreadOnly {
		ids, err := s.rdb.ZRevRange(ctx, userKey(userID), int64(opts.Offset), int64(opts.Offset+opts.Limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list notifications: %w", err)
		}
		return s.load(ctx, userID, ids, false)
	}

	unread, err := s.ListUnread(ctx, userID)
	if err != nil {
		return nil, err
	}
	if opts.Offset >= len(unread) {
		return []models.Notification{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(unread) {
		end = len(unread)
	}
	return unread[opts.Offset:end], nil
}

func (s *RedisStore) ListUnread(ctx context.Context, userID string) ([]models.Notification, error) {
	ids, err := s.rdb.ZRevRange(ctx, userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return s.load(ctx, userID, ids, true)
}

func (s *RedisStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	count, err := s.rdb.SCard(ctx, unreadKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// Скільки разів повторити транзакцію, якщо запис змінили між WATCH і EXEC
const maxWatchRetries = 10

func (s *RedisStore) MarkRead(ctx context.Context, userID, id string) (*models.Notification, error) {
	n, _, err := s.markRead(ctx, userID, id)
	return n, err
}

// markRead повертає сповіщення і true, якщо саме цей виклик позначив його прочитаним
func (s *RedisStore) markRead(ctx context.Context, userID, id string) (*models.Notification, bool, error) {
	var (
		result  *models.Notification
		changed bool
	)

	// WATCH на запис: конкурентні MarkRead не перезапишуть read_at
	txf := func(tx *redis.Tx) error {
		result, changed = nil, false

		b, err := tx.Get(ctx, recordKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var n models.Notification
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		if n.UserID != userID {
			return ErrNotFound
		}
		result = &n

		if !n.MarkRead(time.Now().UTC()) {
			return nil
		}

		updated, err := json.Marshal(n)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey(id), updated, redis.KeepTTL)
			pipe.SRem(ctx, unreadKey(userID), id)
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}

	var err error
	for i := 0; i < maxWatchRetries; i++ {
		err = s.rdb.Watch(ctx, txf, recordKey(id))
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}

	if errors.Is(err, ErrNotFound) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark notification as read: %w", err)
	}
	return result, changed, nil
}

func (s *RedisStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	ids, err := s.rdb.SMembers(ctx, unreadKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list unread notifications: %w", err)
	}

	var updated int64
	for _, id := range ids {
		_, changed, err := s.markRead(ctx, userID, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.rdb.SRem(ctx, unreadKey(userID), id)
				continue
			}
			return updated, err
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

func (s *RedisStore) Delete(ctx context.Context, userID, id string) error {
	n, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.UserID != userID {
		return ErrNotFound
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, recordKey(id))
	pipe.ZRem(ctx, userKey(userID), id)
	pipe.SRem(ctx, unreadKey(userID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close(_ context.Context) error {
	return s.rdb.Close()
}

// load читає записи за id у заданому порядку. Прострочені записи прибираються з індексів.
func (s *RedisStore) load(ctx context.Context, userID string, ids []string, unreadOnly bool) ([]models.Notification, error) {
	notifications := make([]models.Notification, 0, len(ids))
	if len(ids) == 0 {
		return notifications, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}

	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var n models.Notification
		if json.Unmarshal([]byte(raw), &n) != nil {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		notifications = append(notifications, n)
	}

	if len(stale) > 0 {
		s.rdb.ZRem(ctx, userKey(userID), stale...)
		s.rdb.SRem(ctx, unreadKey(userID), stale...)
	}
	return notifications, nil
}
