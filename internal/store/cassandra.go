package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mistica-notifications/internal/models"

	"github.com/gocql/gocql"
)

// Партиція на користувача, всередині - найновіші першими.
// notifications_by_id потрібна для пошуку за id без ALLOW FILTERING.
var cassandraSchema = []string{
	`CREATE TABLE IF NOT EXISTS notifications_by_user (
		user_id TEXT,
		created_at TIMESTAMP,
		id TEXT,
		title TEXT,
		message TEXT,
		kind TEXT,
		data TEXT,
		is_read BOOLEAN,
		read_at TIMESTAMP,
		PRIMARY KEY ((user_id), created_at, id)
	) WITH CLUSTERING ORDER BY (created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS notifications_by_id (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		created_at TIMESTAMP
	)`,
}

const cassandraColumns = `id, user_id, title, message, kind, data, is_read, created_at, read_at`

type CassandraStore struct {
	session *gocql.Session
	now     func() time.Time
}

// NewCassandraStore створює keyspace і таблиці, якщо їх ще немає
func NewCassandraStore(hosts []string, keyspace string) (*CassandraStore, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = "system"
	cluster.Timeout = 5 * time.Second

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Cassandra: %w", err)
	}
	err = session.Query(fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s
		 WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`, keyspace)).Exec()
	session.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create keyspace: %w", err)
	}

	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	session, err = cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to keyspace %s: %w", keyspace, err)
	}

	for _, stmt := range cassandraSchema {
		if err := session.Query(stmt).Exec(); err != nil {
			session.Close()
			return nil, fmt.Errorf("failed to apply cassandra schema: %w", err)
		}
	}

	return &CassandraStore{session: session, now: time.Now}, nil
}

func (s *CassandraStore) Create(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = gocql.TimeUUID().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	// TIMESTAMP зберігає мілісекунди
	n.CreatedAt = n.CreatedAt.Truncate(time.Millisecond)

	var readAt *time.Time
	if n.Read {
		if n.ReadAt == nil {
			t := n.CreatedAt
			n.ReadAt = &t
		}
		readAt = n.ReadAt
	} else {
		n.ReadAt = nil
	}

	data, err := marshalData(n.Data)
	if err != nil {
		return err
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO notifications_by_user (`+cassandraColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Title, n.Message, string(n.Kind), data.String, n.Read, n.CreatedAt, readAt)
	batch.Query(`INSERT INTO notifications_by_id (id, user_id, created_at) VALUES (?, ?, ?)`,
		n.ID, n.UserID, n.CreatedAt)

	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *CassandraStore) Get(ctx context.Context, id string) (*models.Notification, error) {
	userID, createdAt, err := s.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, userID, createdAt, id)
}

func (s *CassandraStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]models.Notification, error) {
	opts = opts.Normalize()

	notifications := make([]models.Notification, 0, opts.Limit)
	skipped := 0
	err := s.scanUser(ctx, userID, func(n models.Notification) bool {
		if opts.UnreadOnly && n.Read {
			return true
		}
		if skipped < opts.Offset {
			skipped++
			return true
		}
		notifications = append(notifications, n)
		return len(notifications) < opts.Limit
	})
	return notifications, err
}

func (s *CassandraStore) ListUnread(ctx context.Context, userID string) ([]models.Notification, error) {
	notifications := make([]models.Notification, 0)
	err := s.scanUser(ctx, userID, func(n models.Notification) bool {
		if !n.Read {
			notifications = append(notifications, n)
		}
		return true
	})
	return notifications, err
}

func (s *CassandraStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	iter := s.session.Query(`SELECT is_read FROM notifications_by_user WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()

	var (
		count  int64
		isRead bool
	)
	for iter.Scan(&isRead) {
		if !isRead {
			count++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

func (s *CassandraStore) MarkRead(ctx context.Context, userID, id string) (*models.Notification, error) {
	n, _, err := s.markRead(ctx, userID, id)
	return n, err
}

// markRead повертає сповіщення і true, якщо саме цей виклик позначив його прочитаним
func (s *CassandraStore) markRead(ctx context.Context, userID, id string) (*models.Notification, bool, error) {
	owner, createdAt, err := s.locate(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if owner != userID {
		return nil, false, ErrNotFound
	}

	// LWT: паралельні позначення не перезаписують read_at
	var current bool
	applied, err := s.session.Query(`
		UPDATE notifications_by_user SET is_read = true, read_at = ?
		WHERE user_id = ? AND created_at = ? AND id = ?
		IF is_read = false`,
		s.now().UTC().Truncate(time.Millisecond), userID, createdAt, id,
	).WithContext(ctx).ScanCAS(&current)
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark notification as read: %w", err)
	}

	n, err := s.get(ctx, userID, createdAt, id)
	if err != nil {
		return nil, false, err
	}
	return n, applied, nil
}

func (s *CassandraStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	unread, err := s.ListUnread(ctx, userID)
	if err != nil {
		return 0, err
	}

	var updated int64
	for _, n := range unread {
		_, applied, err := s.markRead(ctx, userID, n.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return updated, err
		}
		if applied {
			updated++
		}
	}
	return updated, nil
}

func (s *CassandraStore) Delete(ctx context.Context, userID, id string) error {
	owner, createdAt, err := s.locate(ctx, id)
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrNotFound
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM notifications_by_user WHERE user_id = ? AND created_at = ? AND id = ?`, userID, createdAt, id)
	batch.Query(`DELETE FROM notifications_by_id WHERE id = ?`, id)
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	return nil
}

func (s *CassandraStore) Ping(ctx context.Context) error {
	return s.session.Query(`SELECT now() FROM system.local`).WithContext(ctx).Exec()
}

func (s *CassandraStore) Close(_ context.Context) error {
	s.session.Close()
	return nil
}

func (s *CassandraStore) locate(ctx context.Context, id string) (string, time.Time, error) {
	var (
		userID    string
		createdAt time.Time
	)
	err := s.session.Query(`SELECT user_id, created_at FROM notifications_by_id WHERE id = ?`, id).
		WithContext(ctx).Scan(&userID, &createdAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to find notification: %w", err)
	}
	return userID, createdAt, nil
}

func (s *CassandraStore) get(ctx context.Context, userID string, createdAt time.Time, id string) (*models.Notification, error) {
	iter := s.session.Query(`SELECT `+cassandraColumns+` FROM notifications_by_user
		WHERE user_id = ? AND created_at = ? AND id = ?`, userID, createdAt, id).WithContext(ctx).Iter()

	var found *models.Notification
	scanCassandra(iter, func(n models.Notification) bool {
		found = &n
		return false
	})
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// scanUser обходить партицію користувача, поки fn повертає true
func (s *CassandraStore) scanUser(ctx context.Context, userID string, fn func(models.Notification) bool) error {
	iter := s.session.Query(`SELECT `+cassandraColumns+` FROM notifications_by_user WHERE user_id = ?`, userID).
		WithContext(ctx).PageSize(MaxLimit).Iter()

	scanCassandra(iter, fn)
	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to query notifications: %w", err)
	}
	return nil
}

func scanCassandra(iter *gocql.Iter, fn func(models.Notification) bool) {
	for {
		var (
			n      models.Notification
			kind   string
			data   string
			readAt time.Time
		)
		if !iter.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &kind, &data, &n.Read, &n.CreatedAt, &readAt) {
			return
		}

		n.Kind = models.Kind(kind)
		n.CreatedAt = n.CreatedAt.UTC()
		if !readAt.IsZero() {
			t := readAt.UTC()
			n.ReadAt = &t
		}
		if data != "" {
			// зіпсовані дані не повинні ламати всю вибірку
			_ = json.Unmarshal([]byte(data), &n.Data)
		}

		if !fn(n) {
			return
		}
	}
}
