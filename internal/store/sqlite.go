package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mistica-notifications/internal/models"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Схема. Час зберігаємо як unix nano, щоб не залежати від формату дати драйвера.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    message TEXT NOT NULL,
    kind TEXT NOT NULL,
    data TEXT,
    is_read INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    read_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_notifications_user_created
    ON notifications(user_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_notifications_unread
    ON notifications(user_id, is_read) WHERE is_read = 0;
`

const sqliteColumns = `id, user_id, title, message, kind, data, is_read, created_at, read_at`

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite відкриває файл бази (або ":memory:") та застосовує схему
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite має одного writer'а, а ":memory:" живе лише в межах одного з'єднання
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}

	data, err := marshalData(n.Data)
	if err != nil {
		return err
	}

	var readAt sql.NullInt64
	if n.Read {
		if n.ReadAt == nil {
			t := n.CreatedAt
			n.ReadAt = &t
		}
		readAt = sql.NullInt64{Int64: n.ReadAt.UnixNano(), Valid: true}
	} else {
		n.ReadAt = nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Title, n.Message, string(n.Kind), data, boolToInt(n.Read), n.CreatedAt.UnixNano(), readAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM notifications WHERE id = ?`, id)
	return scanNotification(row)
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]models.Notification, error) {
	opts = opts.Normalize()

	query := `SELECT ` + sqliteColumns + ` FROM notifications WHERE user_id = ?`
	if opts.UnreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`

	return s.query(ctx, query, userID, opts.Limit, opts.Offset)
}

func (s *SQLiteStore) ListUnread(ctx context.Context, userID string) ([]models.Notification, error) {
	return s.query(ctx, `
		SELECT `+sqliteColumns+` FROM notifications
		WHERE user_id = ? AND is_read = 0
		ORDER BY created_at DESC, rowid DESC`, userID)
}

func (s *SQLiteStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) MarkRead(ctx context.Context, userID, id string) (*models.Notification, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = 1, read_at = ?
		WHERE id = ? AND user_id = ? AND is_read = 0`,
		s.now().UTC().UnixNano(), id, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark notification as read: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM notifications WHERE id = ? AND user_id = ?`, id, userID)
	return scanNotification(row)
}

func (s *SQLiteStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = 1, read_at = ?
		WHERE user_id = ? AND is_read = 0`,
		s.now().UTC().UnixNano(), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications as read: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping використовується readiness перевіркою
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close(_ context.Context) error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...interface{}) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	notifications := make([]models.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, *n)
	}
	return notifications, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	var (
		n         models.Notification
		kind      string
		data      sql.NullString
		isRead    int
		createdAt int64
		readAt    sql.NullInt64
	)

	err := row.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &kind, &data, &isRead, &createdAt, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}

	n.Kind = models.Kind(kind)
	n.Read = isRead == 1
	n.CreatedAt = time.Unix(0, createdAt).UTC()
	if readAt.Valid {
		t := time.Unix(0, readAt.Int64).UTC()
		n.ReadAt = &t
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &n.Data); err != nil {
			return nil, fmt.Errorf("failed to decode notification data: %w", err)
		}
	}
	return &n, nil
}

func marshalData(data map[string]interface{}) (sql.NullString, error) {
	if len(data) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode notification data: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
