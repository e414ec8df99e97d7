package store

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"mistica-notifications/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func newTestSQLite(t *testing.T) NotificationStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, newTestSQLite)
}

// Redis та MongoDB перевіряються лише якщо доступні відповідні сервери
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR is not set")
	}

	newStore := func(t *testing.T) *RedisStore {
		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		s := NewRedisStore(rdb)
		t.Cleanup(func() { _ = s.Close(context.Background()) })
		return s
	}

	runStoreContract(t, func(t *testing.T) NotificationStore {
		return newStore(t)
	})

	t.Run("stale unread set entry is not counted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		n := &models.Notification{UserID: "user-001", Title: "t", Message: "m", Kind: models.KindOrder}
		require.NoError(t, s.Create(ctx, n))
		_, err := s.MarkRead(ctx, "user-001", n.ID)
		require.NoError(t, err)

		require.NoError(t, s.rdb.SAdd(ctx, unreadKey("user-001"), n.ID).Err())

		updated, err := s.MarkAllRead(ctx, "user-001")
		require.NoError(t, err)
		assert.Zero(t, updated)
	})
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI is not set")
	}

	runStoreContract(t, func(t *testing.T) NotificationStore {
		ctx := context.Background()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		require.NoError(t, err)
		db := client.Database("mistica_test_" + primitive.NewObjectID().Hex())
		t.Cleanup(func() {
			_ = db.Drop(ctx)
			_ = client.Disconnect(ctx)
		})

		s := NewMongoStore(db)
		require.NoError(t, s.EnsureIndexes(ctx))
		return s
	})
}

func TestCassandraStore(t *testing.T) {
	hosts := os.Getenv("CASSANDRA_TEST_HOSTS")
	if hosts == "" {
		t.Skip("CASSANDRA_TEST_HOSTS is not set")
	}

	runStoreContract(t, func(t *testing.T) NotificationStore {
		keyspace := "mistica_test_" + primitive.NewObjectID().Hex()
		s, err := NewCassandraStore(strings.Split(hosts, ","), keyspace)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.session.Query("DROP KEYSPACE IF EXISTS " + keyspace).Exec()
			_ = s.Close(context.Background())
		})
		return s
	})
}

func TestSQLitePing(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close(context.Background())

	assert.NoError(t, s.Ping(context.Background()))
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) NotificationStore) {
	t.Run("create assigns id and created_at", func(t *testing.T) {
		s := newStore(t)
		n := &models.Notification{UserID: "user-001", Title: "Order Update", Message: "shipped", Kind: models.KindOrder,
			Data: map[string]interface{}{"orderId": "o-1"}}

		require.NoError(t, s.Create(context.Background(), n))
		assert.NotEmpty(t, n.ID)
		assert.False(t, n.CreatedAt.IsZero())

		got, err := s.Get(context.Background(), n.ID)
		require.NoError(t, err)
		assert.Equal(t, "user-001", got.UserID)
		assert.Equal(t, models.KindOrder, got.Kind)
		assert.Equal(t, "o-1", got.Data["orderId"])
		assert.False(t, got.Read)
		assert.Nil(t, got.ReadAt)
	})

	t.Run("list newest first with unread filter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Date(2024, 11, 10, 12, 0, 0, 0, time.UTC)

		ids := make([]string, 3)
		for i := 0; i < 3; i++ {
			n := &models.Notification{UserID: "user-001", Title: "t", Message: "m", Kind: models.KindSystem,
				CreatedAt: base.Add(time.Duration(i) * time.Minute)}
			require.NoError(t, s.Create(ctx, n))
			ids[i] = n.ID
		}
		other := &models.Notification{UserID: "user-002", Title: "t", Message: "m", Kind: models.KindSystem}
		require.NoError(t, s.Create(ctx, other))

		_, err := s.MarkRead(ctx, "user-001", ids[1])
		require.NoError(t, err)

		all, err := s.ListByUser(ctx, "user-001", ListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{all[0].ID, all[1].ID, all[2].ID})

		page, err := s.ListByUser(ctx, "user-001", ListOptions{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[1], page[0].ID)

		unread, err := s.ListUnread(ctx, "user-001")
		require.NoError(t, err)
		require.Len(t, unread, 2)
		assert.Equal(t, ids[2], unread[0].ID)
		assert.Equal(t, ids[0], unread[1].ID)

		unreadPage, err := s.ListByUser(ctx, "user-001", ListOptions{UnreadOnly: true})
		require.NoError(t, err)
		assert.Len(t, unreadPage, 2)

		count, err := s.CountUnread(ctx, "user-001")
		require.NoError(t, err)
		assert.EqualValues(t, 2, count)
	})

	t.Run("mark read is monotonic and owner scoped", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		n := &models.Notification{UserID: "user-001", Title: "t", Message: "m", Kind: models.KindPayment}
		require.NoError(t, s.Create(ctx, n))

		_, err := s.MarkRead(ctx, "user-002", n.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		first, err := s.MarkRead(ctx, "user-001", n.ID)
		require.NoError(t, err)
		require.True(t, first.Read)
		require.NotNil(t, first.ReadAt)

		second, err := s.MarkRead(ctx, "user-001", n.ID)
		require.NoError(t, err)
		assert.True(t, second.Read)
		assert.True(t, first.ReadAt.Equal(*second.ReadAt))

		_, err = s.MarkRead(ctx, "user-001", "missing-id")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("mark all read", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Create(ctx, &models.Notification{UserID: "user-001", Title: "t", Message: "m", Kind: models.KindPromotion}))
		}

		updated, err := s.MarkAllRead(ctx, "user-001")
		require.NoError(t, err)
		assert.EqualValues(t, 3, updated)

		unread, err := s.ListUnread(ctx, "user-001")
		require.NoError(t, err)
		assert.Empty(t, unread)

		all, err := s.ListByUser(ctx, "user-001", ListOptions{})
		require.NoError(t, err)
		for _, n := range all {
			assert.True(t, n.Read)
			assert.NotNil(t, n.ReadAt)
		}
	})

	t.Run("concurrent mark read keeps the first read_at", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		n := &models.Notification{UserID: "user-001", Title: "t", Message: "m", Kind: models.KindOrder}
		require.NoError(t, s.Create(ctx, n))

		const workers = 8
		results := make([]*models.Notification, workers)
		errs := make([]error, workers)

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = s.MarkRead(ctx, "user-001", n.ID)
			}(i)
		}
		wg.Wait()

		stored, err := s.Get(ctx, n.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.ReadAt)
		for i := 0; i < workers; i++ {
			require.NoError(t, errs[i])
			assert.True(t, results[i].Read)
			assert.True(t, stored.ReadAt.Equal(*results[i].ReadAt))
		}

		count, err := s.CountUnread(ctx, "user-001")
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("mark all read counts only transitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var first *models.Notification
		for i := 0; i < 3; i++ {
			n := &models.Notification{UserID: "user-001", Title: "t", Message: "m", Kind: models.KindPromotion}
			require.NoError(t, s.Create(ctx, n))
			if first == nil {
				first = n
			}
		}
		_, err := s.MarkRead(ctx, "user-001", first.ID)
		require.NoError(t, err)

		updated, err := s.MarkAllRead(ctx, "user-001")
		require.NoError(t, err)
		assert.EqualValues(t, 2, updated)

		updated, err = s.MarkAllRead(ctx, "user-001")
		require.NoError(t, err)
		assert.Zero(t, updated)
	})

	t.Run("delete is owner scoped", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		n := &models.Notification{UserID: "user-001", Title: "t", Message: "m", Kind: models.KindRecommendation}
		require.NoError(t, s.Create(ctx, n))

		assert.ErrorIs(t, s.Delete(ctx, "user-002", n.ID), ErrNotFound)
		require.NoError(t, s.Delete(ctx, "user-001", n.ID))
		assert.ErrorIs(t, s.Delete(ctx, "user-001", n.ID), ErrNotFound)

		_, err := s.Get(ctx, n.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListOptionsNormalize(t *testing.T) {
	assert.Equal(t, ListOptions{Limit: DefaultLimit}, ListOptions{}.Normalize())
	assert.Equal(t, ListOptions{Limit: MaxLimit}, ListOptions{Limit: 1000, Offset: -5}.Normalize())
	assert.Equal(t, ListOptions{Limit: 5, Offset: 10, UnreadOnly: true}, ListOptions{Limit: 5, Offset: 10, UnreadOnly: true}.Normalize())
}
