package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	v, err := kv.Get(ctx, "absent")
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, kv.Set(ctx, "k", []byte("old")))
	require.NoError(t, kv.Set(ctx, "k", []byte("new")))

	v, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)

	require.NoError(t, kv.Delete(ctx, "k"))
	require.NoError(t, kv.Delete(ctx, "k"))

	v, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemoryKV(t *testing.T) {
	exerciseKV(t, NewMemoryKV())
}

func TestMemoryKV_CopiesValues(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, kv.Set(ctx, "k", buf))
	buf[0] = 'z'

	v, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), v)
}

func TestSQLiteKV_InMemory(t *testing.T) {
	kv, err := NewSQLiteKV(context.Background(), ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	exerciseKV(t, kv)
}

func TestSQLiteKV_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")

	kv, err := NewSQLiteKV(ctx, path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, AccountKey, []byte(`{"tier":"pro"}`)))
	require.NoError(t, kv.Close())

	kv, err = NewSQLiteKV(ctx, path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	v, err := kv.Get(ctx, AccountKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier":"pro"}`, string(v))
}

func TestPostgresKV(t *testing.T) {
	if os.Getenv("TIERCHAT_TEST_POSTGRES") == "" {
		t.Skip("TIERCHAT_TEST_POSTGRES not set")
	}
	kv, err := NewPostgresKV(context.Background(), DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: os.Getenv("PGPASSWORD"),
		DBName:   "postgres",
		SSLMode:  "disable",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	exerciseKV(t, kv)
}

func TestRedisKV(t *testing.T) {
	addr := os.Getenv("TIERCHAT_TEST_REDIS")
	if addr == "" {
		t.Skip("TIERCHAT_TEST_REDIS not set")
	}
	kv, err := NewRedisKV(context.Background(), RedisConfig{Addr: addr, Prefix: "tierchat-test:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	exerciseKV(t, kv)
}

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	kv, err := Open(ctx, Config{Driver: DriverMemory}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryKV{}, kv)

	kv, err = Open(ctx, Config{Driver: DriverSQLite, SQLitePath: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteKV{}, kv)
	require.NoError(t, kv.Close())

	_, err = Open(ctx, Config{Driver: "etcd"}, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
