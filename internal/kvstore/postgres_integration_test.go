package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	ctx := context.Background()

	store, err := NewPostgres(dsn)
	require.NoError(t, err)
	store.tableName = postgresIntegrationTableName("relaytrail_kv_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.tableName)
	})

	_, ok, err := store.Get(ctx, "manifest:alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "manifest:alice", []byte(`{"cursor":1}`)))
	require.NoError(t, store.Set(ctx, "manifest:alice", []byte(`{"cursor":2}`)))
	require.NoError(t, store.Set(ctx, "seen:alice", []byte(`{}`)))

	got, ok, err := store.Get(ctx, "manifest:alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"cursor":2}`, string(got))

	require.NoError(t, store.Remove(ctx, "manifest:alice", "seen:alice"))
	_, ok, err = store.Get(ctx, "seen:alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYTRAIL_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYTRAIL_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName)))
	require.NoError(t, err)
}
