package taskqueue

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestSQLiteQueue(t *testing.T) {
	runQueueContract(t, func(t *testing.T) Queue {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })

		q, err := NewSQLiteQueue(context.Background(), db)
		require.NoError(t, err)
		return q
	})
}
