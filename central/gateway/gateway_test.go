package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/errors"
	zubottesting "github.com/zubinjha/Zubot/internal/testing"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g := New(zubottesting.CreateTestDB(t), 100, zap.NewNop().Sugar())
	g.Start()
	t.Cleanup(g.Stop)
	return g
}

func TestSubmitSelect(t *testing.T) {
	g := newTestGateway(t)

	result, err := g.Submit(context.Background(), &Request{
		SQL:      "SELECT version FROM schema_migrations ORDER BY version",
		ReadOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "rows", result.Mode)
	assert.Equal(t, []string{"version"}, result.Columns)
	assert.GreaterOrEqual(t, result.RowCount, 3)
	assert.False(t, result.Truncated)
	assert.NotEmpty(t, result.RequestID)
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	g := newTestGateway(t)

	for _, stmt := range []string{
		"DELETE FROM task_profiles",
		"INSERT INTO task_state_kv (task_id, state_key, value_json, updated_at) VALUES ('a','b','1','now')",
		"UPDATE schedules SET enabled = 0",
		"DROP TABLE runs",
	} {
		_, err := g.Submit(context.Background(), &Request{SQL: stmt, ReadOnly: true})
		assert.True(t, errors.Is(err, errors.ErrReadOnlyViolation), "expected read-only rejection for %q", stmt)
	}
}

func TestReadOnlyRejectsWriteBehindCTE(t *testing.T) {
	g := newTestGateway(t)

	for i := 0; i < 3; i++ {
		_, err := g.Submit(context.Background(), &Request{
			SQL:    "INSERT INTO task_profiles (task_id, name, kind, entrypoint, created_at, updated_at) VALUES (?, '', 'script', 'x.sh', '2026-08-20T00:00:00Z', '2026-08-20T00:00:00Z')",
			Params: []interface{}{fmt.Sprintf("cte-%d", i)},
		})
		require.NoError(t, err)
	}

	_, err := g.Submit(context.Background(), &Request{
		SQL:      "WITH doomed AS (SELECT 1) DELETE FROM task_profiles",
		ReadOnly: true,
	})
	assert.True(t, errors.Is(err, errors.ErrReadOnlyViolation))

	_, err = g.Submit(context.Background(), &Request{
		SQL:      "WITH doomed AS (SELECT task_id FROM task_profiles) UPDATE task_profiles SET name = 'x'",
		ReadOnly: true,
	})
	assert.True(t, errors.Is(err, errors.ErrReadOnlyViolation))

	count, err := g.Submit(context.Background(), &Request{
		SQL:      "WITH ids AS (SELECT task_id FROM task_profiles) SELECT COUNT(*) AS n FROM ids",
		ReadOnly: true,
	})
	require.NoError(t, err)
	assert.EqualValues(t, int64(3), count.Rows[0]["n"], "rejected statements must leave rows intact")
}

func TestReadOnlyRejectsPragmaAssignment(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.Submit(context.Background(), &Request{
		SQL:      "PRAGMA foreign_keys = OFF",
		ReadOnly: true,
	})
	assert.True(t, errors.Is(err, errors.ErrReadOnlyViolation))

	result, err := g.Submit(context.Background(), &Request{
		SQL:      "PRAGMA foreign_keys",
		ReadOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowCount)
}

func TestWritePathExecutes(t *testing.T) {
	g := newTestGateway(t)

	result, err := g.Submit(context.Background(), &Request{
		SQL:    "INSERT INTO task_profiles (task_id, name, kind, entrypoint, created_at, updated_at) VALUES (?, ?, 'script', 'x.sh', '2026-08-20T00:00:00Z', '2026-08-20T00:00:00Z')",
		Params: []interface{}{"gw-task", "Gateway Task"},
	})
	require.NoError(t, err)
	assert.Equal(t, "exec", result.Mode)
	assert.Equal(t, int64(1), result.RowsAffected)

	rows, err := g.Submit(context.Background(), &Request{
		SQL:      "SELECT task_id, name FROM task_profiles WHERE task_id = ?",
		Params:   []interface{}{"gw-task"},
		ReadOnly: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, rows.RowCount)
	assert.Equal(t, "gw-task", rows.Rows[0]["task_id"])
	assert.Equal(t, "Gateway Task", rows.Rows[0]["name"])
}

func TestMaxRowsTruncation(t *testing.T) {
	g := newTestGateway(t)

	for i := 0; i < 10; i++ {
		_, err := g.Submit(context.Background(), &Request{
			SQL: "INSERT INTO task_profiles (task_id, name, kind, entrypoint, created_at, updated_at) VALUES (?, '', 'script', 'x.sh', '2026-08-20T00:00:00Z', '2026-08-20T00:00:00Z')",
			Params: []interface{}{
				fmt.Sprintf("trunc-%02d", i),
			},
		})
		require.NoError(t, err)
	}

	result, err := g.Submit(context.Background(), &Request{
		SQL:      "SELECT task_id FROM task_profiles ORDER BY task_id",
		ReadOnly: true,
		MaxRows:  4,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, result.RowCount)
	assert.True(t, result.Truncated)
	assert.Equal(t, "trunc-00", result.Rows[0]["task_id"])
}

func TestSubmitValidation(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.Submit(context.Background(), nil)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = g.Submit(context.Background(), &Request{SQL: "   "})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestSubmitAfterStop(t *testing.T) {
	g := New(zubottesting.CreateTestDB(t), 100, zap.NewNop().Sugar())
	g.Start()
	g.Stop()

	_, err := g.Submit(context.Background(), &Request{SQL: "SELECT 1", ReadOnly: true})
	assert.True(t, errors.Is(err, errors.ErrServiceStopped))
}

func TestSubmitCancelledContext(t *testing.T) {
	// Worker never started, so the reply cannot arrive and cancellation
	// is the only way out.
	g := New(zubottesting.CreateTestDB(t), 100, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Submit(ctx, &Request{SQL: "SELECT 1", ReadOnly: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestConcurrentSubmitsSerialize(t *testing.T) {
	g := newTestGateway(t)

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var err error
			if n%2 == 0 {
				_, err = g.Submit(context.Background(), &Request{
					SQL: "INSERT INTO task_state_kv (task_id, state_key, value_json, updated_at) VALUES (?, ?, '1', '2026-08-20T00:00:00Z')",
					Params: []interface{}{
						"concurrent", fmt.Sprintf("key-%d", n),
					},
				})
			} else {
				_, err = g.Submit(context.Background(), &Request{
					SQL:      "SELECT COUNT(*) AS n FROM task_state_kv",
					ReadOnly: true,
				})
			}
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	for err := range results {
		require.NoError(t, err)
	}

	final, err := g.Submit(context.Background(), &Request{
		SQL:      "SELECT COUNT(*) AS n FROM task_state_kv",
		ReadOnly: true,
	})
	require.NoError(t, err)
	assert.EqualValues(t, int64(10), final.Rows[0]["n"])

	stats := g.GetStats()
	assert.GreaterOrEqual(t, stats.Served, uint64(21))
	assert.Zero(t, stats.Errors)
}

func TestStatementHead(t *testing.T) {
	assert.Equal(t, "select", statementHead("  SELECT * FROM runs"))
	assert.Equal(t, "with", statementHead("WITH cte AS (SELECT 1) SELECT * FROM cte"))
	assert.Equal(t, "pragma", statementHead("pragma table_info(runs)"))
	assert.Equal(t, "select", statementHead("(SELECT 1)"))
	assert.Equal(t, "delete", statementHead("\nDELETE FROM runs"))
	assert.Equal(t, "", statementHead("   "))
}

func TestWithStatementVerb(t *testing.T) {
	assert.Equal(t, "select", withStatementVerb("WITH cte AS (SELECT 1) SELECT * FROM cte"))
	assert.Equal(t, "delete", withStatementVerb("WITH doomed AS (SELECT 1) DELETE FROM runs"))
	assert.Equal(t, "update", withStatementVerb("WITH x AS (SELECT 1), y AS (SELECT 2) UPDATE runs SET status = 'x'"))
	assert.Equal(t, "insert", withStatementVerb("WITH src AS (SELECT 1) INSERT INTO runs SELECT * FROM src"))
	// Verbs inside string literals do not count
	assert.Equal(t, "select", withStatementVerb("WITH c AS (SELECT 1) SELECT 'delete from runs' AS note"))
	assert.Equal(t, "", withStatementVerb("WITH incomplete AS ("))
}

func TestQueryErrorRecordedInStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT broken").WillReturnError(fmt.Errorf("no such table: broken"))

	g := New(db, 100, zap.NewNop().Sugar())
	g.Start()
	defer g.Stop()

	_, err = g.Submit(context.Background(), &Request{SQL: "SELECT broken", ReadOnly: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such table")

	stats := g.GetStats()
	assert.Equal(t, uint64(1), stats.Served)
	assert.Equal(t, uint64(1), stats.Errors)
	assert.Contains(t, stats.LastError, "no such table")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecErrorSurfaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE runs").WillReturnError(fmt.Errorf("database is locked"))

	g := New(db, 100, zap.NewNop().Sugar())
	g.Start()
	defer g.Stop()

	_, err = g.Submit(context.Background(), &Request{SQL: "UPDATE runs SET status = 'x'"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAbandonedReplyDoesNotBlockWorker(t *testing.T) {
	g := newTestGateway(t)

	// Cancel immediately after submit; the worker's buffered reply send
	// must not wedge subsequent requests.
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	_, _ = g.Submit(ctx, &Request{SQL: "SELECT 1", ReadOnly: true})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := g.Submit(context.Background(), &Request{SQL: "SELECT 1", ReadOnly: true})
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker wedged after abandoned reply")
	}
}
