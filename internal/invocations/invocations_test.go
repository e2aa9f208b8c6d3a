package invocations

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wasmgate/wasmgate/internal/config"
	"github.com/wasmgate/wasmgate/internal/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "wasmgate.db"),
		WALMode:      true,
		BusyTimeout:  time.Second,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestCreateAndList(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i := 0; i < 3; i++ {
		err := store.Create(ctx, &Record{
			FunctionID:  "echo",
			RequestID:   "req-" + string(rune('a'+i)),
			Status:      200,
			Outcome:     OutcomeOK,
			ColdStart:   i == 0,
			DurationMs:  int64(10 * (i + 1)),
			StartedAt:   base.Add(time.Duration(i) * time.Second),
			CompletedAt: base.Add(time.Duration(i)*time.Second + 10*time.Millisecond),
		})
		require.NoError(t, err)
	}

	records, err := store.List(ctx, "echo", 10)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Newest first
	require.Equal(t, "req-c", records[0].RequestID)
	require.Equal(t, "req-a", records[2].RequestID)
	require.True(t, records[2].ColdStart)
	require.Equal(t, OutcomeOK, records[0].Outcome)
}

func TestListLimit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := store.Create(ctx, &Record{
			FunctionID:  "echo",
			RequestID:   "req",
			Status:      200,
			Outcome:     OutcomeOK,
			StartedAt:   time.Now(),
			CompletedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	records, err := store.List(ctx, "echo", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestListScopedByFunction(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Record{
		FunctionID: "alpha", RequestID: "r1", Status: 200,
		Outcome: OutcomeOK, StartedAt: time.Now(), CompletedAt: time.Now(),
	}))
	require.NoError(t, store.Create(ctx, &Record{
		FunctionID: "beta", RequestID: "r2", Status: 504,
		Outcome: OutcomeTimeout, StartedAt: time.Now(), CompletedAt: time.Now(),
	}))

	records, err := store.List(ctx, "beta", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, OutcomeTimeout, records[0].Outcome)
}

func TestPrune(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Create(ctx, &Record{
		FunctionID: "echo", RequestID: "old", Status: 200,
		Outcome: OutcomeOK, StartedAt: old, CompletedAt: old,
	}))
	require.NoError(t, store.Create(ctx, &Record{
		FunctionID: "echo", RequestID: "new", Status: 200,
		Outcome: OutcomeOK, StartedAt: time.Now(), CompletedAt: time.Now(),
	}))

	pruned, err := store.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)

	records, err := store.List(ctx, "echo", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "new", records[0].RequestID)
}
