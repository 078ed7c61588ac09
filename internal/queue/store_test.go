package queue

import (
	"context"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/flare-foundation/flappy-fuse/internal/storage"
	"github.com/stretchr/testify/require"
)

func fixtureLog() []Transaction {
	return []Transaction{
		{
			ID: "start-1", Type: TypeStart, Status: StatusConfirmed, Timestamp: 1700000000000,
			Hash: "0xabc", Data: map[string]any{"address": "0x1234", "gameId": 7},
		},
		{
			ID: "jump-1", Type: TypeJump, Status: StatusConfirmed, Timestamp: 1700000001000,
			Data: map[string]any{"gameId": 7, "jumps": 1, "score": 3},
		},
		{
			ID: "end-7-1", Type: TypeEnd, Status: StatusConfirmed, Timestamp: 1700000002000,
			Data:  map[string]any{"finalScore": 42, "gameId": 7, "localOnly": true},
			Error: "Network response took too long. Your score was recorded locally.",
		},
		{
			ID: "start-2", Type: TypeStart, Status: StatusPending, Timestamp: 1700000003000,
		},
	}
}

func TestPersistedFormat(t *testing.T) {
	kv := storage.NewMemory()
	ctx := context.Background()

	require.NoError(t, NewStore(kv).Save(ctx, fixtureLog()))

	raw, err := kv.Get(ctx, StorageKey)
	require.NoError(t, err)

	cupaloy.SnapshotT(t, string(raw))
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(storage.NewMemory())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, fixtureLog()))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 4)

	for i, want := range fixtureLog() {
		got := loaded[i]
		require.Equal(t, want.ID, got.ID)
		require.Equal(t, want.Type, got.Type)
		require.Equal(t, want.Status, got.Status)
		require.Equal(t, want.Timestamp, got.Timestamp)
		require.Equal(t, want.Hash, got.Hash)
		require.Equal(t, want.Error, got.Error)
		require.Equal(t, len(want.Data), len(got.Data))
	}

	summary, err := Summarize(loaded[2])
	require.NoError(t, err)
	require.Equal(t, Summary{GameID: 7, FinalScore: 42, LocalOnly: true}, summary)
}

func TestStoreLoadMissingKey(t *testing.T) {
	loaded, err := NewStore(storage.NewMemory()).Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestStoreLoadCorruptFailsSoft(t *testing.T) {
	kv := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, StorageKey, []byte(`{not json`)))

	loaded, err := NewStore(kv).Load(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestStoreLoadDropsEntriesWithoutID(t *testing.T) {
	kv := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, StorageKey,
		[]byte(`[{"id":"","type":"start","status":"pending","timestamp":1},{"id":"a","type":"jump","status":"confirmed","timestamp":2,"hash":null}]`)))

	loaded, err := NewStore(kv).Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "a", loaded[0].ID)
	require.Empty(t, loaded[0].Hash)
}

func TestStoreClear(t *testing.T) {
	kv := storage.NewMemory()
	store := NewStore(kv)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, fixtureLog()))
	require.NoError(t, store.Clear(ctx))

	_, err := kv.Get(ctx, StorageKey)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
