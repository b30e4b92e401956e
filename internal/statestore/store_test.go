package statestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState(botKey string) *State {
	oid := int64(42)
	return &State{
		BotKey:      botKey,
		BoundaryIdx: 3,
		Slots: []SlotRecord{
			{ID: "slot-1", Type: "BUY", State: "ACTIVE", Price: decimal.NewFromInt(99), Size: decimal.NewFromInt(10), OrderID: &oid},
			{ID: "slot-2", Type: "SELL", State: "VIRTUAL", Price: decimal.NewFromInt(101), Size: decimal.Zero},
		},
		FeesOwed:       decimal.NewFromFloat(0.05),
		DoubledBuy:     true,
		ProcessedFills: map[string]int64{"fill-1": 1690000000},
		AssetMetadata:  AssetMetadata{BuyAssetID: "1.3.0", SellAssetID: "1.3.121", BuyPrecision: 5, SellPrecision: 5},
	}
}

func TestJSONFileStore_SaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := NewJSONFileStore(dir)
	ctx := context.Background()

	in := testState("bot-a")
	require.NoError(t, store.SaveState(ctx, "bot-a", in))

	out, err := store.LoadState(ctx, "bot-a")
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, in.BotKey, out.BotKey)
	assert.Equal(t, in.BoundaryIdx, out.BoundaryIdx)
	assert.Len(t, out.Slots, 2)
	assert.True(t, in.FeesOwed.Equal(out.FeesOwed))
	assert.True(t, out.DoubledBuy)
	assert.Equal(t, int64(1690000000), out.ProcessedFills["fill-1"])
	assert.Equal(t, "1.3.0", out.AssetMetadata.BuyAssetID)
}

func TestJSONFileStore_LoadState_MissingFileReturnsNilNil(t *testing.T) {
	dir := t.TempDir()
	store := NewJSONFileStore(dir)

	out, err := store.LoadState(context.Background(), "never-saved")
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestJSONFileStore_LoadState_DetectsChecksumCorruption(t *testing.T) {
	dir := t.TempDir()
	store := NewJSONFileStore(dir)
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, "bot-b", testState("bot-b")))

	path := store.path("bot-b")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip the last digit of updatedAt, inside the checksummed data.
	corrupted := append([]byte(nil), raw...)
	corrupted[len(corrupted)-3] ^= 1
	require.NoError(t, os.WriteFile(path, corrupted, 0o644))

	_, err = store.LoadState(ctx, "bot-b")
	assert.Error(t, err)
}

func TestJSONFileStore_SaveState_FullFileReplaceNoLeftoverTemp(t *testing.T) {
	dir := t.TempDir()
	store := NewJSONFileStore(dir)
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, "bot-c", testState("bot-c")))
	require.NoError(t, store.SaveState(ctx, "bot-c", testState("bot-c")))

	entries, err := os.ReadDir(filepath.Join(dir, "orders"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the final replaced file should remain, no .tmp leftovers")
}

func TestJSONFileStore_TriggerPath(t *testing.T) {
	store := NewJSONFileStore("/profiles")
	assert.Equal(t, "/profiles/recalculate.mybot.trigger", store.TriggerPath("mybot"))
}
