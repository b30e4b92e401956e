// Package statestore persists one bot's grid/fee/fill-dedup state as a
// single JSON document and watches for the external recalculate trigger
// file, grounded on the teacher's internal/engine/simple.SQLiteStore
// checksum-then-write pattern, adapted from a SQL row to a full-file-replace
// JSON document.
package statestore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// SlotRecord is the flat, JSON-friendly projection of a grid.Slot.
type SlotRecord struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	State      string          `json:"state"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	OrderID    *int64          `json:"orderId,omitempty"`
	RawOnChain int64           `json:"rawOnChain,omitempty"`
}

// AssetMetadata is the last-known on-chain asset identity and precision,
// refreshed whenever the bot successfully resolves its trading pair.
type AssetMetadata struct {
	BuyAssetID    string `json:"buyAssetId"`
	SellAssetID   string `json:"sellAssetId"`
	BuyPrecision  int32  `json:"buyPrecision"`
	SellPrecision int32  `json:"sellPrecision"`
}

// State is the complete persisted snapshot for one bot: grid orders,
// boundary index, fee accrual, doubled-side flags, the processed-fills
// dedup map, and last-known asset metadata.
type State struct {
	BotKey         string           `json:"botKey"`
	BoundaryIdx    int              `json:"boundaryIdx"`
	Slots          []SlotRecord     `json:"slots"`
	FeesOwed       decimal.Decimal  `json:"feesOwed"`
	DoubledBuy     bool             `json:"doubledBuy"`
	DoubledSell    bool             `json:"doubledSell"`
	ProcessedFills map[string]int64 `json:"processedFills"`
	AssetMetadata  AssetMetadata    `json:"assetMetadata"`
	UpdatedAt      int64            `json:"updatedAt"`
}

// Store is the persistence contract the engine saves/loads state through.
type Store interface {
	SaveState(ctx context.Context, botKey string, state *State) error
	LoadState(ctx context.Context, botKey string) (*State, error)
}

// envelope wraps the marshaled State with a checksum, so LoadState can
// detect truncated or corrupted writes the same way the teacher's
// SQLiteStore does with its stored checksum column.
type envelope struct {
	Checksum string          `json:"checksum"`
	Data     json.RawMessage `json:"data"`
}

// JSONFileStore implements Store as one file per bot under
// {profilesDir}/orders/{botKey}.json, written by write-to-temp-then-rename
// so a crash mid-write never leaves a half-written file in place.
type JSONFileStore struct {
	profilesDir string
}

// NewJSONFileStore constructs a store rooted at profilesDir. The
// orders/ subdirectory is created lazily on first SaveState.
func NewJSONFileStore(profilesDir string) *JSONFileStore {
	return &JSONFileStore{profilesDir: profilesDir}
}

func (s *JSONFileStore) path(botKey string) string {
	return filepath.Join(s.profilesDir, "orders", botKey+".json")
}

// TriggerPath returns the path TriggerWatcher polls for botKey's
// recalculate request.
func (s *JSONFileStore) TriggerPath(botKey string) string {
	return filepath.Join(s.profilesDir, fmt.Sprintf("recalculate.%s.trigger", botKey))
}

// SaveState marshals state, round-trip validates it, then writes it to a
// temp file and renames over the target path — a full-file replace, never
// a partial in-place edit.
func (s *JSONFileStore) SaveState(ctx context.Context, botKey string, state *State) error {
	state.UpdatedAt = time.Now().UnixNano()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	var roundTrip State
	if err := json.Unmarshal(data, &roundTrip); err != nil {
		return fmt.Errorf("state failed round-trip validation: %w", err)
	}

	checksum := sha256.Sum256(data)
	env := envelope{Checksum: fmt.Sprintf("%x", checksum), Data: data}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	target := s.path(botKey)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create orders dir: %w", err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, envBytes, 0o644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// LoadState reads and checksum-verifies the persisted file. A missing file
// is not an error: it returns (nil, nil), the bootstrap case.
func (s *JSONFileStore) LoadState(ctx context.Context, botKey string) (*State, error) {
	raw, err := os.ReadFile(s.path(botKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	computed := fmt.Sprintf("%x", sha256.Sum256(env.Data))
	if computed != env.Checksum {
		return nil, fmt.Errorf("state checksum mismatch: data corruption detected")
	}

	var state State
	if err := json.Unmarshal(env.Data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}
