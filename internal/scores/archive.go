// Package scores keeps the local archive of finished games. Every game that
// reaches the end path is recorded here, whether or not the ledger accepted
// it.
package scores

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/flare-foundation/flappy-fuse/internal/logger"
	"github.com/flare-foundation/flappy-fuse/internal/storage"
	"github.com/pkg/errors"
)

const StorageKey = "flappyFuse_localScores"

// ErrCorrupt reports an archive that exists but cannot be decoded.
var ErrCorrupt = errors.New("local scores corrupt")

type Score struct {
	GameID     uint64 `json:"gameId"`
	Address    string `json:"address,omitempty"`
	Score      uint64 `json:"score"`
	TotalJumps uint64 `json:"totalJumps"`
	Timestamp  int64  `json:"timestamp"` // unix seconds
	Hash       string `json:"hash,omitempty"`
	LocalOnly  bool   `json:"localOnly,omitempty"`
}

type Archive struct {
	kv storage.KV
	mu sync.Mutex
}

func NewArchive(kv storage.KV) *Archive {
	return &Archive{kv: kv}
}

// Record appends s. A corrupt archive is replaced rather than blocking the
// new score; a failed read returns the error and leaves the archive alone.
func (a *Archive) Record(ctx context.Context, s Score) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	list, err := a.load(ctx)
	switch {
	case errors.Is(err, ErrCorrupt):
		logger.Warnf("%v, starting over", err)
		list = nil
	case err != nil:
		return err
	}
	list = append(list, s)

	raw, err := json.Marshal(list)
	if err != nil {
		return errors.Wrap(err, "encoding local scores")
	}
	return errors.Wrap(a.kv.Set(ctx, StorageKey, raw), "saving local scores")
}

// List returns the archived scores in the order they were recorded.
func (a *Archive) List(ctx context.Context) ([]Score, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load(ctx)
}

// Top returns up to n scores, highest first. Ties go to the earlier game.
func (a *Archive) Top(ctx context.Context, n int) ([]Score, error) {
	list, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Score > list[j].Score })
	if n >= 0 && len(list) > n {
		list = list[:n]
	}
	return list, nil
}

func (a *Archive) load(ctx context.Context) ([]Score, error) {
	raw, err := a.kv.Get(ctx, StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading local scores")
	}

	var list []Score
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "decoding: %v", err)
	}
	return list, nil
}
