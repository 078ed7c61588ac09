package queue

import (
	"context"
	"encoding/json"

	"github.com/flare-foundation/flappy-fuse/internal/logger"
	"github.com/flare-foundation/flappy-fuse/internal/storage"
	"github.com/pkg/errors"
)

// StorageKey is the well-known key the log is persisted under.
const StorageKey = "flappyFuse_transactionQueue"

// Store persists the whole log as one JSON document. It knows nothing about
// transaction semantics.
type Store interface {
	Load(ctx context.Context) ([]Transaction, error)
	Save(ctx context.Context, txs []Transaction) error
	Clear(ctx context.Context) error
}

type kvStore struct {
	kv  storage.KV
	key string
}

// NewStore returns a Store over kv using StorageKey.
func NewStore(kv storage.KV) Store {
	return &kvStore{kv: kv, key: StorageKey}
}

// Load fails soft: a missing key or an undecodable document yields an empty
// log. Only an unreadable medium is reported.
func (s *kvStore) Load(ctx context.Context) ([]Transaction, error) {
	raw, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read transaction log")
	}

	var txs []Transaction
	if err := json.Unmarshal(raw, &txs); err != nil {
		logger.Warnf("discarding corrupt transaction log (%d bytes): %v", len(raw), err)
		return nil, nil
	}

	valid := txs[:0]
	for _, tx := range txs {
		if tx.ID == "" {
			logger.Warnf("discarding persisted transaction without id: %+v", tx)
			continue
		}
		valid = append(valid, tx)
	}

	return valid, nil
}

func (s *kvStore) Save(ctx context.Context, txs []Transaction) error {
	if txs == nil {
		txs = []Transaction{}
	}

	raw, err := json.Marshal(txs)
	if err != nil {
		return errors.Wrap(err, "encode transaction log")
	}

	return errors.Wrap(s.kv.Set(ctx, s.key, raw), "write transaction log")
}

func (s *kvStore) Clear(ctx context.Context) error {
	return errors.Wrap(s.kv.Delete(ctx, s.key), "clear transaction log")
}
