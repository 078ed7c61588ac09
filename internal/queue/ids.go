package queue

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns "<prefix>-<ulid>". ULIDs sort by creation time, so ids of
// one kind list in the order they were issued.
func NewID(prefix string) string {
	idMu.Lock()
	defer idMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), idEntropy)
	return prefix + "-" + id.String()
}
