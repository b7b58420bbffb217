package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Job ids and subscription operation ids are ULIDs.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// ReplyQueueName returns a fresh, process-unique reply queue name. The random
// UUID suffix keeps two controller instances from ever declaring the same queue.
func ReplyQueueName(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "." + uuid.NewString()
}
