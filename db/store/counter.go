package store

import (
	"log/slog"
	"os"

	"github.com/InsulaLabs/drive/db/tkv"
)

// counterKey is the only key in the counter region.
const counterKey = 0

// exit is swapped out by tests that need to observe the abort.
var exit = os.Exit

// Counter mints ids shared by every record kind. The stored value is the last
// id handed out, so a fresh store mints 1 first.
type Counter struct {
	db     tkv.TKVAtomicHandler
	logger *slog.Logger
}

func NewCounter(db tkv.TKVAtomicHandler, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{db: db, logger: logger}
}

// Next persists the incremented counter and returns it. A failure to persist
// means the store can no longer guarantee unique ids, so the process exits.
// net/http recovers handler panics, so a panic alone would not stop it.
func (c *Counter) Next() uint64 {
	id, err := c.db.AtomicAdd(tkv.RegionCounter, counterKey, 1)
	if err != nil {
		c.logger.Error("cannot increment id counter, aborting", "error", err)
		exit(1)
		// Only reached when exit is stubbed.
		panic("cannot increment id counter: " + err.Error())
	}
	return id
}

// Current returns the last minted id without minting.
func (c *Counter) Current() (uint64, error) {
	return c.db.AtomicGet(tkv.RegionCounter, counterKey)
}
