package tkv

import (
	"context"
	"encoding/binary"
	"log/slog"
)

// Region is an isolated key space inside a single store. Keys written to one
// region are never visible from another.
type Region byte

const (
	RegionCounter Region = 0
	RegionFiles   Region = 1
	RegionFolders Region = 2
)

func (r Region) String() string {
	switch r {
	case RegionCounter:
		return "counter"
	case RegionFiles:
		return "files"
	case RegionFolders:
		return "folders"
	default:
		return "unknown"
	}
}

type Engine string

const (
	EngineBadger Engine = "badger"
	EngineSQLite Engine = "sqlite"
)

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	Directory      string
	AppCtx         context.Context
	Engine         Engine
}

// Entry is a single key/value pair returned from Iterate.
type Entry struct {
	Key   uint64
	Value []byte
}

type TKVDataHandler interface {
	Get(region Region, key uint64) ([]byte, error)
	Iterate(region Region, offset int, limit int) ([]Entry, error) // ascending key order, limit <= 0 means no limit
	Set(region Region, key uint64, value []byte) error
	Delete(region Region, key uint64) ([]byte, error) // returns the removed value, ErrKeyNotFound if there was none
}

type TKVAtomicHandler interface {
	AtomicGet(region Region, key uint64) (uint64, error)              // 0 if it doesn't exist
	AtomicAdd(region Region, key uint64, delta uint64) (uint64, error) // returns the value after adding
}

type TKV interface {
	TKVDataHandler
	TKVAtomicHandler

	Close() error
}

// New opens the store for the configured engine. An empty engine means badger.
func New(config Config) (TKV, error) {
	switch config.Engine {
	case EngineBadger, "":
		return newBadger(config)
	case EngineSQLite:
		return newSQLite(config)
	default:
		return nil, &ErrInternal{Err: &ErrUnknownEngine{Engine: string(config.Engine)}}
	}
}

const keySize = 9

// encodeKey lays a region byte ahead of the big-endian key so that both
// engines order entries by ascending key within a region.
func encodeKey(region Region, key uint64) []byte {
	b := make([]byte, keySize)
	b[0] = byte(region)
	binary.BigEndian.PutUint64(b[1:], key)
	return b
}

func decodeKey(b []byte) (Region, uint64, bool) {
	if len(b) != keySize {
		return 0, 0, false
	}
	return Region(b[0]), binary.BigEndian.Uint64(b[1:]), true
}

func encodeCounter(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeCounter(region Region, key uint64, b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, &ErrDataCorruption{Region: region, Key: key, Reason: "counter value is not 8 bytes"}
	}
	return binary.BigEndian.Uint64(b), nil
}
