package tkv

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Region Region
	Key    uint64
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key not found: %s/%d", e.Region, e.Key)
}

// ErrInternal is returned when an internal error occurs.
type ErrInternal struct {
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *ErrInternal) Unwrap() error {
	return e.Err
}

// ErrDataCorruption is returned when a stored value cannot be interpreted.
type ErrDataCorruption struct {
	Region Region
	Key    uint64
	Reason string
}

func (e *ErrDataCorruption) Error() string {
	return fmt.Sprintf("data corruption for key %s/%d: %s", e.Region, e.Key, e.Reason)
}

type ErrUnknownEngine struct {
	Engine string
}

func (e *ErrUnknownEngine) Error() string {
	return fmt.Sprintf("unknown storage engine '%s'", e.Engine)
}

func IsErrKeyNotFound(err error) bool {
	var nf *ErrKeyNotFound
	return errors.As(err, &nf)
}
