package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind is the wire tag of a registry error.
type ErrorKind string

const (
	KindNotFound   ErrorKind = "NotFound"
	KindCreateFail ErrorKind = "CreateFail"
	KindUpdateFail ErrorKind = "UpdateFail"
)

// ErrNotFound is returned when a requested id, name or relationship does not exist.
type ErrNotFound struct {
	Msg string
}

func (e *ErrNotFound) Error() string   { return e.Msg }
func (e *ErrNotFound) Kind() ErrorKind { return KindNotFound }

// ErrCreateFail is returned when create-time validation fails.
type ErrCreateFail struct {
	Msg string
}

func (e *ErrCreateFail) Error() string   { return e.Msg }
func (e *ErrCreateFail) Kind() ErrorKind { return KindCreateFail }

// ErrUpdateFail is returned when update-time validation fails.
type ErrUpdateFail struct {
	Msg string
}

func (e *ErrUpdateFail) Error() string   { return e.Msg }
func (e *ErrUpdateFail) Kind() ErrorKind { return KindUpdateFail }

// RegistryError is implemented by the three reportable error kinds.
type RegistryError interface {
	error
	Kind() ErrorKind
}

// AsRegistryError reports whether err carries one of the three reportable kinds.
func AsRegistryError(err error) (RegistryError, bool) {
	var nf *ErrNotFound
	if errors.As(err, &nf) {
		return nf, true
	}
	var cf *ErrCreateFail
	if errors.As(err, &cf) {
		return cf, true
	}
	var uf *ErrUpdateFail
	if errors.As(err, &uf) {
		return uf, true
	}
	return nil, false
}

type errorMessage struct {
	Msg string `json:"msg"`
}

// ErrorVariant is the wire form of a registry error: exactly one field set,
// e.g. {"NotFound": {"msg": "..."}}.
type ErrorVariant struct {
	NotFound   *errorMessage `json:"NotFound,omitempty"`
	CreateFail *errorMessage `json:"CreateFail,omitempty"`
	UpdateFail *errorMessage `json:"UpdateFail,omitempty"`
}

func ToVariant(err RegistryError) *ErrorVariant {
	msg := &errorMessage{Msg: err.Error()}
	switch err.Kind() {
	case KindNotFound:
		return &ErrorVariant{NotFound: msg}
	case KindCreateFail:
		return &ErrorVariant{CreateFail: msg}
	default:
		return &ErrorVariant{UpdateFail: msg}
	}
}

// Err converts the wire form back into its typed error.
func (v *ErrorVariant) Err() error {
	switch {
	case v.NotFound != nil:
		return &ErrNotFound{Msg: v.NotFound.Msg}
	case v.CreateFail != nil:
		return &ErrCreateFail{Msg: v.CreateFail.Msg}
	case v.UpdateFail != nil:
		return &ErrUpdateFail{Msg: v.UpdateFail.Msg}
	default:
		return fmt.Errorf("empty error variant")
	}
}

// Result is the tagged envelope every operation answers with.
type Result[T any] struct {
	Ok  *T            `json:"Ok,omitempty"`
	Err *ErrorVariant `json:"Err,omitempty"`
}

// Unwrap returns the success value or the typed error carried by the envelope.
func (r Result[T]) Unwrap() (T, error) {
	var zero T
	if r.Err != nil {
		return zero, r.Err.Err()
	}
	if r.Ok == nil {
		return zero, fmt.Errorf("result carries neither Ok nor Err")
	}
	return *r.Ok, nil
}

func DecodeResult[T any](data []byte) (T, error) {
	var r Result[T]
	if err := json.Unmarshal(data, &r); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to decode result: %w", err)
	}
	return r.Unwrap()
}
