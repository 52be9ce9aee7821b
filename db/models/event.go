package models

import "time"

type EventOp string

const (
	OpCreated EventOp = "created"
	OpUpdated EventOp = "updated"
	OpDeleted EventOp = "deleted"
)

type RecordKind string

const (
	KindFile   RecordKind = "file"
	KindFolder RecordKind = "folder"
)

// Event is pushed to change feed subscribers after a successful write.
type Event struct {
	ID        string     `json:"id"`
	Op        EventOp    `json:"op"`
	Kind      RecordKind `json:"kind"`
	RecordID  uint64     `json:"record_id"`
	EmittedAt time.Time  `json:"emitted_at"`
}
