package dispatch

import (
	"github.com/google/uuid"
)

// IDGenerator names launched tasks. Task ids are the keys of the running
// set and of every status update, so a generator must never repeat one
// within a dispatcher's lifetime.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator is the default IDGenerator. UUIDv7 ids embed the launch
// time, so task listings in the resource manager sort by launch order.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
