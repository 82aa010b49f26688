package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrKeyExists is returned by CreateIdempotency when the key was already
// inserted, by this process or a concurrent one. The unique constraint on
// the key column is what decides the winner of a concurrent submission.
var ErrKeyExists = errors.New("idempotency key already exists")

// ErrEmailTaken is returned by CreateUser when the email is already registered.
var ErrEmailTaken = errors.New("email already registered")

// Idempotency key lifecycle states. Done and Failed are terminal: a record
// never leaves either state, and a failed key refuses replay forever.
const (
	StatusInProgress = "in-progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

type User struct {
	ID           int64
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Generation is one committed artifact of a successful execution.
// Rows are append-only: the orchestrator inserts exactly one per success
// and nothing ever mutates it afterwards.
type Generation struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"userId"`
	Prompt    string `json:"prompt"`
	Style     string `json:"style"`
	ImageURL  string `json:"imageUrl,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

// IdempotencyRecord maps a client-supplied key to the coordination state of
// the submission it identifies. GenerationID is set iff Status is "done".
type IdempotencyRecord struct {
	Key          string
	UserID       int64
	GenerationID int64
	Status       string
	CreatedAt    time.Time
}
