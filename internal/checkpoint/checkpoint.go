package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version of the envelope format.
const Version = 1

var (
	// ErrNotFound is returned by a Store when an id does not exist.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt means a checkpoint failed to decode or verify.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// ID identifies a checkpoint.
type ID string

// Metadata describes a stored checkpoint without its payload.
type Metadata struct {
	ID        ID        `json:"id"`
	Sequence  uint64    `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	Reason    string    `json:"reason,omitempty"`
	Hash      string    `json:"hash,omitempty"`
}

// Envelope is the persisted form of a checkpoint.
type Envelope struct {
	Version   int             `json:"version"`
	ID        ID              `json:"id"`
	Sequence  uint64          `json:"sequence"`
	CreatedAt time.Time       `json:"created_at"`
	Reason    string          `json:"reason"`
	Hash      string          `json:"hash"`
	State     json.RawMessage `json:"state"` // last: FileStore.List stops reading here
}

func (e *Envelope) Metadata() Metadata {
	return Metadata{ID: e.ID, Sequence: e.Sequence, CreatedAt: e.CreatedAt, Reason: e.Reason, Hash: e.Hash}
}

// Store persists envelopes. Put must be atomic: after a crash a checkpoint
// is either fully readable or absent.
type Store interface {
	Put(ctx context.Context, meta Metadata, envelope []byte) error
	Get(ctx context.Context, id ID) ([]byte, error)
	List(ctx context.Context) ([]Metadata, error)
	Delete(ctx context.Context, id ID) error
}

func hashState(state []byte) string {
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:])
}

// decodeEnvelope parses and verifies raw envelope bytes.
func decodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}
	if len(env.State) == 0 {
		return nil, fmt.Errorf("%w: empty state", ErrCorrupt)
	}
	if got := hashState(env.State); got != env.Hash {
		return nil, fmt.Errorf("%w: hash mismatch for %s", ErrCorrupt, env.ID)
	}
	return &env, nil
}
