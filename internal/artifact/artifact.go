package artifact

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a ref has no stored artifact.
	ErrNotFound = errors.New("artifact not found")
	// ErrCorrupt is returned when stored bytes do not decode.
	ErrCorrupt = errors.New("artifact corrupt")
)

// Artifact is the output of one stage and the input of the next.
type Artifact struct {
	Ref          string             `json:"ref"`
	Kind         string             `json:"kind"` // stage that produced it
	DisciplineID string             `json:"discipline_id"`
	Content      string             `json:"content"`
	Items        []string           `json:"items,omitempty"`
	Scores       map[string]float64 `json:"scores,omitempty"`
	Meta         map[string]string  `json:"meta,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Empty reports whether the artifact carries no usable payload.
func (a *Artifact) Empty() bool {
	if a == nil {
		return true
	}
	if strings.TrimSpace(a.Content) != "" {
		return false
	}
	for _, it := range a.Items {
		if strings.TrimSpace(it) != "" {
			return false
		}
	}
	return true
}

// Store persists artifacts by ref.
type Store interface {
	// Put stores a, assigning a ref when it has none, and returns the ref.
	Put(ctx context.Context, a *Artifact) (string, error)
	Get(ctx context.Context, ref string) (*Artifact, error)
}

func assignRef(a *Artifact) {
	if a.Ref == "" {
		a.Ref = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
}
