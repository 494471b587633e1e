package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/kaftw/newsletter/internal/domain/errors"
)

// MaxKeyLength bounds caller-supplied keys.
const MaxKeyLength = 128

type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

// HeaderPair is one response header. Order is preserved on replay.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SavedResponse is the response snapshot replayed for a completed key.
type SavedResponse struct {
	StatusCode int
	Headers    []HeaderPair
	Body       []byte
}

// Record is a stored idempotency row keyed by (ActorID, Key).
type Record struct {
	ActorID     string
	Key         string
	State       State
	Response    *SavedResponse
	CreatedAt   time.Time
	CompletedAt *time.Time
}

type Action int

const (
	ActionProceed Action = iota
	ActionReplay
)

// Decision tells the caller whether to run the request or replay a stored response.
type Decision struct {
	Action   Action
	Response *SavedResponse
}

func Proceed() *Decision {
	return &Decision{Action: ActionProceed}
}

func Replay(resp *SavedResponse) *Decision {
	return &Decision{Action: ActionReplay, Response: resp}
}

// ValidateKey checks a caller-supplied key.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.NewValidationError("idempotency_key", "must not be empty")
	}
	if len(key) > MaxKeyLength {
		return errors.NewValidationError("idempotency_key", "must be at most 128 characters")
	}
	return nil
}

// DeriveKey builds a deterministic key from the actor and request content, used when the
// caller does not send one. Identical resubmissions map to the same key.
func DeriveKey(actorID string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(actorID))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
