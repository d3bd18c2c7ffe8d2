package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewJobID returns a lexically sortable job id. ULIDs keep FIFO scans cheap:
// ordering by id is ordering by creation time.
func NewJobID() string { return ulid.Make().String() }

// NewAssetID returns a sortable asset id.
func NewAssetID() string { return ulid.Make().String() }

// NewReservationID returns a reservation id.
func NewReservationID() string { return uuid.New().String() }

// NewNonce returns n cryptographically random bytes.
func NewNonce(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("op=ids.nonce: %w", err)
	}
	return b, nil
}

// RequestKey derives the idempotency key for a submit: sha256 over the user
// id and the canonical (JSON-marshalled) request. Field order is fixed by the
// struct definition so equal requests hash equally.
func RequestKey(userID string, req GenerationRequest) string {
	canonical, _ := json.Marshal(req)
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
