// Package chain defines the append-only chronicle ledger model:
// JCS-canonical content hashing and summary-hash linking between
// consecutive entries.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

var (
	ErrEmpty       = errors.New("chronicle chain is empty")
	ErrNotFound    = errors.New("chain entry not found")
	ErrChainBroken = errors.New("summary hash chain is broken")
)

// Kind categorizes chain entries.
type Kind string

const (
	// KindRecord is a locally appended chronicle record.
	KindRecord Kind = "record"
	// KindCrossSign is an attestation received from a peer instance.
	KindCrossSign Kind = "cross-sign"
)

// Entry is a single immutable entry in the chronicle chain.
type Entry struct {
	Position    int64           `json:"position"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"content_hash"`
	SummaryHash string          `json:"summary_hash"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Head identifies the newest entry of a chain.
type Head struct {
	Position    int64  `json:"position"`
	ContentHash string `json:"content_hash"`
	SummaryHash string `json:"summary_hash"`
}

// Head returns the head view of this entry.
func (e *Entry) Head() *Head {
	return &Head{
		Position:    e.Position,
		ContentHash: e.ContentHash,
		SummaryHash: e.SummaryHash,
	}
}

// HashPayload computes the content hash of a JSON payload. The payload
// is canonicalized per RFC 8785 first, so two byte-distinct encodings
// of the same JSON value hash identically.
func HashPayload(payload []byte) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// SummaryHash links an entry to its predecessor. The genesis entry is
// linked against the empty string.
func SummaryHash(prevSummary, contentHash string) string {
	sum := sha256.Sum256([]byte(prevSummary + contentHash))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Next builds the entry that follows prev in the chain. A nil prev
// produces the genesis entry at position 1.
func Next(prev *Head, kind Kind, payload json.RawMessage, now time.Time) (*Entry, error) {
	contentHash, err := HashPayload(payload)
	if err != nil {
		return nil, err
	}

	var position int64 = 1
	prevSummary := ""
	if prev != nil {
		position = prev.Position + 1
		prevSummary = prev.SummaryHash
	}

	return &Entry{
		Position:    position,
		Kind:        kind,
		Payload:     payload,
		ContentHash: contentHash,
		SummaryHash: SummaryHash(prevSummary, contentHash),
		CreatedAt:   now.UTC(),
	}, nil
}

// Verify recomputes the entry's hashes against the given predecessor
// summary and reports the first mismatch.
func (e *Entry) Verify(prevSummary string) error {
	contentHash, err := HashPayload(e.Payload)
	if err != nil {
		return fmt.Errorf("entry %d: %w", e.Position, err)
	}
	if contentHash != e.ContentHash {
		return fmt.Errorf("entry %d: content hash mismatch: %w", e.Position, ErrChainBroken)
	}
	if want := SummaryHash(prevSummary, contentHash); want != e.SummaryHash {
		return fmt.Errorf("entry %d: summary hash mismatch: %w", e.Position, ErrChainBroken)
	}
	return nil
}

// VerifySequence checks that entries form a contiguous, correctly
// linked chain segment. The first entry must link against prevSummary
// (empty string when the segment starts at genesis).
func VerifySequence(entries []*Entry, prevSummary string, startPosition int64) error {
	position := startPosition
	for _, e := range entries {
		if e.Position != position {
			return fmt.Errorf("entry %d: expected position %d: %w", e.Position, position, ErrChainBroken)
		}
		if err := e.Verify(prevSummary); err != nil {
			return err
		}
		prevSummary = e.SummaryHash
		position++
	}
	return nil
}
