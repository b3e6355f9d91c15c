// Package archive exports signed checkpoint bundles of the chronicle
// chain to local or cloud object storage. A checkpoint is a verified,
// self-contained slice of the chain that survives the loss of the
// instance that produced it.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chroniclelabs/chronicle/pkg/chain"
	"github.com/chroniclelabs/chronicle/pkg/signing"
	"github.com/chroniclelabs/chronicle/pkg/store"
)

var (
	ErrBadRange         = errors.New("archive: invalid checkpoint range")
	ErrInvalidSignature = errors.New("archive: checkpoint signature invalid")
)

// Checkpoint is an exported slice of the chain, [From, To] inclusive.
type Checkpoint struct {
	From      int64          `json:"from"`
	To        int64          `json:"to"`
	Head      *chain.Head    `json:"head"`
	Entries   []*chain.Entry `json:"entries"`
	BundledAt time.Time      `json:"bundled-at"`
}

// SignedCheckpoint wraps the checkpoint bytes with a detached signature
// from the instance's checkpoint key. Checkpoint holds the exact bytes
// that were signed.
type SignedCheckpoint struct {
	Checkpoint json.RawMessage `json:"checkpoint"`
	Signature  string          `json:"signature"`
	PublicKey  string          `json:"public-key"`
}

// Result reports one completed archival.
type Result struct {
	Key     string
	From    int64
	To      int64
	Entries int
}

// ObjectKey returns the destination key for a checkpoint ending at the
// given position.
func ObjectKey(to int64) string {
	return fmt.Sprintf("checkpoints/%d.json", to)
}

// Bundler reads chain ranges, signs them, and uploads the result.
type Bundler struct {
	store  *store.Store
	signer signing.Signer
	dest   ObjectStore
	logger *slog.Logger
	clock  func() time.Time
}

// NewBundler creates a bundler writing to dest with the checkpoint key.
func NewBundler(st *store.Store, signer signing.Signer, dest ObjectStore, logger *slog.Logger) *Bundler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bundler{
		store:  st,
		signer: signer,
		dest:   dest,
		logger: logger,
		clock:  time.Now,
	}
}

// Bundle exports entries [from, to], verifies their linkage, signs the
// bundle, and uploads it under "checkpoints/<to>.json". A range that
// fails verification is never uploaded.
func (b *Bundler) Bundle(ctx context.Context, from, to int64) (*Result, error) {
	if from < 1 || to < from {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrBadRange, from, to)
	}

	// The first entry's summary link reaches behind the range, so the
	// predecessor supplies the anchor. Genesis anchors to the empty
	// summary.
	var prevSummary string
	if from > 1 {
		prev, err := b.store.Entry(ctx, from-1)
		if err != nil {
			return nil, fmt.Errorf("read checkpoint anchor %d: %w", from-1, err)
		}
		prevSummary = prev.SummaryHash
	}

	entries, err := b.collect(ctx, from, to)
	if err != nil {
		return nil, err
	}

	if err := chain.VerifySequence(entries, prevSummary, from); err != nil {
		return nil, fmt.Errorf("refusing to archive unverifiable range [%d, %d]: %w", from, to, err)
	}

	cp := &Checkpoint{
		From:      from,
		To:        to,
		Head:      entries[len(entries)-1].Head(),
		Entries:   entries,
		BundledAt: b.clock().UTC(),
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}

	sig, err := signing.SignDetached(b.signer, body)
	if err != nil {
		return nil, fmt.Errorf("sign checkpoint: %w", err)
	}

	envelope, err := json.Marshal(&SignedCheckpoint{
		Checkpoint: body,
		Signature:  sig,
		PublicKey:  b.signer.PublicKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode signed checkpoint: %w", err)
	}

	key := ObjectKey(to)
	if err := b.dest.Put(ctx, key, envelope); err != nil {
		return nil, fmt.Errorf("upload checkpoint %s: %w", key, err)
	}

	b.logger.InfoContext(ctx, "checkpoint archived",
		"key", key,
		"from", from,
		"to", to,
		"entries", len(entries),
	)

	return &Result{Key: key, From: from, To: to, Entries: len(entries)}, nil
}

// collect pages entries from the store until the range is complete.
func (b *Bundler) collect(ctx context.Context, from, to int64) ([]*chain.Entry, error) {
	const batchSize = 500

	want := to - from + 1
	entries := make([]*chain.Entry, 0, want)
	next := from
	for int64(len(entries)) < want {
		batch, err := b.store.Entries(ctx, next, batchSize)
		if err != nil {
			return nil, fmt.Errorf("read checkpoint range: %w", err)
		}
		if len(batch) == 0 {
			return nil, fmt.Errorf("chain ends before position %d: %w", to, chain.ErrNotFound)
		}
		for _, entry := range batch {
			if entry.Position > to {
				break
			}
			entries = append(entries, entry)
		}
		next = batch[len(batch)-1].Position + 1
	}
	return entries, nil
}

// VerifyCheckpoint checks a downloaded bundle: the detached signature
// over the exact checkpoint bytes, the range bookkeeping, and the hash
// linkage of every entry. When the bundle does not start at genesis its
// first summary link points outside the bundle; that anchor can only be
// verified against a live chain.
func VerifyCheckpoint(data []byte) (*Checkpoint, error) {
	var envelope SignedCheckpoint
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode signed checkpoint: %w", err)
	}
	if envelope.Signature == "" || envelope.PublicKey == "" {
		return nil, fmt.Errorf("%w: missing signature or public key", ErrInvalidSignature)
	}
	if err := signing.VerifyDetached(envelope.PublicKey, envelope.Signature, envelope.Checkpoint); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(envelope.Checkpoint, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}

	if cp.From < 1 || cp.To < cp.From {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrBadRange, cp.From, cp.To)
	}
	if int64(len(cp.Entries)) != cp.To-cp.From+1 {
		return nil, fmt.Errorf("checkpoint holds %d entries for range [%d, %d]: %w",
			len(cp.Entries), cp.From, cp.To, chain.ErrChainBroken)
	}

	if cp.From == 1 {
		if err := chain.VerifySequence(cp.Entries, "", 1); err != nil {
			return nil, err
		}
	} else {
		first := cp.Entries[0]
		hash, err := chain.HashPayload(first.Payload)
		if err != nil {
			return nil, fmt.Errorf("hash entry %d: %w", first.Position, err)
		}
		if hash != first.ContentHash || first.Position != cp.From {
			return nil, fmt.Errorf("entry %d content mismatch: %w", first.Position, chain.ErrChainBroken)
		}
		if err := chain.VerifySequence(cp.Entries[1:], first.SummaryHash, cp.From+1); err != nil {
			return nil, err
		}
	}

	last := cp.Entries[len(cp.Entries)-1]
	if cp.Head == nil || cp.Head.Position != last.Position || cp.Head.SummaryHash != last.SummaryHash {
		return nil, fmt.Errorf("checkpoint head does not match final entry: %w", chain.ErrChainBroken)
	}

	return &cp, nil
}
