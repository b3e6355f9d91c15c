package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chroniclelabs/chronicle/pkg/chain"
)

const headQuery = `
	SELECT position, content_hash, summary_hash
	FROM chain_entries
	ORDER BY position DESC
	LIMIT 1
`

// Append writes the next chain entry inside a transaction: the current
// head is read, the new entry is linked against it, and the insert
// commits or the chain is untouched. Concurrent appends race on the
// position primary key; the loser's transaction fails rather than
// forking the chain.
func (s *Store) Append(ctx context.Context, kind chain.Kind, payload json.RawMessage) (*chain.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev *chain.Head
	row := tx.QueryRowContext(ctx, headQuery)
	var h chain.Head
	switch err := row.Scan(&h.Position, &h.ContentHash, &h.SummaryHash); {
	case err == nil:
		prev = &h
	case errors.Is(err, sql.ErrNoRows):
		// genesis append
	default:
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	entry, err := chain.Next(prev, kind, payload, s.clock())
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chain_entries (position, kind, payload, content_hash, summary_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.Position, string(entry.Kind), string(entry.Payload), entry.ContentHash, entry.SummaryHash, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert chain entry %d: %w", entry.Position, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit chain entry %d: %w", entry.Position, err)
	}
	return entry, nil
}

// Head returns the newest entry's head view, or chain.ErrEmpty when no
// entries exist.
func (s *Store) Head(ctx context.Context) (*chain.Head, error) {
	var h chain.Head
	err := s.db.QueryRowContext(ctx, headQuery).Scan(&h.Position, &h.ContentHash, &h.SummaryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chain.ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	return &h, nil
}

// Entry fetches a single entry by position.
func (s *Store) Entry(ctx context.Context, position int64) (*chain.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT position, kind, payload, content_hash, summary_hash, created_at
		FROM chain_entries
		WHERE position = $1
	`, position)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %d: %w", position, chain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read chain entry %d: %w", position, err)
	}
	return entry, nil
}

// Entries reads up to limit entries starting at fromPosition, in chain
// order.
func (s *Store) Entries(ctx context.Context, fromPosition int64, limit int) ([]*chain.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, kind, payload, content_hash, summary_hash, created_at
		FROM chain_entries
		WHERE position >= $1
		ORDER BY position ASC
		LIMIT $2
	`, fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("read chain entries from %d: %w", fromPosition, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*chain.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// VerifyChain walks the whole chain recomputing hashes and returns the
// number of verified entries. Tampering surfaces as chain.ErrChainBroken
// with the offending position.
func (s *Store) VerifyChain(ctx context.Context) (int64, error) {
	const batchSize = 500

	var (
		verified    int64
		prevSummary string
		next        int64 = 1
	)
	for {
		batch, err := s.Entries(ctx, next, batchSize)
		if err != nil {
			return verified, err
		}
		if len(batch) == 0 {
			return verified, nil
		}
		if err := chain.VerifySequence(batch, prevSummary, next); err != nil {
			return verified, err
		}
		last := batch[len(batch)-1]
		verified += int64(len(batch))
		prevSummary = last.SummaryHash
		next = last.Position + 1
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*chain.Entry, error) {
	var (
		e       chain.Entry
		kind    string
		payload string
	)
	if err := row.Scan(&e.Position, &kind, &payload, &e.ContentHash, &e.SummaryHash, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = chain.Kind(kind)
	e.Payload = json.RawMessage(payload)
	return &e, nil
}
