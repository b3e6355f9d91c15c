package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chroniclelabs/chronicle/pkg/crosssign"
)

const targetColumns = `id, name, endpoint, client_identity, peer_verification_key, policy,
	last_run_position, last_run_time, last_run_response, created_at`

// CreateTarget registers a peer relationship. An empty ID is assigned a
// fresh UUID.
func (s *Store) CreateTarget(ctx context.Context, t *crosssign.Target) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock().UTC()
	}

	var policy any
	if len(t.Policy) > 0 {
		policy = string(t.Policy)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cross_sign_targets (id, name, endpoint, client_identity, peer_verification_key, policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.Name, t.Endpoint, t.ClientIdentity, t.PeerVerificationKey, policy, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create target %s: %w", t.ID, err)
	}
	return nil
}

// GetTarget rehydrates one target, last-run bookkeeping included.
func (s *Store) GetTarget(ctx context.Context, id string) (*crosssign.Target, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+targetColumns+`
		FROM cross_sign_targets
		WHERE id = $1
	`, id)

	target, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("target %s: %w", id, crosssign.ErrTargetNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read target %s: %w", id, err)
	}
	return target, nil
}

// ListTargets returns all registered targets in id order.
func (s *Store) ListTargets(ctx context.Context) ([]*crosssign.Target, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+targetColumns+`
		FROM cross_sign_targets
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var targets []*crosssign.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// ListTargetIDs returns the ids of all registered targets.
func (s *Store) ListTargetIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM cross_sign_targets ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list target ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan target id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordRun commits the last-run bookkeeping in one atomic statement.
// The guard keeps both position and time monotonically non-decreasing;
// zero rows affected means the record did not commit, either because
// the target vanished or because a newer run is already recorded.
func (s *Store) RecordRun(ctx context.Context, id string, position int64, at time.Time, response json.RawMessage) error {
	var resp any
	if len(response) > 0 {
		resp = string(response)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE cross_sign_targets
		SET last_run_position = $1, last_run_time = $2, last_run_response = $3
		WHERE id = $4
		  AND (last_run_position IS NULL OR last_run_position <= $1)
		  AND (last_run_time IS NULL OR last_run_time <= $2)
	`, position, at.UTC(), resp, id)
	if err != nil {
		return fmt.Errorf("record run for target %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record run for target %s: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("target %s at position %d: %w", id, position, crosssign.ErrRecordNotCommitted)
	}
	return nil
}

func scanTarget(row rowScanner) (*crosssign.Target, error) {
	var (
		t        crosssign.Target
		policy   sql.NullString
		position sql.NullInt64
		at       sql.NullTime
		response sql.NullString
	)
	err := row.Scan(&t.ID, &t.Name, &t.Endpoint, &t.ClientIdentity, &t.PeerVerificationKey,
		&policy, &position, &at, &response, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	if policy.Valid {
		t.Policy = json.RawMessage(policy.String)
	}
	if position.Valid && at.Valid {
		t.LastRun = &crosssign.RunRecord{
			Position: position.Int64,
			Time:     at.Time,
		}
		if response.Valid {
			t.LastRun.Response = json.RawMessage(response.String)
		}
	}
	return &t, nil
}
