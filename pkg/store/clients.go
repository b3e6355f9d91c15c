package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chroniclelabs/chronicle/pkg/crosssign"
)

// Client is a registered caller of the publication API: a peer instance
// or an administrative client, identified by the string it presents on
// the wire and trusted through its verification key.
type Client struct {
	Identity        string    `json:"identity"`
	VerificationKey string    `json:"verification_key"`
	Elevated        bool      `json:"elevated"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateClient registers a client identity and its verification key.
func (s *Store) CreateClient(ctx context.Context, c *Client) error {
	if c.Identity == "" {
		return fmt.Errorf("client identity must not be empty")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (identity, verification_key, elevated, created_at)
		VALUES ($1, $2, $3, $4)
	`, c.Identity, c.VerificationKey, c.Elevated, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create client %s: %w", c.Identity, err)
	}
	return nil
}

// Resolve maps a wire identity to its verification key. With
// requireElevated set, a client without the elevated flag resolves the
// same as an unknown one.
func (s *Store) Resolve(ctx context.Context, identity string, requireElevated bool) (string, error) {
	var (
		key      string
		elevated bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT verification_key, elevated FROM clients WHERE identity = $1
	`, identity).Scan(&key, &elevated)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("client %s: %w", identity, crosssign.ErrClientNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve client %s: %w", identity, err)
	}
	if requireElevated && !elevated {
		return "", fmt.Errorf("client %s lacks elevated privilege: %w", identity, crosssign.ErrClientNotFound)
	}
	return key, nil
}

// ListClients returns all registered clients in identity order.
func (s *Store) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, verification_key, elevated, created_at
		FROM clients
		ORDER BY identity ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var clients []*Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.Identity, &c.VerificationKey, &c.Elevated, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}
