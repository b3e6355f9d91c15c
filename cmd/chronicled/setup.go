package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chroniclelabs/chronicle/pkg/config"
	"github.com/chroniclelabs/chronicle/pkg/crosssign"
	"github.com/chroniclelabs/chronicle/pkg/signing"
	"github.com/chroniclelabs/chronicle/pkg/store"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openDatabase connects to the configured system of record. postgres://
// URLs use the Postgres driver, everything else is treated as a SQLite
// DSN.
func openDatabase(ctx context.Context, dbURL string) (*sql.DB, error) {
	driver := "sqlite"
	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		driver = "postgres"
	}

	db, err := sql.Open(driver, dbURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite" {
		// One writer connection keeps SQLITE_BUSY out of the append path.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// openStore opens the database and ensures the schema exists.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, *sql.DB, error) {
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return st, db, nil
}

// loadKeyring resolves the instance's master seed: CHRONICLE_SEED wins,
// then the seed file under the data dir, and as a last resort a fresh
// seed is generated and persisted there. The returned bool reports
// whether a new identity was created.
func loadKeyring(cfg *config.Config) (*signing.Keyring, bool, error) {
	if cfg.Seed != "" {
		kr, err := signing.KeyringFromSeed(cfg.Seed)
		return kr, false, err
	}

	path := filepath.Join(cfg.DataDir, "seed")
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		kr, krErr := signing.KeyringFromSeed(strings.TrimSpace(string(raw)))
		if krErr != nil {
			return nil, false, fmt.Errorf("seed file %s: %w", path, krErr)
		}
		return kr, false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, false, fmt.Errorf("read seed file %s: %w", path, err)
	}

	kr, err := signing.NewKeyring()
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, false, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(kr.SeedHex()+"\n"), 0o600); err != nil {
		return nil, false, fmt.Errorf("persist seed file %s: %w", path, err)
	}
	return kr, true, nil
}

// newLocker builds the run lock backend: Redis when configured, the
// lock directory under the data dir otherwise.
func newLocker(cfg *config.Config) (crosssign.Locker, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return crosssign.NewRedisLocker(redis.NewClient(opts), cfg.LockTTL), nil
	}
	return crosssign.NewFileLocker(filepath.Join(cfg.DataDir, "locks"))
}

// applySeedProfile imports the profile's clients and targets, skipping
// entries that already exist so repeated imports are idempotent.
func applySeedProfile(ctx context.Context, st *store.Store, profile *config.SeedProfile, logger *slog.Logger) error {
	for _, c := range profile.Clients {
		if _, err := st.Resolve(ctx, c.Identity, false); err == nil {
			logger.DebugContext(ctx, "seed client already registered", "identity", c.Identity)
			continue
		} else if !errors.Is(err, crosssign.ErrClientNotFound) {
			return err
		}
		if err := st.CreateClient(ctx, &store.Client{
			Identity:        c.Identity,
			VerificationKey: c.VerificationKey,
			Elevated:        c.Elevated,
		}); err != nil {
			return err
		}
		logger.InfoContext(ctx, "seed client registered", "identity", c.Identity, "elevated", c.Elevated)
	}

	existing, err := st.ListTargets(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, t := range existing {
		known[t.Name+"\x00"+t.Endpoint] = true
	}

	for _, t := range profile.Targets {
		if known[t.Name+"\x00"+t.Endpoint] {
			logger.DebugContext(ctx, "seed target already registered", "name", t.Name)
			continue
		}
		policy, err := t.PolicyJSON()
		if err != nil {
			return err
		}
		target := &crosssign.Target{
			Name:                t.Name,
			Endpoint:            t.Endpoint,
			ClientIdentity:      t.ClientIdentity,
			PeerVerificationKey: t.PeerVerificationKey,
			Policy:              policy,
		}
		if err := st.CreateTarget(ctx, target); err != nil {
			return err
		}
		logger.InfoContext(ctx, "seed target registered", "target", target.ID, "name", t.Name, "endpoint", t.Endpoint)
	}
	return nil
}
