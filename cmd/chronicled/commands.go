package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chroniclelabs/chronicle/pkg/archive"
	"github.com/chroniclelabs/chronicle/pkg/chain"
	"github.com/chroniclelabs/chronicle/pkg/config"
	"github.com/chroniclelabs/chronicle/pkg/crosssign"
	"github.com/chroniclelabs/chronicle/pkg/signing"
)

// runInitCmd creates (or loads) the instance identity and prints the
// derived public keys for registration at peers.
//
// Exit codes:
//
//	0 = identity ready
//	2 = runtime error
func runInitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("init", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output keys as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	keyring, generated, err := loadKeyring(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: keyring init failed: %v\n", err)
		return 2
	}

	keys := map[string]string{}
	for _, purpose := range []string{
		signing.PurposeCrossSign,
		signing.PurposeAcknowledgement,
		signing.PurposeCheckpoint,
		signing.PurposeOperator,
	} {
		signer, err := keyring.Derive(purpose)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: key derivation failed: %v\n", err)
			return 2
		}
		keys[purpose] = signer.PublicKey()
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"generated": generated,
			"keys":      keys,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	if generated {
		_, _ = fmt.Fprintf(stdout, "New instance identity written to %s/seed\n", cfg.DataDir)
	} else {
		_, _ = fmt.Fprintln(stdout, "Existing instance identity loaded")
	}
	_, _ = fmt.Fprintln(stdout, "")
	_, _ = fmt.Fprintf(stdout, "  cross-sign key (register as a client at peers):  %s\n", keys[signing.PurposeCrossSign])
	_, _ = fmt.Fprintf(stdout, "  verification key (peers pin this for your acks): %s\n", keys[signing.PurposeAcknowledgement])
	_, _ = fmt.Fprintf(stdout, "  checkpoint key:                                   %s\n", keys[signing.PurposeCheckpoint])
	_, _ = fmt.Fprintf(stdout, "  operator key:                                     %s\n", keys[signing.PurposeOperator])
	return 0
}

// runCrossSignCmd performs one cross-sign cycle, for cron-driven
// deployments that do not run the built-in scheduler.
//
// Exit codes:
//
//	0 = no run failed (skips are normal outcomes)
//	1 = at least one run failed
//	2 = setup or configuration error
func runCrossSignCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("cross-sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		targetID   string
		jsonOutput bool
	)
	cmd.StringVar(&targetID, "target", "", "Run only this target id (default: all targets)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)
	ctx := context.Background()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: store init failed: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	keyring, _, err := loadKeyring(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: keyring init failed: %v\n", err)
		return 2
	}
	crossSigner, err := keyring.Derive(signing.PurposeCrossSign)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: key derivation failed: %v\n", err)
		return 2
	}
	locker, err := newLocker(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: run lock init failed: %v\n", err)
		return 2
	}

	runner := crosssign.NewRunner(st, st, locker, crosssign.NewExchange(crossSigner, cfg.ExchangeTimeout), logger, nil, nil)

	var results []*crosssign.RunResult
	if targetID != "" {
		res, err := runner.PerformRun(ctx, targetID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			if crosssign.IsConfigurationError(err) || errors.Is(err, crosssign.ErrTargetNotFound) {
				return 2
			}
			return 1
		}
		results = append(results, res)
	} else {
		results = runner.RunAll(ctx)
	}

	failed := 0
	for _, res := range results {
		if res.Outcome == crosssign.OutcomeFailed {
			failed++
		}
	}

	if jsonOutput {
		out := make([]map[string]any, 0, len(results))
		for _, res := range results {
			row := map[string]any{"target": res.TargetID, "outcome": res.Outcome}
			if res.Position != 0 {
				row["position"] = res.Position
			}
			if res.Err != nil {
				row["error"] = res.Err.Error()
			}
			out = append(out, row)
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		for _, res := range results {
			switch res.Outcome {
			case crosssign.OutcomeRan:
				_, _ = fmt.Fprintf(stdout, "%s: ran (position %d)\n", res.TargetID, res.Position)
			case crosssign.OutcomeFailed:
				_, _ = fmt.Fprintf(stdout, "%s: failed: %v\n", res.TargetID, res.Err)
			default:
				_, _ = fmt.Fprintf(stdout, "%s: %s\n", res.TargetID, res.Outcome)
			}
		}
	}

	if failed > 0 {
		return 1
	}
	return 0
}

// runImportCmd imports clients and targets from a seed profile.
//
// Exit codes:
//
//	0 = imported
//	2 = invalid profile or runtime error
func runImportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("import", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var profilePath string
	cmd.StringVar(&profilePath, "profile", "", "Path to the YAML seed profile (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if profilePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --profile is required")
		return 2
	}

	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)
	ctx := context.Background()

	profile, err := config.LoadSeedProfile(profilePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: store init failed: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	if err := applySeedProfile(ctx, st, profile, logger); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: import failed: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "Imported %d clients and %d targets from %s\n",
		len(profile.Clients), len(profile.Targets), profilePath)
	return 0
}

// runArchiveCmd exports a signed checkpoint bundle of the chain.
//
// Exit codes:
//
//	0 = checkpoint uploaded
//	1 = chain failed verification
//	2 = setup error
func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("archive", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dest       string
		from       int64
		upto       int64
		jsonOutput bool
	)
	cmd.StringVar(&dest, "to", "", "Destination: s3://bucket/prefix, gs://bucket/prefix, or a directory (REQUIRED)")
	cmd.Int64Var(&from, "from", 1, "First chain position to include")
	cmd.Int64Var(&upto, "upto", 0, "Last chain position to include (default: current head)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dest == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --to is required")
		return 2
	}

	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)
	ctx := context.Background()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: store init failed: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	if upto == 0 {
		head, err := st.Head(ctx)
		if errors.Is(err, chain.ErrEmpty) {
			_, _ = fmt.Fprintln(stdout, "Chain is empty, nothing to archive")
			return 0
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		upto = head.Position
	}

	keyring, _, err := loadKeyring(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: keyring init failed: %v\n", err)
		return 2
	}
	signer, err := keyring.Derive(signing.PurposeCheckpoint)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: key derivation failed: %v\n", err)
		return 2
	}

	destStore, err := archive.NewObjectStore(ctx, dest)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	result, err := archive.NewBundler(st, signer, destStore, logger).Bundle(ctx, from, upto)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: archive failed: %v\n", err)
		if errors.Is(err, chain.ErrChainBroken) {
			return 1
		}
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"destination": dest,
			"key":         result.Key,
			"from":        result.From,
			"to":          result.To,
			"entries":     result.Entries,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "Checkpoint %s archived to %s (%d entries)\n", result.Key, dest, result.Entries)
	}
	return 0
}

// runVerifyCmd recomputes every hash in the chain.
//
// Exit codes:
//
//	0 = chain verified
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	ctx := context.Background()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: store init failed: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	verified, err := st.VerifyChain(ctx)
	if err != nil {
		if jsonOutput {
			data, _ := json.MarshalIndent(map[string]any{
				"ok":       false,
				"verified": verified,
				"error":    err.Error(),
			}, "", "  ")
			_, _ = fmt.Fprintln(stdout, string(data))
		} else {
			_, _ = fmt.Fprintf(stderr, "Chain verification FAILED after %d entries: %v\n", verified, err)
		}
		if errors.Is(err, chain.ErrChainBroken) {
			return 1
		}
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{"ok": true, "verified": verified}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "Chain verified: %d entries\n", verified)
	}
	return 0
}

// runTokenCmd mints an operator token for the admin API, signed with
// the keyring's operator key.
//
// Exit codes:
//
//	0 = token printed
//	2 = runtime error
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject string
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "subject", "", "Token subject, e.g. an operator name (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		return 2
	}

	cfg := config.Load()
	keyring, _, err := loadKeyring(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: keyring init failed: %v\n", err)
		return 2
	}
	signer, err := keyring.Derive(signing.PurposeOperator)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: key derivation failed: %v\n", err)
		return 2
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "chronicled",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(signer.Private())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: token signing failed: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintln(stdout, signed)
	return 0
}
