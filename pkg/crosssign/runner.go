package crosssign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chroniclelabs/chronicle/pkg/chain"
)

// Outcome classifies one cross-sign cycle for a target.
type Outcome string

const (
	OutcomeRan               Outcome = "ran"
	OutcomeSkippedNotDue     Outcome = "skipped-not-due"
	OutcomeSkippedLocked     Outcome = "skipped-locked"
	OutcomeSkippedEmptyChain Outcome = "skipped-empty-chain"
	OutcomeFailed            Outcome = "failed"
)

// RunResult is the classified outcome of one cycle. Position is the
// chain position that was sent when the outcome is ran; Err carries the
// failure classification when the outcome is failed.
type RunResult struct {
	TargetID string  `json:"target_id"`
	Outcome  Outcome `json:"outcome"`
	Position int64   `json:"position,omitempty"`
	Err      error   `json:"-"`
}

// RunMetrics records run outcomes. A nil implementation is allowed.
type RunMetrics interface {
	RecordRun(ctx context.Context, targetID string, outcome Outcome, elapsed time.Duration)
}

// Runner orchestrates cross-sign cycles: rehydrate the target, evaluate
// the policy, take the run lock, exchange, record. Failures below the
// top level are recovered into an outcome classification; only
// configuration and load errors escape, since those need an operator
// rather than a retry.
type Runner struct {
	targets  TargetStore
	heads    HeadSource
	locker   Locker
	exchange *Exchange
	logger   *slog.Logger
	metrics  RunMetrics
	clock    func() time.Time
}

// NewRunner wires the orchestration. metrics may be nil; a nil clock
// falls back to time.Now.
func NewRunner(targets TargetStore, heads HeadSource, locker Locker, exchange *Exchange, logger *slog.Logger, metrics RunMetrics, clock func() time.Time) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Runner{
		targets:  targets,
		heads:    heads,
		locker:   locker,
		exchange: exchange,
		logger:   logger,
		metrics:  metrics,
		clock:    clock,
	}
}

// PerformRun executes one cycle for one target. The returned error is
// non-nil only for failures that precede the lock: unknown target,
// store read failure, or a policy misconfiguration. Everything after
// lock acquisition is classified into the RunResult.
func (r *Runner) PerformRun(ctx context.Context, targetID string) (*RunResult, error) {
	start := time.Now()
	res, err := r.performRun(ctx, targetID)
	if res != nil && r.metrics != nil {
		r.metrics.RecordRun(ctx, targetID, res.Outcome, time.Since(start))
	}
	return res, err
}

func (r *Runner) performRun(ctx context.Context, targetID string) (*RunResult, error) {
	// Rehydrate fresh from the system of record; a cached target could
	// carry a stale lastRun and re-trigger a redundant run.
	target, err := r.targets.GetTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}

	head, err := r.heads.Head(ctx)
	if err != nil && !errors.Is(err, chain.ErrEmpty) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	now := r.clock()
	due, err := NeedsRun(target.Policy, target.LastRun, head, now)
	if err != nil {
		return nil, err
	}
	if !due {
		return &RunResult{TargetID: targetID, Outcome: OutcomeSkippedNotDue}, nil
	}

	handle, err := r.locker.Acquire(ctx, targetID)
	if errors.Is(err, ErrLockBusy) {
		return &RunResult{TargetID: targetID, Outcome: OutcomeSkippedLocked}, nil
	}
	if err != nil {
		return nil, err
	}

	result, exchErr := r.exchange.Run(ctx, target, head, now)

	// The lock is released on every exit path, exchange failure
	// included. A failed release is never swallowed: it wedges the
	// target until an operator clears the resource.
	if relErr := handle.Release(ctx); relErr != nil {
		r.logger.ErrorContext(ctx, "run lock release failed", "target", targetID, "error", relErr)
		if exchErr != nil {
			exchErr = errors.Join(exchErr, relErr)
		}
	}

	switch {
	case exchErr == nil:
	case errors.Is(exchErr, chain.ErrEmpty):
		return &RunResult{TargetID: targetID, Outcome: OutcomeSkippedEmptyChain}, nil
	case errors.Is(exchErr, ErrPeerAuthentication):
		// Distinct from a transport failure: may indicate peer
		// compromise or key misconfiguration.
		r.logger.ErrorContext(ctx, "peer response failed authentication", "target", targetID, "endpoint", target.Endpoint, "error", exchErr)
		return &RunResult{TargetID: targetID, Outcome: OutcomeFailed, Err: exchErr}, nil
	default:
		r.logger.WarnContext(ctx, "peer exchange failed", "target", targetID, "endpoint", target.Endpoint, "error", exchErr)
		return &RunResult{TargetID: targetID, Outcome: OutcomeFailed, Err: exchErr}, nil
	}

	if err := r.targets.RecordRun(ctx, targetID, result.SentPosition, result.SentAt, result.Ack); err != nil {
		if !errors.Is(err, ErrRecordNotCommitted) {
			err = fmt.Errorf("%w: %v", ErrRecordNotCommitted, err)
		}
		// The peer holds the attestation but local bookkeeping is
		// stale; the next cycle may redundantly re-run.
		r.logger.ErrorContext(ctx, "exchange succeeded but run record did not commit", "target", targetID, "position", result.SentPosition, "error", err)
		return &RunResult{TargetID: targetID, Outcome: OutcomeFailed, Err: err}, nil
	}

	r.logger.InfoContext(ctx, "chain head cross-signed", "target", targetID, "position", result.SentPosition)
	return &RunResult{TargetID: targetID, Outcome: OutcomeRan, Position: result.SentPosition}, nil
}

// RunAll performs one cycle for every registered target, one goroutine
// per target. Targets are independent: outcomes never affect each
// other, and there is no ordering between them.
func (r *Runner) RunAll(ctx context.Context) []*RunResult {
	ids, err := r.targets.ListTargetIDs(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "list cross-sign targets failed", "error", err)
		return nil
	}

	results := make([]*RunResult, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.PerformRun(ctx, id)
			if err != nil {
				if IsConfigurationError(err) {
					r.logger.ErrorContext(ctx, "target misconfigured, operator intervention required", "target", id, "error", err)
				} else {
					r.logger.ErrorContext(ctx, "cross-sign run aborted", "target", id, "error", err)
				}
				results[i] = &RunResult{TargetID: id, Outcome: OutcomeFailed, Err: err}
				return
			}
			r.logger.DebugContext(ctx, "cross-sign cycle finished", "target", id, "outcome", res.Outcome)
			results[i] = res
		}()
	}
	wg.Wait()
	return results
}
