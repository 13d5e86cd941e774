package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/tkardel/ticketwatch/internal/domain/ticket"
	"github.com/tkardel/ticketwatch/internal/retry"
)

// Run polls for open tickets on a fixed interval until ctx is canceled,
// then drains in-flight workers before returning. One ticket's failure
// never stops the cycle for the others.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started",
		"interval", e.cfg.PollInterval, "workers", e.cfg.Workers)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.dispatchCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping, draining workers")
			e.wg.Wait()
			e.logger.Info("engine stopped")
			return nil
		case <-ticker.C:
			// dispatchCycle returns before the next tick can fire, so
			// cycles never issue work concurrently; the workers they
			// spawned may still overlap, which is fine.
			e.dispatchCycle(ctx)
		}
	}
}

// dispatchCycle lists open tickets and hands each to the pool without
// waiting for completion, so a slow ticket cannot stall discovery.
func (e *Engine) dispatchCycle(ctx context.Context) {
	cycle := uuid.NewString()[:8]
	logger := e.logger.With("cycle", cycle)

	refs, err := e.source.ListOpenTickets(ctx)
	if err != nil {
		logger.Error("ticket listing failed", "error", err)
		return
	}
	logger.Info("cycle dispatched", "tickets", len(refs))

	for _, ref := range refs {
		e.wg.Add(1)
		go func(ref ticket.Ref) {
			defer e.wg.Done()
			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				return
			}
			e.runOne(ctx, logger, ref, false)
		}(ref)
	}
}

// RunTicket processes a single ticket by its human-readable number. With
// force set, the cache, probe, and delta tiers are bypassed and the ticket
// is always analyzed, posted, and committed.
func (e *Engine) RunTicket(ctx context.Context, number string, force bool) error {
	ref, err := e.source.TicketByNumber(ctx, number)
	if err != nil {
		return fmt.Errorf("resolving ticket %s: %w", number, err)
	}
	out := e.runOne(ctx, e.logger, ref, force)
	if out == outcomeFailed {
		return fmt.Errorf("processing ticket %s failed", number)
	}
	return nil
}

// runOne is the per-ticket boundary: every failure, including a panic, is
// contained here so the pool and the polling loop keep going.
func (e *Engine) runOne(ctx context.Context, logger *slog.Logger, ref ticket.Ref, force bool) (out outcome) {
	logger = logger.With("ticket_id", ref.ID, "ticket_number", ref.Number)

	defer func() {
		if r := recover(); r != nil {
			out = outcomeFailed
			logger.Error("panic while processing ticket",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	start := e.now()
	out, err := e.process(ctx, ref, force)
	if err != nil {
		kind := retry.ClassifyKind(err)
		logger.Error("ticket processing failed",
			"kind", kind.String(), "error", err)
		return outcomeFailed
	}

	logger.Info("ticket settled",
		"outcome", out.String(), "elapsed", e.now().Sub(start))
	return out
}
