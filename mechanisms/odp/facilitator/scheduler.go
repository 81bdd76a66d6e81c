package facilitator

import (
	"context"
	"log/slog"
	"time"

	x402 "github.com/FluxA-Agent-Payment/x402"
)

// RunAutoSettle drives background settlement until ctx is cancelled. Each
// tick walks the pending sessions in insertion order and settles those with
// receipts outstanding. An in-flight settlement finishes on its own terms
// after cancellation; only new rounds stop.
func (f *OdpFacilitator) RunAutoSettle(ctx context.Context) {
	ticker := time.NewTicker(f.config.AutoSettleInterval)
	defer ticker.Stop()

	f.logger.InfoContext(ctx, "auto settlement started",
		slog.Duration("interval", f.config.AutoSettleInterval),
	)
	for {
		select {
		case <-ctx.Done():
			f.logger.InfoContext(ctx, "auto settlement stopped")
			return
		case <-ticker.C:
			f.settlePending(context.WithoutCancel(ctx))
		}
	}
}

// settlePending runs one settlement round over the pending sessions.
// Failures are logged and retried on the next tick; drained and expired
// sessions are evicted.
func (f *OdpFacilitator) settlePending(ctx context.Context) {
	for _, sessionID := range f.pendingSessions() {
		record, err := f.store.Get(ctx, sessionID)
		if err != nil {
			f.logger.ErrorContext(ctx, "session store read failed",
				slog.String("session", sessionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if record == nil {
			f.unmarkPending(sessionID)
			continue
		}
		if record.Settling {
			continue
		}
		if len(record.Receipts) == 0 {
			f.unmarkPending(sessionID)
			if f.sessionClosed(record) {
				f.evictSession(ctx, sessionID)
			}
			continue
		}

		response, err := f.settleSession(ctx, sessionID, x402.Network(record.Network))
		if err != nil {
			f.logger.ErrorContext(ctx, "auto settlement errored",
				slog.String("session", sessionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !response.Success {
			f.logger.WarnContext(ctx, "auto settlement rejected",
				slog.String("session", sessionID),
				slog.String("reason", response.ErrorReason),
			)
		}
	}
}

// evictSession closes a terminal session under its lock.
func (f *OdpFacilitator) evictSession(ctx context.Context, sessionID string) {
	entry := f.locks.acquire(sessionID)
	defer f.locks.release(sessionID, entry)

	record, err := f.store.Get(ctx, sessionID)
	if err != nil || record == nil {
		f.locks.markClosed(entry)
		return
	}
	if !f.sessionClosed(record) {
		return
	}
	if err := f.closeSession(ctx, sessionID, entry); err != nil {
		f.logger.ErrorContext(ctx, "session eviction failed",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
	}
}
