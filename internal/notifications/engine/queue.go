package engine

import (
	"context"
	"time"

	"relaypoint/internal/types"
)

// Enqueue buffers a request for the next drain tick. A full queue rejects
// immediately so producer bursts cannot exhaust memory; callers decide
// whether to retry or drop.
func (e *Engine) Enqueue(req *Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	select {
	case e.intake <- req:
		return nil
	default:
		return types.NewAppError(types.ErrCodeRateLimit, "intake queue is full", nil)
	}
}

// QueueDepth reports the number of buffered requests.
func (e *Engine) QueueDepth() int {
	return len(e.intake)
}

// Start runs the drain and sweep loops until Stop is called or ctx is
// cancelled. Draining happens on a fixed tick in small batches, decoupling
// producer bursts from per-notification fan-out cost. Background sweeps
// (counter cleanup, dedup eviction) run on their own slower tick.
func (e *Engine) Start(ctx context.Context) {
	drainInterval := e.cfg.DrainInterval
	if drainInterval <= 0 {
		drainInterval = time.Second
	}
	sweepInterval := e.cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}

	drain := time.NewTicker(drainInterval)
	sweep := time.NewTicker(sweepInterval)
	defer drain.Stop()
	defer sweep.Stop()
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			// Drain what is left before shutting down.
			e.drainBatch(context.WithoutCancel(ctx), len(e.intake))
			return
		case <-drain.C:
			e.drainBatch(ctx, e.cfg.DrainBatchSize)
		case <-sweep.C:
			e.runSweeps(ctx)
		}
	}
}

// Stop signals Start to finish its queue and return. Blocks until the loop
// has exited.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

func (e *Engine) drainBatch(ctx context.Context, max int) {
	for i := 0; i < max; i++ {
		select {
		case req := <-e.intake:
			if _, err := e.Submit(ctx, req); err != nil {
				e.logError("queued submission failed", err, "event_type", string(req.EventType), "tenant_id", req.TenantID)
			}
		default:
			return
		}
	}
}

func (e *Engine) runSweeps(ctx context.Context) {
	if e.deps.Counters != nil {
		if evicted := e.deps.Counters.Sweep(ctx); evicted > 0 && e.deps.Logger != nil {
			e.deps.Logger.Info("counter sweep complete", "evicted", evicted)
		}
	}
	if e.deps.Dedup != nil {
		if evicted := e.deps.Dedup.Sweep(ctx); evicted > 0 && e.deps.Logger != nil {
			e.deps.Logger.Info("dedup sweep complete", "evicted", evicted)
		}
	}
}
