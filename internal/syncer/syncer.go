// Package syncer drains the offline queue into the remote ledger. Two
// triggers exist — a fixed periodic tick and the offline→online transition
// from the connectivity monitor — and both funnel into one single-flight
// drain so queued mutations are never submitted concurrently.
package syncer

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lbricheux/pointeuse/internal/ledger"
	"github.com/lbricheux/pointeuse/internal/queue"
)

// Ledger is the slice of the remote API the reconciler needs.
type Ledger interface {
	SyncBatch(ctx context.Context, mutations []ledger.BatchMutation) ([]ledger.SyncResult, error)
	Ping(ctx context.Context) bool
}

// Reconciler replays queued mutations against the ledger.
type Reconciler struct {
	store  *queue.Store
	ledger Ledger
	logger *slog.Logger

	interval      time.Duration
	probeInterval time.Duration

	draining atomic.Bool
	online   atomic.Bool

	// OnTransition, when set, is invoked on every connectivity change.
	OnTransition func(online bool)
}

func New(store *queue.Store, l Ledger, interval, probeInterval time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}
	r := &Reconciler{
		store:         store,
		ledger:        l,
		logger:        logger,
		interval:      interval,
		probeInterval: probeInterval,
	}
	r.online.Store(true)
	return r
}

// Online reports the last observed connectivity state.
func (r *Reconciler) Online() bool {
	return r.online.Load()
}

// Run loops until ctx is cancelled, draining on the periodic tick and
// immediately after every offline→online transition.
func (r *Reconciler) Run(ctx context.Context) {
	// Deliver anything left over from a previous session right away.
	r.Drain(ctx)

	drainTick := time.NewTicker(r.interval)
	probeTick := time.NewTicker(r.probeInterval)
	defer drainTick.Stop()
	defer probeTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-drainTick.C:
			r.Drain(ctx)
		case <-probeTick.C:
			if r.probe(ctx) {
				r.Drain(ctx)
			}
		}
	}
}

// probe checks ledger reachability and reports whether an offline→online
// transition happened.
func (r *Reconciler) probe(ctx context.Context) bool {
	up := r.ledger.Ping(ctx)
	was := r.online.Swap(up)
	if up == was {
		return false
	}
	if up {
		r.logger.Info("connectivity restored")
	} else {
		r.logger.Info("connectivity lost")
	}
	if r.OnTransition != nil {
		r.OnTransition(up)
	}
	return up
}

// Drain submits all pending mutations as one batch. It is single-flight:
// a trigger firing while a drain is in progress is ignored — the mutations
// it would have delivered are still queued for the next pass. Returns the
// number of mutations acknowledged.
func (r *Reconciler) Drain(ctx context.Context) int {
	if !r.draining.CompareAndSwap(false, true) {
		r.logger.Debug("drain already in progress, skipping trigger")
		return 0
	}
	defer r.draining.Store(false)

	pending, err := r.store.Pending()
	if err != nil {
		r.logger.Warn("reading offline queue", "error", err)
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	batch := make([]ledger.BatchMutation, len(pending))
	for i, m := range pending {
		batch[i] = ledger.BatchMutation{
			OfflineID: m.OfflineID,
			Kind:      string(m.Kind),
			Entry:     m.Entry,
		}
	}

	results, err := r.ledger.SyncBatch(ctx, batch)
	if err != nil {
		// Unsynced mutations stay queued untouched for the next attempt.
		r.logger.Warn("sync batch failed, keeping queue", "pending", len(pending), "error", err)
		r.online.Store(false)
		return 0
	}
	r.online.Store(true)

	acked := 0
	for _, res := range results {
		switch res.Status {
		case ledger.SyncApplied, ledger.SyncDuplicate:
			if err := r.store.Ack(res.OfflineID, res.ID); err != nil {
				r.logger.Warn("acknowledging mutation", "offlineId", res.OfflineID, "error", err)
				continue
			}
			acked++
		case ledger.SyncConflict:
			// The ledger kept a pre-existing active timer; our queued start
			// lost. Adopt the winner into the slot and drop the mutation.
			if res.Entry != nil {
				if err := r.store.SaveActiveTimer(res.Entry); err != nil {
					r.logger.Warn("adopting conflicting timer", "error", err)
				}
			}
			if err := r.store.Ack(res.OfflineID, ""); err != nil {
				r.logger.Warn("acknowledging conflicting mutation", "offlineId", res.OfflineID, "error", err)
				continue
			}
			acked++
		case ledger.SyncInvalid:
			// A snapshot the server will never accept would wedge the queue
			// forever; drop it and leave a trace.
			r.logger.Warn("dropping invalid queued mutation", "offlineId", res.OfflineID)
			if err := r.store.Remove(res.OfflineID); err != nil {
				r.logger.Warn("removing invalid mutation", "offlineId", res.OfflineID, "error", err)
			}
		default:
			r.logger.Warn("unknown sync result status", "offlineId", res.OfflineID, "status", res.Status)
		}
	}

	r.logger.Info("offline queue drained", "submitted", len(pending), "acknowledged", acked)
	return acked
}
