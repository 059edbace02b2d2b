package main

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"escrotrade/trade"
)

// StatusCallback receives confirmed contract phase changes. The production
// implementation notifies the record store's projection endpoint; tests plug
// in a recorder. This is the integration seam for the external listener that
// advances Product.status.
type StatusCallback interface {
	PhaseChanged(ctx context.Context, productID int64, phase trade.EscrowPhase) error
}

// PhaseReader is the read-only slice of the chain client the watcher needs.
type PhaseReader interface {
	ProductState(ctx context.Context, key *big.Int) (trade.EscrowPhase, error)
}

// ProjectionWatcher polls the contract for every journaled escrow key and
// fires the callback when the observed phase moves. The backend projection is
// eventually consistent; the watcher is what closes the loop after a
// confirmed settlement.
type ProjectionWatcher struct {
	chain        PhaseReader
	store        *SQLiteStore
	callback     StatusCallback
	logger       *slog.Logger
	pollInterval time.Duration
}

func NewProjectionWatcher(chain PhaseReader, store *SQLiteStore, callback StatusCallback) *ProjectionWatcher {
	return &ProjectionWatcher{
		chain:        chain,
		store:        store,
		callback:     callback,
		logger:       slog.Default(),
		pollInterval: 5 * time.Second,
	}
}

// SetPollInterval overrides the polling cadence.
func (w *ProjectionWatcher) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// SetLogger overrides the structured logger.
func (w *ProjectionWatcher) SetLogger(logger *slog.Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// Run polls until the context is cancelled.
func (w *ProjectionWatcher) Run(ctx context.Context) {
	if w.chain == nil || w.store == nil {
		return
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *ProjectionWatcher) poll(ctx context.Context) {
	products, err := w.store.TrackedProducts(ctx)
	if err != nil {
		w.logger.Warn("watcher: list tracked products", "err", err)
		return
	}
	for _, productID := range products {
		phase, err := w.chain.ProductState(ctx, big.NewInt(productID))
		if err != nil {
			w.logger.Warn("watcher: read contract state", "product", productID, "err", err)
			continue
		}
		changed, err := w.store.UpsertPhase(ctx, productID, phase)
		if err != nil {
			w.logger.Warn("watcher: persist phase", "product", productID, "err", err)
			continue
		}
		if !changed || w.callback == nil {
			continue
		}
		if err := w.callback.PhaseChanged(ctx, productID, phase); err != nil {
			w.logger.Warn("watcher: phase callback", "product", productID, "phase", phase.String(), "err", err)
			continue
		}
		w.logger.Info("watcher: phase change delivered", "product", productID, "phase", phase.String())
	}
}
