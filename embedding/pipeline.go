// Package embedding contains the background pipeline that attaches vector
// embeddings to closed monologs. The pipeline polls the store on a fixed
// interval, embeds a bounded batch through an external provider and writes
// the vectors back. It runs independently of the foreground aggregation path
// and touches nothing but the embedding column of closed monologs.
package embedding

import (
	"context"
	"time"

	"github.com/olbrasoft/monolog/core"
	"github.com/olbrasoft/monolog/logging"
)

// Options configures a Pipeline.
type Options struct {
	// Enabled gates the whole loop; a disabled pipeline ticks but does
	// nothing.
	Enabled bool
	// Interval between processing cycles.
	Interval time.Duration
	// BatchSize caps how many monologs one cycle embeds.
	BatchSize int
	// RequestTimeout bounds each provider call so a slow provider cannot
	// stall the batch indefinitely.
	RequestTimeout time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Pipeline polls for closed monologs without an embedding and fills them in.
//
// Failure policy: a per-item provider failure is logged and the rest of the
// batch is still attempted; the failed monolog stays pending and is retried
// on a later cycle, forever, at the fixed interval. There is no backoff and
// no dead-lettering: a monolog the provider permanently rejects remains
// pending indefinitely. That is a known limitation, not a fault to recover
// from here.
type Pipeline struct {
	store    core.MonologStore
	provider core.EmbeddingProvider
	opts     Options
	logger   logging.Logger
}

// New creates a Pipeline over the given store and provider.
func New(store core.MonologStore, provider core.EmbeddingProvider, optFns ...func(o *Options)) *Pipeline {
	opts := Options{
		Enabled:        true,
		Interval:       30 * time.Second,
		BatchSize:      10,
		RequestTimeout: 30 * time.Second,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Pipeline{
		store:    store,
		provider: provider,
		opts:     opts,
		logger:   logging.OrNoOp(opts.Logger),
	}
}

// Run executes processing cycles until ctx is canceled. Shutdown is observed
// between cycles, not mid-batch: an in-flight provider call for the current
// item is allowed to complete.
func (p *Pipeline) Run(ctx context.Context) {
	if !p.opts.Enabled {
		p.logger.Info("embedding pipeline disabled")
		return
	}
	if p.provider == nil {
		p.logger.Warn("no embedding provider configured, pipeline idle")
		return
	}
	p.logger.Info("embedding pipeline started",
		"interval", p.opts.Interval.String(), "batch_size", p.opts.BatchSize)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		if err := p.ProcessOnce(ctx); err != nil {
			p.logger.Error("embedding cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("embedding pipeline stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce runs a single processing cycle: list pending monologs, embed
// each sequentially, write vectors back. The returned error covers only the
// listing query; per-item failures are logged and skipped.
func (p *Pipeline) ProcessOnce(ctx context.Context) error {
	if !p.opts.Enabled || p.provider == nil {
		return nil
	}
	pending, err := p.store.ListMissingEmbedding(ctx, p.opts.BatchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	p.logger.Debug("embedding pending monologs", "count", len(pending))

	for _, m := range pending {
		p.embedOne(ctx, m)
	}
	return nil
}

func (p *Pipeline) embedOne(ctx context.Context, m *core.Monolog) {
	callCtx := ctx
	if p.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.opts.RequestTimeout)
		defer cancel()
	}
	started := time.Now()
	vector, err := p.provider.Embed(callCtx, m.Content)
	if err != nil {
		// Leave the monolog pending; the next cycle retries it.
		p.logger.Error("embedding generation failed",
			"monolog", m.ID, "duration", time.Since(started).String(), "error", err)
		return
	}
	ok, err := p.store.SetEmbedding(ctx, m.ID, vector)
	if err != nil {
		p.logger.Error("embedding write failed", "monolog", m.ID, "error", err)
		return
	}
	if !ok {
		p.logger.Warn("embedding target vanished or reopened", "monolog", m.ID)
		return
	}
	p.logger.Debug("embedding stored",
		"monolog", m.ID, "dimensions", len(vector), "duration", time.Since(started).String())
}
