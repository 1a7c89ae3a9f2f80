// Package monolog provides a high-level façade over the aggregation engine,
// the monolog store and the embedding pipeline. It aggregates runtime
// conversation events into monologs (contiguous single-speaker runs bounded
// by the other participant speaking), persists them and makes them
// searchable by semantic similarity. Most applications interact with this
// package by:
//  1. Creating a Service via New() (optionally overriding the default
//     in-memory store, the embedding provider and the quarantine sink)
//  2. Feeding runtime events through HandleEvent
//  3. Running the embedding pipeline via RunPipeline and querying Search
//
// All defaults are safe for local development and testing; production
// deployments supply the SQLite store, an OpenAI embedding provider and a
// structured logger (see cmd/monologd).
package monolog

import (
	"context"
	"time"

	"github.com/olbrasoft/monolog/aggregate"
	"github.com/olbrasoft/monolog/core"
	"github.com/olbrasoft/monolog/embedding"
	"github.com/olbrasoft/monolog/logging"
	"github.com/olbrasoft/monolog/store"
)

// Default search parameters applied when a request leaves them unset.
const (
	DefaultSearchLimit         = 10
	DefaultMinSimilarity       = 0.5
	DefaultEmbeddingInterval   = 30 * time.Second
	DefaultEmbeddingBatchSize  = 10
	DefaultEmbeddingReqTimeout = 30 * time.Second
)

// Options configures the Service.
type Options struct {
	// Store defaults to an in-memory implementation.
	Store core.MonologStore

	// Provider generates embeddings; nil leaves the pipeline idle.
	Provider core.EmbeddingProvider

	// Quarantine receives rejected payloads (defaults to a no-op sink).
	Quarantine core.QuarantineSink

	// Logger defaults to NoOpLogger.
	Logger logging.Logger

	// Embedding pipeline tuning.
	EmbeddingEnabled   bool
	EmbeddingInterval  time.Duration
	EmbeddingBatchSize int

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Service is the façade aggregating the event state machine, the store and
// the background embedding pipeline.
type Service struct {
	opts       Options
	aggregator *aggregate.Aggregator
	pipeline   *embedding.Pipeline
}

// New creates a Service with optional overrides. Any unset collaborator is
// initialized with a safe default.
func New(optFns ...func(o *Options)) *Service {
	opts := Options{
		Store:              store.NewInMemoryStore(),
		Quarantine:         core.NoOpQuarantineSink{},
		Logger:             logging.NoOpLogger{},
		EmbeddingEnabled:   true,
		EmbeddingInterval:  DefaultEmbeddingInterval,
		EmbeddingBatchSize: DefaultEmbeddingBatchSize,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	agg := aggregate.New(opts.Store, func(o *aggregate.Options) {
		o.Quarantine = opts.Quarantine
		o.Logger = opts.Logger
		if opts.Clock != nil {
			o.Clock = opts.Clock
		}
	})
	pipe := embedding.New(opts.Store, opts.Provider, func(o *embedding.Options) {
		o.Enabled = opts.EmbeddingEnabled
		o.Interval = opts.EmbeddingInterval
		o.BatchSize = opts.EmbeddingBatchSize
		o.RequestTimeout = DefaultEmbeddingReqTimeout
		o.Logger = opts.Logger
	})
	return &Service{opts: opts, aggregator: agg, pipeline: pipe}
}

// Store exposes the underlying monolog store.
func (s *Service) Store() core.MonologStore { return s.opts.Store }

// HandleEvent feeds one runtime event into the aggregator. Events of the
// same session are processed in arrival order; events of different sessions
// are independent.
func (s *Service) HandleEvent(ctx context.Context, ev core.Event) error {
	return s.aggregator.HandleEvent(ctx, ev)
}

// RunPipeline runs the embedding pipeline until ctx is canceled. Callers
// typically start it in its own goroutine.
func (s *Service) RunPipeline(ctx context.Context) {
	s.pipeline.Run(ctx)
}

// SearchRequest ranks stored monologs against a query vector.
type SearchRequest struct {
	Vector []float32
	// SessionID optionally restricts candidates to one session (external id).
	SessionID string
	// Limit defaults to DefaultSearchLimit when <= 0.
	Limit int
	// MinSimilarity defaults to DefaultMinSimilarity when nil; values are
	// clamped into [0,1].
	MinSimilarity *float64
}

// Search returns closed, embedded monologs ranked by cosine similarity
// descending. An unknown session yields an empty result, not an error.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]core.SearchResult, error) {
	q := core.SearchQuery{
		Vector:        req.Vector,
		Limit:         req.Limit,
		MinSimilarity: DefaultMinSimilarity,
	}
	if q.Limit <= 0 {
		q.Limit = DefaultSearchLimit
	}
	if req.MinSimilarity != nil {
		q.MinSimilarity = *req.MinSimilarity
	}
	if q.MinSimilarity < 0 {
		q.MinSimilarity = 0
	}
	if q.MinSimilarity > 1 {
		q.MinSimilarity = 1
	}
	if req.SessionID != "" {
		ref, ok, err := s.opts.Store.GetSessionRef(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []core.SearchResult{}, nil
		}
		q.SessionRef = &ref
	}
	return s.opts.Store.Search(ctx, q)
}
