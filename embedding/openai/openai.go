// Package openai provides a core.EmbeddingProvider backed by the OpenAI
// embeddings API. The default model is text-embedding-3-small producing 1536
// dimension vectors, matching the stored embedding size.
package openai

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/olbrasoft/monolog/core"
)

// Options configure the OpenAI embedding provider.
type Options struct {
	// Model is the embedding model identifier.
	Model string
	// Dimensions requested from the API; 0 keeps the model default.
	Dimensions int64
	// APIKey overrides the OPENAI_API_KEY environment variable.
	APIKey string
	// BaseURL points the client at a compatible alternative endpoint.
	BaseURL string
}

// Provider wraps the OpenAI embeddings endpoint behind the generic
// core.EmbeddingProvider interface.
type Provider struct {
	client *openai.Client
	opts   Options
}

// Compile-time assertion.
var _ core.EmbeddingProvider = (*Provider)(nil)

// New creates a Provider using the official client.
func New(optFns ...func(o *Options)) *Provider {
	opts := defaultOptions(optFns)
	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)
	return &Provider{client: &client, opts: opts}
}

// NewFromClient creates a Provider from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	return &Provider{client: client, opts: defaultOptions(optFns)}
}

func defaultOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:      string(openai.EmbeddingModelTextEmbedding3Small),
		Dimensions: core.EmbeddingDimensions,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Embed returns the vector for a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("text must not be empty")
	}
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input text, in input order.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	params := openai.EmbeddingNewParams{
		Model:          openai.EmbeddingModel(p.opts.Model),
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if p.opts.Dimensions > 0 {
		params.Dimensions = openai.Int(p.opts.Dimensions)
	}
	res, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(res.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(res.Data), len(texts))
	}

	data := make([]openai.Embedding, len(res.Data))
	copy(data, res.Data)
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	vectors := make([][]float32, len(data))
	for i, d := range data {
		v := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			v[j] = float32(f)
		}
		vectors[i] = v
	}
	return vectors, nil
}
