package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/kfujino/retrieverd/internal/retrieval"
)

// DefaultPairContentLimit bounds how much candidate content is sent per
// scoring pair, to keep request sizes predictable.
const DefaultPairContentLimit = 1000

// CrossEncoder scores (query, content) pairs against an external scoring
// service that jointly encodes both texts. The whole batch goes out in one
// request; the service may score only part of it, and unscored pairs fall
// back to their fused score instead of failing the call.
type CrossEncoder struct {
	baseURL      string
	model        string
	contentLimit int
	client       *http.Client
}

// CrossEncoderOption is a functional option for configuring CrossEncoder.
type CrossEncoderOption func(*CrossEncoder)

// WithModel sets the scoring model requested from the service.
func WithModel(model string) CrossEncoderOption {
	return func(c *CrossEncoder) {
		c.model = model
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) CrossEncoderOption {
	return func(c *CrossEncoder) {
		c.client = client
	}
}

// NewCrossEncoder returns a cross-encoder client for the given service URL.
func NewCrossEncoder(baseURL string, opts ...CrossEncoderOption) *CrossEncoder {
	c := &CrossEncoder{
		baseURL:      baseURL,
		contentLimit: DefaultPairContentLimit,
		client:       http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// scorePair is one (query, content) pair sent to the scoring service.
type scorePair struct {
	Index   int    `json:"index"`
	Query   string `json:"query"`
	Content string `json:"content"`
}

// scoreRequest is the batched request body.
type scoreRequest struct {
	Model string      `json:"model,omitempty"`
	Pairs []scorePair `json:"pairs"`
}

// pairScore is one relevance score in the response. Pairs the service
// could not score are simply absent.
type pairScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// scoreResponse is the response body from the scoring service.
type scoreResponse struct {
	Scores []pairScore `json:"scores"`
}

// Rerank sends the batch to the scoring service and reorders candidates by
// the returned relevance, descending. Scores are clamped to [0,1]; pairs
// missing from the response keep their fused score. A transport or decode
// error is returned to the caller, which falls back to the fused order.
func (c *CrossEncoder) Rerank(ctx context.Context, query *retrieval.Query, candidates []retrieval.FusedCandidate) ([]retrieval.RerankedCandidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	pairs := make([]scorePair, len(candidates))
	for i, fc := range candidates {
		content := fc.Content
		if len(content) > c.contentLimit {
			// Cut on rune boundaries so a multibyte character is never split.
			if runes := []rune(content); len(runes) > c.contentLimit {
				content = string(runes[:c.contentLimit])
			}
		}
		pairs[i] = scorePair{Index: i, Query: query.Text, Content: content}
	}

	jsonBody, err := json.Marshal(scoreRequest{Model: c.model, Pairs: pairs})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/rerank", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call scoring service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("scoring service error (status %d): %s", resp.StatusCode, string(body))
	}

	var scoreResp scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&scoreResp); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	// Fused scores are the default; scored pairs overwrite them.
	scores := make([]float64, len(candidates))
	for i, fc := range candidates {
		scores[i] = fc.FusedScore
	}
	for _, s := range scoreResp.Scores {
		if s.Index < 0 || s.Index >= len(candidates) {
			continue
		}
		score := s.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		scores[s.Index] = score
	}

	out := make([]retrieval.RerankedCandidate, len(candidates))
	for i, fc := range candidates {
		out[i] = retrieval.RerankedCandidate{
			FusedCandidate: fc,
			RelevanceScore: scores[i],
			Reranked:       true,
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RelevanceScore > out[j].RelevanceScore
	})

	return out, nil
}

// Ensure CrossEncoder implements Reranker.
var _ Reranker = (*CrossEncoder)(nil)
