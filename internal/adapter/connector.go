package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kfujino/retrieverd/internal/retrieval"
)

// ConnectorAdapter queries a live external search API over HTTP. The
// connector contract is a batched JSON request/response; scores are
// similarities in [0,1] as reported by the remote service.
type ConnectorAdapter struct {
	baseURL       string
	name          string
	requiredScope string
	limit         int
	client        *http.Client
}

// ConnectorConfig holds construction parameters for a live connector.
type ConnectorConfig struct {
	// BaseURL is the connector service base URL (e.g. "http://connector:8085").
	BaseURL string

	// Name is the adapter instance name (default "connector").
	Name string

	// RequiredScope is the read permission callers must hold.
	RequiredScope string

	// Limit bounds how many hits one fetch requests (default 25).
	Limit int

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// connectorRequest is the request body sent to the connector service.
type connectorRequest struct {
	Queries    []string `json:"queries"`
	TenantID   string   `json:"tenant_id"`
	Categories []string `json:"categories,omitempty"`
	Limit      int      `json:"limit"`
}

// connectorHit is one result from the connector service.
type connectorHit struct {
	ID            string            `json:"id"`
	Content       string            `json:"content"`
	Score         float32           `json:"score"`
	RequiredScope string            `json:"required_scope,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// connectorResponse is the response body from the connector service.
type connectorResponse struct {
	Hits []connectorHit `json:"hits"`
}

// NewConnectorAdapter returns a live connector adapter.
func NewConnectorAdapter(cfg ConnectorConfig) (*ConnectorAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("connector adapter requires a base URL")
	}
	name := cfg.Name
	if name == "" {
		name = "connector"
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 25
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &ConnectorAdapter{
		baseURL:       cfg.BaseURL,
		name:          name,
		requiredScope: cfg.RequiredScope,
		limit:         limit,
		client:        client,
	}, nil
}

// Describe implements Adapter.
func (a *ConnectorAdapter) Describe() Descriptor {
	return Descriptor{
		Name:          a.name,
		Source:        retrieval.SourceLiveConnector,
		Semantics:     retrieval.ScoreSimilarity,
		RequiredScope: a.requiredScope,
	}
}

// Fetch posts the search strings to the connector service and converts its
// hits into candidates.
func (a *ConnectorAdapter) Fetch(ctx context.Context, query *retrieval.Query) ([]retrieval.Candidate, error) {
	tenantID := query.Scope.TenantID

	reqBody := connectorRequest{
		Queries:    query.SearchStrings(),
		TenantID:   tenantID.String(),
		Categories: query.Categories,
		Limit:      a.limit,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal connector request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/search", a.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create connector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call connector: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("connector error (status %d): %s", resp.StatusCode, string(body))
	}

	var connResp connectorResponse
	if err := json.NewDecoder(resp.Body).Decode(&connResp); err != nil {
		return nil, fmt.Errorf("failed to decode connector response: %w", err)
	}

	candidates := make([]retrieval.Candidate, 0, len(connResp.Hits))
	for _, hit := range connResp.Hits {
		requiredScope := hit.RequiredScope
		if requiredScope == "" {
			requiredScope = a.requiredScope
		}
		metadata := hit.Metadata
		if metadata == nil {
			metadata = make(map[string]string)
		}

		c := retrieval.Candidate{
			ID:            hit.ID,
			TenantID:      tenantID,
			Source:        retrieval.SourceLiveConnector,
			Adapter:       a.name,
			Score:         hit.Score,
			Content:       hit.Content,
			Metadata:      metadata,
			RequiredScope: requiredScope,
		}
		c.Fingerprint = retrieval.ContentFingerprint(tenantID, hit.Content, metadata)
		candidates = append(candidates, c)
	}

	return candidates, nil
}

// Ensure ConnectorAdapter implements Adapter.
var _ Adapter = (*ConnectorAdapter)(nil)
