package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/httpclient"
)

// HTTPGraphClient talks to a remote graph service when the service runs in
// API graph mode. The caller's identity is re-signed into a short bearer
// token so the remote side applies the same tenant scoping.
type HTTPGraphClient struct {
	base   string
	client *httpclient.Client
	tokens *auth.TokenService
}

func NewHTTPGraphClient(base string, tokens *auth.TokenService, client *httpclient.Client) *HTTPGraphClient {
	if client == nil {
		client = httpclient.New()
	}
	return &HTTPGraphClient{base: base, client: client, tokens: tokens}
}

type graphRetrieveRequest struct {
	GraphName string `json:"graph_name"`
	Query     string `json:"query"`
}

type graphRetrieveResponse struct {
	Answer string `json:"answer"`
}

func (c *HTTPGraphClient) Retrieve(ctx context.Context, ac *auth.AuthContext, graphName, query string) (string, error) {
	token, err := c.tokens.Sign(ac)
	if err != nil {
		return "", fmt.Errorf("sign graph token: %w", err)
	}

	body, err := json.Marshal(graphRetrieveRequest{GraphName: graphName, Query: query})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/graph/retrieve", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("graph api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("graph api returned %d: %s", resp.StatusCode, snippet)
	}

	var out graphRetrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode graph api response: %w", err)
	}
	return out.Answer, nil
}

var _ GraphClient = (*HTTPGraphClient)(nil)
