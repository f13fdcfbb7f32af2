package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/trinitas/tmws/pkg/contracts"
)

// HTTPDriver adapts the external embed(text) -> vector<float, D>
// contract from spec.md §1 to contracts.EmbeddingDriver: POST a batch
// of texts to Endpoint, expect {"embeddings": [[...], ...]} back.
type HTTPDriver struct {
	Endpoint string
	Dim      int
	Client   *http.Client
}

// NewHTTPDriver builds an HTTPDriver with a 10s default client timeout,
// a third of the 30s per-request deadline the transports apply.
func NewHTTPDriver(endpoint string, dim int) *HTTPDriver {
	return &HTTPDriver{
		Endpoint: endpoint,
		Dim:      dim,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *HTTPDriver) Kind() string      { return "http" }
func (d *HTTPDriver) Dimensions() int   { return d.Dim }
func (d *HTTPDriver) MaxBatchSize() int { return MaxBatchInputs }

type embedRequestBody struct {
	Texts []string `json:"texts"`
}

type embedResponseBody struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (d *HTTPDriver) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequestBody{Texts: texts})
	if err != nil {
		return nil, contracts.NewEmbedderError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, contracts.NewEmbedderError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, contracts.NewEmbedderError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, contracts.NewEmbedderError(fmt.Errorf("embedder returned status %d", resp.StatusCode))
	}

	var out embedResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, contracts.NewEmbedderError(err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, contracts.NewEmbedderError(fmt.Errorf("embedder returned %d vectors for %d inputs", len(out.Embeddings), len(texts)))
	}
	return out.Embeddings, nil
}

func (d *HTTPDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"healthcheck"})
	return err
}
