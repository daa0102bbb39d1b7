package proof

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPEngine talks to the external circuit prover over its JSON API. Proof
// generation is slow; the client timeout must cover a full proving run.
type HTTPEngine struct {
	base   string
	client *http.Client
}

func NewHTTPEngine(base string, client *http.Client) *HTTPEngine {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPEngine{base: base, client: client}
}

type engineGenerateRequest struct {
	Circuit      string         `json:"circuit"`
	Witness      map[string]any `json:"witness"`
	PublicInputs []string       `json:"publicInputs"`
}

type engineGenerateResponse struct {
	Proof []byte `json:"proof"`
}

type engineVerifyRequest struct {
	Circuit      string   `json:"circuit"`
	Proof        []byte   `json:"proof"`
	PublicInputs []string `json:"publicInputs"`
}

type engineVerifyResponse struct {
	Valid bool `json:"valid"`
}

func (e *HTTPEngine) GenerateProof(ctx context.Context, circuit string, witness map[string]any, publicInputs []string) ([]byte, error) {
	var resp engineGenerateResponse
	err := e.post(ctx, "/generate", engineGenerateRequest{
		Circuit: circuit, Witness: witness, PublicInputs: publicInputs,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Proof) == 0 {
		return nil, fmt.Errorf("prover returned empty proof for %s", circuit)
	}
	return resp.Proof, nil
}

func (e *HTTPEngine) VerifyProof(ctx context.Context, circuit string, proofData []byte, publicInputs []string) (bool, error) {
	var resp engineVerifyResponse
	err := e.post(ctx, "/verify", engineVerifyRequest{
		Circuit: circuit, Proof: proofData, PublicInputs: publicInputs,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (e *HTTPEngine) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("prover %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prover %s: http %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("prover %s: decode: %w", path, err)
	}
	return nil
}

var _ Engine = (*HTTPEngine)(nil)
