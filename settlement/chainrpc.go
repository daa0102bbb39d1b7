package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/decred/slog"
)

// HTTPChain implements ChainClient against the node's JSON HTTP API.
type HTTPChain struct {
	base   string
	client *http.Client
	log    slog.Logger
}

func NewHTTPChain(base string, client *http.Client, log slog.Logger) *HTTPChain {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = slog.Disabled
	}
	return &HTTPChain{base: base, client: client, log: log}
}

type callBody struct {
	Contract string   `json:"contract"`
	Method   string   `json:"method"`
	Args     []string `json:"args"`
}

type submitBody struct {
	callBody
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

type submitResponse struct {
	TxHash string `json:"txHash"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (c *HTTPChain) Simulate(ctx context.Context, call ContractCall) error {
	body := callBody{Contract: call.Contract, Method: call.Method, Args: call.Args}
	return c.post(ctx, "/simulate", body, nil)
}

func (c *HTTPChain) Submit(ctx context.Context, tx SignedTx) (string, error) {
	body := submitBody{
		callBody:  callBody{Contract: tx.Call.Contract, Method: tx.Call.Method, Args: tx.Call.Args},
		Signer:    tx.Signer,
		Signature: tx.Signature,
	}
	var resp submitResponse
	if err := c.post(ctx, "/submit", body, &resp); err != nil {
		return "", err
	}
	if resp.TxHash == "" {
		return "", fmt.Errorf("submit returned no tx hash")
	}
	return resp.TxHash, nil
}

func (c *HTTPChain) Status(ctx context.Context, txHash string) (TxStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/tx/"+url.PathEscape(txHash), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tx status: http %d", resp.StatusCode)
	}
	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode tx status: %w", err)
	}
	switch s := TxStatus(out.Status); s {
	case TxPending, TxConfirmed, TxFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown tx status %q", out.Status)
	}
}

func (c *HTTPChain) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

var _ ChainClient = (*HTTPChain)(nil)
