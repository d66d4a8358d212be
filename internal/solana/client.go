package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is a minimal JSON-RPC client for the payment verification flow.
type Client struct {
	http *resty.Client
}

func NewClient(rpcURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(rpcURL).
			SetTimeout(15 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type getTransactionResponse struct {
	Result *TransactionResult `json:"result"`
	Error  *rpcError          `json:"error"`
}

// GetTransaction fetches a confirmed transaction by signature. A nil result
// with a nil error means the node has not seen the transaction yet.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*TransactionResult, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTransaction",
		Params: []any{signature, map[string]any{
			"commitment":                     "confirmed",
			"encoding":                       "json",
			"maxSupportedTransactionVersion": 0,
		}},
	}

	resp, err := c.http.R().SetContext(ctx).SetBody(req).Post("")
	if err != nil {
		return nil, fmt.Errorf("solana rpc: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("solana rpc: status %d", resp.StatusCode())
	}

	var body getTransactionResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("solana rpc: decode response: %w", err)
	}
	if body.Error != nil {
		return nil, fmt.Errorf("solana rpc: %s (code %d)", body.Error.Message, body.Error.Code)
	}
	return body.Result, nil
}
