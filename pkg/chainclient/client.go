/**
 * @description
 * This package provides chain observers for the settlement-service. Client talks to
 * EVM-compatible nodes over JSON-RPC; Simulated produces a deterministic progression
 * for local development.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package chainclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/transfa/settlement-service/internal/domain"
)

var ErrNoEndpoint = errors.New("no rpc endpoint configured for chain")

// Client observes transactions through per-chain JSON-RPC endpoints.
type Client struct {
	Endpoints  map[domain.Chain]string
	HTTPClient *http.Client

	nextID atomic.Uint64
}

// NewClient creates a new JSON-RPC chain client.
func NewClient(endpoints map[domain.Chain]string) *Client {
	copied := make(map[domain.Chain]string, len(endpoints))
	for chain, url := range endpoints {
		copied[chain] = strings.TrimSpace(url)
	}
	return &Client{
		Endpoints: copied,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// receipt holds the fields of eth_getTransactionReceipt the observer needs.
type receipt struct {
	BlockNumber string `json:"blockNumber"`
	Status      string `json:"status"`
}

// Observe reports inclusion, depth and outcome of hash on chain.
func (c *Client) Observe(ctx context.Context, hash string, chain domain.Chain) (domain.Observation, error) {
	endpoint := c.Endpoints[chain]
	if endpoint == "" {
		return domain.Observation{}, fmt.Errorf("%w: %s", ErrNoEndpoint, chain)
	}

	var rcpt *receipt
	if err := c.call(ctx, endpoint, "eth_getTransactionReceipt", []interface{}{hash}, &rcpt); err != nil {
		return domain.Observation{}, err
	}
	// A null receipt means the transaction is unknown or still in the mempool.
	if rcpt == nil || rcpt.BlockNumber == "" {
		return domain.Observation{}, nil
	}

	block, err := parseHexUint(rcpt.BlockNumber)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("parse receipt block number: %w", err)
	}
	obs := domain.Observation{Included: true, BlockNumber: &block}
	if rcpt.Status == "0x0" {
		obs.Reverted = true
		return obs, nil
	}

	var headRaw string
	if err := c.call(ctx, endpoint, "eth_blockNumber", []interface{}{}, &headRaw); err != nil {
		return domain.Observation{}, err
	}
	head, err := parseHexUint(headRaw)
	if err != nil {
		return domain.Observation{}, fmt.Errorf("parse head block number: %w", err)
	}
	obs.Confirmations = confirmationsAt(block, head)
	return obs, nil
}

// confirmationsAt counts the including block itself as the first confirmation.
// A lagging head behind the receipt's block yields zero.
func confirmationsAt(block, head uint64) int {
	if head < block {
		return 0
	}
	return int(head-block) + 1
}

func (c *Client) call(ctx context.Context, endpoint, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", method, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=chain_client op=%s status=%d msg=\"non-2xx response\"", method, resp.StatusCode)
		return fmt.Errorf("%s failed with status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(bodyBytes, &rpcResp); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func parseHexUint(raw string) (uint64, error) {
	value := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if value == "" {
		return 0, fmt.Errorf("empty hex quantity %q", raw)
	}
	return strconv.ParseUint(value, 16, 64)
}
