package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// APIKeyHeader carries the shared secret for the backend fallback API
	APIKeyHeader = "X-API-Key"
	// SignerHeader names the address a node session sends transactions from
	SignerHeader = "X-Ledger-Signer"
)

// BackendClient calls the backend ledger API over HTTP
type BackendClient struct {
	baseURL string
	apiKey  string
	signer  string
	http    *http.Client
}

// NewBackendClient creates a backend client. A nil httpClient gets a client
// with a 30s timeout.
func NewBackendClient(baseURL, apiKey string, httpClient *http.Client) *BackendClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &BackendClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// WithSigner returns a copy of the client whose calls are sent from addr
func (c *BackendClient) WithSigner(addr string) *BackendClient {
	cp := *c
	cp.signer = addr
	return &cp
}

// Health checks that the API answers
func (c *BackendClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// CreateRequest is the body of POST /prescriptions
type CreateRequest struct {
	Token    string `json:"token"`
	Patient  string `json:"patient"`
	Disease  string `json:"disease"`
	Drug     string `json:"drug"`
	Quantity uint64 `json:"quantity"`
	// Interval is in seconds
	Interval uint64 `json:"interval"`
}

// DispenseRequest is the body of POST /dispense
type DispenseRequest struct {
	Token string `json:"token"`
}

type errorBody struct {
	Error string `json:"error"`
}

// CreatePrescription implements Contract
func (c *BackendClient) CreatePrescription(ctx context.Context, call CreateCall) (*TxResult, error) {
	var res TxResult
	err := c.do(ctx, http.MethodPost, "/prescriptions", CreateRequest{
		Token:    call.Token.String(),
		Patient:  call.Patient,
		Disease:  call.Disease,
		Drug:     call.Drug,
		Quantity: call.Quantity,
		Interval: call.IntervalSeconds,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Dispense implements Contract
func (c *BackendClient) Dispense(ctx context.Context, token Token) (*TxResult, error) {
	var res TxResult
	if err := c.do(ctx, http.MethodPost, "/dispense", DispenseRequest{Token: token.String()}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPrescription implements Contract
func (c *BackendClient) GetPrescription(ctx context.Context, token Token) (*OnChainRecord, error) {
	var rec OnChainRecord
	if err := c.do(ctx, http.MethodGet, "/prescriptions/"+token.String(), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *BackendClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}
	if c.signer != "" {
		req.Header.Set(SignerHeader, c.signer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		msg := eb.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		switch resp.StatusCode {
		case http.StatusConflict, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %s", ErrReverted, msg)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotOnLedger, msg)
		default:
			return fmt.Errorf("backend %s %s: status %d: %s", method, path, resp.StatusCode, msg)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
