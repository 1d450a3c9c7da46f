package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

// Entry mirrors a committed ledger entry as returned by the server.
type Entry struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	TxID      string          `json:"tx_id"`
	ActorID   string          `json:"actor_id"`
	Action    action.Type     `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Nonce     string          `json:"nonce"`
	Signature string          `json:"signature"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Account mirrors a projected account row.
type Account struct {
	AgentID      string `json:"agent_id"`
	Balance      int64  `json:"balance"`
	State        string `json:"state"`
	LastSequence uint64 `json:"last_sequence"`
}

// Report mirrors an oracle explanation.
type Report struct {
	Query     string  `json:"query"`
	Narrative string  `json:"narrative"`
	Entries   []Entry `json:"entries"`
}

// ChainOverview mirrors GET /ledger.
type ChainOverview struct {
	Entries     int    `json:"entries"`
	TipSequence uint64 `json:"tip_sequence"`
	TipHash     string `json:"tip_hash"`
}

// APIError is a structured rejection from the server. Reason carries the
// stable error class (e.g. "insufficient_balance", "nonce_reused") suitable
// for branching; Message is the human-readable detail.
type APIError struct {
	Status  int    `json:"-"`
	Reason  string `json:"reason"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("steward: %s (%s)", e.Message, e.Reason)
	}
	return fmt.Sprintf("steward: HTTP %d: %s", e.Status, e.Message)
}

// Client talks to a stewardd server.
type Client struct {
	base       string
	httpClient *http.Client

	// operator token state, guarded by mu
	mu    sync.Mutex
	token string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithOperatorToken attaches a pre-obtained operator token to every request.
func WithOperatorToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a Client connected to base, e.g. "http://localhost:8420".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SubmitAction posts a signed action to POST /actions and returns the
// committed entry. Rejections surface as *APIError.
func (c *Client) SubmitAction(ctx context.Context, sa *action.SignedAction) (*Entry, error) {
	var entry Entry
	if err := c.post(ctx, "/api/v1/actions", sa, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Register creates a keypair binding for id's agent by submitting a
// self-signed register action.
func (c *Client) Register(ctx context.Context, id *Identity) (*Entry, error) {
	sa, err := id.SignAction(action.Register, action.RegisterPayload{
		AgentID:   id.AgentID,
		PublicKey: id.PublicKeyHex(),
	})
	if err != nil {
		return nil, err
	}
	return c.SubmitAction(ctx, sa)
}

// Transfer moves amount credits from id's account to the destination agent.
func (c *Client) Transfer(ctx context.Context, id *Identity, to string, amount int64, memo string) (*Entry, error) {
	sa, err := id.SignAction(action.Transfer, action.TransferPayload{To: to, Amount: amount, Memo: memo})
	if err != nil {
		return nil, err
	}
	return c.SubmitAction(ctx, sa)
}

// Lease moves amount credits to the lessee for the given term.
func (c *Client) Lease(ctx context.Context, id *Identity, to string, amount int64, termSeconds int64, purpose string) (*Entry, error) {
	sa, err := id.SignAction(action.Lease, action.LeasePayload{
		To:          to,
		Amount:      amount,
		TermSeconds: termSeconds,
		Purpose:     purpose,
	})
	if err != nil {
		return nil, err
	}
	return c.SubmitAction(ctx, sa)
}

// RotateKey rebinds id's agent to the new public key. The envelope is signed
// with the current (old) key.
func (c *Client) RotateKey(ctx context.Context, id *Identity, newPublicKeyHex string) (*Entry, error) {
	sa, err := id.SignAction(action.RotateKey, action.RotateKeyPayload{NewPublicKey: newPublicKeyHex})
	if err != nil {
		return nil, err
	}
	return c.SubmitAction(ctx, sa)
}

// Account fetches a single projected account.
func (c *Client) Account(ctx context.Context, agentID string) (*Account, error) {
	var acct Account
	if err := c.get(ctx, "/api/v1/accounts/"+agentID, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// Accounts fetches the full projected account table.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var resp struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.get(ctx, "/api/v1/accounts", &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// Overview fetches the chain length and tip.
func (c *Client) Overview(ctx context.Context) (*ChainOverview, error) {
	var ov ChainOverview
	if err := c.get(ctx, "/api/v1/ledger", &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

// VerifyChain asks the server to walk its full hash chain. It returns nil
// when the chain is intact and a descriptive error otherwise.
func (c *Client) VerifyChain(ctx context.Context) error {
	var resp struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.get(ctx, "/api/v1/ledger/verify", &resp); err != nil {
		return err
	}
	if !resp.Valid {
		return fmt.Errorf("steward: chain corrupted: %s", resp.Error)
	}
	return nil
}

// GetEntry fetches a single ledger entry by sequence.
func (c *Client) GetEntry(ctx context.Context, seq uint64) (*Entry, error) {
	var entry Entry
	if err := c.get(ctx, "/api/v1/ledger/entries/"+strconv.FormatUint(seq, 10), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ExplainAgent asks the oracle for an account summary.
func (c *Client) ExplainAgent(ctx context.Context, agentID string) (*Report, error) {
	var report Report
	if err := c.get(ctx, "/api/v1/oracle/agents/"+agentID, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ExplainFreeze asks the oracle why an agent is frozen.
func (c *Client) ExplainFreeze(ctx context.Context, agentID string) (*Report, error) {
	var report Report
	if err := c.get(ctx, "/api/v1/oracle/freezes/"+agentID, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// TraceTransaction asks the oracle to locate and explain a transaction id.
func (c *Client) TraceTransaction(ctx context.Context, txID string) (*Report, error) {
	var report Report
	if err := c.get(ctx, "/api/v1/oracle/transactions/"+txID, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Health fetches the oracle's chain health summary.
func (c *Client) Health(ctx context.Context) (*Report, error) {
	var report Report
	if err := c.get(ctx, "/api/v1/oracle/health", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Ask routes a free-form question through the oracle's classifier.
func (c *Client) Ask(ctx context.Context, question string) (*Report, error) {
	var report Report
	if err := c.post(ctx, "/api/v1/oracle/ask", map[string]string{"question": question}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Authenticate exchanges the operator secret for an operator token and
// caches it for subsequent admin calls.
func (c *Client) Authenticate(ctx context.Context, operator, secret string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "/api/v1/auth/token", map[string]string{
		"operator": operator,
		"secret":   secret,
	}, &resp); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return nil
}

// Unfreeze lifts a freeze on the given agent. Requires a prior Authenticate
// or WithOperatorToken.
func (c *Client) Unfreeze(ctx context.Context, agentID, reason string) (*Entry, error) {
	var entry Entry
	if err := c.post(ctx, "/api/v1/agents/"+agentID+"/unfreeze", map[string]string{"reason": reason}, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Grant moves credits from the treasury to an agent. Operator-gated.
func (c *Client) Grant(ctx context.Context, to string, amount int64, memo string) (*Entry, error) {
	var entry Entry
	if err := c.post(ctx, "/api/v1/treasury/grant", map[string]any{
		"to":     to,
		"amount": amount,
		"memo":   memo,
	}, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

// do executes the request, attaching the operator token if present, and
// decodes either the success body into out or a rejection into *APIError.
func (c *Client) do(req *http.Request, out any) error {
	c.mu.Lock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		return apiErr
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
