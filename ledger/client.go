package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatpay/errs"
	"chatpay/retry"
)

// DefaultWaitRounds bounds how many rounds a mutating call waits for
// confirmation before reporting a transient failure.
const DefaultWaitRounds = 4

// Breaker defaults. The threshold sits well above the pool's rotation
// streak, so every backup endpoint gets its turn before the circuit opens.
const (
	breakerFailureThreshold = 8
	breakerRecoveryTimeout  = 30 * time.Second
)

// Client speaks to the node and indexer HTTP APIs with endpoint failover.
// Every mutating call signs, submits, and waits for confirmation before
// returning.
type Client struct {
	nodes      *endpointPool
	indexers   *endpointPool
	http       *http.Client
	breaker    *retry.Breaker
	waitRounds uint64
	roundWait  time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithWaitRounds overrides the confirmation round budget.
func WithWaitRounds(rounds uint64) Option {
	return func(c *Client) {
		if rounds > 0 {
			c.waitRounds = rounds
		}
	}
}

// WithRoundWait overrides the poll interval between confirmation checks.
// Primarily for tests.
func WithRoundWait(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.roundWait = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// NewClient builds a ledger client over a primary node/indexer pair with
// optional backups for failover.
func NewClient(node Endpoint, indexer Endpoint, opts ...Option) *Client {
	c := &Client{
		nodes:      newEndpointPool(node),
		indexers:   newEndpointPool(indexer),
		http:       &http.Client{Timeout: 10 * time.Second},
		breaker:    retry.NewBreaker(breakerFailureThreshold, breakerRecoveryTimeout),
		waitRounds: DefaultWaitRounds,
		roundWait:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddNodeBackup appends a failover node endpoint.
func (c *Client) AddNodeBackup(ep Endpoint) {
	c.nodes.endpoints = append(c.nodes.endpoints, ep)
}

// DeriveAccount generates a fresh custodial account. Purely local; no RPC.
func (c *Client) DeriveAccount() (Account, error) {
	return DeriveAccount()
}

type accountResponse struct {
	Address string    `json:"address"`
	Amount  uint64    `json:"amount"`
	Assets  []Holding `json:"assets"`
}

// Balance returns the spendable balance for address in base units.
func (c *Client) Balance(ctx context.Context, address string) (float64, error) {
	var resp accountResponse
	if err := c.get(ctx, c.nodes, "/v2/accounts/"+address, &resp); err != nil {
		return 0, err
	}
	return FromMinor(resp.Amount), nil
}

// AccountAssets lists asset holdings for address via the indexer.
func (c *Client) AccountAssets(ctx context.Context, address string) ([]Holding, error) {
	var resp accountResponse
	if err := c.get(ctx, c.indexers, "/v2/accounts/"+address, &resp); err != nil {
		return nil, err
	}
	return resp.Assets, nil
}

// PendingTxInfo fetches the pool status of a submitted transaction.
func (c *Client) PendingTxInfo(ctx context.Context, txID string) (*PendingTxInfo, error) {
	var resp PendingTxInfo
	if err := c.get(ctx, c.nodes, "/v2/transactions/pending/"+txID, &resp); err != nil {
		return nil, err
	}
	if resp.TxID == "" {
		resp.TxID = txID
	}
	return &resp, nil
}

// rawTx is the canonical transaction envelope submitted to the node. The
// signature covers the JSON encoding of the inner transaction.
type rawTx struct {
	Type        string `json:"type"`
	Sender      string `json:"snd"`
	Receiver    string `json:"rcv,omitempty"`
	Amount      uint64 `json:"amt,omitempty"`
	Note        string `json:"note,omitempty"`
	AssetID     uint64 `json:"xaid,omitempty"`
	AssetAmount uint64 `json:"aamt,omitempty"`
	AssetName   string `json:"apar_an,omitempty"`
	UnitName    string `json:"apar_un,omitempty"`
	AssetTotal  uint64 `json:"apar_t,omitempty"`
	MetadataURL string `json:"apar_au,omitempty"`
	Fee         uint64 `json:"fee"`
	FirstValid  uint64 `json:"fv,omitempty"`
}

type submitResponse struct {
	TxID string `json:"txId"`
}

// SendPayment transfers amount (base units) from the secret's account to the
// receiver and waits for confirmation.
func (c *Client) SendPayment(ctx context.Context, secret []byte, to string, amount float64, note string) (string, error) {
	minor, err := ToMinor(amount)
	if err != nil {
		return "", err
	}
	sender, err := AddressFromSecret(secret)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "ledger: sender address", err)
	}
	tx := rawTx{Type: "pay", Sender: sender, Receiver: to, Amount: minor, Note: note, Fee: feeMinor()}
	return c.submitAndWait(ctx, secret, tx)
}

// CreateNFT issues a standard asset and returns the new asset id. Ticket NFTs
// use total=1, decimals=0.
func (c *Client) CreateNFT(ctx context.Context, secret []byte, name, unit string, total uint64, metadataURL string) (uint64, error) {
	sender, err := AddressFromSecret(secret)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "ledger: sender address", err)
	}
	tx := rawTx{Type: "acfg", Sender: sender, AssetName: name, UnitName: unit, AssetTotal: total, MetadataURL: metadataURL, Fee: feeMinor()}
	txID, err := c.submitAndWait(ctx, secret, tx)
	if err != nil {
		return 0, err
	}
	info, err := c.PendingTxInfo(ctx, txID)
	if err != nil {
		return 0, err
	}
	if info.AssetIndex == 0 {
		return 0, errs.Newf(errs.KindLedgerFailure, "ledger: asset creation %s yielded no asset index", txID)
	}
	return info.AssetIndex, nil
}

// TransferAsset moves qty units of assetID to the receiver.
func (c *Client) TransferAsset(ctx context.Context, secret []byte, to string, assetID, qty uint64) (string, error) {
	sender, err := AddressFromSecret(secret)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "ledger: sender address", err)
	}
	tx := rawTx{Type: "axfer", Sender: sender, Receiver: to, AssetID: assetID, AssetAmount: qty, Fee: feeMinor()}
	return c.submitAndWait(ctx, secret, tx)
}

// OptInAsset registers the secret's account to hold assetID (a zero-amount
// self transfer).
func (c *Client) OptInAsset(ctx context.Context, secret []byte, assetID uint64) (string, error) {
	sender, err := AddressFromSecret(secret)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "ledger: sender address", err)
	}
	tx := rawTx{Type: "axfer", Sender: sender, Receiver: sender, AssetID: assetID, Fee: feeMinor()}
	return c.submitAndWait(ctx, secret, tx)
}

func feeMinor() uint64 {
	minor, _ := ToMinor(Fee)
	return minor
}

type signedTx struct {
	Txn rawTx  `json:"txn"`
	Sig string `json:"sig"`
}

func (c *Client) submitAndWait(ctx context.Context, secret []byte, tx rawTx) (string, error) {
	if len(secret) != ed25519.SeedSize {
		return "", errs.New(errs.KindInternal, "ledger: invalid secret length")
	}
	priv := ed25519.NewKeyFromSeed(secret)
	canonical, err := json.Marshal(tx)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "ledger: encode tx", err)
	}
	envelope := signedTx{Txn: tx, Sig: fmt.Sprintf("%x", ed25519.Sign(priv, canonical))}
	var resp submitResponse
	if err := c.post(ctx, c.nodes, "/v2/transactions", envelope, &resp); err != nil {
		return "", err
	}
	if resp.TxID == "" {
		return "", errs.New(errs.KindLedgerFailure, "ledger: node returned no transaction id")
	}
	if err := c.waitForConfirmation(ctx, resp.TxID); err != nil {
		return "", err
	}
	return resp.TxID, nil
}

// waitForConfirmation polls the pending pool until the transaction confirms,
// is rejected, or the round budget is exhausted.
func (c *Client) waitForConfirmation(ctx context.Context, txID string) error {
	for round := uint64(0); round < c.waitRounds; round++ {
		info, err := c.PendingTxInfo(ctx, txID)
		if err != nil {
			return err
		}
		if info.PoolError != "" {
			if strings.Contains(strings.ToLower(info.PoolError), "overspend") {
				return errs.Newf(errs.KindInsufficientBalance, "ledger: %s", info.PoolError)
			}
			return errs.Newf(errs.KindLedgerFailure, "ledger: transaction %s rejected: %s", txID, info.PoolError)
		}
		if info.ConfirmedRound > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindLedgerTransient, "ledger: confirmation wait cancelled", ctx.Err())
		case <-time.After(c.roundWait):
		}
	}
	return errs.Newf(errs.KindLedgerTransient, "ledger: transaction %s unconfirmed after %d rounds", txID, c.waitRounds)
}

func (c *Client) get(ctx context.Context, pool *endpointPool, path string, out any) error {
	return c.do(ctx, pool, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, pool *endpointPool, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "ledger: encode request", err)
	}
	return c.do(ctx, pool, http.MethodPost, path, buf, out)
}

// do routes the call through the circuit breaker. Only transient endpoint
// errors count against it, so a run of ledger rejections cannot open the
// circuit.
func (c *Client) do(ctx context.Context, pool *endpointPool, method, path string, body []byte, out any) error {
	var opErr error
	err := c.breaker.Execute(func() error {
		opErr = c.dispatch(ctx, pool, method, path, body, out)
		if errs.KindOf(opErr) == errs.KindLedgerTransient {
			return opErr
		}
		return nil
	})
	if opErr == nil && err != nil {
		return err
	}
	return opErr
}

func (c *Client) dispatch(ctx context.Context, pool *endpointPool, method, path string, body []byte, out any) error {
	ep := pool.Current()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(ep.URL, "/")+path, reader)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "ledger: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(ep.AuthToken) != "" {
		req.Header.Set("X-API-Token", ep.AuthToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		pool.RecordFailure()
		return errs.Wrap(errs.KindLedgerTransient, "ledger: endpoint unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		pool.RecordFailure()
		payload, _ := io.ReadAll(resp.Body)
		return errs.Newf(errs.KindLedgerTransient, "ledger: %s %s status=%d body=%s", method, path, resp.StatusCode, payload)
	}
	pool.RecordSuccess()
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		lowered := strings.ToLower(string(payload))
		if strings.Contains(lowered, "overspend") || strings.Contains(lowered, "insufficient") {
			return errs.Newf(errs.KindInsufficientBalance, "ledger: %s", payload)
		}
		return errs.Newf(errs.KindLedgerFailure, "ledger: %s %s status=%d body=%s", method, path, resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.KindLedgerTransient, "ledger: decode response", err)
	}
	return nil
}
