// Package ledger is the typed adapter over the proof-of-stake ledger's node
// and indexer HTTP APIs. All unit conversion between base units (decimal,
// six places) and on-ledger minor units happens inside this package; callers
// only ever see base-unit amounts.
package ledger

import "context"

// Holding is a single asset position reported by the indexer.
type Holding struct {
	AssetID uint64 `json:"asset-id"`
	Amount  uint64 `json:"amount"`
	Frozen  bool   `json:"is-frozen"`
}

// PendingTxInfo mirrors the node's pending-transaction endpoint.
type PendingTxInfo struct {
	TxID           string `json:"txid"`
	ConfirmedRound uint64 `json:"confirmed-round"`
	PoolError      string `json:"pool-error"`
	AssetIndex     uint64 `json:"asset-index"`
}

// Account is a freshly derived custodial account. Secret is the raw ed25519
// seed; it must be encrypted before persistence and never logged.
type Account struct {
	Secret   []byte
	Address  string
	Mnemonic string
}

// Ledger is the full adapter surface. Services depend on the narrow subsets
// they need; the concrete Client implements everything.
type Ledger interface {
	DeriveAccount() (Account, error)
	Balance(ctx context.Context, address string) (float64, error)
	SendPayment(ctx context.Context, secret []byte, to string, amount float64, note string) (string, error)
	CreateNFT(ctx context.Context, secret []byte, name, unit string, total uint64, metadataURL string) (uint64, error)
	TransferAsset(ctx context.Context, secret []byte, to string, assetID, qty uint64) (string, error)
	OptInAsset(ctx context.Context, secret []byte, assetID uint64) (string, error)
	AccountAssets(ctx context.Context, address string) ([]Holding, error)
	PendingTxInfo(ctx context.Context, txID string) (*PendingTxInfo, error)
}
