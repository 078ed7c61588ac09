package eth

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flare-foundation/flappy-fuse/internal/ledger"
	"github.com/flare-foundation/flappy-fuse/internal/logger"
	"github.com/pkg/errors"
)

var (
	ErrNoSigner      = errors.New("no signing key configured")
	ErrUnknownSigner = errors.New("account is not the configured signer")
	errNotMined      = errors.New("transaction not mined yet")
)

// RPC is the subset of ethclient.Client the Endpoint uses.
type RPC interface {
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

type DialFunc func(ctx context.Context, rawURL string) (RPC, error)

func dialEthclient(ctx context.Context, rawURL string) (RPC, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Endpoint talks to one RPC URL. The connection is opened on first use and
// retried on later calls if dialing fails.
type Endpoint struct {
	rawURL   string
	contract *Contract
	key      *ecdsa.PrivateKey
	signer   types.Signer
	dial     DialFunc

	pollInterval time.Duration

	mu  sync.Mutex
	rpc RPC
}

type Option func(*Endpoint)

// WithKey sets the key transactions are signed with.
func WithKey(key *ecdsa.PrivateKey) Option {
	return func(e *Endpoint) { e.key = key }
}

func WithDialer(dial DialFunc) Option {
	return func(e *Endpoint) { e.dial = dial }
}

// WithPollInterval sets how often a receipt is polled while waiting for
// confirmation.
func WithPollInterval(d time.Duration) Option {
	return func(e *Endpoint) { e.pollInterval = d }
}

func NewEndpoint(rawURL string, contract *Contract, chainID uint64, opts ...Option) *Endpoint {
	e := &Endpoint{
		rawURL:       rawURL,
		contract:     contract,
		signer:       types.NewEIP155Signer(new(big.Int).SetUint64(chainID)),
		dial:         dialEthclient,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ParseKey decodes a hex private key, with or without 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if len(hexKey) >= 2 && (hexKey[:2] == "0x" || hexKey[:2] == "0X") {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}
	return key, nil
}

// Address returns the signer's address, or the zero address without a key.
func (e *Endpoint) Address() common.Address {
	if e.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(e.key.PublicKey)
}

// URL returns the endpoint URL without path, query or credentials, which
// may carry API keys.
func (e *Endpoint) URL() string {
	u, err := url.Parse(e.rawURL)
	if err != nil || u.Host == "" {
		return "endpoint"
	}
	return u.Scheme + "://" + u.Host
}

func (e *Endpoint) client(ctx context.Context) (RPC, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rpc != nil {
		return e.rpc, nil
	}
	rpc, err := e.dial(ctx, e.rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", e.URL())
	}
	e.rpc = rpc
	return rpc, nil
}

func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rpc != nil {
		e.rpc.Close()
		e.rpc = nil
	}
}

func (e *Endpoint) BlockNumber(ctx context.Context) (uint64, error) {
	rpc, err := e.client(ctx)
	if err != nil {
		return 0, err
	}
	return rpc.BlockNumber(ctx)
}

func (e *Endpoint) GasPrice(ctx context.Context) (*big.Int, error) {
	rpc, err := e.client(ctx)
	if err != nil {
		return nil, err
	}
	return rpc.SuggestGasPrice(ctx)
}

// Nonce returns the account nonce at the latest block.
func (e *Endpoint) Nonce(ctx context.Context, account common.Address) (uint64, error) {
	rpc, err := e.client(ctx)
	if err != nil {
		return 0, err
	}
	return rpc.NonceAt(ctx, account, nil)
}

func (e *Endpoint) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	rpc, err := e.client(ctx)
	if err != nil {
		return nil, err
	}
	return rpc.BalanceAt(ctx, account, nil)
}

func (e *Endpoint) EstimateGas(ctx context.Context, from common.Address, call ledger.Call) (uint64, error) {
	rpc, err := e.client(ctx)
	if err != nil {
		return 0, err
	}
	data, err := e.contract.Pack(call)
	if err != nil {
		return 0, err
	}
	to := e.contract.Address()
	return rpc.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
}

func (e *Endpoint) Send(ctx context.Context, from common.Address, call ledger.Call, opts ledger.TxOpts) (common.Hash, error) {
	if e.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	if from != e.Address() {
		return common.Hash{}, errors.Wrapf(ErrUnknownSigner, "%s", from.Hex())
	}

	tx, err := e.sign(call, opts)
	if err != nil {
		return common.Hash{}, err
	}

	rpc, err := e.client(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if err := rpc.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (e *Endpoint) sign(call ledger.Call, opts ledger.TxOpts) (*types.Transaction, error) {
	data, err := e.contract.Pack(call)
	if err != nil {
		return nil, err
	}
	to := e.contract.Address()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    opts.Nonce,
		GasPrice: opts.GasPrice,
		Gas:      opts.GasLimit,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, e.signer, e.key)
	if err != nil {
		return nil, errors.Wrap(err, "signing transaction")
	}
	return signed, nil
}

// WaitConfirmed polls for the receipt of hash until it is mined or ctx is
// done. Lookup errors other than "not found" are retried as well.
func (e *Endpoint) WaitConfirmed(ctx context.Context, hash common.Hash) (*ledger.Receipt, error) {
	rpc, err := e.client(ctx)
	if err != nil {
		return nil, err
	}

	var receipt *types.Receipt
	err = backoff.RetryNotify(
		func() error {
			r, err := rpc.TransactionReceipt(ctx, hash)
			if errors.Is(err, ethereum.NotFound) {
				return errNotMined
			}
			if err != nil {
				return err
			}
			receipt = r
			return nil
		},
		backoff.WithContext(backoff.NewConstantBackOff(e.pollInterval), ctx),
		func(err error, d time.Duration) {
			if !errors.Is(err, errNotMined) {
				logger.Debugf("receipt lookup for %s on %s failed: %v", hash.Hex(), e.URL(), err)
			}
		},
	)
	if err != nil {
		return nil, err
	}

	out := &ledger.Receipt{
		Hash:    hash,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if id, ok := e.contract.GameStartedID(receipt.Logs); ok {
		out.GameID = id
	}
	return out, nil
}

func (e *Endpoint) call(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	rpc, err := e.client(ctx)
	if err != nil {
		return nil, err
	}
	data, err := e.contract.packView(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s", method)
	}
	to := e.contract.Address()
	return rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func (e *Endpoint) CurrentGameID(ctx context.Context) (uint64, error) {
	out, err := e.call(ctx, "currentGameId")
	if err != nil {
		return 0, err
	}
	return e.contract.unpackUint("currentGameId", out)
}

func (e *Endpoint) GameInfo(ctx context.Context, gameID uint64) (*ledger.GameInfo, error) {
	out, err := e.call(ctx, "games", new(big.Int).SetUint64(gameID))
	if err != nil {
		return nil, err
	}
	return e.contract.unpackGame(out)
}

func (e *Endpoint) Leaderboard(ctx context.Context) ([]ledger.LeaderboardEntry, error) {
	out, err := e.call(ctx, "getLeaderboard")
	if err != nil {
		return nil, err
	}
	return e.contract.unpackLeaderboard(out)
}

var _ ledger.Endpoint = (*Endpoint)(nil)
