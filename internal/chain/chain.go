// Package chain handles all blockchain interactions: native-value escrow
// payouts, the ERC-20 service-fee token, and funding verification.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mbd888/steamtrader/internal/apperr"
	"github.com/mbd888/steamtrader/internal/metrics"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAddress    = apperr.New(apperr.ErrInvalidInput, "chain: invalid address")
	ErrInvalidAmount     = apperr.New(apperr.ErrInvalidInput, "chain: invalid amount")
	ErrNoToken           = errors.New("chain: no token contract configured")
	ErrRPCConnection     = apperr.New(apperr.ErrUnavailable, "chain: RPC connection failed")
	ErrPaymentMismatch   = errors.New("chain: transaction does not pay the escrow")
	ErrPaymentPending    = errors.New("chain: transaction not yet mined")
	ErrReverted          = errors.New("chain: transaction reverted")
	ErrUnconfirmed       = apperr.New(apperr.ErrTransferPending, "chain: transaction not confirmed")
)

// TransferError wraps transfer failures with context.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// NativeTransferGas is the intrinsic gas of a plain value transfer.
	NativeTransferGas = uint64(21000)
	// DefaultTokenGasLimit is used when estimation fails.
	DefaultTokenGasLimit = uint64(100000)

	// DefaultConfirmTimeout bounds the wait for a transfer receipt.
	DefaultConfirmTimeout = 2 * time.Minute

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating a client.
type Config struct {
	RPCURL        string
	PrivateKey    string // hex, with or without 0x
	ChainID       int64
	TokenContract string // optional; required for TransferIn/TransferOut
}

// Option configures the client.
type Option func(*Client)

// WithEthClient sets a custom Ethereum client.
func WithEthClient(c EthClient) Option {
	return func(cl *Client) {
		cl.eth = c
	}
}

// WithConfirmation sets how long transfers wait for their receipt and how
// often the receipt is polled. Non-positive values keep the defaults.
func WithConfirmation(timeout, poll time.Duration) Option {
	return func(cl *Client) {
		if timeout > 0 {
			cl.confirmTimeout = timeout
		}
		if poll > 0 {
			cl.pollInterval = poll
		}
	}
}

// Client signs and sends transactions from the escrow hot wallet. Sends are
// serialized so concurrent payouts never reuse a nonce. Transfers return only
// once their receipt is known.
type Client struct {
	eth        EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	signer     types.Signer
	token      common.Address
	tokenABI   abi.ABI
	hasToken   bool

	confirmTimeout time.Duration
	pollInterval   time.Duration

	sendMu sync.Mutex
}

// New creates a client and dials RPCURL unless WithEthClient is given.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	c := &Client{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*pub),
		chainID:    chainID,
		signer:     types.LatestSignerForChainID(chainID),
		tokenABI:   parsedABI,

		confirmTimeout: DefaultConfirmTimeout,
		pollInterval:   ConfirmationPollInterval,
	}
	if cfg.TokenContract != "" {
		c.token = common.HexToAddress(cfg.TokenContract)
		c.hasToken = true
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.eth == nil {
		eth, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.eth = eth
	}
	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.TokenContract != "" && !common.IsHexAddress(cfg.TokenContract) {
		return fmt.Errorf("%w: token contract", ErrInvalidAddress)
	}
	return nil
}

// Address returns the escrow wallet address, lowercased.
func (c *Client) Address() string {
	return strings.ToLower(c.address.Hex())
}

// Transfer sends native value to a recipient and returns the tx hash once the
// transaction is mined. It implements the escrow payout and the fee
// withdrawal transfer. A reverted transaction returns ErrReverted; one still
// unmined at the confirmation deadline returns ErrUnconfirmed with its hash.
func (c *Client) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(to) {
		return "", ErrInvalidAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return "", ErrInvalidAmount
	}
	dest := common.HexToAddress(to)
	hash, err := c.send(ctx, func(nonce uint64, gasPrice *big.Int) (*types.Transaction, error) {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &dest,
			Value:    amount,
			Gas:      NativeTransferGas,
			GasPrice: gasPrice,
		}), nil
	})
	if err == nil {
		err = c.confirm(ctx, hash)
	}
	record("native", err)
	return hash, err
}

// TransferIn pulls service-fee tokens from a party who has approved the
// escrow wallet as spender.
func (c *Client) TransferIn(ctx context.Context, from string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(from) {
		return "", ErrInvalidAddress
	}
	hash, err := c.sendToken(ctx, "transferFrom", common.HexToAddress(from), c.address, amount)
	if err == nil {
		err = c.confirm(ctx, hash)
	}
	record("token", err)
	return hash, err
}

// TransferOut pays service-fee tokens out to a party.
func (c *Client) TransferOut(ctx context.Context, to string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(to) {
		return "", ErrInvalidAddress
	}
	hash, err := c.sendToken(ctx, "transfer", common.HexToAddress(to), amount)
	if err == nil {
		err = c.confirm(ctx, hash)
	}
	record("token", err)
	return hash, err
}

func (c *Client) sendToken(ctx context.Context, method string, args ...any) (string, error) {
	if !c.hasToken {
		return "", ErrNoToken
	}
	data, err := c.tokenABI.Pack(method, args...)
	if err != nil {
		return "", &TransferError{Op: "pack", Err: err}
	}
	return c.send(ctx, func(nonce uint64, gasPrice *big.Int) (*types.Transaction, error) {
		gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
			From: c.address, To: &c.token, Value: big.NewInt(0), Data: data,
		})
		if err != nil {
			gas = DefaultTokenGasLimit
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &c.token,
			Value:    big.NewInt(0),
			Gas:      gas,
			GasPrice: gasPrice,
			Data:     data,
		}), nil
	})
}

// send builds, signs and submits one transaction while holding sendMu.
func (c *Client) send(ctx context.Context, build func(nonce uint64, gasPrice *big.Int) (*types.Transaction, error)) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", &TransferError{Op: "nonce", Err: err}
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransferError{Op: "gas_price", Err: err}
	}
	tx, err := build(nonce, gasPrice)
	if err != nil {
		return "", &TransferError{Op: "build", Err: err}
	}
	signed, err := types.SignTx(tx, c.signer, c.privateKey)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", &TransferError{Op: "send", TxHash: signed.Hash().Hex(), Err: err}
	}
	return strings.ToLower(signed.Hash().Hex()), nil
}

// confirm polls for the receipt of txHash. It is called after sendMu is
// released so a slow block does not hold up other sends.
func (c *Client) confirm(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return &TransferError{Op: "confirm", TxHash: txHash, Err: ErrReverted}
			}
			return nil
		}
		// not yet mined or a transient RPC error; keep polling

		select {
		case <-ctx.Done():
			return &TransferError{Op: "confirm", TxHash: txHash, Err: fmt.Errorf("%w: %v", ErrUnconfirmed, ctx.Err())}
		case <-ticker.C:
		}
	}
}

// VerifyPayment checks that ref is a mined, successful native transfer of
// exactly amount from the buyer to the escrow wallet.
func (c *Client) VerifyPayment(ctx context.Context, ref, from string, amount *big.Int) error {
	hash := common.HexToHash(ref)
	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%w: %s not found", ErrPaymentMismatch, ref)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	if pending {
		return ErrPaymentPending
	}

	sender, err := types.Sender(c.signer, tx)
	if err != nil {
		return fmt.Errorf("%w: unreadable sender: %v", ErrPaymentMismatch, err)
	}
	switch {
	case !strings.EqualFold(sender.Hex(), from):
		return fmt.Errorf("%w: sent by %s", ErrPaymentMismatch, sender.Hex())
	case tx.To() == nil || *tx.To() != c.address:
		return fmt.Errorf("%w: wrong recipient", ErrPaymentMismatch)
	case tx.Value().Cmp(amount) != 0:
		return fmt.Errorf("%w: value %s", ErrPaymentMismatch, tx.Value())
	}

	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: transaction reverted", ErrPaymentMismatch)
	}
	return nil
}

// TokenBalance returns the service-fee token balance of addr.
func (c *Client) TokenBalance(ctx context.Context, addr string) (*big.Int, error) {
	if !c.hasToken {
		return nil, ErrNoToken
	}
	data, err := c.tokenABI.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// Ping checks RPC connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.eth.NetworkID(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return nil
}

// Close closes the RPC connection.
func (c *Client) Close() error {
	if c.eth != nil {
		c.eth.Close()
	}
	return nil
}

func record(asset string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrReverted):
		result = "reverted"
	case errors.Is(err, ErrUnconfirmed):
		result = "pending"
	case err != nil:
		result = "failed"
	}
	metrics.ChainTransfersTotal.WithLabelValues(asset, result).Inc()
}
