package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/steamtrader/internal/apperr"
	"github.com/mbd888/steamtrader/internal/balance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	escrowKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	tokenAddr = "0x00000000000000000000000000000000000000ee"
	recipient = "0x00000000000000000000000000000000000000a1"
	chainID   = 1337
)

type fakeEth struct {
	mu       sync.Mutex
	nonce    uint64
	sent     []*types.Transaction
	txs      map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	pending  map[common.Hash]bool
	sendErr  error
	netErr   error

	// outcome of transactions sent from now on
	revert  bool
	unmined bool
}

func newFakeEth() *fakeEth {
	return &fakeEth{
		txs:      map[common.Hash]*types.Transaction{},
		receipts: map[common.Hash]*types.Receipt{},
		pending:  map[common.Hash]bool{},
	}
}

func (f *fakeEth) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeEth) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (f *fakeEth) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("estimation unavailable")
}

func (f *fakeEth) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	switch {
	case f.unmined:
	case f.revert:
		f.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusFailed}
	default:
		f.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	}
	return nil
}

func (f *fakeEth) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	tx, ok := f.txs[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, f.pending[h], nil
}

func (f *fakeEth) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeEth) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(42).Bytes(), 32), nil
}

func (f *fakeEth) NetworkID(context.Context) (*big.Int, error) {
	return big.NewInt(chainID), f.netErr
}

func (f *fakeEth) Close() {}

func newTestClient(t *testing.T, token string) (*Client, *fakeEth) {
	t.Helper()
	eth := newFakeEth()
	c, err := New(Config{RPCURL: "http://unused", PrivateKey: escrowKey, ChainID: chainID, TokenContract: token},
		WithEthClient(eth), WithConfirmation(100*time.Millisecond, time.Millisecond))
	require.NoError(t, err)
	return c, eth
}

func TestNew_ValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no rpc", Config{PrivateKey: escrowKey, ChainID: 1}},
		{"short key", Config{RPCURL: "x", PrivateKey: "abcd", ChainID: 1}},
		{"no chain id", Config{RPCURL: "x", PrivateKey: escrowKey}},
		{"bad token", Config{RPCURL: "x", PrivateKey: escrowKey, ChainID: 1, TokenContract: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, WithEthClient(newFakeEth()))
			assert.Error(t, err)
		})
	}
}

func TestTransfer_SendsSignedNativeValue(t *testing.T) {
	c, eth := newTestClient(t, "")
	ctx := context.Background()

	hash, err := c.Transfer(ctx, recipient, big.NewInt(95))
	require.NoError(t, err)
	_, err = c.Transfer(ctx, recipient, big.NewInt(5))
	require.NoError(t, err)

	require.Len(t, eth.sent, 2)
	tx := eth.sent[0]
	assert.Equal(t, strings.ToLower(tx.Hash().Hex()), hash)
	assert.Equal(t, common.HexToAddress(recipient), *tx.To())
	assert.Equal(t, "95", tx.Value().String())
	assert.Equal(t, NativeTransferGas, tx.Gas())
	assert.Equal(t, uint64(0), tx.Nonce())
	assert.Equal(t, uint64(1), eth.sent[1].Nonce())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(chainID)), tx)
	require.NoError(t, err)
	assert.Equal(t, c.Address(), strings.ToLower(sender.Hex()))
}

func TestTransfer_Errors(t *testing.T) {
	c, eth := newTestClient(t, "")
	ctx := context.Background()

	_, err := c.Transfer(ctx, "not-an-address", big.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidAddress)

	eth.sendErr = errors.New("insufficient funds for gas")
	_, err = c.Transfer(ctx, recipient, big.NewInt(1))
	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send", te.Op)
	assert.NotEmpty(t, te.TxHash)
}

func TestTransfers_RevertedReceipt(t *testing.T) {
	c, eth := newTestClient(t, tokenAddr)
	ctx := context.Background()
	eth.revert = true

	calls := map[string]func() (string, error){
		"transfer":     func() (string, error) { return c.Transfer(ctx, recipient, big.NewInt(1)) },
		"transfer in":  func() (string, error) { return c.TransferIn(ctx, recipient, big.NewInt(1)) },
		"transfer out": func() (string, error) { return c.TransferOut(ctx, recipient, big.NewInt(1)) },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			hash, err := call()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrReverted)
			assert.NotErrorIs(t, err, apperr.ErrTransferPending)

			var te *TransferError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, "confirm", te.Op)
			assert.Equal(t, hash, te.TxHash)
		})
	}
}

func TestTransfers_UnminedReportsPending(t *testing.T) {
	c, eth := newTestClient(t, tokenAddr)
	ctx := context.Background()
	eth.unmined = true

	hash, err := c.Transfer(ctx, recipient, big.NewInt(1))
	assert.ErrorIs(t, err, ErrUnconfirmed)
	assert.ErrorIs(t, err, apperr.ErrTransferPending)
	assert.NotEmpty(t, hash)

	_, err = c.TransferOut(ctx, recipient, big.NewInt(1))
	assert.ErrorIs(t, err, apperr.ErrTransferPending)
}

func TestTransfers_CancelledWhileWaiting(t *testing.T) {
	c, eth := newTestClient(t, "")
	eth.unmined = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Transfer(ctx, recipient, big.NewInt(1))
	require.Error(t, err)
	// the fake ignores ctx, so the send goes out and only the wait gives up
	assert.ErrorIs(t, err, apperr.ErrTransferPending)
}

func TestLedgerDeposit_RevertedPullCreditsNothing(t *testing.T) {
	c, eth := newTestClient(t, tokenAddr)
	ctx := context.Background()
	ledger := balance.NewLedger(balance.NewMemoryStore(), c, nil)

	eth.revert = true
	_, err := ledger.Deposit(ctx, recipient, "1000")
	assert.ErrorIs(t, err, apperr.ErrTransferFailed)

	bal, err := ledger.GetBalance(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, "0", bal.Available)

	_, err = ledger.Withdraw(ctx, recipient, "1000")
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	eth.revert = false
	_, err = ledger.Deposit(ctx, recipient, "1000")
	require.NoError(t, err)
	eth.revert = true
	_, err = ledger.Withdraw(ctx, recipient, "400")
	assert.ErrorIs(t, err, apperr.ErrTransferFailed)
	bal, err = ledger.GetBalance(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, "1000", bal.Available)
}

func TestTokenTransfers(t *testing.T) {
	c, eth := newTestClient(t, tokenAddr)
	ctx := context.Background()

	_, err := c.TransferIn(ctx, recipient, big.NewInt(10))
	require.NoError(t, err)
	_, err = c.TransferOut(ctx, recipient, big.NewInt(3))
	require.NoError(t, err)

	require.Len(t, eth.sent, 2)
	for _, tx := range eth.sent {
		assert.Equal(t, common.HexToAddress(tokenAddr), *tx.To())
		assert.Zero(t, tx.Value().Sign())
		assert.Equal(t, DefaultTokenGasLimit, tx.Gas())
	}

	in, err := c.tokenABI.Methods["transferFrom"].Inputs.Unpack(eth.sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(recipient), in[0])
	assert.Equal(t, common.HexToAddress(c.Address()), in[1])
	assert.Equal(t, "10", in[2].(*big.Int).String())

	bal, err := c.TokenBalance(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, "42", bal.String())
}

func TestTokenTransfers_NoContract(t *testing.T) {
	c, _ := newTestClient(t, "")
	_, err := c.TransferIn(context.Background(), recipient, big.NewInt(1))
	assert.ErrorIs(t, err, ErrNoToken)
}

func signedPayment(t *testing.T, to common.Address, value int64) (*types.Transaction, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := types.NewTx(&types.LegacyTx{Nonce: 0, To: &to, Value: big.NewInt(value), Gas: 21000, GasPrice: big.NewInt(1)})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), key)
	require.NoError(t, err)
	return signed, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func TestVerifyPayment(t *testing.T) {
	c, eth := newTestClient(t, "")
	ctx := context.Background()
	escrow := common.HexToAddress(c.Address())

	tx, payer := signedPayment(t, escrow, 100)
	eth.txs[tx.Hash()] = tx
	eth.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	ref := tx.Hash().Hex()

	assert.NoError(t, c.VerifyPayment(ctx, ref, strings.ToLower(payer), big.NewInt(100)))
	assert.ErrorIs(t, c.VerifyPayment(ctx, ref, payer, big.NewInt(99)), ErrPaymentMismatch)
	assert.ErrorIs(t, c.VerifyPayment(ctx, ref, recipient, big.NewInt(100)), ErrPaymentMismatch)
	assert.ErrorIs(t, c.VerifyPayment(ctx, "0x01", payer, big.NewInt(100)), ErrPaymentMismatch)

	wrong, other := signedPayment(t, common.HexToAddress(recipient), 100)
	eth.txs[wrong.Hash()] = wrong
	assert.ErrorIs(t, c.VerifyPayment(ctx, wrong.Hash().Hex(), other, big.NewInt(100)), ErrPaymentMismatch)

	eth.pending[tx.Hash()] = true
	assert.ErrorIs(t, c.VerifyPayment(ctx, ref, payer, big.NewInt(100)), ErrPaymentPending)

	eth.pending[tx.Hash()] = false
	eth.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusFailed}
	assert.ErrorIs(t, c.VerifyPayment(ctx, ref, payer, big.NewInt(100)), ErrPaymentMismatch)
}

func TestPing(t *testing.T) {
	c, eth := newTestClient(t, "")
	assert.NoError(t, c.Ping(context.Background()))
	eth.netErr = errors.New("dial tcp: refused")
	assert.ErrorIs(t, c.Ping(context.Background()), ErrRPCConnection)
}

func TestDryRun(t *testing.T) {
	d := NewDryRun(nil)
	ref, err := d.Transfer(context.Background(), recipient, big.NewInt(1))
	require.NoError(t, err)
	assert.Len(t, ref, 66)
}
