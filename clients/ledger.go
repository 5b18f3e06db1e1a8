package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/raid-guild/split-facilitator-go/types"
)

const (
	defaultLookbackBlocks      = 5000
	defaultReceiptPollInterval = 2 * time.Second
	gasBufferPercent           = 120
)

// TransferRef points at a transaction that moved tokens into an account.
type TransferRef struct {
	Signature   string
	BlockNumber uint64
	LogIndex    uint
}

// TokenTransfer is a single token movement emitted by a transaction.
type TokenTransfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// TransferDetail is the decoded detail of a transaction.
type TransferDetail struct {
	Signature   string
	BlockNumber uint64
	// Sender signed the transaction. It differs from the token owner when a
	// fee payer submitted a signed transfer.
	Sender    common.Address
	Failed    bool
	Transfers []TokenTransfer
	Memo      string
}

// Ledger wraps the network calls the facilitator makes against the ledger.
type Ledger struct {
	client       EthClientInterface
	chainID      *big.Int
	signer       ethtypes.Signer
	lookback     uint64
	pollInterval time.Duration
}

// LedgerOption customises the ledger adapter.
type LedgerOption func(*Ledger)

// WithLookback sets how many blocks back transfers are searched for.
func WithLookback(blocks uint64) LedgerOption {
	return func(l *Ledger) { l.lookback = blocks }
}

// WithReceiptPollInterval sets the cadence of confirmation polling.
func WithReceiptPollInterval(d time.Duration) LedgerOption {
	return func(l *Ledger) { l.pollInterval = d }
}

// NewLedger creates a new ledger adapter for the chain.
func NewLedger(client EthClientInterface, chainID *big.Int, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		client:       client,
		chainID:      new(big.Int).Set(chainID),
		signer:       ethtypes.LatestSignerForChainID(chainID),
		lookback:     defaultLookbackBlocks,
		pollInterval: defaultReceiptPollInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.pollInterval <= 0 {
		l.pollInterval = defaultReceiptPollInterval
	}
	return l
}

// ChainID returns the chain ID of the ledger.
func (l *Ledger) ChainID() *big.Int {
	return new(big.Int).Set(l.chainID)
}

// IsNative reports whether the asset id names the native currency.
func IsNative(asset string) bool {
	return asset == "" || strings.EqualFold(asset, types.NativeAsset)
}

// Balance returns the balance of the account in the asset.
func (l *Ledger) Balance(ctx context.Context, asset string, account common.Address) (*big.Int, error) {

	// Native balances come straight from the account state
	if IsNative(asset) {
		balance, err := l.client.BalanceAt(ctx, account, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance: %w", err)
		}
		return balance, nil
	}

	// Pack the balanceOf function call data
	data, err := TokenABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call data: %w", err)
	}

	return l.callUint256(ctx, common.HexToAddress(asset), data)
}

// Allowance returns the token allowance the owner granted to the spender.
func (l *Ledger) Allowance(ctx context.Context, asset string, owner, spender common.Address) (*big.Int, error) {

	// Pack the allowance function call data
	data, err := TokenABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to pack allowance call data: %w", err)
	}

	return l.callUint256(ctx, common.HexToAddress(asset), data)
}

func (l *Ledger) callUint256(ctx context.Context, contract common.Address, data []byte) (*big.Int, error) {

	// Call the contract
	result, err := l.client.CallContract(ctx, ethereum.CallMsg{
		To:   &contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call contract: %w", err)
	}

	// Verify the result is 32 bytes
	if len(result) != 32 {
		return nil, fmt.Errorf("failed to call contract: result is %d bytes, want 32", len(result))
	}

	return new(big.Int).SetBytes(result), nil
}

// SignTx builds an EIP-1559 transaction paid for by key and signs it. It does
// not submit anything to the network.
func (l *Ledger) SignTx(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte) (*ethtypes.Transaction, error) {

	from := crypto.PubkeyToAddress(key.PublicKey)
	if value == nil {
		value = new(big.Int)
	}

	// Get the pending nonce for the sending account
	txNonce, err := l.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending nonce: %w", err)
	}

	// Get the suggested gas tip cap
	gasTipCap, err := l.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}

	// Get the latest block header to get the base fee
	header, err := l.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get block header: %w", err)
	}
	if header.BaseFee == nil {
		return nil, errors.New("block header missing base fee: network may not support EIP-1559")
	}

	// Determine the gas fee cap (2x base fee + gas tip cap)
	gasFeeCap := new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(2)),
		gasTipCap,
	)

	// Estimate the gas limit and add a 20% buffer
	gasLimit, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gasLimit = gasLimit * gasBufferPercent / 100

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     txNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(l.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signedTx, nil
}

// Send broadcasts a signed transaction.
func (l *Ledger) Send(ctx context.Context, tx *ethtypes.Transaction) error {
	if err := l.client.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to send transaction: %w", err)
	}
	return nil
}

// WaitMined polls for the receipt of the transaction until it is available or
// the context ends. Transient lookup errors are retried.
func (l *Ledger) WaitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("failed to wait for receipt: %w (last error: %v)", ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("failed to wait for receipt: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// RecentTransfers lists the transactions that moved the asset into account,
// most recent first. When before is set, listing starts after that signature.
func (l *Ledger) RecentTransfers(ctx context.Context, asset string, account common.Address, before string, limit int) ([]TransferRef, error) {
	if IsNative(asset) {
		return nil, errors.New("native transfers cannot be listed by event logs")
	}

	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	var from uint64
	if head > l.lookback {
		from = head - l.lookback
	}

	logs, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{common.HexToAddress(asset)},
		Topics: [][]common.Hash{
			{TransferEventTopic},
			nil,
			{common.BytesToHash(account.Bytes())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}

	// Order most recent first
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber > logs[j].BlockNumber
		}
		return logs[i].Index > logs[j].Index
	})

	refs := make([]TransferRef, 0, limit)
	seen := make(map[common.Hash]bool)
	skipping := before != ""
	for _, lg := range logs {
		if seen[lg.TxHash] {
			continue
		}
		seen[lg.TxHash] = true

		if skipping {
			if strings.EqualFold(lg.TxHash.Hex(), before) {
				skipping = false
			}
			continue
		}

		refs = append(refs, TransferRef{
			Signature:   lg.TxHash.Hex(),
			BlockNumber: lg.BlockNumber,
			LogIndex:    lg.Index,
		})
		if limit > 0 && len(refs) >= limit {
			break
		}
	}

	return refs, nil
}

// TransferDetail fetches the transaction and decodes the asset transfers it emitted.
func (l *Ledger) TransferDetail(ctx context.Context, signature string, asset string) (*TransferDetail, error) {
	hash := common.HexToHash(signature)

	tx, pending, err := l.client.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if pending {
		return nil, fmt.Errorf("transaction %s is still pending", signature)
	}

	receipt, err := l.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
	}

	sender, err := ethtypes.Sender(l.signer, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover transaction sender: %w", err)
	}

	detail := &TransferDetail{
		Signature: hash.Hex(),
		Sender:    sender,
		Failed:    receipt.Status != ethtypes.ReceiptStatusSuccessful,
		Memo:      ExtractMemo(tx.Data()),
	}
	if receipt.BlockNumber != nil {
		detail.BlockNumber = receipt.BlockNumber.Uint64()
	}

	assetAddress := common.HexToAddress(asset)
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != assetAddress || len(lg.Topics) != 3 || lg.Topics[0] != TransferEventTopic {
			continue
		}
		detail.Transfers = append(detail.Transfers, TokenTransfer{
			From:   common.BytesToAddress(lg.Topics[1].Bytes()),
			To:     common.BytesToAddress(lg.Topics[2].Bytes()),
			Amount: new(big.Int).SetBytes(lg.Data),
		})
	}

	return detail, nil
}

// ExtractMemo returns the UTF-8 text appended after the arguments of an
// ERC-20 transfer call, or an empty string.
func ExtractMemo(data []byte) string {
	const argsEnd = 4 + 32 + 32
	if len(data) <= argsEnd || !bytes.Equal(data[:4], TokenABI.Methods["transfer"].ID) {
		return ""
	}
	memo := bytes.Trim(data[argsEnd:], "\x00")
	if len(memo) == 0 || !utf8.Valid(memo) {
		return ""
	}
	return string(memo)
}

// EncodeTransferWithMemo packs an ERC-20 transfer call with a trailing memo.
func EncodeTransferWithMemo(to common.Address, amount *big.Int, memo string) ([]byte, error) {
	data, err := TokenABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer call data: %w", err)
	}
	return append(data, []byte(memo)...), nil
}
