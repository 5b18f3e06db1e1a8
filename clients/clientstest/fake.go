// Package clientstest provides an in-memory ledger for tests.
package clientstest

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/raid-guild/split-facilitator-go/clients"
)

// FakeClient is an in-memory chain that understands the token and disperse
// calls the facilitator makes. Function fields override default behavior.
type FakeClient struct {
	SendTransactionFn    func(ctx context.Context, tx *types.Transaction) error
	TransactionReceiptFn func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumberFn        func(ctx context.Context) (uint64, error)
	FilterLogsFn         func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	// Revert makes every submitted transaction fail on-chain.
	Revert bool

	mu         sync.Mutex
	chainID    *big.Int
	signer     types.Signer
	head       uint64
	native     map[common.Address]*big.Int
	tokens     map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[[2]common.Address]*big.Int
	nonces     map[common.Address]uint64
	txs        map[common.Hash]*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	logs       []types.Log
	sent       []*types.Transaction
}

// NewFakeClient creates an empty chain.
func NewFakeClient(chainID int64) *FakeClient {
	id := big.NewInt(chainID)
	return &FakeClient{
		chainID:    id,
		signer:     types.LatestSignerForChainID(id),
		head:       100,
		native:     make(map[common.Address]*big.Int),
		tokens:     make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[[2]common.Address]*big.Int),
		nonces:     make(map[common.Address]uint64),
		txs:        make(map[common.Hash]*types.Transaction),
		receipts:   make(map[common.Hash]*types.Receipt),
	}
}

// SetNativeBalance sets the native balance of an account.
func (f *FakeClient) SetNativeBalance(account common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.native[account] = new(big.Int).Set(amount)
}

// SetTokenBalance sets the token balance of an account.
func (f *FakeClient) SetTokenBalance(asset, account common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenBook(asset)[account] = new(big.Int).Set(amount)
}

// SetAllowance sets the token allowance owner granted spender.
func (f *FakeClient) SetAllowance(asset, owner, spender common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	book, ok := f.allowances[asset]
	if !ok {
		book = make(map[[2]common.Address]*big.Int)
		f.allowances[asset] = book
	}
	book[[2]common.Address{owner, spender}] = new(big.Int).Set(amount)
}

// TokenBalance returns the token balance of an account.
func (f *FakeClient) TokenBalance(asset, account common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balanceOf(asset, account))
}

// NativeBalance returns the native balance of an account.
func (f *FakeClient) NativeBalance(account common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.native[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Sent returns the transactions submitted through SendTransaction.
func (f *FakeClient) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Transaction, len(f.sent))
	copy(out, f.sent)
	return out
}

// AddIncomingTransfer mines a token transfer from the key holder to the
// account, with memo appended to the calldata, and returns its hash.
func (f *FakeClient) AddIncomingTransfer(asset common.Address, from *ecdsa.PrivateKey, to common.Address, amount *big.Int, memo string, failed bool) string {
	data, err := clients.EncodeTransferWithMemo(to, amount, memo)
	if err != nil {
		panic(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	sender := crypto.PubkeyToAddress(from.PublicKey)
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   f.chainID,
		Nonce:     f.nonces[sender],
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       60000,
		To:        &asset,
		Data:      data,
	}), f.signer, from)
	if err != nil {
		panic(err)
	}
	f.nonces[sender]++

	var moves []move
	if !failed {
		moves = []move{{asset: asset, from: sender, to: to, amount: amount}}
		book := f.tokenBook(asset)
		book[to] = new(big.Int).Add(f.balanceOf(asset, to), amount)
	}
	f.mine(tx, !failed, moves)
	return tx.Hash().Hex()
}

type move struct {
	asset  common.Address
	from   common.Address
	to     common.Address
	amount *big.Int
}

func (f *FakeClient) tokenBook(asset common.Address) map[common.Address]*big.Int {
	book, ok := f.tokens[asset]
	if !ok {
		book = make(map[common.Address]*big.Int)
		f.tokens[asset] = book
	}
	return book
}

func (f *FakeClient) balanceOf(asset, account common.Address) *big.Int {
	if b, ok := f.tokenBook(asset)[account]; ok {
		return b
	}
	return new(big.Int)
}

func (f *FakeClient) allowanceOf(asset, owner, spender common.Address) *big.Int {
	if book, ok := f.allowances[asset]; ok {
		if a, ok := book[[2]common.Address{owner, spender}]; ok {
			return a
		}
	}
	return new(big.Int)
}

// mine appends tx to a new block and emits Transfer logs for moves.
func (f *FakeClient) mine(tx *types.Transaction, success bool, moves []move) {
	f.head++
	receipt := &types.Receipt{
		Type:        tx.Type(),
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(f.head),
		Status:      types.ReceiptStatusFailed,
	}
	if success {
		receipt.Status = types.ReceiptStatusSuccessful
		for i, m := range moves {
			lg := &types.Log{
				Address: m.asset,
				Topics: []common.Hash{
					clients.TransferEventTopic,
					common.BytesToHash(m.from.Bytes()),
					common.BytesToHash(m.to.Bytes()),
				},
				Data:        common.LeftPadBytes(m.amount.Bytes(), 32),
				BlockNumber: f.head,
				TxHash:      tx.Hash(),
				Index:       uint(i),
			}
			receipt.Logs = append(receipt.Logs, lg)
			f.logs = append(f.logs, *lg)
		}
	}
	f.txs[tx.Hash()] = tx
	f.receipts[tx.Hash()] = receipt
}

// ChainID implements clients.EthClientInterface.
func (f *FakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

// BlockNumber implements clients.EthClientInterface.
func (f *FakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	if f.BlockNumberFn != nil {
		return f.BlockNumberFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

// BalanceAt implements clients.EthClientInterface.
func (f *FakeClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.NativeBalance(account), nil
}

// CallContract implements clients.EthClientInterface for balanceOf and allowance.
func (f *FakeClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("fake: invalid call")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	selector := msg.Data[:4]
	switch {
	case bytes.Equal(selector, clients.TokenABI.Methods["balanceOf"].ID):
		args, err := clients.TokenABI.Methods["balanceOf"].Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		return common.LeftPadBytes(f.balanceOf(*msg.To, args[0].(common.Address)).Bytes(), 32), nil
	case bytes.Equal(selector, clients.TokenABI.Methods["allowance"].ID):
		args, err := clients.TokenABI.Methods["allowance"].Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		owner := args[0].(common.Address)
		spender := args[1].(common.Address)
		return common.LeftPadBytes(f.allowanceOf(*msg.To, owner, spender).Bytes(), 32), nil
	}
	return nil, errors.New("fake: unsupported call")
}

// PendingNonceAt implements clients.EthClientInterface.
func (f *FakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

// SuggestGasTipCap implements clients.EthClientInterface.
func (f *FakeClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1000), nil
}

// HeaderByNumber implements clients.EthClientInterface.
func (f *FakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{
		Number:  new(big.Int).SetUint64(f.head),
		BaseFee: big.NewInt(1000),
	}, nil
}

// EstimateGas implements clients.EthClientInterface.
func (f *FakeClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}

// SendTransaction implements clients.EthClientInterface. Token, EIP-3009 and
// disperse calls are applied atomically; a failing call reverts all moves.
func (f *FakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.SendTransactionFn != nil {
		if err := f.SendTransactionFn(ctx, tx); err != nil {
			return err
		}
	}

	sender, err := types.Sender(f.signer, tx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, tx)
	f.nonces[sender]++

	moves, ok := f.apply(sender, tx)
	if f.Revert {
		ok = false
	}
	if ok {
		f.commit(moves)
	}
	f.mine(tx, ok, moves)
	return nil
}

func (f *FakeClient) apply(sender common.Address, tx *types.Transaction) ([]move, bool) {
	data := tx.Data()
	if tx.To() == nil || len(data) < 4 {
		return nil, false
	}
	target := *tx.To()
	selector := data[:4]

	switch {
	case bytes.Equal(selector, clients.TokenABI.Methods["transferWithAuthorization"].ID):
		args, err := clients.TokenABI.Methods["transferWithAuthorization"].Inputs.Unpack(data[4:])
		if err != nil {
			return nil, false
		}
		m := move{asset: target, from: args[0].(common.Address), to: args[1].(common.Address), amount: args[2].(*big.Int)}
		if f.balanceOf(target, m.from).Cmp(m.amount) < 0 {
			return nil, false
		}
		return []move{m}, true

	case bytes.Equal(selector, clients.DisperseABI.Methods["disperseToken"].ID):
		args, err := clients.DisperseABI.Methods["disperseToken"].Inputs.Unpack(data[4:])
		if err != nil {
			return nil, false
		}
		token := args[0].(common.Address)
		recipients := args[1].([]common.Address)
		values := args[2].([]*big.Int)
		if len(recipients) != len(values) {
			return nil, false
		}
		total := new(big.Int)
		moves := make([]move, 0, len(recipients))
		for i := range recipients {
			total.Add(total, values[i])
			moves = append(moves, move{asset: token, from: sender, to: recipients[i], amount: values[i]})
		}
		if f.balanceOf(token, sender).Cmp(total) < 0 || f.allowanceOf(token, sender, target).Cmp(total) < 0 {
			return nil, false
		}
		f.allowances[token][[2]common.Address{sender, target}] = new(big.Int).Sub(f.allowanceOf(token, sender, target), total)
		return moves, true

	case bytes.Equal(selector, clients.DisperseABI.Methods["disperseEther"].ID):
		args, err := clients.DisperseABI.Methods["disperseEther"].Inputs.Unpack(data[4:])
		if err != nil {
			return nil, false
		}
		recipients := args[0].([]common.Address)
		values := args[1].([]*big.Int)
		total := new(big.Int)
		for _, v := range values {
			total.Add(total, v)
		}
		balance, ok := f.native[sender]
		if !ok || balance.Cmp(total) < 0 || tx.Value().Cmp(total) != 0 {
			return nil, false
		}
		f.native[sender] = new(big.Int).Sub(balance, total)
		for i, r := range recipients {
			prev, ok := f.native[r]
			if !ok {
				prev = new(big.Int)
			}
			f.native[r] = new(big.Int).Add(prev, values[i])
		}
		return nil, true
	}
	return nil, false
}

func (f *FakeClient) commit(moves []move) {
	for _, m := range moves {
		book := f.tokenBook(m.asset)
		book[m.from] = new(big.Int).Sub(f.balanceOf(m.asset, m.from), m.amount)
		book[m.to] = new(big.Int).Add(f.balanceOf(m.asset, m.to), m.amount)
	}
}

// TransactionReceipt implements clients.EthClientInterface.
func (f *FakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.TransactionReceiptFn != nil {
		return f.TransactionReceiptFn(ctx, txHash)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// MinedReceipt returns the receipt recorded for a hash, ignoring
// TransactionReceiptFn.
func (f *FakeClient) MinedReceipt(txHash common.Hash) (*types.Receipt, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[txHash]
	return receipt, ok
}

// TransactionByHash implements clients.EthClientInterface.
func (f *FakeClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

// FilterLogs implements clients.EthClientInterface.
func (f *FakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if f.FilterLogsFn != nil {
		return f.FilterLogsFn(ctx, q)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Log
	for _, lg := range f.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, lg.Address) {
			continue
		}
		if !matchTopics(q.Topics, lg.Topics) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, options := range filter {
		if len(options) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		matched := false
		for _, option := range options {
			if option == topics[i] {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

var _ clients.EthClientInterface = (*FakeClient)(nil)
