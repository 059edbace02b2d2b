// Package chain wraps the escrow contract's external call surface. It never
// assumes a submitted transaction took effect: settlement resolves only on an
// observed receipt, and a revert surfaces with its reason when retrievable.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"escrotrade/trade"
)

// escrowABI is the contract surface used by the coordinator: four settlement
// operations and two reads.
const escrowABI = `[
  {"type":"function","name":"register_product","stateMutability":"payable","inputs":[{"name":"_name","type":"string"},{"name":"_cost","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"get_manner","stateMutability":"view","inputs":[{"name":"_addr","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"get_product_state","stateMutability":"view","inputs":[{"name":"_id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"proceed_product_state","stateMutability":"payable","inputs":[{"name":"_id","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"cancel_product","stateMutability":"nonpayable","inputs":[{"name":"_id","type":"uint256"}],"outputs":[]}
]`

// Backend is the subset of the Ethereum RPC the client relies on.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial initialises an Ethereum RPC backend for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Client submits settlement calls to the escrow contract and reads its
// per-key state.
type Client struct {
	backend      Backend
	wallet       Wallet
	contract     common.Address
	abi          abi.ABI
	pollInterval time.Duration
}

// NewClient constructs a client bound to the deployed escrow contract. The
// wallet may be nil for read-only use; settlement calls then fail with
// trade.ErrWalletUnavailable.
func NewClient(backend Backend, contract common.Address, wallet Wallet) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain: backend required")
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse escrow abi: %w", err)
	}
	return &Client{
		backend:      backend,
		wallet:       wallet,
		contract:     contract,
		abi:          parsed,
		pollInterval: 2 * time.Second,
	}, nil
}

// SetPollInterval overrides the receipt polling cadence, primarily for tests.
func (c *Client) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

// ProductState reads the contract's authoritative settlement phase for the
// key. Callable without a wallet.
func (c *Client) ProductState(ctx context.Context, key *big.Int) (trade.EscrowPhase, error) {
	out, err := c.view(ctx, "get_product_state", key)
	if err != nil {
		return 0, err
	}
	if !out.IsUint64() || out.Uint64() > 255 {
		return 0, fmt.Errorf("chain: product state out of range: %s", out)
	}
	return trade.EscrowPhase(out.Uint64()), nil
}

// Manner reads the reputation score for a wallet address.
func (c *Client) Manner(ctx context.Context, wallet string) (uint64, error) {
	if !common.IsHexAddress(wallet) {
		return 0, fmt.Errorf("%w: malformed address %q", trade.ErrWalletUnavailable, wallet)
	}
	out, err := c.view(ctx, "get_manner", common.HexToAddress(wallet))
	if err != nil {
		return 0, err
	}
	if !out.IsUint64() {
		return 0, fmt.Errorf("chain: manner score out of range: %s", out)
	}
	return out.Uint64(), nil
}

// Register creates escrow state for a new key, paying the seller fee.
func (c *Client) Register(ctx context.Context, name string, cost uint64, valueWei *big.Int) (trade.Submission, error) {
	return c.transact(ctx, "register_product", valueWei, name, new(big.Int).SetUint64(cost))
}

// Advance moves the escrow forward by exactly one step. The deposit step
// carries fee+cost as value; ship and confirm carry none.
func (c *Client) Advance(ctx context.Context, key *big.Int, valueWei *big.Int) (trade.Submission, error) {
	return c.transact(ctx, "proceed_product_state", valueWei, key)
}

// Cancel moves the escrow to its terminal cancelled state.
func (c *Client) Cancel(ctx context.Context, key *big.Int) (trade.Submission, error) {
	return c.transact(ctx, "cancel_product", nil, key)
}

func (c *Client) view(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	res, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	values, err := c.abi.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("chain: %s returned %d values", method, len(values))
	}
	out, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s returned %T, want *big.Int", method, values[0])
	}
	return out, nil
}

func (c *Client) transact(ctx context.Context, method string, valueWei *big.Int, args ...interface{}) (trade.Submission, error) {
	if c.wallet == nil {
		return nil, trade.ErrWalletUnavailable
	}
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	if valueWei == nil {
		valueWei = new(big.Int)
	}
	from := c.wallet.Address()
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("chain: nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: gas price: %w", err)
	}
	msg := ethereum.CallMsg{From: from, To: &c.contract, Value: valueWei, Data: input}
	gasLimit, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("chain: estimate %s: %w", method, err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    valueWei,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := c.wallet.SignTx(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", trade.ErrUserRejected, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chain: submit %s: %w", method, err)
	}
	return &PendingTx{
		backend:      c.backend,
		hash:         signed.Hash(),
		replay:       msg,
		pollInterval: c.pollInterval,
	}, nil
}
