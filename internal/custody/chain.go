package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/moltbunker/escrowd/internal/logging"
	"github.com/moltbunker/escrowd/internal/util"
	"github.com/moltbunker/escrowd/pkg/types"
)

// ERC20ABI covers the token calls custody needs.
const ERC20ABI = `[
	{
		"constant": true,
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "transferFrom",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	}
]`

var (
	ErrNotConnected       = errors.New("not connected")
	ErrNoSigningKey       = errors.New("no signing key configured")
	ErrNativeCollect      = errors.New("native deposits must be sent to the escrow wallet by the payer")
	ErrTransactionFailed  = errors.New("transaction failed")
	ErrChainIDMismatch    = errors.New("chain ID mismatch")
	ErrUnexpectedResponse = errors.New("unexpected contract response")
)

// ChainConfig configures a ChainCustodian.
type ChainConfig struct {
	RPCURL             string
	ChainID            int64
	BlockConfirmations int
	MaxGasPrice        *big.Int
	CallGasLimit       uint64 // 0 estimates
	ConfirmPoll        time.Duration
	RetryConfig        *util.RetryConfig
}

// DefaultChainConfig returns defaults for Base mainnet.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		RPCURL:             "https://mainnet.base.org",
		ChainID:            8453,
		BlockConfirmations: 2,
		MaxGasPrice:        big.NewInt(100e9),
		ConfirmPoll:        2 * time.Second,
		RetryConfig:        util.DefaultRetryConfig(),
	}
}

// ChainCustodian holds escrow funds in an externally owned account and
// settles every movement as a mined transaction. Mined transactions cannot be
// reverted with the settlement journal.
type ChainCustodian struct {
	cfg     ChainConfig
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	erc20   abi.ABI

	mu     sync.RWMutex
	client *ethclient.Client

	nonceMu      sync.Mutex
	pendingNonce uint64
}

// NewChainCustodian creates a custodian that signs with key.
func NewChainCustodian(cfg ChainConfig, key *ecdsa.PrivateKey) (*ChainCustodian, error) {
	if key == nil {
		return nil, ErrNoSigningKey
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.RetryConfig == nil {
		cfg.RetryConfig = util.DefaultRetryConfig()
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = 2 * time.Second
	}
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}
	return &ChainCustodian{
		cfg:     cfg,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(cfg.ChainID),
		erc20:   parsed,
	}, nil
}

// Address returns the escrow wallet address.
func (c *ChainCustodian) Address() common.Address {
	return c.address
}

// Reversible reports false: a mined transaction is final.
func (c *ChainCustodian) Reversible() bool { return false }

// Connect dials the RPC endpoint, verifies the chain id and loads the nonce.
func (c *ChainCustodian) Connect(ctx context.Context) error {
	var chainID *big.Int
	client, result := util.RetryWithValue(ctx, c.cfg.RetryConfig, func() (*ethclient.Client, error) {
		client, err := ethclient.DialContext(ctx, c.cfg.RPCURL)
		if err != nil {
			return nil, err
		}
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to get chain ID: %w", err)
		}
		if id.Cmp(c.chainID) != 0 {
			client.Close()
			return nil, util.MarkPermanent(fmt.Errorf("%w: expected %d, got %d", ErrChainIDMismatch, c.chainID, id))
		}
		chainID = id
		return client, nil
	})
	if result.LastError != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.RPCURL, result.LastError)
	}

	nonce, err := client.PendingNonceAt(ctx, c.address)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to get nonce: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.nonceMu.Lock()
	c.pendingNonce = nonce
	c.nonceMu.Unlock()

	logging.Info("custody connected",
		logging.Component("custody"),
		"chain_id", chainID.String(),
		logging.Address("escrow", c.address))
	return nil
}

// Close releases the RPC connection.
func (c *ChainCustodian) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// IsConnected reports whether Connect has succeeded.
func (c *ChainCustodian) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

func (c *ChainCustodian) backend() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

func (c *ChainCustodian) token(asset common.Address) (*bind.BoundContract, error) {
	client, err := c.backend()
	if err != nil {
		return nil, err
	}
	return bind.NewBoundContract(asset, c.erc20, client, client, client), nil
}

// BalanceOf returns the escrow wallet's holdings of asset.
func (c *ChainCustodian) BalanceOf(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	client, err := c.backend()
	if err != nil {
		return nil, err
	}

	var raw *big.Int
	if types.IsNative(asset) {
		bal, result := util.RetryWithValue(ctx, c.cfg.RetryConfig, func() (*big.Int, error) {
			return client.BalanceAt(ctx, c.address, nil)
		})
		if result.LastError != nil {
			return nil, fmt.Errorf("failed to get balance: %w", result.LastError)
		}
		raw = bal
	} else {
		contract, err := c.token(asset)
		if err != nil {
			return nil, err
		}
		var out []interface{}
		if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", c.address); err != nil {
			return nil, fmt.Errorf("failed to get %s balance: %w", asset.Hex(), err)
		}
		if len(out) == 0 {
			return new(uint256.Int), nil
		}
		bal, ok := out[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("%w: balanceOf returned %T", ErrUnexpectedResponse, out[0])
		}
		raw = bal
	}

	v, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, fmt.Errorf("%w: balance exceeds 256 bits", ErrUnexpectedResponse)
	}
	return v, nil
}

// Collect pulls a token deposit with the allowance the payer granted the
// escrow wallet. Native deposits cannot be pulled.
func (c *ChainCustodian) Collect(ctx context.Context, asset, from common.Address, amount *uint256.Int) error {
	if types.IsNative(asset) {
		return ErrNativeCollect
	}
	return c.transactToken(ctx, asset, "transferFrom", from, c.address, types.ToBig(amount))
}

// Transfer pays amount of asset to `to`.
func (c *ChainCustodian) Transfer(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	if types.IsNative(asset) {
		return c.send(ctx, to, nil, amount)
	}
	return c.transactToken(ctx, asset, "transfer", to, types.ToBig(amount))
}

// Approve sets the escrow wallet's token allowance for spender.
func (c *ChainCustodian) Approve(ctx context.Context, asset, spender common.Address, amount *uint256.Int) error {
	if types.IsNative(asset) {
		return nil
	}
	return c.transactToken(ctx, asset, "approve", spender, types.ToBig(amount))
}

// Call sends payload and value to target as a raw transaction.
func (c *ChainCustodian) Call(ctx context.Context, target common.Address, payload []byte, value *uint256.Int) error {
	return c.send(ctx, target, payload, value)
}

func (c *ChainCustodian) transactToken(ctx context.Context, asset common.Address, method string, args ...interface{}) error {
	contract, err := c.token(asset)
	if err != nil {
		return err
	}
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		c.releaseNonce(ctx)
		return fmt.Errorf("failed to %s %s: %w", method, asset.Hex(), err)
	}
	_, err = c.waitForTransaction(ctx, tx)
	return err
}

func (c *ChainCustodian) send(ctx context.Context, to common.Address, payload []byte, value *uint256.Int) error {
	client, err := c.backend()
	if err != nil {
		return err
	}
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return err
	}
	opts.Value = types.ToBig(value)
	if len(payload) > 0 {
		opts.GasLimit = c.cfg.CallGasLimit
	}

	contract := bind.NewBoundContract(to, abi.ABI{}, client, client, client)
	tx, err := contract.RawTransact(opts, payload)
	if err != nil {
		c.releaseNonce(ctx)
		return fmt.Errorf("failed to send to %s: %w", to.Hex(), err)
	}
	_, err = c.waitForTransaction(ctx, tx)
	return err
}

func (c *ChainCustodian) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	client, err := c.backend()
	if err != nil {
		return nil, err
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	if c.cfg.MaxGasPrice != nil && gasPrice.Cmp(c.cfg.MaxGasPrice) > 0 {
		gasPrice = c.cfg.MaxGasPrice
	}

	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasPrice = gasPrice

	c.nonceMu.Lock()
	auth.Nonce = new(big.Int).SetUint64(c.pendingNonce)
	c.pendingNonce++
	c.nonceMu.Unlock()

	return auth, nil
}

// releaseNonce resynchronises the nonce after a transaction that was never sent.
func (c *ChainCustodian) releaseNonce(ctx context.Context) {
	client, err := c.backend()
	if err != nil {
		return
	}
	nonce, err := client.PendingNonceAt(ctx, c.address)
	if err != nil {
		logging.Warn("failed to resync nonce", logging.Component("custody"), logging.Err(err))
		return
	}
	c.nonceMu.Lock()
	c.pendingNonce = nonce
	c.nonceMu.Unlock()
}

func (c *ChainCustodian) waitForTransaction(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Receipt, error) {
	client, err := c.backend()
	if err != nil {
		return nil, err
	}

	receipt, err := bind.WaitMined(ctx, client, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for transaction %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status == ethtypes.ReceiptStatusFailed {
		return receipt, fmt.Errorf("%w: %s", ErrTransactionFailed, tx.Hash().Hex())
	}

	if c.cfg.BlockConfirmations > 0 {
		target := receipt.BlockNumber.Uint64() + uint64(c.cfg.BlockConfirmations)
		for {
			select {
			case <-ctx.Done():
				return receipt, ctx.Err()
			case <-time.After(c.cfg.ConfirmPoll):
				current, err := client.BlockNumber(ctx)
				if err != nil {
					continue
				}
				if current >= target {
					return receipt, nil
				}
			}
		}
	}
	return receipt, nil
}
