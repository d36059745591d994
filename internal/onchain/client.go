package onchain

import (
	"context"
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
	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
	"github.com/ggonzalez94/rewards-compounder/internal/execution/signer"
	"github.com/ggonzalez94/rewards-compounder/internal/logger"
	"github.com/ggonzalez94/rewards-compounder/internal/registry"
)

// Backend is the subset of *ethclient.Client the adapter uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Quote is the result of a minter dry-run.
type Quote struct {
	Fee *big.Int
	Out *big.Int
}

type RewardBalance struct {
	Token  common.Address
	Amount *big.Int
}

// Tx is a mined, successful transaction.
type Tx struct {
	Hash    common.Hash
	GasUsed uint64
	FeeWei  *big.Int
}

type Options struct {
	PollInterval       time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
}

func DefaultOptions() Options {
	return Options{PollInterval: 2 * time.Second, GasMultiplier: 1.2}
}

// Client reads, simulates and writes against minters, stability pools and tokens.
// Writes are serialised: one transaction is in flight at a time.
type Client struct {
	backend Backend
	signer  signer.Signer
	account common.Address
	opts    Options

	erc20  abi.ABI
	minter abi.ABI
	pool   abi.ABI

	chainOnce sync.Once
	chainID   *big.Int
	chainErr  error

	writeMu sync.Mutex
}

// New builds a client. A nil signer gives a read-only client; account is then used
// as the owner for reads.
func New(backend Backend, txSigner signer.Signer, account common.Address, opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	if txSigner != nil {
		account = txSigner.Address()
	}
	return &Client{
		backend: backend,
		signer:  txSigner,
		account: account,
		opts:    opts,
		erc20:   mustABI(registry.ERC20ABI),
		minter:  mustABI(registry.MinterABI),
		pool:    mustABI(registry.StabilityPoolABI),
	}
}

func (c *Client) Account() common.Address { return c.account }

func (c *Client) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.erc20, token, "balanceOf", owner)
}

func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.erc20, token, "allowance", owner, spender)
}

func (c *Client) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.erc20, token, "totalSupply")
}

func (c *Client) CollateralRatio(ctx context.Context, minter common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.minter, minter, "collateralRatio")
}

func (c *Client) PoolTotalAssets(ctx context.Context, pool common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.pool, pool, "totalAssetSupply")
}

func (c *Client) PoolDeposit(ctx context.Context, pool, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.pool, pool, "assetBalanceOf", owner)
}

func (c *Client) Symbol(ctx context.Context, token common.Address) (string, error) {
	out, err := c.call(ctx, c.erc20, token, "symbol")
	if err != nil {
		return "", err
	}
	symbol, ok := out[0].(string)
	if !ok {
		return "", clierr.New(clierr.CodeUnavailable, "decode symbol output")
	}
	return symbol, nil
}

// ClaimableRewards reads getClaimableRewards(account) on a stability pool.
func (c *Client) ClaimableRewards(ctx context.Context, pool, account common.Address) ([]RewardBalance, error) {
	out, err := c.call(ctx, c.pool, pool, "getClaimableRewards", account)
	if err != nil {
		return nil, err
	}
	tokens, ok := out[0].([]common.Address)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "decode claimable reward tokens")
	}
	amounts, ok := out[1].([]*big.Int)
	if !ok || len(amounts) != len(tokens) {
		return nil, clierr.New(clierr.CodeUnavailable, "decode claimable reward amounts")
	}
	rewards := make([]RewardBalance, 0, len(tokens))
	for i, token := range tokens {
		rewards = append(rewards, RewardBalance{Token: token, Amount: new(big.Int).Set(amounts[i])})
	}
	return rewards, nil
}

func (c *Client) DryRunRedeemLeveraged(ctx context.Context, minter common.Address, amount *big.Int) (Quote, error) {
	return c.quote(ctx, minter, "redeemLeveragedTokenDryRun", amount)
}

func (c *Client) DryRunRedeemPegged(ctx context.Context, minter common.Address, amount *big.Int) (Quote, error) {
	return c.quote(ctx, minter, "redeemPeggedTokenDryRun", amount)
}

func (c *Client) DryRunMint(ctx context.Context, minter common.Address, amount *big.Int) (Quote, error) {
	return c.quote(ctx, minter, "mintPeggedTokenDryRun", amount)
}

func (c *Client) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (Tx, error) {
	return c.transact(ctx, c.erc20, token, "approve", spender, amount)
}

func (c *Client) Claim(ctx context.Context, pool common.Address) (Tx, error) {
	return c.transact(ctx, c.pool, pool, "claim")
}

func (c *Client) RedeemLeveraged(ctx context.Context, minter common.Address, amount, minOut *big.Int) (Tx, error) {
	return c.transact(ctx, c.minter, minter, "redeemLeveragedToken", amount, c.account, minOut)
}

func (c *Client) RedeemPegged(ctx context.Context, minter common.Address, amount, minOut *big.Int) (Tx, error) {
	return c.transact(ctx, c.minter, minter, "redeemPeggedToken", amount, c.account, minOut)
}

func (c *Client) Mint(ctx context.Context, minter common.Address, amount, minOut *big.Int) (Tx, error) {
	return c.transact(ctx, c.minter, minter, "mintPeggedToken", amount, c.account, minOut)
}

func (c *Client) Deposit(ctx context.Context, pool common.Address, amount, minOut *big.Int) (Tx, error) {
	return c.transact(ctx, c.pool, pool, "deposit", amount, c.account, minOut)
}

func (c *Client) quote(ctx context.Context, minter common.Address, method string, amount *big.Int) (Quote, error) {
	out, err := c.call(ctx, c.minter, minter, method, amount)
	if err != nil {
		return Quote{}, err
	}
	fee, okFee := out[0].(*big.Int)
	res, okOut := out[1].(*big.Int)
	if !okFee || !okOut {
		return Quote{}, clierr.New(clierr.CodeUnavailable, "decode "+method+" output")
	}
	return Quote{Fee: fee, Out: res}, nil
}

func (c *Client) callUint(ctx context.Context, contract abi.ABI, target common.Address, method string, args ...any) (*big.Int, error) {
	out, err := c.call(ctx, contract, target, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "decode "+method+" output")
	}
	return v, nil
}

func (c *Client) call(ctx context.Context, contract abi.ABI, target common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack "+method+" calldata", err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.account, To: &target, Data: data}, nil)
	if err != nil {
		return nil, wrapEVMExecutionError(clierr.CodeUnavailable, fmt.Sprintf("call %s on %s", method, target.Hex()), err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode "+method+" output", err)
	}
	if len(out) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, "empty "+method+" output")
	}
	return out, nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.chainOnce.Do(func() {
		c.chainID, c.chainErr = c.backend.ChainID(ctx)
	})
	if c.chainErr != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read chain id", c.chainErr)
	}
	return c.chainID, nil
}

// transact builds, signs and submits one EIP-1559 transaction, then waits for its receipt.
func (c *Client) transact(ctx context.Context, contract abi.ABI, target common.Address, method string, args ...any) (Tx, error) {
	if c.signer == nil {
		return Tx{}, clierr.New(clierr.CodeSigner, "missing signer")
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return Tx{}, clierr.Wrap(clierr.CodeInternal, "pack "+method+" calldata", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return Tx{}, err
	}
	msg := ethereum.CallMsg{From: c.account, To: &target, Value: big.NewInt(0), Data: data}
	gasLimit, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return Tx{}, wrapEVMExecutionError(clierr.CodeReverted, "estimate gas for "+method, err)
	}
	gasLimit = uint64(float64(gasLimit) * c.opts.GasMultiplier)

	tipCap, err := resolveTipCap(ctx, c.backend, c.opts.MaxPriorityFeeGwei)
	if err != nil {
		return Tx{}, err
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Tx{}, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, c.opts.MaxFeeGwei)
	if err != nil {
		return Tx{}, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.account)
	if err != nil {
		return Tx{}, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &target,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := c.signer.SignTx(chainID, tx)
	if err != nil {
		return Tx{}, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return Tx{}, clierr.Wrap(clierr.CodeUnavailable, "broadcast "+method, err)
	}
	log := logger.GetForComponent("onchain")
	log.Debug().Str("method", method).Str("to", target.Hex()).Str("tx", signed.Hash().Hex()).Uint64("nonce", nonce).Msg("transaction submitted")

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return Tx{Hash: signed.Hash()}, err
	}
	res := Tx{Hash: signed.Hash(), GasUsed: receipt.GasUsed}
	if receipt.EffectiveGasPrice != nil {
		res.FeeWei = new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := c.replayRevert(ctx, msg, receipt.BlockNumber)
		message := "transaction reverted on-chain"
		if reason != "" {
			message += ": " + reason
		}
		return res, clierr.New(clierr.CodeReverted, message)
	}
	return res, nil
}

// waitMined polls for a receipt until ctx ends. There is no separate deadline.
func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log := logger.GetForComponent("onchain")
			log.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt poll failed")
		}
		select {
		case <-ctx.Done():
			return nil, clierr.Wrap(clierr.CodeUnavailable, "stopped waiting for receipt of "+hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) replayRevert(ctx context.Context, msg ethereum.CallMsg, block *big.Int) string {
	_, err := c.backend.CallContract(ctx, msg, block)
	if err == nil {
		return ""
	}
	if reason := decodeRevertFromError(err); reason != "" {
		return reason
	}
	return strings.TrimPrefix(err.Error(), "execution reverted: ")
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
