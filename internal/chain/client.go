package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Client wraps an Ethereum JSON-RPC connection with the two contract
// interactions the bot needs: reading available market liquidity from
// Morpho and submitting rebalance transactions through the agent.
type Client struct {
	eth     *ethclient.Client
	log     *zap.Logger
	morpho  common.Address
	agent   common.Address
	key     *ecdsa.PrivateKey
	sender  common.Address
	chainID *big.Int

	morphoABI abi.ABI
	agentABI  abi.ABI

	callTimeout time.Duration
}

// NewClient dials the RPC endpoint, derives the sender address from the
// hex-encoded private key and caches the chain ID for signing. An empty
// key yields a read-only client; SendRebalance will refuse to sign.
func NewClient(ctx context.Context, rpcURL string, morpho, agent common.Address, privateKeyHex string, callTimeout time.Duration, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	var key *ecdsa.PrivateKey
	var sender common.Address
	if privateKeyHex != "" {
		key, err = crypto.HexToECDSA(privateKeyHex)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		sender = crypto.PubkeyToAddress(key.PublicKey)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	morphoABI, agentABI, err := parseABIs()
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("parse contract abis: %w", err)
	}
	return &Client{
		eth:         eth,
		log:         log,
		morpho:      morpho,
		agent:       agent,
		key:         key,
		sender:      sender,
		chainID:     chainID,
		morphoABI:   morphoABI,
		agentABI:    agentABI,
		callTimeout: callTimeout,
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) SenderAddress() common.Address {
	return c.sender
}

// Eth exposes the underlying client for gas price suggestions.
func (c *Client) Eth() *ethclient.Client {
	return c.eth
}

// MarketLiquidity reads Morpho's market state and returns the
// withdrawable liquidity, totalSupplyAssets minus totalBorrowAssets,
// in the loan token's native units.
func (c *Client) MarketLiquidity(ctx context.Context, id common.Hash) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	data, err := c.morphoABI.Pack("market", [32]byte(id))
	if err != nil {
		return nil, fmt.Errorf("pack market call: %w", err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.morpho, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("market call %s: %w", id.Hex(), err)
	}
	values, err := c.morphoABI.Unpack("market", out)
	if err != nil {
		return nil, fmt.Errorf("unpack market result: %w", err)
	}
	totalSupply, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected totalSupplyAssets type %T", values[0])
	}
	totalBorrow, ok := values[2].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected totalBorrowAssets type %T", values[2])
	}
	liquidity := new(big.Int).Sub(totalSupply, totalBorrow)
	if liquidity.Sign() < 0 {
		liquidity.SetInt64(0)
	}
	return liquidity, nil
}

// SendRebalance simulates, signs and submits a rebalance transaction,
// then waits for it to be mined. The gas price carries a 10% buffer
// over the provided base and the gas limit a 20% buffer over the
// estimate.
func (c *Client) SendRebalance(ctx context.Context, onBehalf, token common.Address, from, to []MarketAllocation, gasPrice *big.Int) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, fmt.Errorf("no signing key configured")
	}
	data, err := c.agentABI.Pack("rebalance", onBehalf, token, from, to)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack rebalance call: %w", err)
	}
	msg := ethereum.CallMsg{From: c.sender, To: &c.agent, Data: data}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if _, err := c.eth.CallContract(callCtx, msg, nil); err != nil {
		return common.Hash{}, fmt.Errorf("rebalance simulation failed: %w", err)
	}

	price := new(big.Int).Mul(gasPrice, big.NewInt(110))
	price.Div(price, big.NewInt(100))

	estimate, err := c.eth.EstimateGas(callCtx, msg)
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit := estimate + estimate/5

	nonce, err := c.eth.PendingNonceAt(callCtx, c.sender)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}

	tx := types.NewTransaction(nonce, c.agent, big.NewInt(0), gasLimit, price, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.eth.SendTransaction(callCtx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	c.log.Info("rebalance submitted",
		zap.String("tx", signed.Hash().Hex()),
		zap.String("on_behalf", onBehalf.Hex()),
		zap.Uint64("gas_limit", gasLimit),
		zap.String("gas_price_wei", price.String()))

	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return signed.Hash(), fmt.Errorf("wait for receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return signed.Hash(), fmt.Errorf("rebalance tx %s reverted", signed.Hash().Hex())
	}
	c.log.Info("rebalance mined",
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
		zap.Uint64("gas_used", receipt.GasUsed))
	return signed.Hash(), nil
}
