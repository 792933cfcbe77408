package venue

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
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
	"go.uber.org/zap"

	"yield-engine/internal/order"
	"yield-engine/internal/quote"
)

const (
	// 借贷池操作的保守 gas 上限,估算失败时兜底。
	chainActionGasLimit = uint64(350_000)

	gasPriceCacheTTL    = 5 * time.Minute
	receiptPollInterval = 3 * time.Second
	receiptTimeout      = 60 * time.Second
)

var (
	poolABI    abi.ABI
	chainErc20 abi.ABI
)

func init() {
	var err error

	poolABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "supply",
			"type": "function",
			"inputs": [
				{"name": "asset", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": []
		},
		{
			"name": "withdraw",
			"type": "function",
			"inputs": [
				{"name": "asset", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": []
		},
		{
			"name": "borrow",
			"type": "function",
			"inputs": [
				{"name": "asset", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": []
		},
		{
			"name": "repay",
			"type": "function",
			"inputs": [
				{"name": "asset", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": []
		},
		{
			"name": "balanceOf",
			"type": "function",
			"stateMutability": "view",
			"inputs": [
				{"name": "asset", "type": "address"},
				{"name": "account", "type": "address"}
			],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("pool abi parse: " + err.Error())
	}

	chainErc20, err = abi.JSON(strings.NewReader(`[
		{
			"name": "balanceOf",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}
}

// chainClient 通过 JSON-RPC 驱动链上借贷池。
// 一条指令对应一笔交易,原子性由链本身保证,回滚即失败。
type chainClient struct {
	name       string
	client     *ethclient.Client
	chainID    *big.Int
	pool       common.Address
	assets     map[string]ChainAsset
	privateKey *ecdsa.PrivateKey
	address    common.Address
	logger     *zap.Logger

	mu           sync.RWMutex
	cachedGasWei *big.Int
	gasUpdatedAt time.Time
}

func newChainClient(name string, spec Spec, ep Endpoint, logger *zap.Logger) (*chainClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pkHex, err := credential(ep, "private_key")
	if err != nil {
		return nil, err
	}
	pkBytes, err := hex.DecodeString(strings.TrimPrefix(pkHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("venue: 解析 %s 私钥失败: %w", name, err)
	}
	privKey, err := crypto.ToECDSA(pkBytes)
	if err != nil {
		return nil, fmt.Errorf("venue: %s 私钥非法: %w", name, err)
	}

	client, err := ethclient.Dial(ep.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("venue: 连接 %s RPC %s 失败: %w", name, ep.Endpoint, err)
	}

	return &chainClient{
		name:       name,
		client:     client,
		chainID:    big.NewInt(spec.ChainID),
		pool:       common.HexToAddress(spec.Pool),
		assets:     spec.Assets,
		privateKey: privKey,
		address:    crypto.PubkeyToAddress(privKey.PublicKey),
		logger:     logger,
	}, nil
}

func (c *chainClient) Name() string {
	return c.name
}

func (c *chainClient) Category() Category {
	return CategoryChain
}

// Execute 将指令编码为借贷池调用并等待回执。
func (c *chainClient) Execute(ctx context.Context, ins order.Instruction) (order.Trade, error) {
	trade := order.Trade{
		InstructionID: ins.ID,
		Status:        order.TradeFailed,
		Timestamp:     time.Now().UTC(),
	}

	meta, ok := c.assets[ins.Asset]
	if !ok {
		err := fmt.Errorf("venue: 场所 %s 未登记资产 %s", c.name, ins.Asset)
		trade.Status = order.TradeRejected
		trade.ErrCode = order.ErrCodeValidation
		trade.ErrMsg = err.Error()
		return trade, err
	}

	callData, err := poolABI.Pack(string(ins.Side), common.HexToAddress(meta.Address), toUnits(ins.Amount, meta.Decimals))
	if err != nil {
		trade.Status = order.TradeRejected
		trade.ErrCode = order.ErrCodeValidation
		trade.ErrMsg = err.Error()
		return trade, fmt.Errorf("venue: 编码 %s 调用失败: %w", ins.Side, err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		trade.ErrCode = ClassifyCode(err)
		trade.ErrMsg = err.Error()
		return trade, fmt.Errorf("venue: 获取 nonce 失败: %w", err)
	}

	gasPrice, err := c.gasPrice(ctx)
	if err != nil {
		trade.ErrCode = ClassifyCode(err)
		trade.ErrMsg = err.Error()
		return trade, fmt.Errorf("venue: 获取 gas 价格失败: %w", err)
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     c.address,
		To:       &c.pool,
		GasPrice: gasPrice,
		Data:     callData,
	})
	if err != nil {
		gasLimit = chainActionGasLimit
		c.logger.Warn("gas 估算失败,使用兜底上限",
			zap.String("venue", c.name),
			zap.Uint64("limit", gasLimit),
			zap.Error(err))
	}
	gasLimit = gasLimit * 12 / 10

	tx := types.NewTransaction(nonce, c.pool, big.NewInt(0), gasLimit, gasPrice, callData)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		trade.ErrMsg = err.Error()
		trade.ErrCode = order.ErrCodeRejected
		return trade, fmt.Errorf("venue: 签名交易失败: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		trade.ErrCode = ClassifyCode(err)
		trade.ErrMsg = err.Error()
		return trade, fmt.Errorf("venue: 广播交易失败: %w", err)
	}

	txHash := signed.Hash()
	trade.VenueRef = txHash.Hex()
	c.logger.Info("链上交易已广播",
		zap.String("venue", c.name),
		zap.String("side", string(ins.Side)),
		zap.String("asset", ins.Asset),
		zap.Float64("amount", ins.Amount),
		zap.String("tx", trade.VenueRef))

	receiptCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	receipt, err := c.waitForReceipt(receiptCtx, txHash)
	if err != nil {
		trade.Status = order.TradePending
		trade.ErrCode = order.ErrCodeTimeout
		trade.ErrMsg = err.Error()
		return trade, fmt.Errorf("venue: 等待回执超时: %w", err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		err := fmt.Errorf("venue: 链上交易回滚: %s", trade.VenueRef)
		trade.ErrCode = order.ErrCodeRejected
		trade.ErrMsg = err.Error()
		return trade, err
	}

	gasCost := new(big.Float).Mul(
		new(big.Float).SetUint64(receipt.GasUsed),
		new(big.Float).SetInt(gasPrice),
	)
	feeNative, _ := new(big.Float).Quo(gasCost, big.NewFloat(1e18)).Float64()

	trade.Status = order.TradeFilled
	trade.Actual = append([]order.Delta(nil), ins.Expected...)
	trade.Fee = feeNative
	trade.FeeCurrency = "native"
	return trade, nil
}

// Balances 汇总钱包内底层资产与池内包装头寸。
func (c *chainClient) Balances(ctx context.Context) (map[string]float64, error) {
	balances := make(map[string]float64, len(c.assets)*2)

	for symbol, meta := range c.assets {
		token := common.HexToAddress(meta.Address)

		walletData, err := chainErc20.Pack("balanceOf", c.address)
		if err != nil {
			return nil, fmt.Errorf("venue: 编码 balanceOf 失败: %w", err)
		}
		walletRaw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: walletData}, nil)
		if err != nil {
			return nil, fmt.Errorf("venue: 查询 %s 钱包余额失败: %w", symbol, err)
		}
		if v, err := unpackUint(chainErc20, "balanceOf", walletRaw); err == nil && v != nil {
			if amount := fromUnits(v, meta.Decimals); amount > 0 {
				balances[symbol] = amount
			}
		}

		poolData, err := poolABI.Pack("balanceOf", token, c.address)
		if err != nil {
			return nil, fmt.Errorf("venue: 编码池内查询失败: %w", err)
		}
		poolRaw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.pool, Data: poolData}, nil)
		if err != nil {
			return nil, fmt.Errorf("venue: 查询 %s 池内头寸失败: %w", symbol, err)
		}
		if v, err := unpackUint(poolABI, "balanceOf", poolRaw); err == nil && v != nil {
			if amount := fromUnits(v, meta.Decimals); amount > 0 {
				balances[quote.WrappedPrefix+symbol] = amount
			}
		}
	}

	return balances, nil
}

// gasPrice 返回带缓存与10%上浮的 gas 价格。
func (c *chainClient) gasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.RLock()
	cached := c.cachedGasWei
	updatedAt := c.gasUpdatedAt
	c.mu.RUnlock()

	if cached != nil && time.Since(updatedAt) < gasPriceCacheTTL {
		return cached, nil
	}

	price, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}

	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	c.mu.Lock()
	c.cachedGasWei = buffered
	c.gasUpdatedAt = time.Now()
	c.mu.Unlock()

	return buffered, nil
}

// waitForReceipt 轮询回执直至确认或超时。
func (c *chainClient) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue
			}
			return receipt, nil
		}
	}
}

func unpackUint(parsed abi.ABI, method string, raw []byte) (*big.Int, error) {
	vals, err := parsed.Unpack(method, raw)
	if err != nil || len(vals) == 0 {
		return nil, err
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("venue: %s 返回类型非 uint256", method)
	}
	return v, nil
}

func toUnits(amount float64, decimals int) *big.Int {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	scaled := new(big.Float).Mul(new(big.Float).SetFloat64(amount), scale)
	units, _ := scaled.Int(nil)
	return units
}

func fromUnits(v *big.Int, decimals int) float64 {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(v), scale).Float64()
	return out
}
