package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "LinguaChain/internal/errors"
	"LinguaChain/internal/payments"
)

// subscriptionABI 覆盖订阅合约里本服务需要的两个方法:
// 按 (账户, 计划 token) 查询剩余额度，以及购买一份计划。
const subscriptionABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"orderPlan","type":"function","stateMutability":"payable",
   "inputs":[{"name":"planId","type":"uint256"}],
   "outputs":[]}
]`

// Config 描述如何连接支付合约所在的链。
type Config struct {
	RPCURL     string
	PrivateKey string
	ChainID    *big.Int
	Plans      map[string]payments.PlanDefinition
}

// Client 通过 EVM 链上的订阅合约实现支付服务。
type Client struct {
	eth        *ethclient.Client
	rpcClient  *gethrpc.Client
	account    common.Address
	transactor *bind.TransactOpts
	contracts  map[string]*boundPlan
	mu         sync.Mutex
}

type boundPlan struct {
	contract *bind.BoundContract
	tokenID  *big.Int
	price    *big.Int
}

// NewClient 连接 RPC 节点并为每个计划绑定合约。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if len(cfg.Plans) == 0 {
		return nil, errors.New("未配置任何支付计划")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := cfg.ChainID
	if chainID == nil {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析账户私钥失败: %w", err)
	}
	transactor, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("构建交易签名器失败: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(subscriptionABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析订阅合约 ABI 失败: %w", err)
	}

	contracts := make(map[string]*boundPlan, len(cfg.Plans))
	for did, plan := range cfg.Plans {
		bound, bindErr := bindPlan(parsedABI, plan, eth)
		if bindErr != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("绑定计划 %s 失败: %w", did, bindErr)
		}
		contracts[did] = bound
	}

	return &Client{
		eth:        eth,
		rpcClient:  rpcClient,
		account:    crypto.PubkeyToAddress(key.PublicKey),
		transactor: transactor,
		contracts:  contracts,
	}, nil
}

func bindPlan(parsedABI abi.ABI, plan payments.PlanDefinition, eth *ethclient.Client) (*boundPlan, error) {
	addr := strings.TrimSpace(plan.ContractAddress)
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("非法的合约地址: %q", addr)
	}
	tokenID, ok := new(big.Int).SetString(strings.TrimSpace(plan.TokenID), 0)
	if !ok {
		return nil, fmt.Errorf("非法的 token ID: %q", plan.TokenID)
	}
	price := big.NewInt(0)
	if raw := strings.TrimSpace(plan.Price); raw != "" {
		price, ok = new(big.Int).SetString(raw, 0)
		if !ok {
			return nil, fmt.Errorf("非法的计划价格: %q", plan.Price)
		}
	}
	return &boundPlan{
		contract: bind.NewBoundContract(common.HexToAddress(addr), parsedABI, eth, eth, eth),
		tokenID:  tokenID,
		price:    price,
	}, nil
}

// Close 释放网络连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// Account 返回支付账户地址。
func (c *Client) Account() common.Address {
	return c.account
}

// GetPlanBalance 调用 balanceOf(address, uint256) 查询剩余额度。
func (c *Client) GetPlanBalance(ctx context.Context, planDID string) (payments.Balance, error) {
	plan, ok := c.contracts[planDID]
	if !ok {
		return payments.Balance{}, xerrors.New(payments.CodePlanNotFound, fmt.Sprintf("未配置计划 %s", planDID))
	}

	var out []any
	opts := &bind.CallOpts{Context: ctx}
	if err := plan.contract.Call(opts, &out, "balanceOf", c.account, plan.tokenID); err != nil {
		return payments.Balance{}, xerrors.Wrap(payments.CodeBalanceQueryFailed, err, fmt.Sprintf("查询计划 %s 余额失败", planDID))
	}
	if len(out) == 0 {
		return payments.Balance{}, xerrors.New(payments.CodeBalanceQueryFailed, "合约未返回余额")
	}
	credits, ok := out[0].(*big.Int)
	if !ok {
		return payments.Balance{}, xerrors.New(payments.CodeBalanceQueryFailed, "合约返回的余额类型异常")
	}
	return payments.Balance{PlanDID: planDID, Credits: credits}, nil
}

// OrderPlan 调用 orderPlan(uint256) 购买一次计划并等待上链。
func (c *Client) OrderPlan(ctx context.Context, planDID string) error {
	plan, ok := c.contracts[planDID]
	if !ok {
		return xerrors.New(payments.CodePlanNotFound, fmt.Sprintf("未配置计划 %s", planDID))
	}

	c.mu.Lock()
	opts := *c.transactor
	c.mu.Unlock()
	opts.Context = ctx
	opts.Value = plan.price

	tx, err := plan.contract.Transact(&opts, "orderPlan", plan.tokenID)
	if err != nil {
		return xerrors.Wrap(payments.CodeOrderFailed, err, fmt.Sprintf("购买计划 %s 失败", planDID))
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return xerrors.Wrap(payments.CodeOrderFailed, err, fmt.Sprintf("等待计划 %s 购买交易上链失败", planDID))
	}
	if receipt.Status == 0 {
		return xerrors.New(payments.CodeOrderFailed, fmt.Sprintf("计划 %s 的购买交易已回滚", planDID),
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
	}
	return nil
}

var _ payments.Service = (*Client)(nil)
