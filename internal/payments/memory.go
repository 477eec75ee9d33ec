package payments

import (
	"context"
	"math/big"
	"sync"

	xerrors "LinguaChain/internal/errors"
)

// MemoryService 在进程内维护计划余额，主要用于本地开发和测试。
type MemoryService struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	// creditsPerOrder 表示每次购买补充的额度。
	creditsPerOrder *big.Int
}

// NewMemoryService 创建内存支付服务。
func NewMemoryService(creditsPerOrder int64) *MemoryService {
	if creditsPerOrder <= 0 {
		creditsPerOrder = 1
	}
	return &MemoryService{
		balances:        make(map[string]*big.Int),
		creditsPerOrder: big.NewInt(creditsPerOrder),
	}
}

// SetBalance 直接设置某个计划的余额。
func (s *MemoryService) SetBalance(planDID string, credits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[planDID] = big.NewInt(credits)
}

// GetPlanBalance 返回计划当前余额，未知计划视为零余额。
func (s *MemoryService) GetPlanBalance(_ context.Context, planDID string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credits, ok := s.balances[planDID]
	if !ok {
		return Balance{PlanDID: planDID, Credits: big.NewInt(0)}, nil
	}
	return Balance{PlanDID: planDID, Credits: new(big.Int).Set(credits)}, nil
}

// OrderPlan 为计划补充一次额度。
func (s *MemoryService) OrderPlan(_ context.Context, planDID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if planDID == "" {
		return xerrors.New(CodePlanNotFound, "计划 DID 不能为空")
	}
	credits, ok := s.balances[planDID]
	if !ok {
		credits = big.NewInt(0)
	}
	s.balances[planDID] = new(big.Int).Add(credits, s.creditsPerOrder)
	return nil
}

// Spend 扣减计划额度，余额不足时保持不变并返回 false。
func (s *MemoryService) Spend(planDID string, credits int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[planDID]
	if !ok || balance.Cmp(big.NewInt(credits)) < 0 {
		return false
	}
	s.balances[planDID] = new(big.Int).Sub(balance, big.NewInt(credits))
	return true
}

var _ Service = (*MemoryService)(nil)
