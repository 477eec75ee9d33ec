package payments

import (
	"context"
	"math/big"

	xerrors "LinguaChain/internal/errors"
)

// Balance 表示某个支付计划在当前账户下的剩余额度。
type Balance struct {
	PlanDID string
	Credits *big.Int
}

// HasCredits 判断余额是否足以消费至少一次。
func (b Balance) HasCredits() bool {
	return b.Credits != nil && b.Credits.Sign() > 0
}

// Service 封装委托第三方智能体前需要的支付操作。
type Service interface {
	// GetPlanBalance 查询订阅计划的剩余额度。
	GetPlanBalance(ctx context.Context, planDID string) (Balance, error)
	// OrderPlan 购买一次订阅计划以补充额度。
	OrderPlan(ctx context.Context, planDID string) error
}

const (
	// CodePlanNotFound 表示请求的支付计划未配置。
	CodePlanNotFound xerrors.Code = "PLAN_NOT_FOUND"
	// CodeBalanceQueryFailed 表示查询计划余额失败。
	CodeBalanceQueryFailed xerrors.Code = "PLAN_BALANCE_QUERY_FAILED"
	// CodeOrderFailed 表示购买计划失败。
	CodeOrderFailed xerrors.Code = "PLAN_ORDER_FAILED"
)

func init() {
	xerrors.Register(CodePlanNotFound, xerrors.Attributes{
		Message:  "未找到对应的支付计划",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeBalanceQueryFailed, xerrors.Attributes{
		Message:   "查询支付计划余额失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeOrderFailed, xerrors.Attributes{
		Message:  "购买支付计划失败",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
