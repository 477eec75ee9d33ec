package payments

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "LinguaChain/internal/errors"
)

// PlanDefinition 描述一份可购买的订阅计划在链上的坐标。
type PlanDefinition struct {
	DID             string `yaml:"did"`
	Name            string `yaml:"name"`
	ContractAddress string `yaml:"contract_address"`
	TokenID         string `yaml:"token_id"`
	Price           string `yaml:"price"`
	Notes           string `yaml:"notes,omitempty"`
}

type planFile struct {
	Plans []PlanDefinition `yaml:"plans"`
}

// LoadPlanDefinitions 从 YAML 文件读取计划清单。
func LoadPlanDefinitions(path string) (map[string]PlanDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取计划配置失败")
	}
	return ParsePlanDefinitions(raw)
}

// ParsePlanDefinitions 解析 YAML 内容并按 DID 建立索引。
func ParsePlanDefinitions(raw []byte) (map[string]PlanDefinition, error) {
	var file planFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析计划配置失败")
	}
	plans := make(map[string]PlanDefinition, len(file.Plans))
	for i, plan := range file.Plans {
		did := strings.TrimSpace(plan.DID)
		if did == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 个计划缺少 did", i+1))
		}
		if _, ok := plans[did]; ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("计划 %s 重复定义", did))
		}
		plans[did] = plan
	}
	return plans, nil
}
