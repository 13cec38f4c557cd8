package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/storage"
)

// ErrRuleOwnership 规则不属于给定别名。
var ErrRuleOwnership = errors.New("rule does not belong to this alias")

// RuleService 转发规则的业务服务。
type RuleService struct {
	ruleRepo  storage.RuleRepository
	aliasRepo storage.AliasRepository
	validator *domain.EmailValidator
}

// NewRuleService 创建规则业务服务。
func NewRuleService(ruleRepo storage.RuleRepository, aliasRepo storage.AliasRepository) *RuleService {
	return &RuleService{
		ruleRepo:  ruleRepo,
		aliasRepo: aliasRepo,
		validator: domain.NewEmailValidator(),
	}
}

// CreateRuleInput 定义创建转发规则的输入。
// 条件与动作类型使用字符串形式传入，由服务解析为封闭枚举。
type CreateRuleInput struct {
	AliasID        string
	Priority       int // 数值越小越先评估
	ConditionType  string
	ConditionValue string
	ActionType     string
	ActionValue    string // REDIRECT 的目标地址列表，逗号分隔
}

// Create 为别名创建一条转发规则。
//
// 参数:
//   - input: 创建参数
//
// 返回值:
//   - *domain.ForwardingRule: 创建的规则
//   - error: 别名不存在、类型未知或取值非法时返回
func (s *RuleService) Create(input CreateRuleInput) (*domain.ForwardingRule, error) {
	alias, err := s.aliasRepo.GetAlias(input.AliasID)
	if err != nil {
		return nil, fmt.Errorf("alias not found: %w", err)
	}
	if alias.IsDeleted {
		return nil, fmt.Errorf("alias not found: %w", storage.ErrAliasNotFound)
	}

	condType, err := domain.ParseRuleConditionType(input.ConditionType)
	if err != nil {
		return nil, err
	}
	actType, err := domain.ParseRuleActionType(input.ActionType)
	if err != nil {
		return nil, err
	}

	condValue := strings.TrimSpace(input.ConditionValue)
	actValue, err := s.validateRule(condType, condValue, actType, input.ActionValue)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rule := &domain.ForwardingRule{
		ID:             uuid.NewString(),
		AliasID:        alias.ID,
		Priority:       input.Priority,
		ConditionType:  condType,
		ConditionValue: condValue,
		ActionType:     actType,
		ActionValue:    actValue,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.ruleRepo.SaveRule(rule); err != nil {
		return nil, fmt.Errorf("failed to save rule: %w", err)
	}
	return rule, nil
}

// Get 获取规则详情。
func (s *RuleService) Get(id string) (*domain.ForwardingRule, error) {
	return s.ruleRepo.GetRule(id)
}

// ListByAlias 列出别名下的全部规则，含已停用的。
func (s *RuleService) ListByAlias(aliasID string) ([]*domain.ForwardingRule, error) {
	if _, err := s.aliasRepo.GetAlias(aliasID); err != nil {
		return nil, fmt.Errorf("alias not found: %w", err)
	}
	return s.ruleRepo.ListRulesByAliasID(aliasID)
}

// UpdateRuleInput 定义更新规则的输入，nil 字段保持不变。
type UpdateRuleInput struct {
	Priority       *int
	ConditionType  *string
	ConditionValue *string
	ActionType     *string
	ActionValue    *string
	IsActive       *bool
}

// Update 更新规则，合并后的条件与动作重新整体校验。
func (s *RuleService) Update(aliasID, ruleID string, input UpdateRuleInput) (*domain.ForwardingRule, error) {
	rule, err := s.ruleRepo.GetRule(ruleID)
	if err != nil {
		return nil, err
	}
	if rule.AliasID != aliasID {
		return nil, ErrRuleOwnership
	}

	if input.Priority != nil {
		rule.Priority = *input.Priority
	}
	if input.ConditionType != nil {
		condType, err := domain.ParseRuleConditionType(*input.ConditionType)
		if err != nil {
			return nil, err
		}
		rule.ConditionType = condType
	}
	if input.ConditionValue != nil {
		rule.ConditionValue = strings.TrimSpace(*input.ConditionValue)
	}
	if input.ActionType != nil {
		actType, err := domain.ParseRuleActionType(*input.ActionType)
		if err != nil {
			return nil, err
		}
		rule.ActionType = actType
	}
	if input.ActionValue != nil {
		rule.ActionValue = *input.ActionValue
	}
	if input.IsActive != nil {
		rule.IsActive = *input.IsActive
	}

	actValue, err := s.validateRule(rule.ConditionType, rule.ConditionValue, rule.ActionType, rule.ActionValue)
	if err != nil {
		return nil, err
	}
	rule.ActionValue = actValue

	rule.UpdatedAt = time.Now().UTC()
	if err := s.ruleRepo.SaveRule(rule); err != nil {
		return nil, fmt.Errorf("failed to save rule: %w", err)
	}
	return rule, nil
}

// Delete 删除规则。
func (s *RuleService) Delete(aliasID, ruleID string) error {
	rule, err := s.ruleRepo.GetRule(ruleID)
	if err != nil {
		return err
	}
	if rule.AliasID != aliasID {
		return ErrRuleOwnership
	}
	return s.ruleRepo.DeleteRule(ruleID)
}

// validateRule 校验条件取值与动作取值的组合，返回标准化后的动作值。
// 数值条件的取值必须是非负整数，布尔条件必须可解析为布尔值，
// REDIRECT 动作必须携带至少一个合法目标地址。
func (s *RuleService) validateRule(condType domain.RuleConditionType, condValue string, actType domain.RuleActionType, actValue string) (string, error) {
	switch condType {
	case domain.ConditionSizeGreaterThan, domain.ConditionSizeLessThan:
		n, err := strconv.ParseInt(condValue, 10, 64)
		if err != nil || n < 0 {
			return "", fmt.Errorf("condition value must be a byte count: %q", condValue)
		}
	case domain.ConditionHasAttachments:
		if _, err := strconv.ParseBool(condValue); err != nil {
			return "", fmt.Errorf("condition value must be a boolean: %q", condValue)
		}
	default:
		if condValue == "" {
			return "", errors.New("condition value is required")
		}
	}

	switch actType {
	case domain.ActionRedirect:
		targets := domain.SplitTargets(actValue)
		if len(targets) == 0 {
			return "", errors.New("redirect action requires at least one target address")
		}
		normalized := make([]string, 0, len(targets))
		for _, t := range targets {
			addr := domain.NormalizeAddress(t)
			if err := s.validator.ValidateEmail(addr); err != nil {
				return "", fmt.Errorf("invalid redirect target %q: %w", t, err)
			}
			normalized = append(normalized, addr)
		}
		return domain.JoinTargets(normalized), nil
	default:
		// FORWARD 与 BLOCK 不携带动作值
		return "", nil
	}
}
