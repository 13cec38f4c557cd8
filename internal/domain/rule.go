package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RuleConditionType 转发规则的条件类型。
type RuleConditionType string

const (
	ConditionSenderContains  RuleConditionType = "SENDER_CONTAINS"
	ConditionSenderEquals    RuleConditionType = "SENDER_EQUALS"
	ConditionSenderDomain    RuleConditionType = "SENDER_DOMAIN"
	ConditionSubjectContains RuleConditionType = "SUBJECT_CONTAINS"
	ConditionSubjectEquals   RuleConditionType = "SUBJECT_EQUALS"
	ConditionSizeGreaterThan RuleConditionType = "SIZE_GREATER_THAN"
	ConditionSizeLessThan    RuleConditionType = "SIZE_LESS_THAN"
	ConditionHasAttachments  RuleConditionType = "HAS_ATTACHMENTS"
)

// ParseRuleConditionType 解析条件类型，未知值返回错误。
func ParseRuleConditionType(s string) (RuleConditionType, error) {
	t := RuleConditionType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case ConditionSenderContains, ConditionSenderEquals, ConditionSenderDomain,
		ConditionSubjectContains, ConditionSubjectEquals,
		ConditionSizeGreaterThan, ConditionSizeLessThan,
		ConditionHasAttachments:
		return t, nil
	}
	return "", fmt.Errorf("unknown rule condition type: %q", s)
}

// RuleActionType 转发规则命中后的动作类型。
type RuleActionType string

const (
	ActionForward  RuleActionType = "FORWARD"  // 转发到别名目标
	ActionBlock    RuleActionType = "BLOCK"    // 拒收
	ActionRedirect RuleActionType = "REDIRECT" // 改发到规则指定地址
)

// ParseRuleActionType 解析动作类型，未知值返回错误。
func ParseRuleActionType(s string) (RuleActionType, error) {
	t := RuleActionType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case ActionForward, ActionBlock, ActionRedirect:
		return t, nil
	}
	return "", fmt.Errorf("unknown rule action type: %q", s)
}

// ForwardingRule 表示别名上的一条转发规则。
// 规则按 Priority 升序逐条评估，第一条命中的规则决定动作。
type ForwardingRule struct {
	ID             string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AliasID        string            `json:"aliasId" gorm:"type:varchar(36);index;not null"`
	Priority       int               `json:"priority" gorm:"index;not null"` // 数值越小越先评估
	ConditionType  RuleConditionType `json:"conditionType" gorm:"type:varchar(32);not null"`
	ConditionValue string            `json:"conditionValue" gorm:"type:varchar(512)"`
	ActionType     RuleActionType    `json:"actionType" gorm:"type:varchar(16);not null"`
	ActionValue    string            `json:"actionValue,omitempty" gorm:"type:text"` // REDIRECT 的目标地址列表
	IsActive       bool              `json:"isActive" gorm:"default:true;index"`
	MatchCount     int64             `json:"matchCount" gorm:"default:0"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// MessageMeta 规则评估所需的邮件元信息。
type MessageMeta struct {
	Sender         string // 信封发件人地址（小写）
	Subject        string
	SizeBytes      int64
	HasAttachments bool
}

// Matches 判断规则条件是否命中。
// 数值条件的 ConditionValue 无法解析时返回错误，由调用方决定跳过还是上报。
func (r *ForwardingRule) Matches(meta MessageMeta) (bool, error) {
	sender := strings.ToLower(meta.Sender)
	value := r.ConditionValue

	switch r.ConditionType {
	case ConditionSenderContains:
		return strings.Contains(sender, strings.ToLower(value)), nil
	case ConditionSenderEquals:
		return sender == strings.ToLower(strings.TrimSpace(value)), nil
	case ConditionSenderDomain:
		_, senderDomain, ok := strings.Cut(sender, "@")
		if !ok {
			return false, nil
		}
		return senderDomain == strings.ToLower(strings.TrimSpace(value)), nil
	case ConditionSubjectContains:
		return strings.Contains(strings.ToLower(meta.Subject), strings.ToLower(value)), nil
	case ConditionSubjectEquals:
		return strings.EqualFold(strings.TrimSpace(meta.Subject), strings.TrimSpace(value)), nil
	case ConditionSizeGreaterThan:
		limit, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return false, fmt.Errorf("invalid size condition value %q: %w", value, err)
		}
		return meta.SizeBytes > limit, nil
	case ConditionSizeLessThan:
		limit, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return false, fmt.Errorf("invalid size condition value %q: %w", value, err)
		}
		return meta.SizeBytes < limit, nil
	case ConditionHasAttachments:
		want, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return false, fmt.Errorf("invalid attachment condition value %q: %w", value, err)
		}
		return meta.HasAttachments == want, nil
	}
	return false, fmt.Errorf("unknown rule condition type: %q", r.ConditionType)
}

// RedirectTargets 返回 REDIRECT 动作的目标地址列表。
func (r *ForwardingRule) RedirectTargets() []string {
	return SplitTargets(r.ActionValue)
}
