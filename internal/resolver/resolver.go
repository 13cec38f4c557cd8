package resolver

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/storage"
)

// Outcome 收件人解析的结论。
type Outcome string

const (
	// OutcomeDeliver 解析出了转发目标，可以投递。
	OutcomeDeliver Outcome = "deliver"
	// OutcomeBlocked 被转发规则拒收。
	OutcomeBlocked Outcome = "blocked"
	// OutcomeNoRoute 没有可用路由：域名未托管、别名不存在或没有目标。
	OutcomeNoRoute Outcome = "no-route"
)

// Decision 单个收件人的解析结果。
type Decision struct {
	Outcome       Outcome
	Domain        *domain.Domain // 命中的托管域名，域名未托管时为 nil
	Alias         *domain.Alias  // 命中的别名，走兜底地址或别名缺失时为 nil
	Targets       string         // 逗号分隔的转发目标，仅 deliver 时非空
	MatchedRuleID string         // 命中的规则 ID，无规则命中时为空
	Reason        string         // blocked 或 no-route 的人类可读原因
}

// TargetList 按顺序拆分转发目标。
func (d *Decision) TargetList() []string {
	return domain.SplitTargets(d.Targets)
}

// Store 解析所需的数据读取接口。
type Store interface {
	GetDomainByName(name string) (*domain.Domain, error)
	GetAliasByAddress(domainID, localPart string) (*domain.Alias, error)
	ListActiveRulesByAliasID(aliasID string) ([]*domain.ForwardingRule, error)
	IncrementRuleMatchCount(id string) error
}

// Resolver 把收件人地址解析成转发决定。
//
// 别名永远先于兜底地址；别名命中后按优先级升序评估启用的规则，
// 第一条命中的规则决定动作，无命中时使用别名的默认目标。
type Resolver struct {
	store Store
	log   *zap.Logger
}

// New 创建解析器。
func New(store Store, log *zap.Logger) *Resolver {
	return &Resolver{store: store, log: log}
}

// Resolve 解析单个收件人地址。
//
// 参数:
//   - recipient: 信封收件人地址，应当已通过校验
//   - meta: 规则评估所需的邮件元信息
//
// 返回值:
//   - *Decision: 解析结果，业务性的拒收通过 Outcome 表达
//   - error: 仅存储故障等基础设施错误
func (r *Resolver) Resolve(recipient string, meta domain.MessageMeta) (*Decision, error) {
	localPart, domainName, err := domain.SplitAddress(domain.NormalizeAddress(recipient))
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}

	d, err := r.store.GetDomainByName(domainName)
	if errors.Is(err, storage.ErrDomainNotFound) {
		return &Decision{
			Outcome: OutcomeNoRoute,
			Reason:  "recipient domain is not managed",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load domain %s: %w", domainName, err)
	}

	alias, err := r.store.GetAliasByAddress(d.ID, localPart)
	if errors.Is(err, storage.ErrAliasNotFound) {
		alias = nil
	} else if err != nil {
		return nil, fmt.Errorf("load alias %s@%s: %w", localPart, domainName, err)
	}

	if alias != nil && alias.IsExpired(time.Now()) {
		r.log.Debug("alias expired, treated as absent",
			zap.String("alias_id", alias.ID),
			zap.String("recipient", recipient))
		alias = nil
	}

	if alias == nil {
		if d.HasCatchAll() {
			return &Decision{
				Outcome: OutcomeDeliver,
				Domain:  d,
				Targets: d.CatchAllEmail,
			}, nil
		}
		return &Decision{
			Outcome: OutcomeNoRoute,
			Domain:  d,
			Reason:  "no alias or catch-all for recipient",
		}, nil
	}

	rules, err := r.store.ListActiveRulesByAliasID(alias.ID)
	if err != nil {
		return nil, fmt.Errorf("load rules for alias %s: %w", alias.ID, err)
	}

	for _, rule := range rules {
		matched, err := rule.Matches(meta)
		if err != nil {
			r.log.Warn("skipping rule with invalid condition",
				zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		if !matched {
			continue
		}

		// 命中计数失败不影响投递
		if err := r.store.IncrementRuleMatchCount(rule.ID); err != nil {
			r.log.Warn("failed to increment rule match count",
				zap.String("rule_id", rule.ID), zap.Error(err))
		}

		switch rule.ActionType {
		case domain.ActionBlock:
			return &Decision{
				Outcome:       OutcomeBlocked,
				Domain:        d,
				Alias:         alias,
				MatchedRuleID: rule.ID,
				Reason:        "blocked by forwarding rule",
			}, nil
		case domain.ActionRedirect:
			targets := rule.RedirectTargets()
			if len(targets) == 0 {
				r.log.Warn("redirect rule has no targets, using alias targets",
					zap.String("rule_id", rule.ID))
				break
			}
			return &Decision{
				Outcome:       OutcomeDeliver,
				Domain:        d,
				Alias:         alias,
				Targets:       domain.JoinTargets(targets),
				MatchedRuleID: rule.ID,
			}, nil
		case domain.ActionForward:
		default:
			r.log.Warn("unknown rule action, using alias targets",
				zap.String("rule_id", rule.ID),
				zap.String("action", string(rule.ActionType)))
		}
		return r.aliasDecision(d, alias, rule.ID), nil
	}

	return r.aliasDecision(d, alias, ""), nil
}

// aliasDecision 用别名的默认目标组装结果，没有目标时判为无路由。
func (r *Resolver) aliasDecision(d *domain.Domain, alias *domain.Alias, ruleID string) *Decision {
	targets := alias.TargetList()
	if len(targets) == 0 {
		return &Decision{
			Outcome:       OutcomeNoRoute,
			Domain:        d,
			Alias:         alias,
			MatchedRuleID: ruleID,
			Reason:        "alias has no forward targets",
		}
	}
	return &Decision{
		Outcome:       OutcomeDeliver,
		Domain:        d,
		Alias:         alias,
		Targets:       domain.JoinTargets(targets),
		MatchedRuleID: ruleID,
	}
}
