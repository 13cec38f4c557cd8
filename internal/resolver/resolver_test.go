package resolver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/storage/memory"
)

func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.SaveDomain(&domain.Domain{
		ID:   "dom-1",
		Name: "example.com",
	}))
	require.NoError(t, store.SaveAlias(&domain.Alias{
		ID:        "alias-info",
		DomainID:  "dom-1",
		LocalPart: "info",
		Targets:   "team@corp.example,backup@corp.example",
	}))
	return store
}

func plainMeta(sender string) domain.MessageMeta {
	return domain.MessageMeta{Sender: sender, Subject: "hello", SizeBytes: 2048}
}

func TestResolveAliasTargets(t *testing.T) {
	store := seedStore(t)
	r := New(store, zap.NewNop())

	t.Run("别名默认目标", func(t *testing.T) {
		dec, err := r.Resolve("info@example.com", plainMeta("alice@sender.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeliver, dec.Outcome)
		assert.Equal(t, "team@corp.example,backup@corp.example", dec.Targets)
		assert.Equal(t, []string{"team@corp.example", "backup@corp.example"}, dec.TargetList())
		assert.Empty(t, dec.MatchedRuleID)
		require.NotNil(t, dec.Domain)
		assert.Equal(t, "dom-1", dec.Domain.ID)
		require.NotNil(t, dec.Alias)
		assert.Equal(t, "alias-info", dec.Alias.ID)
	})

	t.Run("地址大小写不敏感", func(t *testing.T) {
		dec, err := r.Resolve("Info@EXAMPLE.COM", plainMeta("alice@sender.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeliver, dec.Outcome)
		assert.Equal(t, "team@corp.example,backup@corp.example", dec.Targets)
	})

	t.Run("带尖括号的地址", func(t *testing.T) {
		dec, err := r.Resolve("<info@example.com>", plainMeta("alice@sender.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeliver, dec.Outcome)
	})
}

func TestResolveUnmanagedDomain(t *testing.T) {
	store := seedStore(t)
	r := New(store, zap.NewNop())

	dec, err := r.Resolve("user@other.example", plainMeta("alice@sender.example"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoRoute, dec.Outcome)
	assert.Nil(t, dec.Domain)
	assert.Empty(t, dec.Targets)
	assert.NotEmpty(t, dec.Reason)
}

func TestResolveCatchAll(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.SaveDomain(&domain.Domain{
		ID:            "dom-1",
		Name:          "example.com",
		CatchAllEmail: "ops@corp.example",
	}))
	require.NoError(t, store.SaveAlias(&domain.Alias{
		ID:        "alias-info",
		DomainID:  "dom-1",
		LocalPart: "info",
		Targets:   "team@corp.example",
	}))
	r := New(store, zap.NewNop())

	t.Run("无别名时走兜底地址", func(t *testing.T) {
		dec, err := r.Resolve("nobody@example.com", plainMeta("alice@sender.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeliver, dec.Outcome)
		assert.Equal(t, "ops@corp.example", dec.Targets)
		assert.Nil(t, dec.Alias)
	})

	t.Run("别名优先于兜底地址", func(t *testing.T) {
		dec, err := r.Resolve("info@example.com", plainMeta("alice@sender.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeliver, dec.Outcome)
		assert.Equal(t, "team@corp.example", dec.Targets)
		require.NotNil(t, dec.Alias)
	})
}

func TestResolveNoAliasNoCatchAll(t *testing.T) {
	store := seedStore(t)
	r := New(store, zap.NewNop())

	dec, err := r.Resolve("nobody@example.com", plainMeta("alice@sender.example"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoRoute, dec.Outcome)
	require.NotNil(t, dec.Domain)
	assert.Equal(t, "dom-1", dec.Domain.ID)
}

func TestResolveExpiredAlias(t *testing.T) {
	past := time.Now().Add(-time.Hour)

	t.Run("过期别名回落到兜底地址", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.SaveDomain(&domain.Domain{
			ID:            "dom-1",
			Name:          "example.com",
			CatchAllEmail: "ops@corp.example",
		}))
		require.NoError(t, store.SaveAlias(&domain.Alias{
			ID:        "alias-temp",
			DomainID:  "dom-1",
			LocalPart: "temp",
			Targets:   "old@corp.example",
			ExpiresAt: &past,
		}))

		dec, err := New(store, zap.NewNop()).Resolve("temp@example.com", plainMeta("a@b.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeliver, dec.Outcome)
		assert.Equal(t, "ops@corp.example", dec.Targets)
	})

	t.Run("过期别名且无兜底时无路由", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.SaveDomain(&domain.Domain{ID: "dom-1", Name: "example.com"}))
		require.NoError(t, store.SaveAlias(&domain.Alias{
			ID:        "alias-temp",
			DomainID:  "dom-1",
			LocalPart: "temp",
			Targets:   "old@corp.example",
			ExpiresAt: &past,
		}))

		dec, err := New(store, zap.NewNop()).Resolve("temp@example.com", plainMeta("a@b.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoRoute, dec.Outcome)
	})
}

func TestResolveRules(t *testing.T) {
	t.Run("BLOCK规则拒收并计数", func(t *testing.T) {
		store := seedStore(t)
		require.NoError(t, store.SaveRule(&domain.ForwardingRule{
			ID:             "rule-block",
			AliasID:        "alias-info",
			Priority:       10,
			ConditionType:  domain.ConditionSenderContains,
			ConditionValue: "spam",
			ActionType:     domain.ActionBlock,
			IsActive:       true,
		}))

		dec, err := New(store, zap.NewNop()).Resolve("info@example.com", plainMeta("noreply@spam.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeBlocked, dec.Outcome)
		assert.Equal(t, "rule-block", dec.MatchedRuleID)
		assert.Empty(t, dec.Targets)

		rule, err := store.GetRule("rule-block")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rule.MatchCount)
	})

	t.Run("REDIRECT规则改写目标", func(t *testing.T) {
		store := seedStore(t)
		require.NoError(t, store.SaveRule(&domain.ForwardingRule{
			ID:             "rule-redirect",
			AliasID:        "alias-info",
			Priority:       10,
			ConditionType:  domain.ConditionSubjectContains,
			ConditionValue: "urgent",
			ActionType:     domain.ActionRedirect,
			ActionValue:    "oncall@corp.example, standby@corp.example",
			IsActive:       true,
		}))

		meta := domain.MessageMeta{Sender: "alice@sender.example", Subject: "URGENT: disk full", SizeBytes: 512}
		dec, err := New(store, zap.NewNop()).Resolve("info@example.com", meta)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeliver, dec.Outcome)
		assert.Equal(t, "oncall@corp.example,standby@corp.example", dec.Targets)
		assert.Equal(t, "rule-redirect", dec.MatchedRuleID)
	})

	t.Run("REDIRECT目标为空时退回别名目标", func(t *testing.T) {
		store := seedStore(t)
		require.NoError(t, store.SaveRule(&domain.ForwardingRule{
			ID:             "rule-empty",
			AliasID:        "alias-info",
			Priority:       10,
			ConditionType:  domain.ConditionSenderContains,
			ConditionValue: "",
			ActionType:     domain.ActionRedirect,
			ActionValue:    "  ",
			IsActive:       true,
		}))

		dec, err := New(store, zap.NewNop()).Resolve("info@example.com", plainMeta("alice@sender.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeliver, dec.Outcome)
		assert.Equal(t, "team@corp.example,backup@corp.example", dec.Targets)
		assert.Equal(t, "rule-empty", dec.MatchedRuleID)
	})

	t.Run("FORWARD规则使用别名目标", func(t *testing.T) {
		store := seedStore(t)
		require.NoError(t, store.SaveRule(&domain.ForwardingRule{
			ID:             "rule-forward",
			AliasID:        "alias-info",
			Priority:       10,
			ConditionType:  domain.ConditionHasAttachments,
			ConditionValue: "false",
			ActionType:     domain.ActionForward,
			IsActive:       true,
		}))

		dec, err := New(store, zap.NewNop()).Resolve("info@example.com", plainMeta("alice@sender.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeliver, dec.Outcome)
		assert.Equal(t, "team@corp.example,backup@corp.example", dec.Targets)
		assert.Equal(t, "rule-forward", dec.MatchedRuleID)
	})

	t.Run("优先级小的规则先命中", func(t *testing.T) {
		store := seedStore(t)
		require.NoError(t, store.SaveRule(&domain.ForwardingRule{
			ID:             "rule-late",
			AliasID:        "alias-info",
			Priority:       20,
			ConditionType:  domain.ConditionSenderContains,
			ConditionValue: "",
			ActionType:     domain.ActionBlock,
			IsActive:       true,
		}))
		require.NoError(t, store.SaveRule(&domain.ForwardingRule{
			ID:             "rule-early",
			AliasID:        "alias-info",
			Priority:       5,
			ConditionType:  domain.ConditionSenderContains,
			ConditionValue: "",
			ActionType:     domain.ActionRedirect,
			ActionValue:    "vip@corp.example",
			IsActive:       true,
		}))

		dec, err := New(store, zap.NewNop()).Resolve("info@example.com", plainMeta("alice@sender.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeliver, dec.Outcome)
		assert.Equal(t, "rule-early", dec.MatchedRuleID)
		assert.Equal(t, "vip@corp.example", dec.Targets)

		// 第一条命中后，后面的规则不再评估
		late, err := store.GetRule("rule-late")
		require.NoError(t, err)
		assert.Equal(t, int64(0), late.MatchCount)
	})

	t.Run("停用的规则被跳过", func(t *testing.T) {
		store := seedStore(t)
		require.NoError(t, store.SaveRule(&domain.ForwardingRule{
			ID:             "rule-off",
			AliasID:        "alias-info",
			Priority:       1,
			ConditionType:  domain.ConditionSenderContains,
			ConditionValue: "",
			ActionType:     domain.ActionBlock,
			IsActive:       false,
		}))

		dec, err := New(store, zap.NewNop()).Resolve("info@example.com", plainMeta("alice@sender.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeliver, dec.Outcome)
		assert.Empty(t, dec.MatchedRuleID)
	})

	t.Run("条件值非法的规则被跳过", func(t *testing.T) {
		store := seedStore(t)
		require.NoError(t, store.SaveRule(&domain.ForwardingRule{
			ID:             "rule-bad",
			AliasID:        "alias-info",
			Priority:       1,
			ConditionType:  domain.ConditionSizeGreaterThan,
			ConditionValue: "not-a-number",
			ActionType:     domain.ActionBlock,
			IsActive:       true,
		}))
		require.NoError(t, store.SaveRule(&domain.ForwardingRule{
			ID:             "rule-good",
			AliasID:        "alias-info",
			Priority:       2,
			ConditionType:  domain.ConditionSizeGreaterThan,
			ConditionValue: "1024",
			ActionType:     domain.ActionRedirect,
			ActionValue:    "big@corp.example",
			IsActive:       true,
		}))

		dec, err := New(store, zap.NewNop()).Resolve("info@example.com", plainMeta("alice@sender.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeliver, dec.Outcome)
		assert.Equal(t, "rule-good", dec.MatchedRuleID)
		assert.Equal(t, "big@corp.example", dec.Targets)
	})
}

func TestResolveAliasWithoutTargets(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.SaveDomain(&domain.Domain{ID: "dom-1", Name: "example.com"}))
	require.NoError(t, store.SaveAlias(&domain.Alias{
		ID:        "alias-empty",
		DomainID:  "dom-1",
		LocalPart: "void",
		Targets:   "",
	}))

	dec, err := New(store, zap.NewNop()).Resolve("void@example.com", plainMeta("a@b.example"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoRoute, dec.Outcome)
	assert.Equal(t, "alias has no forward targets", dec.Reason)
}

// flakyStore 包装内存存储，脚本化地让部分操作失败。
type flakyStore struct {
	*memory.Store
	incrementErr error
	rulesErr     error
}

func (s *flakyStore) IncrementRuleMatchCount(id string) error {
	if s.incrementErr != nil {
		return s.incrementErr
	}
	return s.Store.IncrementRuleMatchCount(id)
}

func (s *flakyStore) ListActiveRulesByAliasID(aliasID string) ([]*domain.ForwardingRule, error) {
	if s.rulesErr != nil {
		return nil, s.rulesErr
	}
	return s.Store.ListActiveRulesByAliasID(aliasID)
}

func TestResolveStoreFailures(t *testing.T) {
	t.Run("计数失败不影响决定", func(t *testing.T) {
		store := &flakyStore{Store: seedStore(t), incrementErr: errors.New("db is down")}
		require.NoError(t, store.SaveRule(&domain.ForwardingRule{
			ID:             "rule-block",
			AliasID:        "alias-info",
			Priority:       1,
			ConditionType:  domain.ConditionSenderContains,
			ConditionValue: "spam",
			ActionType:     domain.ActionBlock,
			IsActive:       true,
		}))

		dec, err := New(store, zap.NewNop()).Resolve("info@example.com", plainMeta("x@spam.example"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeBlocked, dec.Outcome)
	})

	t.Run("规则读取失败向上传播", func(t *testing.T) {
		store := &flakyStore{Store: seedStore(t), rulesErr: errors.New("db is down")}

		_, err := New(store, zap.NewNop()).Resolve("info@example.com", plainMeta("a@b.example"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "db is down")
	})

	t.Run("地址非法返回错误", func(t *testing.T) {
		_, err := New(seedStore(t), zap.NewNop()).Resolve("not-an-address", plainMeta("a@b.example"))
		require.Error(t, err)
	})
}
