package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/storage/memory"
)

func newMessageService() *MessageService {
	return NewMessageService(memory.NewStore())
}

func seedMessage(t *testing.T, svc *MessageService) *domain.Message {
	t.Helper()

	m, err := svc.Create(CreateMessageInput{
		MessageID:      "<msg-1@remote.example>",
		DomainID:       "dom-1",
		SenderEmail:    "sender@remote.example",
		RecipientEmail: "info@example.com",
		ForwardedTo:    "team@corp.example",
		Subject:        "hello",
		SizeBytes:      2048,
	})
	require.NoError(t, err)
	return m
}

func TestMessageCreate(t *testing.T) {
	t.Run("新记录为PENDING", func(t *testing.T) {
		svc := newMessageService()
		m := seedMessage(t, svc)

		assert.NotEmpty(t, m.ID)
		assert.Equal(t, domain.StatusPending, m.Status)
		assert.Equal(t, "info@example.com", m.RecipientEmail)
		assert.Equal(t, int64(2048), m.SizeBytes)
		assert.Empty(t, m.ErrorMessage)
	})

	t.Run("缺少MessageID", func(t *testing.T) {
		svc := newMessageService()

		_, err := svc.Create(CreateMessageInput{DomainID: "dom-1"})
		assert.Error(t, err)
	})
}

func TestMessageStatusTransitions(t *testing.T) {
	t.Run("完整的投递路径", func(t *testing.T) {
		svc := newMessageService()
		m := seedMessage(t, svc)

		require.NoError(t, svc.MarkProcessing(m.ID))
		got, err := svc.Get(m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusProcessing, got.Status)

		require.NoError(t, svc.Complete(m.ID, domain.StatusDelivered, ""))
		got, err = svc.Get(m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDelivered, got.Status)
	})

	t.Run("PENDING可以直接进入REJECTED", func(t *testing.T) {
		svc := newMessageService()
		m := seedMessage(t, svc)

		require.NoError(t, svc.Complete(m.ID, domain.StatusRejected, "blocked by forwarding rule"))

		got, err := svc.Get(m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRejected, got.Status)
		assert.Equal(t, "blocked by forwarding rule", got.ErrorMessage)
	})

	t.Run("终态只能写入一次", func(t *testing.T) {
		svc := newMessageService()
		m := seedMessage(t, svc)

		require.NoError(t, svc.MarkProcessing(m.ID))
		require.NoError(t, svc.Complete(m.ID, domain.StatusFailed, "relay timeout"))

		err := svc.Complete(m.ID, domain.StatusDelivered, "")
		assert.ErrorIs(t, err, ErrStatusTransition)

		err = svc.MarkProcessing(m.ID)
		assert.ErrorIs(t, err, ErrStatusTransition)

		got, err := svc.Get(m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Equal(t, "relay timeout", got.ErrorMessage)
	})

	t.Run("重复标记PROCESSING被拒绝", func(t *testing.T) {
		svc := newMessageService()
		m := seedMessage(t, svc)

		require.NoError(t, svc.MarkProcessing(m.ID))
		err := svc.MarkProcessing(m.ID)
		assert.ErrorIs(t, err, ErrStatusTransition)
	})

	t.Run("Complete只接受终态", func(t *testing.T) {
		svc := newMessageService()
		m := seedMessage(t, svc)

		err := svc.Complete(m.ID, domain.StatusProcessing, "")
		assert.ErrorIs(t, err, ErrStatusTransition)
	})
}

func TestMessageSweepStaleProcessing(t *testing.T) {
	svc := newMessageService()

	stale := seedMessage(t, svc)
	require.NoError(t, svc.MarkProcessing(stale.ID))

	pending, err := svc.Create(CreateMessageInput{
		MessageID:      "<msg-2@remote.example>",
		DomainID:       "dom-1",
		RecipientEmail: "other@example.com",
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	t.Run("只清理超时的PROCESSING记录", func(t *testing.T) {
		swept, err := svc.SweepStaleProcessing(0)
		require.NoError(t, err)
		assert.Equal(t, 1, swept)

		got, err := svc.Get(stale.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.NotEmpty(t, got.ErrorMessage)

		got, err = svc.Get(pending.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
	})

	t.Run("时间窗内的记录不受影响", func(t *testing.T) {
		fresh := seedMessageWithID(t, svc, "<msg-3@remote.example>")
		require.NoError(t, svc.MarkProcessing(fresh.ID))

		swept, err := svc.SweepStaleProcessing(time.Hour)
		require.NoError(t, err)
		assert.Zero(t, swept)
	})
}

func seedMessageWithID(t *testing.T, svc *MessageService, messageID string) *domain.Message {
	t.Helper()

	m, err := svc.Create(CreateMessageInput{
		MessageID:      messageID,
		DomainID:       "dom-1",
		RecipientEmail: "info@example.com",
	})
	require.NoError(t, err)
	return m
}

func TestMessageList(t *testing.T) {
	svc := newMessageService()

	for _, id := range []string{"<a@x>", "<b@x>", "<c@x>"} {
		seedMessageWithID(t, svc, id)
	}
	failed := seedMessageWithID(t, svc, "<d@x>")
	require.NoError(t, svc.MarkProcessing(failed.ID))
	require.NoError(t, svc.Complete(failed.ID, domain.StatusFailed, "timeout"))

	t.Run("按状态过滤", func(t *testing.T) {
		status := domain.StatusFailed
		list, err := svc.List(domain.MessageFilter{Status: &status})
		require.NoError(t, err)
		require.Equal(t, 1, list.Total)
		assert.Equal(t, failed.ID, list.Messages[0].ID)
	})

	t.Run("分页", func(t *testing.T) {
		list, err := svc.List(domain.MessageFilter{Page: 1, PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, list.Total)
		assert.Len(t, list.Messages, 2)
		assert.Equal(t, 2, list.TotalPages)
	})
}

func TestMessageStatistics(t *testing.T) {
	svc := newMessageService()

	delivered := seedMessageWithID(t, svc, "<ok@x>")
	require.NoError(t, svc.MarkProcessing(delivered.ID))
	require.NoError(t, svc.Complete(delivered.ID, domain.StatusDelivered, ""))

	seedMessageWithID(t, svc, "<pending@x>")

	stats, err := svc.Statistics()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalMessages)
	assert.Equal(t, 1, stats.MessagesByStatus[domain.StatusDelivered])
	assert.Equal(t, 1, stats.MessagesByStatus[domain.StatusPending])
}
