package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailflow/backend/internal/domain"
	"mailflow/backend/internal/storage"
)

// ErrStatusTransition 投递状态机不允许的状态迁移。
var ErrStatusTransition = errors.New("invalid message status transition")

// MessageService 投递记录的业务服务。
// 状态机约束在这里保证，存储层只执行写入。
type MessageService struct {
	repo storage.MessageRepository
}

// NewMessageService 创建投递记录业务服务。
func NewMessageService(repo storage.MessageRepository) *MessageService {
	return &MessageService{repo: repo}
}

// CreateMessageInput 定义创建投递记录的输入。
type CreateMessageInput struct {
	MessageID      string // RFC 5322 Message-ID
	DomainID       string
	SenderEmail    string
	RecipientEmail string
	ForwardedTo    string // 逗号分隔的实际转发目标
	Subject        string
	SizeBytes      int64
	HasAttachments bool
	ArchiveKey     string // 原始邮件归档位置，可为空
}

// Create 创建一条 PENDING 状态的投递记录。
func (s *MessageService) Create(input CreateMessageInput) (*domain.Message, error) {
	if input.MessageID == "" {
		return nil, errors.New("message id is required")
	}

	now := time.Now().UTC()
	m := &domain.Message{
		ID:             uuid.NewString(),
		MessageID:      input.MessageID,
		DomainID:       input.DomainID,
		SenderEmail:    input.SenderEmail,
		RecipientEmail: input.RecipientEmail,
		ForwardedTo:    input.ForwardedTo,
		Subject:        input.Subject,
		SizeBytes:      input.SizeBytes,
		HasAttachments: input.HasAttachments,
		Status:         domain.StatusPending,
		ArchiveKey:     input.ArchiveKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.SaveMessage(m); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return m, nil
}

// Get 获取投递记录详情。
func (s *MessageService) Get(id string) (*domain.Message, error) {
	return s.repo.GetMessage(id)
}

// List 按条件分页查询投递记录。
func (s *MessageService) List(filter domain.MessageFilter) (*domain.MessageList, error) {
	return s.repo.ListMessages(filter)
}

// MarkProcessing 将记录从 PENDING 推进到 PROCESSING。
func (s *MessageService) MarkProcessing(id string) error {
	m, err := s.repo.GetMessage(id)
	if err != nil {
		return err
	}
	if !m.Status.CanTransitionTo(domain.StatusProcessing) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusTransition, m.Status, domain.StatusProcessing)
	}
	return s.repo.UpdateMessageStatus(id, domain.StatusProcessing, "")
}

// Complete 将记录写入终态。
// 终态只能写入一次，再次调用返回 ErrStatusTransition。
//
// 参数:
//   - id: 记录 ID
//   - status: 终态，DELIVERED、FAILED、BOUNCED 或 REJECTED
//   - errorMessage: 失败原因，成功时传空串
//
// 返回值:
//   - error: 记录不存在或状态机不允许迁移时返回
func (s *MessageService) Complete(id string, status domain.MessageStatus, errorMessage string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrStatusTransition, status)
	}

	m, err := s.repo.GetMessage(id)
	if err != nil {
		return err
	}
	if !m.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusTransition, m.Status, status)
	}
	return s.repo.UpdateMessageStatus(id, status, errorMessage)
}

// Statistics 返回系统的投递统计信息。
func (s *MessageService) Statistics() (*domain.DeliveryStatistics, error) {
	return s.repo.GetDeliveryStatistics()
}

// SweepStaleProcessing 把滞留在 PROCESSING 超过 olderThan 的记录改写为 FAILED。
// 进程崩溃会留下这类记录，由维护任务周期性清理。返回改写数量。
func (s *MessageService) SweepStaleProcessing(olderThan time.Duration) (int, error) {
	return s.repo.SweepStaleProcessing(time.Now().UTC().Add(-olderThan))
}
