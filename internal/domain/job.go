package domain

import "time"

// Priority 中继队列的任务优先级，数值越小越先出队。
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// String 返回优先级的可读名称。
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// JobResult 中继任务的终态结果。
type JobResult struct {
	Delivered bool  // 是否投递成功
	Permanent bool  // 失败时是否为永久失败
	Err       error // 失败原因
}

// EmailJob 中继队列中的一个投递任务。
// Result 为容量 1 的缓冲通道，任务到达终态（成功、永久失败或重试耗尽）时写入一次。
type EmailJob struct {
	ID         string
	MailFrom   string
	Targets    []string
	Message    []byte
	Priority   Priority
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time
	Result     chan JobResult
}

// NewEmailJob 创建一个新的中继任务。
func NewEmailJob(id, mailFrom string, targets []string, message []byte, priority Priority, maxRetries int) *EmailJob {
	return &EmailJob{
		ID:         id,
		MailFrom:   mailFrom,
		Targets:    targets,
		Message:    message,
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
		Result:     make(chan JobResult, 1),
	}
}

// Finish 写入任务终态结果，重复调用只有第一次生效。
func (j *EmailJob) Finish(res JobResult) {
	select {
	case j.Result <- res:
	default:
	}
}

// DeliveryAttempt 一次对外投递尝试的记录，仅用于进程内统计与日志。
type DeliveryAttempt struct {
	Timestamp time.Time
	MXHost    string
	Success   bool
	Error     string
}
