package delivery

import (
	"errors"

	"github.com/emersion/go-smtp"
)

var (
	// ErrQueueFull 中继队列已满，任务被拒绝
	ErrQueueFull = errors.New("relay queue is full")

	// ErrRelayStopped 中继服务未运行，不再接收任务
	ErrRelayStopped = errors.New("relay service is stopped")

	// ErrPoolClosed 连接池已关闭
	ErrPoolClosed = errors.New("connection pool is closed")
)

// PermanentError 表示不应重试的投递失败。
// 5xx 响应和收件人被拒都属于永久失败，对应 BOUNCED 终态。
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent 判断错误链中是否包含永久失败。
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classify 按 SMTP 响应码划分错误：5xx 永久，其余临时。
func classify(err error) error {
	if err == nil {
		return nil
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return &PermanentError{Err: err}
	}
	return err
}
