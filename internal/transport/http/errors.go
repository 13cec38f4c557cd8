package httptransport

import (
	"errors"

	"mailflow/backend/internal/service"
	"mailflow/backend/internal/storage"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	// 域名错误
	storage.ErrDomainNotFound: "域名不存在",
	storage.ErrDomainExists:   "域名已存在",

	// 别名错误
	storage.ErrAliasNotFound:  "别名不存在",
	storage.ErrAliasExists:    "别名已存在",
	service.ErrAliasOwnership: "别名不属于该域名",

	// 转发规则错误
	storage.ErrRuleNotFound:  "转发规则不存在",
	service.ErrRuleOwnership: "转发规则不属于该别名",

	// 投递记录错误
	storage.ErrMessageNotFound: "投递记录不存在",

	// API Key 错误
	storage.ErrAPIKeyNotFound: "API Key不存在",
	service.ErrAPIKeyInvalid:  "API Key无效",
}

// GetErrorMessage 获取错误的中文消息。
// 服务层会对底层错误做包装，这里按 errors.Is 逐个匹配哨兵错误。
func GetErrorMessage(err error) string {
	for sentinel, msg := range errorMessages {
		if errors.Is(err, sentinel) {
			return msg
		}
	}
	return err.Error()
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidExpiresIn = "过期时间格式无效"
	MsgInvalidDate      = "日期格式无效，需要 RFC3339 格式"

	// 域名相关
	MsgDomainNotFound     = "域名不存在"
	MsgDomainListFailed   = "获取域名列表失败"
	MsgDomainDeleteFailed = "删除域名失败"
	MsgDNSRecordsFailed   = "获取DNS记录失败"
	MsgDKIMRotateFailed   = "轮换DKIM密钥失败"

	// 别名相关
	MsgAliasNotFound     = "别名不存在"
	MsgAliasListFailed   = "获取别名列表失败"
	MsgAliasDeleteFailed = "删除别名失败"

	// 转发规则相关
	MsgRuleNotFound     = "转发规则不存在"
	MsgRuleListFailed   = "获取转发规则列表失败"
	MsgRuleDeleteFailed = "删除转发规则失败"

	// 投递记录相关
	MsgMessageNotFound   = "投递记录不存在"
	MsgMessageListFailed = "获取投递记录失败"
	MsgMessageGetFailed  = "获取投递详情失败"
	MsgStatisticsFailed  = "获取统计数据失败"

	// API Key相关
	MsgAPIKeyCreateFailed = "创建API Key失败"
	MsgAPIKeyListFailed   = "获取API Key列表失败"
	MsgAPIKeyNotFound     = "API Key不存在"
	MsgAPIKeyDeleteFailed = "删除API Key失败"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)
