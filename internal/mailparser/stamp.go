package mailparser

import (
	"fmt"
	"strings"
)

// ForwardingStamp 描述转发溯源信息。
type ForwardingStamp struct {
	Forwarder      string // 本机主机名，写入 X-Forwarded-By
	OriginalTo     string // 进入系统时的收件地址，写入 X-Original-To
	OriginalSender string // 信封发件人，写入 X-Original-Sender
	NewTo          string // 改写后的 To 头，逗号分隔的最终目标
}

// Stamp 给邮件加上溯源头并把 To 头改写为转发目标。
// 溯源头插在头部最前面，原有的 To 头连同折行一起被替换；
// 邮件没有 To 头时在头部末尾补一个。
func Stamp(raw []byte, stamp ForwardingStamp) []byte {
	head, body, sep := splitMessage(string(raw))

	trace := []string{
		fmt.Sprintf("X-Forwarded-By: %s", stamp.Forwarder),
		fmt.Sprintf("X-Original-To: %s", stamp.OriginalTo),
		fmt.Sprintf("X-Original-Sender: %s", stamp.OriginalSender),
	}

	lines := strings.Split(head, sep)
	out := make([]string, 0, len(lines)+len(trace))
	out = append(out, trace...)

	replaced := false
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !replaced && isToHeader(line) {
			out = append(out, "To: "+stamp.NewTo)
			replaced = true
			// 跳过被替换头部的折行
			for i+1 < len(lines) && isContinuation(lines[i+1]) {
				i++
			}
			continue
		}
		out = append(out, line)
	}
	if !replaced {
		out = append(out, "To: "+stamp.NewTo)
	}

	return []byte(strings.Join(out, sep) + sep + sep + body)
}

// splitMessage 把邮件切成头部和正文，返回使用的换行符。
func splitMessage(msg string) (head, body, sep string) {
	if idx := strings.Index(msg, "\r\n\r\n"); idx >= 0 {
		return msg[:idx], msg[idx+4:], "\r\n"
	}
	if idx := strings.Index(msg, "\n\n"); idx >= 0 {
		return msg[:idx], msg[idx+2:], "\n"
	}
	// 只有头部没有正文
	if strings.Contains(msg, "\r\n") {
		return strings.TrimRight(msg, "\r\n"), "", "\r\n"
	}
	return strings.TrimRight(msg, "\n"), "", "\n"
}

func isToHeader(line string) bool {
	if len(line) < 3 {
		return false
	}
	return strings.EqualFold(line[:3], "To:")
}

func isContinuation(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}
