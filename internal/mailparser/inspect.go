package mailparser

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// Summary 表示从邮件中提取的投递元信息。
type Summary struct {
	Subject        string
	MessageID      string
	SizeBytes      int64
	HasAttachments bool
}

// Inspect 提取邮件的主题、Message-ID、大小和附件标记。
// 提取是尽力而为的，解析失败时返回已得到的部分，不会阻断转发。
func Inspect(raw []byte) *Summary {
	summary := &Summary{SizeBytes: int64(len(raw))}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return summary
	}

	summary.Subject = decodeHeader(msg.Header.Get("Subject"))
	summary.MessageID = strings.Trim(strings.TrimSpace(msg.Header.Get("Message-Id")), "<>")
	summary.HasAttachments = hasAttachments(msg.Body, msg.Header.Get("Content-Type"))

	return summary
}

// hasAttachments 遍历多部分邮件，寻找附件部分。
func hasAttachments(body io.Reader, contentType string) bool {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return false
	}
	boundary := params["boundary"]
	if boundary == "" {
		return false
	}

	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			// io.EOF 或损坏的部分，都按已遍历完处理
			return false
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if disposition := part.Header.Get("Content-Disposition"); disposition != "" {
			dispType, _, _ := mime.ParseMediaType(disposition)
			if dispType == "attachment" || dispType == "inline" {
				return true
			}
		}

		// 嵌套的 multipart
		if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
			if hasAttachments(part, part.Header.Get("Content-Type")) {
				return true
			}
		}
	}
}

// decodeHeader 解码 RFC 2047 编码的头部，兼容常见的东亚字符集。
func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := new(mime.WordDecoder)
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		if enc := charsetEncoding(strings.ToLower(charset)); enc != nil {
			return enc.NewDecoder().Reader(input), nil
		}
		return input, nil
	}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// charsetEncoding 根据字符集名称返回编码器
func charsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}
