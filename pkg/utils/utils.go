package utils

import (
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxMessageLength 单条聊天消息的最大字符数
const MaxMessageLength = 4000

// ShortID 生成形如 prefix-xxxxxxxx 的短 ID，n 为随机字节数
func ShortID(prefix string, n int) string {
	if n <= 0 || n > 16 {
		n = 4
	}
	id := uuid.New()
	return prefix + "-" + hex.EncodeToString(id[:n])
}

// NormalizeMessage 去除首尾空白；内容为空或超长时 ok 为 false
func NormalizeMessage(content string) (string, bool) {
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > MaxMessageLength {
		return content, false
	}
	return content, true
}
