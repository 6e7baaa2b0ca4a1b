package llm

import "strings"

// EnforceStopTokens 在任一停止序列首次出现的位置截断文本，返回匹配位置之前的内容。
// 停止序列按字面量匹配；空字符串会被忽略。
func EnforceStopTokens(text string, stop []string) string {
	cut := -1
	for _, token := range stop {
		if token == "" {
			continue
		}
		if idx := strings.Index(text, token); idx >= 0 && (cut < 0 || idx < cut) {
			cut = idx
		}
	}
	if cut < 0 {
		return text
	}
	return text[:cut]
}
