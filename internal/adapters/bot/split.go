package bot

import "strings"

const messageLimit = 4096

// splitReply режет ответ на части не длиннее лимита Telegram, по возможности по строкам.
// Строки длиннее лимита режутся по символам.
func splitReply(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= messageLimit {
		return []string{text}
	}

	var (
		parts []string
		cur   []rune
	)
	flush := func() {
		chunk := strings.Trim(string(cur), "\n")
		if chunk != "" {
			parts = append(parts, chunk)
		}
		cur = cur[:0]
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		runes := []rune(line)
		if len(cur)+len(runes) > messageLimit {
			flush()
		}
		for len(runes) > messageLimit {
			cur = append(cur, runes[:messageLimit]...)
			flush()
			runes = runes[messageLimit:]
		}
		cur = append(cur, runes...)
	}
	flush()
	return parts
}
