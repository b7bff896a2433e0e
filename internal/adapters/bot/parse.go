package bot

import (
	"strconv"
	"strings"

	"tg-forward-bot/internal/domain"
)

// parseCredentials разбирает строку "API_ID, API_HASH, PHONE".
func parseCredentials(input string) (domain.Credential, error) {
	parts := splitFields(input)
	if len(parts) != 3 {
		return domain.Credential{}, domain.ErrValidation
	}
	apiID, err := strconv.Atoi(parts[0])
	if err != nil || apiID <= 0 {
		return domain.Credential{}, domain.ErrValidation
	}
	if parts[1] == "" || parts[2] == "" {
		return domain.Credential{}, domain.ErrValidation
	}
	return domain.Credential{APIID: apiID, APIHash: parts[1], Phone: parts[2]}, nil
}

// parseRule разбирает "SOURCE_ID, DEST_ID". Если источник уже выбран, достаточно одного DEST_ID.
func parseRule(input string, pinnedSource int64) (int64, int64, error) {
	parts := splitFields(input)
	if pinnedSource != 0 && len(parts) == 1 {
		dest, err := domain.ParseChatID(parts[0])
		if err != nil {
			return 0, 0, err
		}
		return pinnedSource, dest, nil
	}
	if len(parts) != 2 {
		return 0, 0, domain.ErrValidation
	}
	source, err := domain.ParseChatID(parts[0])
	if err != nil {
		return 0, 0, err
	}
	dest, err := domain.ParseChatID(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return source, dest, nil
}

// normalizeCode убирает пробелы и дефисы из кода подтверждения.
func normalizeCode(input string) (string, error) {
	var b strings.Builder
	for _, r := range input {
		switch {
		case r == ' ' || r == '-' || r == '\t':
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			return "", domain.ErrValidation
		}
	}
	if b.Len() == 0 {
		return "", domain.ErrValidation
	}
	return b.String(), nil
}

func splitFields(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
