package domain

import (
	"strconv"
	"strings"
)

// Credential описывает данные приложения Telegram, которыми пользователь входит в свой аккаунт.
type Credential struct {
	APIID   int
	APIHash string
	Phone   string
}

// IsZero сообщает, что учётные данные ещё не заданы.
func (c Credential) IsZero() bool {
	return c.APIID == 0 && c.APIHash == "" && c.Phone == ""
}

// RuleSet хранит правила пересылки: источник -> список получателей.
// Ключом служит нормализованный десятичный идентификатор источника.
type RuleSet map[string][]int64

// Clone возвращает глубокую копию набора правил.
func (r RuleSet) Clone() RuleSet {
	out := make(RuleSet, len(r))
	for source, dests := range r {
		out[source] = append([]int64(nil), dests...)
	}
	return out
}

// Destinations возвращает получателей для источника.
func (r RuleSet) Destinations(sourceID int64) []int64 {
	return r[SourceKey(sourceID)]
}

// Sources возвращает идентификаторы всех источников набора.
func (r RuleSet) Sources() []int64 {
	out := make([]int64, 0, len(r))
	for key := range r {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// ChannelIDShift — смещение, с которым Bot API записывает идентификаторы каналов и супергрупп.
const ChannelIDShift = 1000000000000

// IsChannelID сообщает, что чат является каналом или супергруппой. Только в таких чатах
// номер сообщения одинаков для всех участников.
func IsChannelID(chatID int64) bool {
	return chatID < -ChannelIDShift
}

// UserConfig — документ пользователя: учётные данные и правила.
type UserConfig struct {
	Credential Credential
	Rules      RuleSet
}

// AuthState описывает состояние входа пользователя во внешний аккаунт.
type AuthState int

const (
	AuthUnauthenticated AuthState = iota
	AuthCodeSent
	AuthTwoFactorRequired
	AuthAuthenticated
)

func (s AuthState) String() string {
	switch s {
	case AuthCodeSent:
		return "code_sent"
	case AuthTwoFactorRequired:
		return "two_factor_required"
	case AuthAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// InboundMessage — входящее сообщение в отслеживаемом источнике.
// Owner равен нулю, если сообщение увидел сам бот.
type InboundMessage struct {
	Owner     int64
	SourceID  int64
	MessageID int
	Text      string
}

// FromBot сообщает, пришло ли сообщение через бота.
func (m InboundMessage) FromBot() bool {
	return m.Owner == 0
}

// SourceKey приводит идентификатор источника к ключу набора правил.
func SourceKey(sourceID int64) string {
	return strconv.FormatInt(sourceID, 10)
}

// ParseChatID разбирает идентификатор чата из пользовательского ввода.
func ParseChatID(input string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(input), 10, 64)
	if err != nil || id == 0 {
		return 0, ErrValidation
	}
	return id, nil
}

// NormalizeSourceKey приводит строковый ключ источника к каноничному виду.
func NormalizeSourceKey(raw string) (string, error) {
	id, err := ParseChatID(raw)
	if err != nil {
		return "", err
	}
	return SourceKey(id), nil
}
