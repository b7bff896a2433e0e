package domain

import (
	"context"
	"time"
)

// ConfigRepo хранит документы пользователей.
type ConfigRepo interface {
	Load(ctx context.Context, userID int64) (UserConfig, error)
	Save(ctx context.Context, userID int64, cfg UserConfig) error
	// Update выполняет load-modify-save под эксклюзивной блокировкой пользователя.
	Update(ctx context.Context, userID int64, fn func(cfg *UserConfig) error) (UserConfig, error)
	ListAll(ctx context.Context) (map[int64]UserConfig, error)
}

// MessageSink принимает входящие сообщения от клиента пользователя.
type MessageSink func(ctx context.Context, msg InboundMessage)

// Relayer пересылает сообщение получателю от имени своей учётной записи.
type Relayer interface {
	Forward(ctx context.Context, msg InboundMessage, destID int64) error
}

// UserClient — подключение к Telegram от имени пользователя.
type UserClient interface {
	Relayer
	SendCode(ctx context.Context) error
	// SignIn возвращает ErrInvalidCode или ErrPasswordRequired.
	SignIn(ctx context.Context, code string) error
	// CheckPassword возвращает ErrInvalidPassword.
	CheckPassword(ctx context.Context, password string) error
	Close() error
}

// ClientFactory открывает подключения пользователей.
type ClientFactory interface {
	Open(ctx context.Context, userID int64, cred Credential, sink MessageSink) (UserClient, error)
}

// RelayGuard не даёт выполнить одну и ту же пересылку дважды.
type RelayGuard interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}
