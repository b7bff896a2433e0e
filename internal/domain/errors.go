package domain

import "errors"

var (
	ErrValidation           = errors.New("некорректный ввод")
	ErrNotFound             = errors.New("не найдено")
	ErrCredentialMismatch   = errors.New("учётные данные не совпадают с сохранёнными")
	ErrInvalidCode          = errors.New("неверный код подтверждения")
	ErrInvalidPassword      = errors.New("неверный пароль двухфакторной аутентификации")
	ErrExternalUnavailable  = errors.New("Telegram недоступен")
	ErrConfigurationMissing = errors.New("не задана обязательная конфигурация")

	// ErrPasswordRequired возвращает клиент, когда аккаунт защищён вторым фактором.
	ErrPasswordRequired = errors.New("требуется пароль двухфакторной аутентификации")
	ErrLoginNotStarted  = errors.New("вход не начат")
	ErrNoSession        = errors.New("нет активной сессии")
)
