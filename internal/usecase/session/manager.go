package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"tg-forward-bot/internal/domain"
	"tg-forward-bot/internal/infra/lanes"
	"tg-forward-bot/internal/infra/metrics"
)

// Handler получает сообщения подписанного источника.
type Handler func(ctx context.Context, msg domain.InboundMessage)

// AuthenticatedHook вызывается после успешного входа с данными, которыми вход выполнен.
type AuthenticatedHook func(ctx context.Context, userID int64, cred domain.Credential)

type subKey struct {
	userID   int64
	sourceID int64
}

type userSession struct {
	state  domain.AuthState
	cred   domain.Credential
	client domain.UserClient
}

// Manager хранит состояние входа и авторизованные сессии пользователей в памяти процесса,
// а также таблицу подписок (пользователь, источник).
type Manager struct {
	factory domain.ClientFactory
	log     zerolog.Logger

	mu              sync.Mutex
	users           map[int64]*userSession
	subs            map[subKey]Handler
	onAuthenticated AuthenticatedHook

	routes *lanes.Lanes[subKey]
}

// NewManager создаёт менеджер сессий.
func NewManager(factory domain.ClientFactory, log zerolog.Logger) *Manager {
	return &Manager{
		factory: factory,
		log:     log,
		users:   make(map[int64]*userSession),
		subs:    make(map[subKey]Handler),
		routes:  lanes.New[subKey](),
	}
}

// OnAuthenticated задаёт хук, вызываемый после успешного входа пользователя.
// Только здесь учётные данные становятся окончательными.
func (m *Manager) OnAuthenticated(fn AuthenticatedHook) {
	m.mu.Lock()
	m.onAuthenticated = fn
	m.mu.Unlock()
}

// State возвращает текущее состояние входа пользователя.
func (m *Manager) State(userID int64) domain.AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.users[userID]; ok {
		return s.state
	}
	return domain.AuthUnauthenticated
}

// BeginLogin открывает подключение и запрашивает код подтверждения.
// Для уже авторизованного пользователя возвращает AuthAuthenticated без сетевых вызовов.
func (m *Manager) BeginLogin(ctx context.Context, userID int64, cred domain.Credential) (domain.AuthState, error) {
	m.mu.Lock()
	prev := m.users[userID]
	if prev != nil && prev.state == domain.AuthAuthenticated {
		m.mu.Unlock()
		if prev.cred != cred {
			return domain.AuthAuthenticated, domain.ErrCredentialMismatch
		}
		return domain.AuthAuthenticated, nil
	}
	delete(m.users, userID)
	m.mu.Unlock()

	if prev != nil && prev.client != nil {
		m.closeClient(userID, prev.client)
	}

	client, err := m.factory.Open(ctx, userID, cred, m.route)
	if err != nil {
		m.log.Warn().Err(err).Int64("user", userID).Msg("session: не удалось подключиться")
		return domain.AuthUnauthenticated, external(err)
	}
	if err := client.SendCode(ctx); err != nil {
		m.closeClient(userID, client)
		m.log.Warn().Err(err).Int64("user", userID).Msg("session: не удалось запросить код")
		return domain.AuthUnauthenticated, external(err)
	}

	m.mu.Lock()
	m.users[userID] = &userSession{state: domain.AuthCodeSent, cred: cred, client: client}
	m.mu.Unlock()
	metrics.ObserveAuth(domain.AuthCodeSent.String())
	m.log.Info().Int64("user", userID).Msg("session: код отправлен")
	return domain.AuthCodeSent, nil
}

// SubmitCode пытается войти по коду из Telegram.
func (m *Manager) SubmitCode(ctx context.Context, userID int64, code string) (domain.AuthState, error) {
	s, err := m.pending(userID, domain.AuthCodeSent)
	if err != nil {
		return m.State(userID), err
	}

	err = s.client.SignIn(ctx, code)
	switch {
	case err == nil:
		if !m.authenticated(ctx, userID, s) {
			return m.superseded(userID)
		}
		return domain.AuthAuthenticated, nil
	case errors.Is(err, domain.ErrPasswordRequired):
		if !m.transition(userID, s.client, domain.AuthTwoFactorRequired) {
			return m.superseded(userID)
		}
		return domain.AuthTwoFactorRequired, nil
	case errors.Is(err, domain.ErrInvalidCode):
		metrics.ObserveAuth("invalid_code")
		return domain.AuthCodeSent, err
	default:
		m.log.Warn().Err(err).Int64("user", userID).Msg("session: ошибка входа по коду")
		return domain.AuthCodeSent, external(err)
	}
}

// SubmitPassword завершает вход паролем второго фактора.
func (m *Manager) SubmitPassword(ctx context.Context, userID int64, password string) (domain.AuthState, error) {
	s, err := m.pending(userID, domain.AuthTwoFactorRequired)
	if err != nil {
		return m.State(userID), err
	}

	err = s.client.CheckPassword(ctx, password)
	switch {
	case err == nil:
		if !m.authenticated(ctx, userID, s) {
			return m.superseded(userID)
		}
		return domain.AuthAuthenticated, nil
	case errors.Is(err, domain.ErrInvalidPassword):
		metrics.ObserveAuth("invalid_password")
		return domain.AuthTwoFactorRequired, err
	default:
		m.log.Warn().Err(err).Int64("user", userID).Msg("session: ошибка проверки пароля")
		return domain.AuthTwoFactorRequired, external(err)
	}
}

// GetSession возвращает авторизованную сессию без попытки повторного входа.
func (m *Manager) GetSession(userID int64) (domain.UserClient, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[userID]
	if !ok || s.state != domain.AuthAuthenticated {
		return nil, false
	}
	return s.client, true
}

// Subscribe регистрирует обработчик источника. Повторный вызов для той же пары ничего не делает.
func (m *Manager) Subscribe(userID, sourceID int64, handler Handler) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[userID]
	if !ok || s.state != domain.AuthAuthenticated {
		return false, domain.ErrNoSession
	}
	key := subKey{userID: userID, sourceID: sourceID}
	if _, exists := m.subs[key]; exists {
		return false, nil
	}
	m.subs[key] = handler
	metrics.ActiveSubscriptions.Set(float64(len(m.subs)))
	return true, nil
}

// Unsubscribe удаляет обработчик источника, если он есть.
func (m *Manager) Unsubscribe(userID, sourceID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, subKey{userID: userID, sourceID: sourceID})
	metrics.ActiveSubscriptions.Set(float64(len(m.subs)))
}

// Subscribed сообщает, есть ли подписка на источник.
func (m *Manager) Subscribed(userID, sourceID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[subKey{userID: userID, sourceID: sourceID}]
	return ok
}

// Logout закрывает сессию пользователя и снимает его подписки. Без сессии ничего не делает.
func (m *Manager) Logout(userID int64) {
	m.mu.Lock()
	s, ok := m.users[userID]
	delete(m.users, userID)
	for key := range m.subs {
		if key.userID == userID {
			delete(m.subs, key)
		}
	}
	metrics.ActiveSubscriptions.Set(float64(len(m.subs)))
	m.observeSessionsLocked()
	m.mu.Unlock()

	if ok && s.client != nil {
		m.closeClient(userID, s.client)
	}
}

// Close закрывает все подключения при остановке процесса и дожидается начатых пересылок.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Logout(id)
	}
	m.routes.Wait()
}

// Wait дожидается обработки уже принятых сообщений.
func (m *Manager) Wait() {
	m.routes.Wait()
}

// route ставит сообщение из клиента пользователя в очередь (пользователь, источник).
// Сообщения одного источника обрабатываются строго в порядке поступления.
func (m *Manager) route(ctx context.Context, msg domain.InboundMessage) {
	key := subKey{userID: msg.Owner, sourceID: msg.SourceID}
	m.mu.Lock()
	_, ok := m.subs[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	ctx = context.WithoutCancel(ctx)
	m.routes.Do(key, func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error().Interface("panic", r).Int64("user", msg.Owner).Int64("source", msg.SourceID).Msg("session: паника в обработчике подписки")
			}
		}()
		m.mu.Lock()
		handler, ok := m.subs[key]
		m.mu.Unlock()
		if ok {
			handler(ctx, msg)
		}
	})
}

func (m *Manager) pending(userID int64, want domain.AuthState) (*userSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[userID]
	if !ok || s.state != want {
		return nil, domain.ErrLoginNotStarted
	}
	cp := *s
	return &cp, nil
}

func (m *Manager) transition(userID int64, client domain.UserClient, state domain.AuthState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[userID]
	if !ok || s.client != client {
		return false
	}
	s.state = state
	m.observeSessionsLocked()
	metrics.ObserveAuth(state.String())
	return true
}

func (m *Manager) authenticated(ctx context.Context, userID int64, s *userSession) bool {
	if !m.transition(userID, s.client, domain.AuthAuthenticated) {
		return false
	}
	m.log.Info().Int64("user", userID).Msg("session: пользователь авторизован")
	m.mu.Lock()
	hook := m.onAuthenticated
	m.mu.Unlock()
	if hook != nil {
		hook(ctx, userID, s.cred)
	}
	return true
}

// superseded отвечает на шаг входа, клиент которого уже заменён новым BeginLogin.
func (m *Manager) superseded(userID int64) (domain.AuthState, error) {
	m.log.Debug().Int64("user", userID).Msg("session: вход перезапущен, результат шага отброшен")
	return m.State(userID), domain.ErrLoginNotStarted
}

func (m *Manager) observeSessionsLocked() {
	n := 0
	for _, s := range m.users {
		if s.state == domain.AuthAuthenticated {
			n++
		}
	}
	metrics.ActiveSessions.Set(float64(n))
}

func (m *Manager) closeClient(userID int64, client domain.UserClient) {
	if err := client.Close(); err != nil {
		m.log.Warn().Err(err).Int64("user", userID).Msg("session: ошибка закрытия клиента")
	}
}

func external(err error) error {
	if errors.Is(err, domain.ErrExternalUnavailable) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrExternalUnavailable, err)
}
