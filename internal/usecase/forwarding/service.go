package forwarding

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"tg-forward-bot/internal/domain"
	"tg-forward-bot/internal/usecase/session"
)

// RuleStore описывает операции с правилами, которые меняют подписки.
type RuleStore interface {
	AddDestination(ctx context.Context, userID, sourceID, destID int64) ([]int64, error)
	RemoveDestination(ctx context.Context, userID, sourceID, destID int64) ([]int64, error)
	Rules(ctx context.Context, userID int64) (domain.RuleSet, error)
	BindCredentials(ctx context.Context, userID int64, cred domain.Credential) error
}

// Subscriptions управляет таблицей подписок менеджера сессий.
type Subscriptions interface {
	Subscribe(userID, sourceID int64, handler session.Handler) (bool, error)
	Unsubscribe(userID, sourceID int64)
}

// Service держит подписки в соответствии с правилами пользователя.
type Service struct {
	rules      RuleStore
	subs       Subscriptions
	dispatcher *Dispatcher
	log        zerolog.Logger
}

// NewService создаёт сервис пересылки.
func NewService(rules RuleStore, subs Subscriptions, dispatcher *Dispatcher, log zerolog.Logger) *Service {
	return &Service{rules: rules, subs: subs, dispatcher: dispatcher, log: log}
}

// AddDestination сохраняет правило и сразу подписывается на источник, если сессия уже есть.
func (s *Service) AddDestination(ctx context.Context, userID, sourceID, destID int64) ([]int64, error) {
	dests, err := s.rules.AddDestination(ctx, userID, sourceID, destID)
	if err != nil {
		return nil, err
	}
	s.subscribe(userID, sourceID)
	return dests, nil
}

// RemoveDestination удаляет правило. Когда у источника не остаётся получателей, подписка снимается.
func (s *Service) RemoveDestination(ctx context.Context, userID, sourceID, destID int64) ([]int64, error) {
	remaining, err := s.rules.RemoveDestination(ctx, userID, sourceID, destID)
	if err != nil {
		return nil, err
	}
	if len(remaining) == 0 {
		s.subs.Unsubscribe(userID, sourceID)
		s.log.Info().Int64("user", userID).Int64("source", sourceID).Msg("forwarding: подписка снята")
	}
	return remaining, nil
}

// Authenticated закрепляет данные, которыми выполнен вход, и включает подписки пользователя.
func (s *Service) Authenticated(ctx context.Context, userID int64, cred domain.Credential) {
	if err := s.rules.BindCredentials(ctx, userID, cred); err != nil {
		s.log.Error().Err(err).Int64("user", userID).Msg("forwarding: не удалось сохранить учётные данные")
	}
	s.Activate(ctx, userID)
}

// Activate подписывает пользователя на все источники из его правил. Вызывается после входа.
func (s *Service) Activate(ctx context.Context, userID int64) {
	rules, err := s.rules.Rules(ctx, userID)
	if err != nil {
		s.log.Error().Err(err).Int64("user", userID).Msg("forwarding: не удалось загрузить правила")
		return
	}
	for _, sourceID := range rules.Sources() {
		s.subscribe(userID, sourceID)
	}
}

// Dispatch передаёт сообщение диспетчеру.
func (s *Service) Dispatch(ctx context.Context, msg domain.InboundMessage) Report {
	return s.dispatcher.Dispatch(ctx, msg)
}

func (s *Service) handle(ctx context.Context, msg domain.InboundMessage) {
	s.dispatcher.Dispatch(ctx, msg)
}

func (s *Service) subscribe(userID, sourceID int64) {
	added, err := s.subs.Subscribe(userID, sourceID, s.handle)
	switch {
	case errors.Is(err, domain.ErrNoSession):
		s.log.Debug().Int64("user", userID).Int64("source", sourceID).Msg("forwarding: подписка отложена до входа")
	case err != nil:
		s.log.Warn().Err(err).Int64("user", userID).Int64("source", sourceID).Msg("forwarding: не удалось подписаться")
	case added:
		s.log.Info().Int64("user", userID).Int64("source", sourceID).Msg("forwarding: подписка добавлена")
	}
}
