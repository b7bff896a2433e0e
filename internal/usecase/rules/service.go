package rules

import (
	"context"
	"fmt"

	"tg-forward-bot/internal/domain"
)

// Service управляет правилами пересылки и учётными данными пользователя.
type Service struct {
	repo domain.ConfigRepo
}

// NewService создаёт сервис правил.
func NewService(repo domain.ConfigRepo) *Service {
	return &Service{repo: repo}
}

// AddDestination добавляет получателя к источнику. Повторное добавление ничего не меняет.
func (s *Service) AddDestination(ctx context.Context, userID, sourceID, destID int64) ([]int64, error) {
	if sourceID == 0 || destID == 0 {
		return nil, domain.ErrValidation
	}
	key := domain.SourceKey(sourceID)
	cfg, err := s.repo.Update(ctx, userID, func(cfg *domain.UserConfig) error {
		if cfg.Rules == nil {
			cfg.Rules = domain.RuleSet{}
		}
		for _, existing := range cfg.Rules[key] {
			if existing == destID {
				return nil
			}
		}
		cfg.Rules[key] = append(cfg.Rules[key], destID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("добавление правила: %w", err)
	}
	return append([]int64(nil), cfg.Rules[key]...), nil
}

// RemoveDestination удаляет получателя. Последний получатель удаляет и источник.
// Возвращает оставшихся получателей источника.
func (s *Service) RemoveDestination(ctx context.Context, userID, sourceID, destID int64) ([]int64, error) {
	key := domain.SourceKey(sourceID)
	cfg, err := s.repo.Update(ctx, userID, func(cfg *domain.UserConfig) error {
		dests, ok := cfg.Rules[key]
		if !ok {
			return fmt.Errorf("источник %s: %w", key, domain.ErrNotFound)
		}
		idx := -1
		for i, existing := range dests {
			if existing == destID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("получатель %d для источника %s: %w", destID, key, domain.ErrNotFound)
		}
		remaining := append(append([]int64(nil), dests[:idx]...), dests[idx+1:]...)
		if len(remaining) == 0 {
			delete(cfg.Rules, key)
			return nil
		}
		cfg.Rules[key] = remaining
		return nil
	})
	if err != nil {
		return nil, err
	}
	return append([]int64(nil), cfg.Rules[key]...), nil
}

// HasSource сообщает, есть ли у пользователя правила для источника.
func (s *Service) HasSource(ctx context.Context, userID, sourceID int64) (bool, error) {
	cfg, err := s.repo.Load(ctx, userID)
	if err != nil {
		return false, err
	}
	_, ok := cfg.Rules[domain.SourceKey(sourceID)]
	return ok, nil
}

// Rules возвращает копию правил пользователя.
func (s *Service) Rules(ctx context.Context, userID int64) (domain.RuleSet, error) {
	cfg, err := s.repo.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return cfg.Rules.Clone(), nil
}

// Credential возвращает сохранённые учётные данные пользователя.
func (s *Service) Credential(ctx context.Context, userID int64) (domain.Credential, error) {
	cfg, err := s.repo.Load(ctx, userID)
	if err != nil {
		return domain.Credential{}, err
	}
	return cfg.Credential, nil
}

// BindCredentials привязывает учётные данные. Другие значения для уже привязанного
// пользователя отклоняются с ErrCredentialMismatch.
func (s *Service) BindCredentials(ctx context.Context, userID int64, cred domain.Credential) error {
	if cred.APIID <= 0 || cred.APIHash == "" || cred.Phone == "" {
		return domain.ErrValidation
	}
	_, err := s.repo.Update(ctx, userID, func(cfg *domain.UserConfig) error {
		if cfg.Credential.IsZero() {
			cfg.Credential = cred
			return nil
		}
		if cfg.Credential != cred {
			return domain.ErrCredentialMismatch
		}
		return nil
	})
	return err
}

// ListAll возвращает правила всех пользователей, читая хранилище при каждом вызове.
func (s *Service) ListAll(ctx context.Context) (map[int64]domain.RuleSet, error) {
	all, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]domain.RuleSet, len(all))
	for userID, cfg := range all {
		if len(cfg.Rules) == 0 {
			continue
		}
		out[userID] = cfg.Rules
	}
	return out, nil
}
