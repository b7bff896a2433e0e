package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"tg-forward-bot/internal/domain"
)

const fileExt = ".json"

// FileStore хранит каждого пользователя в отдельном JSON-файле <user_id>.json.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

var _ domain.ConfigRepo = (*FileStore)(nil)

// NewFileStore создаёт хранилище в каталоге dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("создание каталога данных: %w", err)
	}
	return &FileStore{dir: dir, locks: make(map[int64]*sync.Mutex)}, nil
}

func (s *FileStore) path(userID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(userID, 10)+fileExt)
}

func (s *FileStore) userLock(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// Load читает документ пользователя. Отсутствие файла равносильно пустой конфигурации.
func (s *FileStore) Load(ctx context.Context, userID int64) (domain.UserConfig, error) {
	return s.read(userID)
}

func (s *FileStore) read(userID int64) (domain.UserConfig, error) {
	data, err := os.ReadFile(s.path(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return emptyConfig(), nil
	}
	if err != nil {
		return domain.UserConfig{}, fmt.Errorf("чтение файла пользователя %d: %w", userID, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return emptyConfig(), nil
	}
	return decodeDocument(data)
}

// Save атомарно заменяет документ пользователя целиком.
func (s *FileStore) Save(ctx context.Context, userID int64, cfg domain.UserConfig) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return s.write(userID, cfg)
}

func (s *FileStore) write(userID int64, cfg domain.UserConfig) error {
	data, err := encodeDocument(cfg)
	if err != nil {
		return fmt.Errorf("сериализация пользователя %d: %w", userID, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+strconv.FormatInt(userID, 10)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("создание временного файла: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("запись временного файла: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("синхронизация временного файла: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("закрытие временного файла: %w", err)
	}
	if err := os.Rename(tmpName, s.path(userID)); err != nil {
		return fmt.Errorf("замена файла пользователя %d: %w", userID, err)
	}
	return nil
}

// Update выполняет load-modify-save под блокировкой пользователя.
func (s *FileStore) Update(ctx context.Context, userID int64, fn func(cfg *domain.UserConfig) error) (domain.UserConfig, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	cfg, err := s.read(userID)
	if err != nil {
		return domain.UserConfig{}, err
	}
	if err := fn(&cfg); err != nil {
		return domain.UserConfig{}, err
	}
	cfg.Rules = normalizeRules(cfg.Rules)
	if err := s.write(userID, cfg); err != nil {
		return domain.UserConfig{}, err
	}
	return cfg, nil
}

// ListAll читает документы всех пользователей при каждом вызове.
func (s *FileStore) ListAll(ctx context.Context) (map[int64]domain.UserConfig, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("чтение каталога данных: %w", err)
	}
	out := make(map[int64]domain.UserConfig, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		userID, err := strconv.ParseInt(strings.TrimSuffix(name, fileExt), 10, 64)
		if err != nil {
			continue
		}
		cfg, err := s.read(userID)
		if err != nil {
			return nil, err
		}
		out[userID] = cfg
	}
	return out, nil
}
