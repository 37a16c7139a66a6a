package registration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/arzzra/sipreg/pkg/account"
	"github.com/arzzra/sipreg/pkg/eventloop"
	"github.com/arzzra/sipreg/pkg/logging"
)

// Manager реестр сессий всех аккаунтов процесса
type Manager struct {
	loop    *eventloop.Loop
	deps    Dependencies
	opts    []Option
	log     *slog.Logger
	baseLog *slog.Logger
	lookup  account.LookupFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
}

// ManagerConfig параметры Manager
type ManagerConfig struct {
	Logger  *slog.Logger
	Metrics *Metrics
	// Lookup используется в Find; nil - системный резолвер
	Lookup    account.LookupFunc
	Scheduler SchedulerConfig
}

// NewManager создает реестр сессий
func NewManager(loop *eventloop.Loop, deps Dependencies, cfg ManagerConfig) *Manager {
	lookup := cfg.Lookup
	if lookup == nil {
		lookup = account.DefaultLookup
	}
	return &Manager{
		loop:    loop,
		deps:    deps,
		log:     logging.Component(cfg.Logger, "manager"),
		baseLog: cfg.Logger,
		lookup:  lookup,
		opts: []Option{
			WithLogger(cfg.Logger),
			WithMetrics(cfg.Metrics),
			WithSchedulerConfig(cfg.Scheduler),
		},
		sessions: make(map[string]*Session),
	}
}

// Add создает аккаунт и его сессию
func (m *Manager) Add(cfg account.Config) (*Session, error) {
	acc, err := account.New(cfg, m.baseLog)
	if err != nil {
		return nil, errConfiguration(err).WithAccount(cfg.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[cfg.ID]; exists {
		return nil, NewError("DUPLICATE_ACCOUNT", CategoryConfigurationInvalid, 0,
			fmt.Sprintf("аккаунт %q уже существует", cfg.ID)).WithAccount(cfg.ID)
	}

	s, err := NewSession(acc, m.loop, m.deps, m.opts...)
	if err != nil {
		return nil, err
	}
	m.sessions[cfg.ID] = s
	m.order = append(m.order, cfg.ID)
	m.log.Info("аккаунт добавлен", "account", cfg.ID, "transport", cfg.Transport.String())
	return s, nil
}

// Get возвращает сессию по идентификатору аккаунта
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions возвращает сессии в порядке добавления
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id])
	}
	return out
}

// Configs возвращает текущие значения аккаунтов для сохранения
func (m *Manager) Configs() []account.Config {
	sessions := m.Sessions()
	out := make([]account.Config, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Account().Config())
	}
	return out
}

// RegisterAll запускает регистрацию всех включенных аккаунтов
func (m *Manager) RegisterAll() {
	for _, s := range m.Sessions() {
		if s.Account().Usable() {
			s.Register()
		}
	}
}

// ConnectivityChanged сообщает всем сессиям о смене сети
func (m *Manager) ConnectivityChanged() {
	m.log.Info("сеть изменилась, перерегистрация аккаунтов")
	for _, s := range m.Sessions() {
		s.ConnectivityChanged()
	}
}

// Find возвращает аккаунт, лучше всего подходящий пользователю и серверу
// входящего запроса. Полное совпадение предпочтительнее частичного; при
// равенстве выигрывает аккаунт, добавленный раньше.
func (m *Manager) Find(ctx context.Context, username, server string) (*Session, account.MatchRank) {
	var (
		best *Session
		rank = account.MatchNone
	)
	for _, s := range m.Sessions() {
		r := s.Account().Matches(ctx, username, server, m.lookup)
		if r > rank {
			best, rank = s, r
			if r == account.MatchFull {
				break
			}
		}
	}
	return best, rank
}

// Remove снимает регистрацию аккаунта и удаляет его
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		for i, v := range m.order {
			if v == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	err := unregisterAndWait(ctx, s)
	s.Close()
	return err
}

// Shutdown параллельно снимает регистрацию всех аккаунтов
func (m *Manager) Shutdown(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m.Sessions() {
		s := s
		g.Go(func() error {
			defer s.Close()
			return unregisterAndWait(ctx, s)
		})
	}
	return g.Wait()
}

func unregisterAndWait(ctx context.Context, s *Session) error {
	done := make(chan struct{})
	s.Unregister(func(bool) { close(done) })

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("снятие регистрации %s: %w", s.AccountID(), ctx.Err())
	}
}
