package registration

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/arzzra/sipreg/pkg/eventloop"
	"github.com/arzzra/sipreg/pkg/logging"
)

// Задержки повторной регистрации
const (
	DefaultFirstRetryDelay = 60 * time.Second
	DefaultRetryDelay      = 300 * time.Second

	// jitterWindow - разброс задержки, миллисекунды
	jitterWindow = 10000
	// jitterFloor - база, ниже которой задержка заменяется случайной [0, jitterWindow]
	jitterFloor = 10 * time.Second
)

// RandFunc возвращает случайное число в [0, n)
type RandFunc func(n int64) int64

// RetryDelay вычисляет задержку перед попыткой: первая после сбоя - first,
// последующие - next. При базе не меньше 10 с добавляется равномерный
// разброс [-10000, +10000] мс, иначе задержка равна случайной [0, 10000] мс.
// Результат всегда неотрицательный.
func RetryDelay(attempts uint32, first, next time.Duration, rnd RandFunc) time.Duration {
	if rnd == nil {
		rnd = rand.Int64N
	}
	base := first
	if attempts > 0 {
		base = next
	}

	var delay time.Duration
	if base >= jitterFloor {
		offset := rnd(2*jitterWindow+1) - jitterWindow
		delay = base + time.Duration(offset)*time.Millisecond
	} else {
		delay = time.Duration(rnd(jitterWindow+1)) * time.Millisecond
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// SchedulerConfig параметры планировщика
type SchedulerConfig struct {
	FirstDelay time.Duration
	Delay      time.Duration
	Rand       RandFunc
	Logger     *slog.Logger
}

// Scheduler держит не более одного таймера повторной регистрации.
//
// Таймер хранит только слабую ссылку на владельца: если владелец уничтожен
// до срабатывания, fire ничего не делает.
type Scheduler[T any] struct {
	loop   *eventloop.Loop
	target weak.Pointer[T]
	fire   func(*T)
	cfg    SchedulerConfig
	log    *slog.Logger

	mu          sync.Mutex
	timer       *eventloop.Timer
	seq         uint64
	active      bool
	scheduledAt time.Time
	delay       time.Duration

	attempts atomic.Uint32
}

// NewScheduler создает планировщик для target. fire вызывается в цикле событий.
func NewScheduler[T any](loop *eventloop.Loop, target *T, fire func(*T), cfg SchedulerConfig) *Scheduler[T] {
	if cfg.FirstDelay <= 0 {
		cfg.FirstDelay = DefaultFirstRetryDelay
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultRetryDelay
	}
	return &Scheduler[T]{
		loop:   loop,
		target: weak.Make(target),
		fire:   fire,
		cfg:    cfg,
		log:    logging.Component(cfg.Logger, "scheduler"),
	}
}

// Schedule отменяет текущий таймер и планирует новый. Возвращает задержку.
func (s *Scheduler[T]) Schedule() time.Duration {
	delay := RetryDelay(s.attempts.Load(), s.cfg.FirstDelay, s.cfg.Delay, s.cfg.Rand)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.timer.Stop()
	s.seq++
	seq := s.seq
	s.active = true
	s.scheduledAt = s.loop.Clock().Now()
	s.delay = delay
	s.timer = s.loop.AfterFunc(delay, func() { s.onTimer(seq) })

	s.log.Info("повторная регистрация запланирована",
		"delay", delay,
		"attempt", s.attempts.Load()+1,
	)
	return delay
}

// Cancel отменяет ожидающий таймер, счетчик попыток сохраняется
func (s *Scheduler[T]) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Scheduler[T]) cancelLocked() {
	s.timer.Stop()
	s.timer = nil
	s.active = false
}

// Reset отменяет таймер и обнуляет счетчик попыток (после успешной регистрации)
func (s *Scheduler[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.attempts.Store(0)
}

// Attempts возвращает число выполненных повторных попыток
func (s *Scheduler[T]) Attempts() uint32 {
	return s.attempts.Load()
}

// Pending сообщает, ожидает ли таймер срабатывания
func (s *Scheduler[T]) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NextAt возвращает время срабатывания ожидающего таймера
func (s *Scheduler[T]) NextAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return time.Time{}, false
	}
	return s.scheduledAt.Add(s.delay), true
}

// onTimer выполняется в цикле событий
func (s *Scheduler[T]) onTimer(seq uint64) {
	s.mu.Lock()
	if !s.active || s.seq != seq {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.timer = nil
	s.mu.Unlock()

	target := s.target.Value()
	if target == nil {
		s.log.Debug("владелец таймера уничтожен, повтор пропущен")
		return
	}

	attempt := s.attempts.Add(1)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("ошибка при повторной регистрации", "attempt", attempt, "panic_value", r)
		}
	}()
	s.fire(target)
}
