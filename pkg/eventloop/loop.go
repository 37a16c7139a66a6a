// Package eventloop реализует единый кооперативный цикл событий процесса.
//
// Все обратные вызовы ядра регистрации (ответы транспорта, таймеры,
// команды пользователя) выполняются последовательно в одной горутине цикла.
// Post никогда не блокирует вызывающего: очередь не ограничена.
//
// Паника в задаче перехватывается, логируется со стеком, цикл продолжает
// работу.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/arzzra/sipreg/pkg/logging"
)

// ErrStopped возвращается при попытке выполнить задачу в остановленном цикле
var ErrStopped = errors.New("eventloop: цикл остановлен")

// Option настраивает Loop
type Option func(*Loop)

// WithClock задает источник времени для таймеров цикла
func WithClock(c clock.Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithLogger задает логгер цикла
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) {
		l.log = logging.Component(log, "eventloop")
	}
}

// WithPanicHandler задает дополнительный обработчик восстановленных паник
func WithPanicHandler(h func(value any, stack []byte)) Option {
	return func(l *Loop) {
		l.onPanic = h
	}
}

// Loop цикл событий
type Loop struct {
	clock   clock.Clock
	log     *slog.Logger
	onPanic func(value any, stack []byte)

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}

	done     chan struct{}
	stopOnce sync.Once

	panics   atomic.Int64
	executed atomic.Int64
}

// New создает и запускает цикл событий
func New(opts ...Option) *Loop {
	l := &Loop{
		clock: clock.New(),
		log:   logging.Component(nil, "eventloop"),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.run()
	return l
}

// Clock возвращает источник времени цикла
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Post ставит задачу в очередь. Возвращает false, если цикл остановлен.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync выполняет fn в цикле и ждет завершения.
// Нельзя вызывать из горутины цикла.
func (l *Loop) Sync(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// Задача могла выполниться при дренаже очереди
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc запускает fn в цикле через d. Возвращенный Timer можно
// остановить в любой момент: после Stop задача не выполнится, даже если
// таймер уже сработал и задача стоит в очереди.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.fired.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

// Stop останавливает цикл: новые задачи не принимаются, уже поставленные
// выполняются. Ждет завершения горутины цикла. Повторный вызов безопасен.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()

		select {
		case l.wake <- struct{}{}:
		default:
		}
	})
	<-l.done
}

// Done закрывается после остановки цикла
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stats счетчики цикла
type Stats struct {
	Executed int64
	Panics   int64
	Pending  int
}

// Stats возвращает текущие счетчики
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	pending := len(l.queue)
	l.mu.Unlock()

	return Stats{
		Executed: l.executed.Load(),
		Panics:   l.panics.Load(),
		Pending:  pending,
	}
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, fn := range batch {
			l.execute(fn)
		}

		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-l.wake
	}
}

// execute выполняет задачу с восстановлением после паники
func (l *Loop) execute(fn func()) {
	defer func() {
		l.executed.Add(1)
		if r := recover(); r != nil {
			stack := debug.Stack()
			count := l.panics.Add(1)
			l.log.Error("PANIC восстановлен в задаче цикла событий",
				"panic_value", r,
				"panic_count", count,
				"stack_trace", string(stack),
			)
			if l.onPanic != nil {
				l.onPanic(r, stack)
			}
		}
	}()
	fn()
}

// Timer таймер, срабатывающий в цикле событий
type Timer struct {
	timer *clock.Timer
	fired atomic.Bool
}

// Stop отменяет таймер. Возвращает false, если задача уже выполнена или
// таймер уже остановлен.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.timer.Stop()
	return t.fired.CompareAndSwap(false, true)
}
