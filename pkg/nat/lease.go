// Package nat внешние адреса для Contact: STUN и проброс портов на шлюзе
// через UPnP IGD и NAT-PMP.
package nat

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/arzzra/sipreg/pkg/registration"
)

// Параметры аренды проброса
const (
	DefaultLeaseDuration = time.Hour
	renewTimeout         = 10 * time.Second
)

// renewFunc продлевает проброс и возвращает его текущее состояние
type renewFunc func(ctx context.Context) (registration.Mapping, error)

// lease продлевает проброс на половине срока аренды и сообщает об изменениях
type lease struct {
	clock    clock.Clock
	period   time.Duration
	renew    renewFunc
	onChange func(registration.Mapping)
	log      *slog.Logger

	mu      sync.Mutex
	current registration.Mapping
	cancel  context.CancelFunc
	done    chan struct{}
}

func startLease(clk clock.Clock, duration time.Duration, m registration.Mapping,
	renew renewFunc, onChange func(registration.Mapping), log *slog.Logger) *lease {
	ctx, cancel := context.WithCancel(context.Background())
	l := &lease{
		clock:    clk,
		period:   duration / 2,
		renew:    renew,
		onChange: onChange,
		log:      log,
		current:  m,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go l.run(ctx)
	return l
}

func (l *lease) run(ctx context.Context) {
	defer close(l.done)
	ticker := l.clock.Ticker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rctx, cancel := context.WithTimeout(ctx, renewTimeout)
		m, err := l.renew(rctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		l.mu.Lock()
		prev := l.current
		if err != nil {
			l.current.State = registration.MappingFailed
			failed := l.current
			l.mu.Unlock()
			l.log.Warn("продление проброса порта не удалось", "port", prev.InternalPort, "error", err)
			l.notify(failed)
			return
		}
		l.current = m
		l.mu.Unlock()

		if m.ExternalPort != prev.ExternalPort || m.ExternalAddr != prev.ExternalAddr {
			l.log.Info("внешний адрес проброса изменился",
				"old_port", prev.ExternalPort, "new_port", m.ExternalPort, "external_ip", m.ExternalAddr)
			l.notify(m)
		}
	}
}

func (l *lease) notify(m registration.Mapping) {
	if l.onChange != nil {
		l.onChange(m)
	}
}

// Current возвращает последнее известное состояние проброса
func (l *lease) Current() registration.Mapping {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// stop останавливает продление и ждет выхода горутины
func (l *lease) stop() {
	l.cancel()
	<-l.done
}

// leaseKey ключ проброса: протокол и внутренний порт
func leaseKey(protocol string, internalPort uint16) string {
	return strings.ToLower(protocol) + ":" + strconv.Itoa(int(internalPort))
}
