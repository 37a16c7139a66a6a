// Package signals шина сигналов регистрации поверх asaskevich/EventBus.
//
// Bus реализует registration.Signals: сессии публикуют события, UI и
// остальные подсистемы подписываются на типизированные темы.
package signals

import (
	"log/slog"

	evbus "github.com/asaskevich/EventBus"

	"github.com/arzzra/sipreg/pkg/logging"
	"github.com/arzzra/sipreg/pkg/registration"
)

// Темы шины
const (
	TopicRegistrationState = "registration:state"
	TopicStunFailed        = "registration:stun_failed"
	TopicContactChanged    = "registration:contact_changed"
	TopicMessageStatus     = "message:status"
)

// RegistrationStateEvent смена состояния регистрации
type RegistrationStateEvent struct {
	AccountID   string
	State       registration.State
	Code        int
	Description string
}

// StunFailedEvent STUN не смог определить внешний адрес
type StunFailedEvent struct {
	AccountID string
}

// ContactChangedEvent изменился публикуемый адрес Contact
type ContactChangedEvent struct {
	AccountID string
	Address   string
}

// MessageStatusEvent итог отправки MESSAGE
type MessageStatusEvent struct {
	AccountID string
	To        string
	MessageID string
	Success   bool
}

// Option настраивает Bus
type Option func(*Bus)

// WithLogger задает логгер
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) {
		b.log = log
	}
}

// WithAsyncDelivery доставляет события подписчикам в отдельных горутинах.
// Вызовы одного подписчика выполняются последовательно.
func WithAsyncDelivery() Option {
	return func(b *Bus) {
		b.async = true
	}
}

// Bus шина сигналов
type Bus struct {
	bus   evbus.Bus
	log   *slog.Logger
	async bool
}

var _ registration.Signals = (*Bus)(nil)

// New создает шину
func New(opts ...Option) *Bus {
	b := &Bus{bus: evbus.New()}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logging.Component(b.log, "signals")
	return b
}

// RegistrationStateChanged публикует смену состояния
func (b *Bus) RegistrationStateChanged(accountID string, state registration.State, code int, description string) {
	b.publish(TopicRegistrationState, RegistrationStateEvent{
		AccountID:   accountID,
		State:       state,
		Code:        code,
		Description: description,
	})
}

// StunResolutionFailed публикует сбой STUN
func (b *Bus) StunResolutionFailed(accountID string) {
	b.publish(TopicStunFailed, StunFailedEvent{AccountID: accountID})
}

// ContactAddressChanged публикует новый адрес Contact
func (b *Bus) ContactAddressChanged(accountID, address string) {
	b.publish(TopicContactChanged, ContactChangedEvent{AccountID: accountID, Address: address})
}

// MessageStatusChanged публикует итог отправки сообщения
func (b *Bus) MessageStatusChanged(accountID, to, messageID string, success bool) {
	b.publish(TopicMessageStatus, MessageStatusEvent{
		AccountID: accountID,
		To:        to,
		MessageID: messageID,
		Success:   success,
	})
}

func (b *Bus) publish(topic string, event any) {
	if !b.bus.HasCallback(topic) {
		return
	}
	b.log.Debug("публикация сигнала", "topic", topic)
	b.bus.Publish(topic, event)
}

// OnRegistrationState подписывает fn на смену состояния регистрации.
// Возвращает функцию отписки.
func (b *Bus) OnRegistrationState(fn func(RegistrationStateEvent)) (func(), error) {
	return b.subscribe(TopicRegistrationState, fn)
}

// OnStunFailed подписывает fn на сбои STUN
func (b *Bus) OnStunFailed(fn func(StunFailedEvent)) (func(), error) {
	return b.subscribe(TopicStunFailed, fn)
}

// OnContactChanged подписывает fn на смену адреса Contact
func (b *Bus) OnContactChanged(fn func(ContactChangedEvent)) (func(), error) {
	return b.subscribe(TopicContactChanged, fn)
}

// OnMessageStatus подписывает fn на итоги отправки сообщений
func (b *Bus) OnMessageStatus(fn func(MessageStatusEvent)) (func(), error) {
	return b.subscribe(TopicMessageStatus, fn)
}

func (b *Bus) subscribe(topic string, fn any) (func(), error) {
	var err error
	if b.async {
		err = b.bus.SubscribeAsync(topic, fn, true)
	} else {
		err = b.bus.Subscribe(topic, fn)
	}
	if err != nil {
		return nil, err
	}
	return func() {
		if err := b.bus.Unsubscribe(topic, fn); err != nil {
			b.log.Debug("подписка уже снята", "topic", topic, "error", err)
		}
	}, nil
}

// Wait ждет завершения асинхронных обработчиков
func (b *Bus) Wait() {
	b.bus.WaitAsync()
}
