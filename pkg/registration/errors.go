package registration

import (
	"fmt"
	"time"
)

// ErrorCategory категория ошибки регистрации
type ErrorCategory string

const (
	// Транспортные и временные ошибки: обрабатываются повторной попыткой
	CategoryTransportUnavailable ErrorCategory = "TRANSPORT_UNAVAILABLE"
	CategoryServiceUnavailable   ErrorCategory = "SERVICE_UNAVAILABLE"
	CategoryTimeout              ErrorCategory = "TIMEOUT"

	// Терминальные для текущего цикла
	CategoryAuthRejected   ErrorCategory = "AUTH_REJECTED"
	CategoryHostUnresolved ErrorCategory = "HOST_UNRESOLVED"
	CategoryProtocolFatal  ErrorCategory = "PROTOCOL_FATAL"

	// Отклоняются синхронно, без смены состояния
	CategoryConfigurationInvalid ErrorCategory = "CONFIGURATION_INVALID"
)

// String возвращает строковое представление категории
func (c ErrorCategory) String() string {
	return string(c)
}

// Retryable сообщает, обрабатывается ли категория повторной попыткой
func (c ErrorCategory) Retryable() bool {
	switch c {
	case CategoryTransportUnavailable, CategoryServiceUnavailable, CategoryTimeout:
		return true
	}
	return false
}

// Error структурированная ошибка регистрации
type Error struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Category   ErrorCategory `json:"category"`
	StatusCode int           `json:"status_code,omitempty"`
	AccountID  string        `json:"account_id,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Retryable  bool          `json:"retryable"`

	Fields map[string]interface{} `json:"fields,omitempty"`
	Cause  error                  `json:"cause,omitempty"`
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (код %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is сравнивает по категории с сентинел-ошибками (Err*), у которых пустой Code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return t.Category == e.Category
	}
	return t.Code == e.Code && t.Category == e.Category
}

// WithField добавляет поле контекста
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithAccount привязывает ошибку к аккаунту
func (e *Error) WithAccount(id string) *Error {
	e.AccountID = id
	return e
}

// NewError создает ошибку регистрации
func NewError(code string, category ErrorCategory, statusCode int, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Category:   category,
		StatusCode: statusCode,
		Timestamp:  time.Now(),
		Retryable:  category.Retryable(),
	}
}

// Сентинел-ошибки для errors.Is
var (
	ErrTransportUnavailable = &Error{Category: CategoryTransportUnavailable}
	ErrServiceUnavailable   = &Error{Category: CategoryServiceUnavailable}
	ErrTimeout              = &Error{Category: CategoryTimeout}
	ErrAuthRejected         = &Error{Category: CategoryAuthRejected}
	ErrHostUnresolved       = &Error{Category: CategoryHostUnresolved}
	ErrProtocolFatal        = &Error{Category: CategoryProtocolFatal}
	ErrConfigurationInvalid = &Error{Category: CategoryConfigurationInvalid}
)

func errTransport(cause error) *Error {
	return NewError("TRANSPORT_ERROR", CategoryTransportUnavailable, 503,
		"транспорт недоступен").WithCause(cause)
}

func errHostUnresolved(host string, cause error) *Error {
	return NewError("HOST_UNRESOLVED", CategoryHostUnresolved, 404,
		fmt.Sprintf("не удалось разрешить адрес регистратора %q", host)).
		WithField("host", host).WithCause(cause)
}

func errNoCredentials(realm string) *Error {
	return NewError("NO_CREDENTIALS", CategoryAuthRejected, 401,
		fmt.Sprintf("нет учетных данных для realm %q", realm)).WithField("realm", realm)
}

func errConfiguration(cause error) *Error {
	return NewError("INVALID_CONFIGURATION", CategoryConfigurationInvalid, 0,
		"неверная конфигурация").WithCause(cause)
}

// NewInvalidRequestError запрос нельзя сформировать из настроек аккаунта
// (неверный URI, адрес). Повтор того же запроса не поможет.
func NewInvalidRequestError(cause error) *Error {
	return NewError("INVALID_REQUEST", CategoryProtocolFatal, 0,
		"запрос не сформирован").WithCause(cause)
}
