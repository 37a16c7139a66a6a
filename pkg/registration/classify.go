package registration

import (
	"context"
	"errors"
	"fmt"
)

// Outcome класс итогового ответа на REGISTER
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeUnregistered
	OutcomeAuthChallenge
	OutcomeRecoverable
	OutcomeFatal
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeUnregistered:
		return "unregistered"
	case OutcomeAuthChallenge:
		return "auth_challenge"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "transport_error"
	}
}

// Classification результат классификации ответа
type Classification struct {
	Outcome Outcome
	// State - состояние, в которое переходит сессия
	State State
	// Expiration - выданное регистратором время жизни (для Success)
	Expiration  uint32
	StatusCode  int
	Description string
	Err         *Error
}

// Retry сообщает, нужно ли планировать повторную попытку
func (c Classification) Retry() bool {
	return c.Outcome == OutcomeRecoverable || c.Outcome == OutcomeTransportError
}

// Classify относит ответ транспорта к одному из классов диспетчеризации.
//
// Повторяются: 408, 500, 502, 503, 504 и ошибки транспорта.
// 401/407 здесь означает повторный challenge после DigestAuthRetrier.
// 403 и 404 терминальны. 6xx и прочие коды не повторяются.
func Classify(res *Response, err error, requestedExpire uint32) Classification {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e := NewError("REQUEST_TIMEOUT", CategoryTimeout, 408, "таймаут запроса").WithCause(err)
			return Classification{Outcome: OutcomeRecoverable, State: StateErrorGeneric,
				StatusCode: 408, Description: "Request Timeout", Err: e}
		}
		var re *Error
		if errors.As(err, &re) && !re.Retryable {
			return Classification{Outcome: OutcomeFatal, State: stateForCategory(re.Category),
				StatusCode: re.StatusCode, Description: re.Message, Err: re}
		}
		e := re
		if e == nil {
			e = errTransport(err)
		}
		return Classification{Outcome: OutcomeTransportError, State: StateErrorGeneric,
			StatusCode: 503, Description: "Transport Error", Err: e}
	}
	if res == nil {
		e := NewError("EMPTY_RESPONSE", CategoryProtocolFatal, 0, "транспорт не вернул ответ")
		return Classification{Outcome: OutcomeFatal, State: StateErrorGeneric, Description: e.Message, Err: e}
	}

	code := res.StatusCode
	c := Classification{StatusCode: code, Description: res.Reason}

	switch {
	case code >= 200 && code < 300:
		c.Expiration = requestedExpire
		if res.Expiration >= 0 {
			c.Expiration = uint32(res.Expiration)
		}
		if c.Expiration == 0 {
			c.Outcome, c.State = OutcomeUnregistered, StateUnregistered
		} else {
			c.Outcome, c.State = OutcomeSuccess, StateRegistered
		}
		return c

	case code == 401 || code == 407:
		c.Outcome, c.State = OutcomeAuthChallenge, StateErrorAuth
		c.Err = NewError("AUTH_CHALLENGE_REPEATED", CategoryAuthRejected, code, "повторный challenge")
	case code == 403:
		c.Outcome, c.State = OutcomeFatal, StateErrorAuth
		c.Err = NewError("FORBIDDEN", CategoryAuthRejected, code, "регистрация запрещена")
	case code == 404:
		c.Outcome, c.State = OutcomeFatal, StateErrorHost
		c.Err = NewError("NOT_FOUND", CategoryHostUnresolved, code, "пользователь или домен не найден")
	case code == 408:
		c.Outcome, c.State = OutcomeRecoverable, StateErrorGeneric
		c.Err = NewError("REQUEST_TIMEOUT", CategoryTimeout, code, "таймаут запроса")
	case code == 503:
		c.Outcome, c.State = OutcomeRecoverable, StateErrorServiceUnavailable
		c.Err = NewError("SERVICE_UNAVAILABLE", CategoryServiceUnavailable, code, "сервис недоступен")
	case code == 504:
		c.Outcome, c.State = OutcomeRecoverable, StateErrorGeneric
		c.Err = NewError("GATEWAY_TIMEOUT", CategoryTimeout, code, "таймаут шлюза")
	case code == 500 || code == 502:
		c.Outcome, c.State = OutcomeRecoverable, StateErrorGeneric
		c.Err = NewError("SERVER_ERROR", CategoryServiceUnavailable, code, "ошибка сервера")
	case code < 200:
		c.Outcome, c.State = OutcomeFatal, StateErrorGeneric
		c.Err = NewError("PROVISIONAL_RESPONSE", CategoryProtocolFatal, code, "транспорт вернул предварительный ответ")
	default:
		c.Outcome, c.State = OutcomeFatal, StateErrorGeneric
		c.Err = NewError("REQUEST_FAILED", CategoryProtocolFatal, code,
			fmt.Sprintf("запрос отклонен: %d %s", code, res.Reason))
	}
	c.Err.Retryable = c.Retry()
	return c
}

func stateForCategory(c ErrorCategory) State {
	switch c {
	case CategoryAuthRejected:
		return StateErrorAuth
	case CategoryHostUnresolved:
		return StateErrorHost
	case CategoryServiceUnavailable:
		return StateErrorServiceUnavailable
	default:
		return StateErrorGeneric
	}
}

// responseClass метка класса ответа для метрик
func responseClass(c Classification) string {
	if c.Outcome == OutcomeTransportError {
		return "transport_error"
	}
	if c.StatusCode == 0 {
		return "none"
	}
	return fmt.Sprintf("%dxx", c.StatusCode/100)
}
