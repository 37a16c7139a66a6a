package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
)

// События конечного автомата регистрации
const (
	eventRegister      = "register"
	eventRegistered    = "registered"
	eventUnregister    = "unregister"
	eventFailGeneric   = "fail_generic"
	eventFailAuth      = "fail_auth"
	eventFailHost      = "fail_host"
	eventFailUnavailab = "fail_unavailable"
)

var allStates = []State{
	StateUnregistered,
	StateTrying,
	StateRegistered,
	StateErrorGeneric,
	StateErrorAuth,
	StateErrorHost,
	StateErrorServiceUnavailable,
}

func stateNamesOf(states ...State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}

// registrationEvents таблица переходов:
//
//	UNREGISTERED, ERROR_* --register--> TRYING
//	TRYING, REGISTERED --registered--> REGISTERED (обновление остается в REGISTERED)
//	TRYING, REGISTERED --fail_*--> ERROR_*
//	любое --unregister--> UNREGISTERED
func registrationEvents() fsm.Events {
	failSrc := stateNamesOf(StateTrying, StateRegistered)
	return fsm.Events{
		{Name: eventRegister, Src: stateNamesOf(StateUnregistered, StateErrorGeneric, StateErrorAuth,
			StateErrorHost, StateErrorServiceUnavailable), Dst: StateTrying.String()},
		{Name: eventRegistered, Src: stateNamesOf(StateTrying, StateRegistered), Dst: StateRegistered.String()},
		{Name: eventFailGeneric, Src: failSrc, Dst: StateErrorGeneric.String()},
		{Name: eventFailAuth, Src: failSrc, Dst: StateErrorAuth.String()},
		{Name: eventFailHost, Src: failSrc, Dst: StateErrorHost.String()},
		{Name: eventFailUnavailab, Src: failSrc, Dst: StateErrorServiceUnavailable.String()},
		{Name: eventUnregister, Src: stateNamesOf(allStates...), Dst: StateUnregistered.String()},
	}
}

func eventFor(to State) string {
	switch to {
	case StateTrying:
		return eventRegister
	case StateRegistered:
		return eventRegistered
	case StateErrorGeneric:
		return eventFailGeneric
	case StateErrorAuth:
		return eventFailAuth
	case StateErrorHost:
		return eventFailHost
	case StateErrorServiceUnavailable:
		return eventFailUnavailab
	default:
		return eventUnregister
	}
}

// StateTransition выполненный переход
type StateTransition struct {
	From State
	To   State
}

// stateMachine обертка над looplab/fsm с типизированными состояниями.
// Уведомление о переходе вызывается после выхода из fsm, а не из колбэка.
type stateMachine struct {
	fsm *fsm.FSM

	mu   sync.Mutex
	last *StateTransition
}

func newStateMachine() *stateMachine {
	sm := &stateMachine{}
	sm.fsm = fsm.NewFSM(
		StateUnregistered.String(),
		registrationEvents(),
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				sm.mu.Lock()
				sm.last = &StateTransition{From: parseState(e.Src), To: parseState(e.Dst)}
				sm.mu.Unlock()
			},
		},
	)
	return sm
}

// Current возвращает текущее состояние. Безопасно из любой горутины.
func (sm *stateMachine) Current() State {
	return parseState(sm.fsm.Current())
}

// Transition переводит автомат в состояние to.
// changed=false без ошибки означает, что автомат уже был в to.
func (sm *stateMachine) Transition(to State) (StateTransition, bool, error) {
	from := sm.Current()
	if from == to {
		return StateTransition{From: from, To: from}, false, nil
	}
	if !CanTransition(from, to) {
		return StateTransition{From: from, To: from}, false,
			fmt.Errorf("невалидный переход состояния: %s -> %s", from, to)
	}
	err := sm.fsm.Event(context.Background(), eventFor(to))

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		// after_event вызывается и без смены состояния
		sm.mu.Lock()
		sm.last = nil
		sm.mu.Unlock()
		return StateTransition{From: from, To: from}, false, nil
	}
	if err != nil {
		return StateTransition{From: from, To: from}, false,
			fmt.Errorf("невалидный переход состояния: %s -> %s: %w", from, to, err)
	}

	sm.mu.Lock()
	tr := sm.last
	sm.last = nil
	sm.mu.Unlock()
	if tr == nil {
		tr = &StateTransition{From: from, To: to}
	}
	return *tr, true, nil
}

// CanTransition проверяет переход по таблице
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	event := eventFor(to)
	for _, e := range registrationEvents() {
		if e.Name != event {
			continue
		}
		for _, src := range e.Src {
			if src == from.String() {
				return true
			}
		}
	}
	return false
}
