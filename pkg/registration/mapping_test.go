package registration

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMapper выдает проброс на фиксированный внешний адрес
type fakeMapper struct {
	mu       sync.Mutex
	external netip.Addr
	port     uint16
	onChange func(Mapping)
	reserved int
	released []Mapping
}

func (m *fakeMapper) Reserve(_ context.Context, protocol string, internalPort, _ uint16, onChange func(Mapping)) (Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved++
	m.onChange = onChange
	return Mapping{
		State:        MappingOpen,
		Protocol:     protocol,
		InternalPort: internalPort,
		ExternalPort: m.port,
		ExternalAddr: m.external,
	}, nil
}

func (m *fakeMapper) Release(_ context.Context, mapping Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, mapping)
	return nil
}

func (m *fakeMapper) notify(mapping Mapping) {
	m.mu.Lock()
	cb := m.onChange
	m.mu.Unlock()
	cb(mapping)
}

func (m *fakeMapper) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.released)
}

func mappingEnv(t *testing.T, respond respondFunc) (*testEnv, *fakeMapper) {
	t.Helper()
	if respond == nil {
		respond = func(*Request, int) (*Response, error) {
			return okResponse(3600), nil
		}
	}
	tr := newFakeTransport(respond)
	cfg := testAccountConfig()
	cfg.UPnPEnabled = true
	mapper := &fakeMapper{external: netip.MustParseAddr("198.51.100.30"), port: 40000}
	env := newTestEnv(t, cfg, tr, func(d *Dependencies) {
		d.PortMapper = mapper
	})
	return env, mapper
}

func TestPortMappingPublished(t *testing.T) {
	env, mapper := mappingEnv(t, nil)

	env.session.Register()
	env.waitState(StateRegistered)

	assert.Equal(t, "<sip:alice@198.51.100.30:40000>", env.transport.Requests()[0].Contact)
	assert.Equal(t, []string{"198.51.100.30:40000"}, env.signals.Contacts())

	done := make(chan bool, 1)
	env.session.Unregister(func(released bool) { done <- released })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unregister не завершился")
	}
	require.Eventually(t, func() bool { return mapper.Released() == 1 }, 2*time.Second, 2*time.Millisecond)
}

func TestPortMappingExternalPortChanged(t *testing.T) {
	env, mapper := mappingEnv(t, nil)

	env.session.Register()
	env.waitState(StateRegistered)

	mapper.notify(Mapping{
		State:        MappingOpen,
		Protocol:     "udp",
		InternalPort: 5060,
		ExternalPort: 40002,
		ExternalAddr: mapper.external,
	})

	require.Eventually(t, func() bool {
		reqs := env.transport.Requests()
		return len(reqs) == 2 && reqs[1].Contact == "<sip:alice@198.51.100.30:40002>"
	}, 2*time.Second, 2*time.Millisecond)
	env.waitState(StateRegistered)

	// Проброс уже есть, повторно не запрашивается
	mapper.mu.Lock()
	assert.Equal(t, 1, mapper.reserved)
	mapper.mu.Unlock()
}

func TestPortMappingFailedFallsBackToLocal(t *testing.T) {
	env, mapper := mappingEnv(t, nil)

	env.session.Register()
	env.waitState(StateRegistered)
	require.Equal(t, 1, env.transport.Count())

	// Сбой проброса у зарегистрированного аккаунта: ждем следующей регистрации
	mapper.notify(Mapping{State: MappingFailed, Protocol: "udp", InternalPort: 5060})
	env.flush()
	assert.Equal(t, 1, env.transport.Count())
	assert.Equal(t, StateRegistered, env.session.State())
}

func TestPushNotificationReregisters(t *testing.T) {
	tr := newFakeTransport(func(*Request, int) (*Response, error) {
		return okResponse(3600), nil
	})
	env := newTestEnv(t, testAccountConfig(), tr)

	env.session.Register()
	env.waitState(StateRegistered)

	env.session.PushNotificationReceived("sip:bob@example.com")
	require.Eventually(t, func() bool {
		return tr.CountRegister(0) == 1 && tr.CountRegister(3600) == 2
	}, 2*time.Second, 2*time.Millisecond)
	env.waitState(StateRegistered)
}

func TestPortChangeDuringRegisterIsPublished(t *testing.T) {
	gate := make(chan struct{})
	env, mapper := mappingEnv(t, func(_ *Request, n int) (*Response, error) {
		if n == 0 {
			<-gate
		}
		return okResponse(3600), nil
	})

	env.session.Register()
	require.Eventually(t, func() bool { return env.transport.Count() == 1 }, 2*time.Second, 2*time.Millisecond)

	// Внешний порт сменился, пока первый REGISTER ждет ответа
	mapper.notify(Mapping{
		State:        MappingOpen,
		Protocol:     "udp",
		InternalPort: 5060,
		ExternalPort: 40002,
		ExternalAddr: mapper.external,
	})
	env.flush()
	assert.Equal(t, 1, env.transport.Count(), "второй запрос не отправляется до ответа на первый")
	close(gate)

	require.Eventually(t, func() bool {
		reqs := env.transport.Requests()
		return len(reqs) == 2 && reqs[1].Contact == "<sip:alice@198.51.100.30:40002>"
	}, 2*time.Second, 2*time.Millisecond)
	env.waitState(StateRegistered)
	assert.Equal(t, "198.51.100.30:40002", env.session.Details().Contact)
	assert.Never(t, func() bool { return env.transport.Count() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestCloseReleasesMappingAndStops(t *testing.T) {
	env, mapper := mappingEnv(t, nil)

	env.session.Register()
	env.waitState(StateRegistered)

	env.session.Close()
	require.Eventually(t, func() bool { return mapper.Released() == 1 }, 2*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return env.transport.Handles()[0].released.Load() }, 2*time.Second, 2*time.Millisecond)

	// Закрытая сессия не возобновляет регистрацию
	env.session.Register()
	env.session.ConnectivityChanged()
	mapper.notify(Mapping{
		State:        MappingOpen,
		Protocol:     "udp",
		InternalPort: 5060,
		ExternalPort: 40002,
		ExternalAddr: mapper.external,
	})
	env.flush()
	env.clock.Add(time.Hour)
	env.flush()

	assert.Equal(t, 1, env.transport.Count())
	assert.Equal(t, StateUnregistered, env.session.State())
	assert.False(t, env.session.Details().RetryPending)

	done := make(chan bool, 1)
	env.session.Unregister(func(r bool) { done <- r })
	select {
	case r := <-done:
		assert.False(t, r)
	case <-time.After(2 * time.Second):
		t.Fatal("колбэк снятия регистрации не вызван")
	}
}
