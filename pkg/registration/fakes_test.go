package registration

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipreg/pkg/account"
	"github.com/arzzra/sipreg/pkg/eventloop"
)

// fakeHandle транспорт сессии в тестах
type fakeHandle struct {
	local    netip.AddrPort
	released atomic.Bool
	onLost   func(TransportHandle, error)
}

func (h *fakeHandle) LocalAddr() netip.AddrPort { return h.local }

func (h *fakeHandle) Release() error {
	h.released.Store(true)
	return nil
}

type respondFunc func(req *Request, n int) (*Response, error)

// fakeTransport записывает запросы и отвечает по сценарию respond
type fakeTransport struct {
	mu       sync.Mutex
	local    netip.AddrPort
	openErr  error
	respond  respondFunc
	handles  []*fakeHandle
	requests []*Request
	specs    []TransportSpec
}

func newFakeTransport(respond respondFunc) *fakeTransport {
	return &fakeTransport{
		local:   netip.MustParseAddrPort("192.168.1.10:5060"),
		respond: respond,
	}
}

func (t *fakeTransport) Open(_ context.Context, spec TransportSpec) (TransportHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	h := &fakeHandle{local: t.local, onLost: spec.OnLost}
	t.handles = append(t.handles, h)
	t.specs = append(t.specs, spec)
	return h, nil
}

func (t *fakeTransport) Send(_ context.Context, _ TransportHandle, req *Request) (*Response, error) {
	t.mu.Lock()
	n := len(t.requests)
	t.requests = append(t.requests, req.Clone())
	respond := t.respond
	t.mu.Unlock()
	return respond(req, n)
}

func (t *fakeTransport) Requests() []*Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Request(nil), t.requests...)
}

func (t *fakeTransport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// CountRegister считает REGISTER с заданным expires
func (t *fakeTransport) CountRegister(expires uint32) int {
	count := 0
	for _, r := range t.Requests() {
		if r.Method == "REGISTER" && r.Expires == expires {
			count++
		}
	}
	return count
}

func (t *fakeTransport) Handles() []*fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeHandle(nil), t.handles...)
}

func okResponse(expiration int) *Response {
	return &Response{StatusCode: 200, Reason: "OK", Expiration: expiration}
}

func statusResponse(code int, reason string) *Response {
	return &Response{StatusCode: code, Reason: reason, Expiration: -1}
}

func challengeResponse(realm string) *Response {
	return &Response{
		StatusCode: 401,
		Reason:     "Unauthorized",
		Expiration: -1,
		Challenge:  &Challenge{Realm: realm, Value: `Digest realm="` + realm + `", nonce="abc"`},
	}
}

// fakeAuthenticator возвращает фиксированный заголовок
type fakeAuthenticator struct {
	calls atomic.Int32
}

func (a *fakeAuthenticator) Authorize(cred account.Credential, ch *Challenge, method, uri string) (Authorization, error) {
	a.calls.Add(1)
	return Authorization{
		Header: "Authorization",
		Value:  `Digest username="` + cred.Username + `", realm="` + ch.Realm + `", uri="` + uri + `"`,
	}, nil
}

type stateEvent struct {
	State State
	Code  int
}

type messageEvent struct {
	To      string
	ID      string
	Success bool
}

// fakeSignals записывает сигналы
type fakeSignals struct {
	mu         sync.Mutex
	states     []stateEvent
	stunFailed int
	contacts   []string
	messages   []messageEvent
}

func (f *fakeSignals) RegistrationStateChanged(_ string, state State, code int, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateEvent{State: state, Code: code})
}

func (f *fakeSignals) StunResolutionFailed(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stunFailed++
}

func (f *fakeSignals) ContactAddressChanged(_ string, address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts = append(f.contacts, address)
}

func (f *fakeSignals) MessageStatusChanged(_, to, id string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, messageEvent{To: to, ID: id, Success: success})
}

func (f *fakeSignals) States() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]State, len(f.states))
	for i, e := range f.states {
		out[i] = e.State
	}
	return out
}

func (f *fakeSignals) LastCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return 0
	}
	return f.states[len(f.states)-1].Code
}

func (f *fakeSignals) Contacts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.contacts...)
}

func (f *fakeSignals) Messages() []messageEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messageEvent(nil), f.messages...)
}

func (f *fakeSignals) StunFailures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stunFailed
}

type fakeStun struct {
	addr netip.AddrPort
	err  error
}

func (s fakeStun) Resolve(context.Context, string, uint16) (netip.AddrPort, error) {
	return s.addr, s.err
}

// testEnv окружение сессии с управляемыми часами
type testEnv struct {
	t         *testing.T
	clock     *clock.Mock
	loop      *eventloop.Loop
	transport *fakeTransport
	signals   *fakeSignals
	auth      *fakeAuthenticator
	session   *Session
}

func testAccountConfig() account.Config {
	cfg := account.DefaultConfig()
	cfg.ID = "acc1"
	cfg.Username = "alice"
	cfg.Hostname = "203.0.113.1"
	cfg.Credentials = []account.Credential{{Realm: "example.com", Username: "alice", Password: "secret"}}
	return cfg
}

// middleRand дает нулевой разброс задержки
func middleRand(n int64) int64 { return n / 2 }

func newTestEnv(t *testing.T, cfg account.Config, tr *fakeTransport, mutate ...func(*Dependencies)) *testEnv {
	t.Helper()

	mock := clock.NewMock()
	loop := eventloop.New(eventloop.WithClock(mock))

	acc, err := account.New(cfg, nil)
	require.NoError(t, err)

	env := &testEnv{
		t:         t,
		clock:     mock,
		loop:      loop,
		transport: tr,
		signals:   &fakeSignals{},
		auth:      &fakeAuthenticator{},
	}
	deps := Dependencies{
		Transport:     tr,
		Authenticator: env.auth,
		Signals:       env.signals,
		InterfaceAddr: func(bool) (netip.Addr, error) {
			return netip.MustParseAddr("192.168.1.10"), nil
		},
	}
	for _, m := range mutate {
		m(&deps)
	}

	env.session, err = NewSession(acc, loop, deps,
		WithSchedulerConfig(SchedulerConfig{Rand: middleRand}))
	require.NoError(t, err)

	t.Cleanup(func() {
		env.session.Close()
		loop.Stop()
	})
	return env
}

// flush ждет, пока цикл выполнит все поставленные задачи
func (e *testEnv) flush() {
	e.t.Helper()
	require.NoError(e.t, e.loop.Sync(context.Background(), func() {}))
}

func (e *testEnv) waitState(state State) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		return e.session.State() == state
	}, 2*time.Second, 2*time.Millisecond, "ожидалось состояние %s", state)
	e.flush()
}

var errConnReset = errors.New("connection reset by peer")
