// Package registration реализует ядро регистрации SIP аккаунта и адаптации к NAT.
//
// Session - конечный автомат регистрации одного аккаунта. Он собирает
// REGISTER через RegistrationTransport, разбирает ответ, решает, сменился ли
// внешний адрес клиента (NatReconciler), планирует повторные попытки с
// джиттером (Scheduler) и один раз повторяет запросы, на которые сервер
// ответил challenge (DigestAuthRetrier).
//
// Вся логика сессии выполняется в eventloop.Loop. Блокирующий ввод-вывод
// (DNS, STUN, проброс порта, отправка запроса) выполняется в отдельных
// горутинах, результаты возвращаются в цикл через Post.
package registration

import (
	"context"
	"net/netip"
	"strconv"

	"github.com/arzzra/sipreg/pkg/account"
)

// State состояние регистрации
type State int

const (
	StateUnregistered State = iota
	StateTrying
	StateRegistered
	StateErrorGeneric
	StateErrorAuth
	StateErrorHost
	StateErrorServiceUnavailable
)

var stateNames = map[State]string{
	StateUnregistered:            "UNREGISTERED",
	StateTrying:                  "TRYING",
	StateRegistered:              "REGISTERED",
	StateErrorGeneric:            "ERROR_GENERIC",
	StateErrorAuth:               "ERROR_AUTH",
	StateErrorHost:               "ERROR_HOST",
	StateErrorServiceUnavailable: "ERROR_SERVICE_UNAVAILABLE",
}

// String возвращает строковое представление состояния
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsError сообщает, является ли состояние одним из ERROR_*
func (s State) IsError() bool {
	switch s {
	case StateErrorGeneric, StateErrorAuth, StateErrorHost, StateErrorServiceUnavailable:
		return true
	}
	return false
}

func parseState(name string) State {
	for s, n := range stateNames {
		if n == name {
			return s
		}
	}
	return StateUnregistered
}

// HostPort адрес с портом. Host может быть IP литералом (IPv6 без скобок)
// или доменным именем.
type HostPort struct {
	Host string
	Port uint16
}

// HostPortFrom строит HostPort из netip.AddrPort
func HostPortFrom(ap netip.AddrPort) HostPort {
	return HostPort{Host: ap.Addr().Unmap().String(), Port: ap.Port()}
}

// IsZero сообщает, что адрес не задан
func (h HostPort) IsZero() bool {
	return h.Host == ""
}

// Addr разбирает Host как IP адрес
func (h HostPort) Addr() (netip.Addr, bool) {
	addr, err := netip.ParseAddr(trimBrackets(h.Host))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// String возвращает host:port, IPv6 в квадратных скобках
func (h HostPort) String() string {
	if h.Host == "" {
		return ""
	}
	host := account.FormatHost(trimBrackets(h.Host))
	if h.Port == 0 {
		return host
	}
	return host + ":" + strconv.Itoa(int(h.Port))
}

func trimBrackets(host string) string {
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}

// Authorization заголовок авторизации, вычисленный по challenge
type Authorization struct {
	// Header - "Authorization" или "Proxy-Authorization"
	Header string
	Value  string
}

// Request запрос вне диалога (REGISTER или MESSAGE), который отправляет
// RegistrationTransport. Формирование SIP сообщения - задача транспорта.
type Request struct {
	ID      string
	Method  string
	Target  string
	From    string
	To      string
	Contact string
	// Expires используется только для REGISTER
	Expires      uint32
	CallID       string
	CSeq         uint32
	Via          HostPort
	Transport    account.TransportType
	UserAgent    string
	ServiceRoute string

	Authorization *Authorization

	ContentType string
	Body        []byte
}

// Clone возвращает копию запроса
func (r *Request) Clone() *Request {
	c := *r
	if r.Authorization != nil {
		auth := *r.Authorization
		c.Authorization = &auth
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Challenge данные WWW-Authenticate / Proxy-Authenticate
type Challenge struct {
	Realm string
	// Value - полное значение заголовка, передается DigestAuthenticator
	Value string
	Proxy bool
}

// Observation адрес клиента, каким его увидел сервер (параметры Via ответа)
type Observation struct {
	Received   string
	RPort      int
	SentByHost string
	SentByPort int
	// Server - адрес источника ответа, если известен
	Server netip.Addr
}

// Response итоговый ответ на запрос
type Response struct {
	StatusCode int
	Reason     string
	// Expiration - время жизни регистрации из ответа, -1 если не указано
	Expiration int
	Via        Observation
	Challenge  *Challenge
}

// TransportSpec параметры открытия транспорта аккаунта
type TransportSpec struct {
	AccountID string
	Transport account.TransportType
	Bind      netip.AddrPort
	// Remote - разрешенный адрес регистратора
	Remote     netip.AddrPort
	RemoteHost string
	UserAgent  string
	// OnLost вызывается транспортом при потере соединения
	OnLost func(h TransportHandle, err error)
}

// TransportHandle транспорт, принадлежащий одной сессии.
// Сессия освобождает его явно через Release.
type TransportHandle interface {
	LocalAddr() netip.AddrPort
	Release() error
}

// RegistrationTransport отправляет запросы вне диалога.
// Send блокирует до итогового ответа; таймауты - забота транспорта.
type RegistrationTransport interface {
	Open(ctx context.Context, spec TransportSpec) (TransportHandle, error)
	Send(ctx context.Context, h TransportHandle, req *Request) (*Response, error)
}

// MappingState состояние проброса порта
type MappingState int

const (
	MappingInProgress MappingState = iota
	MappingOpen
	MappingFailed
)

func (s MappingState) String() string {
	switch s {
	case MappingOpen:
		return "open"
	case MappingFailed:
		return "failed"
	default:
		return "in_progress"
	}
}

// Mapping результат проброса порта
type Mapping struct {
	State        MappingState
	Protocol     string
	InternalPort uint16
	ExternalPort uint16
	ExternalAddr netip.Addr
}

// Usable сообщает, можно ли публиковать адрес проброса
func (m *Mapping) Usable() bool {
	return m != nil && m.State == MappingOpen && m.ExternalAddr.IsValid() && m.ExternalPort != 0
}

// PortMapper пробрасывает порт на шлюзе (UPnP IGD, NAT-PMP).
// Reserve блокирует до результата или отмены ctx; последующие изменения
// (продление, смена внешнего порта, сбой) приходят в onChange.
type PortMapper interface {
	Reserve(ctx context.Context, protocol string, internalPort, externalHint uint16, onChange func(Mapping)) (Mapping, error)
	Release(ctx context.Context, m Mapping) error
}

// StunResolver определяет внешний адрес через STUN Binding
type StunResolver interface {
	Resolve(ctx context.Context, server string, port uint16) (netip.AddrPort, error)
}

// DigestAuthenticator вычисляет заголовок авторизации по challenge
type DigestAuthenticator interface {
	Authorize(cred account.Credential, ch *Challenge, method, uri string) (Authorization, error)
}

// HostResolver разрешает адрес регистратора (SRV, затем A/AAAA)
type HostResolver interface {
	Resolve(ctx context.Context, host string, transport account.TransportType) ([]netip.AddrPort, error)
}

// Signals внешняя шина сигналов (UI, конфигурация)
type Signals interface {
	RegistrationStateChanged(accountID string, state State, code int, description string)
	StunResolutionFailed(accountID string)
	ContactAddressChanged(accountID string, address string)
	MessageStatusChanged(accountID, to, messageID string, success bool)
}

type noopSignals struct{}

func (noopSignals) RegistrationStateChanged(string, State, int, string) {}
func (noopSignals) StunResolutionFailed(string)                         {}
func (noopSignals) ContactAddressChanged(string, string)                {}
func (noopSignals) MessageStatusChanged(string, string, string, bool)   {}

// Payload тело сообщения MESSAGE
type Payload struct {
	ContentType string
	Body        string
}
