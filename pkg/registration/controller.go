package registration

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/sipreg/pkg/account"
	"github.com/arzzra/sipreg/pkg/eventloop"
	"github.com/arzzra/sipreg/pkg/logging"
)

const (
	// DefaultPrepareTimeout ограничивает DNS, открытие транспорта и STUN
	DefaultPrepareTimeout = 30 * time.Second

	refreshMargin    = 5 * time.Second
	mappingReleaseTO = 5 * time.Second
)

// Dependencies внешние возможности, которыми пользуется сессия.
// Обязателен только Transport.
type Dependencies struct {
	Transport     RegistrationTransport
	Authenticator DigestAuthenticator
	PortMapper    PortMapper
	Stun          StunResolver
	Hosts         HostResolver
	Signals       Signals
	InterfaceAddr InterfaceAddrFunc
}

// Option настраивает Session
type Option func(*Session)

// WithLogger задает логгер сессии
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		s.baseLog = log
	}
}

// WithMetrics задает метрики; nil выключает
func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithSchedulerConfig задает задержки и генератор случайных чисел планировщика
func WithSchedulerConfig(cfg SchedulerConfig) Option {
	return func(s *Session) {
		s.schedCfg = cfg
	}
}

// WithPrepareTimeout задает таймаут подготовки регистрации
func WithPrepareTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.prepareTimeout = d
	}
}

// Details снимок состояния сессии. Безопасно читать из любой горутины.
type Details struct {
	AccountID     string
	State         State
	StatusCode    int
	Description   string
	Registered    bool
	Expiration    uint32
	Contact       string
	ContactHeader string
	Via           string
	AddressSource string
	Attempts      uint32
	RetryPending  bool
	NextRetry     time.Time
}

// Session регистрация одного аккаунта (RegistrationController).
//
// Публичные методы можно вызывать из любой горутины: они ставят работу в
// цикл событий и возвращаются сразу. Поля, помеченные ниже, принадлежат
// циклу событий и не защищены мьютексом.
type Session struct {
	id        string
	acc       *account.Account
	loop      *eventloop.Loop
	deps      Dependencies
	metrics   *Metrics
	baseLog   *slog.Logger
	log       *slog.Logger
	sm        *stateMachine
	scheduler *Scheduler[Session]
	schedCfg  SchedulerConfig
	binding   contactBinding
	callID    string

	prepareTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// Принадлежат циклу событий.
	// outstanding - идет подготовка или запрос REGISTER, в том числе устаревший;
	// следующий запрос отправляется только после его завершения.
	handle                TransportHandle
	generation            uint64
	outstanding           bool
	registerAgain         bool
	closed                bool
	unregistering         bool
	pendingTeardown       []func(bool)
	registerAfterTeardown bool
	cseq                  uint32
	observed              HostPort
	mapping               *Mapping
	refresh               *eventloop.Timer

	statusMu    sync.RWMutex
	statusCode  int
	description string
	registered  bool
	expiration  uint32
}

// NewSession создает сессию регистрации аккаунта
func NewSession(acc *account.Account, loop *eventloop.Loop, deps Dependencies, opts ...Option) (*Session, error) {
	if acc == nil || loop == nil || deps.Transport == nil {
		return nil, NewError("MISSING_DEPENDENCY", CategoryConfigurationInvalid, 0,
			"для сессии нужны аккаунт, цикл событий и транспорт")
	}
	if deps.Signals == nil {
		deps.Signals = noopSignals{}
	}
	if deps.InterfaceAddr == nil {
		deps.InterfaceAddr = DefaultInterfaceAddr
	}

	s := &Session{
		id:             acc.ID(),
		acc:            acc,
		loop:           loop,
		deps:           deps,
		sm:             newStateMachine(),
		callID:         uuid.NewString(),
		prepareTimeout: DefaultPrepareTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.Component(s.baseLog, "registration").With("account", s.id)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	schedCfg := s.schedCfg
	schedCfg.Logger = s.log
	s.scheduler = NewScheduler(loop, s, (*Session).retryFired, schedCfg)
	return s, nil
}

// AccountID возвращает идентификатор аккаунта
func (s *Session) AccountID() string {
	return s.id
}

// Account возвращает аккаунт сессии
func (s *Session) Account() *account.Account {
	return s.acc
}

// State возвращает текущее состояние регистрации
func (s *Session) State() State {
	return s.sm.Current()
}

// Details возвращает снимок состояния
func (s *Session) Details() Details {
	contact, via, header, source := s.binding.snapshot()
	nextRetry, _ := s.scheduler.NextAt()

	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return Details{
		AccountID:     s.id,
		State:         s.sm.Current(),
		StatusCode:    s.statusCode,
		Description:   s.description,
		Registered:    s.registered,
		Expiration:    s.expiration,
		Contact:       contact.String(),
		ContactHeader: header,
		Via:           via.String(),
		AddressSource: source.String(),
		Attempts:      s.scheduler.Attempts(),
		RetryPending:  s.scheduler.Pending(),
		NextRetry:     nextRetry,
	}
}

// Register запускает регистрацию. Завершение асинхронное.
func (s *Session) Register() {
	s.loop.Post(s.register)
}

// Unregister снимает регистрацию и освобождает транспорт, затем вызывает
// cb(transportReleased) в цикле событий. Повторный вызов не отправляет
// второй запрос.
func (s *Session) Unregister(cb func(transportReleased bool)) {
	if !s.loop.Post(func() { s.unregister(cb) }) && cb != nil {
		cb(false)
	}
}

// SetEnabled включает или выключает аккаунт. Выключение снимает регистрацию.
func (s *Session) SetEnabled(enabled bool) {
	s.acc.SetEnabled(enabled)
	if enabled {
		s.Register()
		return
	}
	s.Unregister(nil)
}

// SetCredentials заменяет учетные данные; используются со следующего запроса.
// Пустой список отклоняется без смены состояния.
func (s *Session) SetCredentials(creds []account.Credential) error {
	if err := s.acc.SetCredentials(creds); err != nil {
		return errConfiguration(err).WithAccount(s.id)
	}
	return nil
}

// SetRegistrationExpire задает запрашиваемое время жизни регистрации
func (s *Session) SetRegistrationExpire(expire uint32) {
	s.acc.SetRegistrationExpire(expire)
}

// SetPushToken задает токен push уведомлений. Новый токен публикуется
// повторной регистрацией.
func (s *Session) SetPushToken(token string) {
	if !s.acc.SetPushToken(token) {
		return
	}
	s.log.Info("токен push уведомлений изменен")
	s.loop.Post(func() {
		if !s.closed && s.acc.Usable() {
			s.reregister()
		}
	})
}

// PushNotificationReceived перерегистрирует аккаунт после push уведомления
func (s *Session) PushNotificationReceived(from string) {
	s.log.Info("получено push уведомление", "from", from)
	s.loop.Post(func() {
		if !s.closed && s.acc.Usable() {
			s.reregister()
		}
	})
}

// ConnectivityChanged перерегистрирует аккаунт после смены сети
func (s *Session) ConnectivityChanged() {
	s.loop.Post(func() {
		if s.closed || !s.acc.Usable() {
			return
		}
		s.log.Info("сеть изменилась, повторная регистрация")
		s.reregister()
	})
}

// OnTransportLost сообщает о потере текущего транспорта
func (s *Session) OnTransportLost(err error) {
	s.loop.Post(func() { s.transportLost(nil, err) })
}

// Close освобождает транспорт и проброс порта без отправки запросов.
// После Close сессия больше не регистрируется.
func (s *Session) Close() {
	s.cancel()
	s.loop.Post(func() {
		if s.closed {
			return
		}
		s.closed = true
		s.scheduler.Cancel()
		s.stopRefresh()
		s.generation++
		s.registerAgain = false
		s.registerAfterTeardown = false

		cbs := s.pendingTeardown
		s.pendingTeardown = nil
		s.unregistering = false
		s.teardown(cbs, 0, "")
	})
}

func (s *Session) reregister() {
	s.unregister(func(bool) { s.register() })
}

// retryFired вызывается планировщиком в цикле событий
func (s *Session) retryFired() {
	s.log.Info("повторная регистрация по таймеру", "attempt", s.scheduler.Attempts())
	s.register()
}

func (s *Session) register() {
	if s.closed {
		return
	}
	if !s.acc.Usable() {
		s.log.Debug("аккаунт выключен или не настроен, регистрация пропущена")
		return
	}
	if s.unregistering {
		s.registerAfterTeardown = true
		return
	}
	if s.outstanding {
		s.log.Debug("регистрация будет повторена после текущего запроса")
		s.registerAgain = true
		return
	}

	s.scheduler.Cancel()
	s.stopRefresh()
	s.registerAgain = false
	s.generation++
	gen := s.generation
	s.outstanding = true

	if s.sm.Current() != StateRegistered {
		s.transition(StateTrying, 100, "Trying")
	}

	cfg := s.acc.Config()
	if cfg.IsIP2IP() {
		// Профиль прямых IP вызовов не регистрируется на сервере
		s.outstanding = false
		s.setRegistered(true, 0)
		s.transition(StateRegistered, 200, "OK")
		return
	}

	in := prepareInput{cfg: cfg, handle: s.handle, mapping: s.mapping}
	go func() {
		p := s.prepare(in)
		if !s.loop.Post(func() { s.onPrepared(gen, p) }) && p.opened {
			s.releaseHandle(p.handle)
		}
	}()
}

type prepareInput struct {
	cfg     account.Config
	handle  TransportHandle
	mapping *Mapping
}

type preparation struct {
	handle      TransportHandle
	opened      bool
	mapping     *Mapping
	reserved    bool
	stunQueried bool
	stun        netip.AddrPort
	iface       netip.Addr
	err         error
}

// prepare выполняется вне цикла событий: разрешение адреса регистратора,
// открытие транспорта, проброс порта, STUN.
func (s *Session) prepare(in prepareInput) preparation {
	ctx, cancel := context.WithTimeout(s.ctx, s.prepareTimeout)
	defer cancel()

	cfg := in.cfg
	p := preparation{handle: in.handle, mapping: in.mapping}

	if p.handle == nil {
		host := registrarHost(cfg)
		remote, err := s.resolveHost(ctx, host, cfg.Transport)
		if err != nil {
			p.err = err
			return p
		}

		bind := netip.AddrPortFrom(netip.IPv4Unspecified(), cfg.Port)
		if remote.Addr().Is6() {
			bind = netip.AddrPortFrom(netip.IPv6Unspecified(), cfg.Port)
		}
		if cfg.BindAddress != "" {
			if addr, err := netip.ParseAddr(cfg.BindAddress); err == nil {
				bind = netip.AddrPortFrom(addr, cfg.Port)
			}
		}
		h, err := s.deps.Transport.Open(ctx, TransportSpec{
			AccountID:  s.id,
			Transport:  cfg.Transport,
			Bind:       bind,
			Remote:     remote,
			RemoteHost: host,
			UserAgent:  cfg.UserAgent,
			OnLost: func(h TransportHandle, err error) {
				s.loop.Post(func() { s.transportLost(h, err) })
			},
		})
		if err != nil {
			p.err = errTransport(err).WithField("remote", remote.String())
			return p
		}
		p.handle, p.opened = h, true
	}
	local := p.handle.LocalAddr()

	if cfg.UPnPEnabled && s.deps.PortMapper != nil && !p.mapping.Usable() {
		hint := cfg.PublishedPort
		if hint == 0 {
			hint = local.Port()
		}
		mctx, mcancel := context.WithTimeout(s.ctx, cfg.PortMappingTimeout)
		m, err := s.deps.PortMapper.Reserve(mctx, cfg.Transport.Network(), local.Port(), hint, s.onMappingChange)
		mcancel()
		if err != nil {
			s.log.Warn("проброс порта не удался, регистрация продолжается", "error", err)
		} else {
			p.mapping, p.reserved = &m, true
		}
	}

	explicit := p.mapping.Usable() || (!cfg.PublishedSameAsLocal && cfg.PublishedAddress != "")
	if cfg.StunEnabled && s.deps.Stun != nil && !explicit {
		p.stunQueried = true
		addr, err := s.deps.Stun.Resolve(ctx, cfg.StunServer, cfg.StunPort)
		if err != nil {
			s.log.Warn("STUN не определил внешний адрес", "server", cfg.StunServer, "error", err)
		} else {
			p.stun = addr
		}
	}

	if addr := local.Addr(); !addr.IsValid() || addr.IsUnspecified() {
		v6 := addr.Is6() && !addr.Is4In6()
		iface, err := s.deps.InterfaceAddr(v6)
		if err != nil && v6 {
			iface, err = s.deps.InterfaceAddr(false)
		}
		if err != nil {
			s.log.Debug("не удалось определить адрес интерфейса", "error", err)
		}
		p.iface = iface
	}
	return p
}

// registrarHost адрес, куда отправляется REGISTER: service route или hostname
func registrarHost(cfg account.Config) string {
	if cfg.ServiceRoute == "" {
		return cfg.Hostname
	}
	route := account.StripBrackets(cfg.ServiceRoute)
	route = strings.TrimPrefix(strings.TrimPrefix(route, "sips:"), "sip:")
	if i := strings.IndexAny(route, ";?"); i >= 0 {
		route = route[:i]
	}
	if i := strings.LastIndexByte(route, '@'); i >= 0 {
		route = route[i+1:]
	}
	return route
}

// resolveHost разрешает адрес регистратора. Без HostResolver доменное имя
// передается транспорту как есть.
func (s *Session) resolveHost(ctx context.Context, host string, transport account.TransportType) (netip.AddrPort, error) {
	name, explicitPort := host, uint16(0)
	if h, p, err := net.SplitHostPort(host); err == nil {
		if port, err := strconv.ParseUint(p, 10, 16); err == nil {
			name, explicitPort = h, uint16(port)
		}
	}
	port := explicitPort
	if port == 0 {
		port = transport.DefaultPort()
	}

	if addr, err := netip.ParseAddr(trimBrackets(name)); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), port), nil
	}
	if s.deps.Hosts == nil {
		return netip.AddrPort{}, nil
	}

	addrs, err := s.deps.Hosts.Resolve(ctx, name, transport)
	if err != nil || len(addrs) == 0 {
		return netip.AddrPort{}, errHostUnresolved(name, err).WithAccount(s.id)
	}
	remote := addrs[0]
	if explicitPort != 0 {
		remote = netip.AddrPortFrom(remote.Addr(), explicitPort)
	}
	s.log.Debug("адрес регистратора разрешен", "host", name, "remote", remote)
	return remote, nil
}

func (s *Session) onPrepared(gen uint64, p preparation) {
	if p.reserved {
		switch {
		case s.closed:
			s.releaseMapping(*p.mapping)
		case s.mapping == nil:
			s.mapping = p.mapping
		}
	}
	if gen != s.generation || s.unregistering {
		s.log.Debug("подготовка регистрации больше не нужна")
		s.outstanding = false
		if p.opened {
			s.releaseHandle(p.handle)
		}
		s.resume()
		return
	}
	if p.err != nil {
		s.outstanding = false
		s.fail(Classify(nil, p.err, 0))
		s.resume()
		return
	}
	if p.opened {
		s.handle = p.handle
	}

	cfg := s.acc.Config()
	res := ResolveAddress(AddressInput{
		Config:      cfg,
		Local:       s.handle.LocalAddr(),
		Interface:   p.iface,
		Mapping:     s.mapping,
		StunEnabled: p.stunQueried,
		Stun:        p.stun,
		Observed:    s.observed,
	})
	if res.StunFailed {
		s.deps.Signals.StunResolutionFailed(s.id)
	}
	s.log.Debug("адрес контакта выбран", "contact", res.Contact.String(), "source", res.Source.String())
	s.applyContact(cfg, res.Contact, res.Via, res.Source)
	s.sendRegister(gen, cfg, s.acc.RegistrationExpire())
}

func (s *Session) applyContact(cfg account.Config, contact, via HostPort, source AddressSource) {
	header := FormatContact(ContactParams{
		DisplayName:  cfg.DisplayName,
		Username:     cfg.Username,
		Address:      contact,
		Secure:       cfg.Transport.Secure(),
		PushProvider: cfg.PushProvider,
		PushToken:    cfg.PushToken,
	})
	if s.binding.set(contact, via, header, source) {
		s.deps.Signals.ContactAddressChanged(s.id, contact.String())
	}
}

func (s *Session) buildRegister(cfg account.Config, expires uint32) *Request {
	s.cseq++
	_, via, header, _ := s.binding.snapshot()
	from := cfg.FromURI()
	return &Request{
		ID:           uuid.NewString(),
		Method:       "REGISTER",
		Target:       account.StripBrackets(cfg.ServerURI()),
		From:         from,
		To:           from,
		Contact:      header,
		Expires:      expires,
		CallID:       s.callID,
		CSeq:         s.cseq,
		Via:          via,
		Transport:    cfg.Transport,
		UserAgent:    cfg.UserAgent,
		ServiceRoute: cfg.ServiceRoute,
	}
}

func (s *Session) retrier() *DigestAuthRetrier {
	return &DigestAuthRetrier{
		Transport:     s.deps.Transport,
		Handle:        s.handle,
		Authenticator: s.deps.Authenticator,
		Credentials:   s.acc.Credentials(),
		Metrics:       s.metrics,
		Logger:        s.log,
	}
}

func (s *Session) sendRegister(gen uint64, cfg account.Config, expires uint32) {
	req := s.buildRegister(cfg, expires)
	s.log.Debug("отправка REGISTER", "cseq", req.CSeq, "expires", expires, "contact", req.Contact)

	s.retrier().Go(s.ctx, req, func(r AuthResult) {
		s.loop.Post(func() { s.onRegisterResult(gen, expires, r) })
	})
}

func (s *Session) onRegisterResult(gen uint64, requested uint32, r AuthResult) {
	s.outstanding = false
	if r.CSeq > s.cseq {
		s.cseq = r.CSeq
	}
	if gen != s.generation {
		s.log.Debug("ответ на устаревший REGISTER отброшен")
		s.resume()
		return
	}

	c := Classify(r.Response, r.Err, requested)
	s.metrics.Response(responseClass(c))

	if s.unregistering {
		// Снятие регистрации ждало этого ответа
		if c.Outcome == OutcomeSuccess {
			s.setRegistered(true, c.Expiration)
		}
		s.resume()
		return
	}

	switch c.Outcome {
	case OutcomeSuccess:
		s.scheduler.Reset()
		if c.Expiration != requested {
			s.log.Info("регистратор выдал другое время жизни регистрации",
				"requested", requested, "granted", c.Expiration)
		}
		s.setRegistered(true, c.Expiration)
		s.transition(StateRegistered, c.StatusCode, c.Description)
		if s.reconcile(r.Response) {
			return
		}
		if !s.registerAgain {
			s.armRefresh(gen, c.Expiration)
		}

	case OutcomeUnregistered:
		s.setRegistered(false, 0)
		s.transition(StateUnregistered, c.StatusCode, c.Description)

	default:
		s.fail(c)
	}
	s.resume()
}

// resume выполняет то, что ждало завершения запроса: снятие регистрации
// или повторную регистрацию.
func (s *Session) resume() {
	if s.closed || s.outstanding {
		return
	}
	if s.unregistering {
		s.sendUnregister()
		return
	}
	if s.registerAgain {
		s.registerAgain = false
		s.register()
	}
}

// fail переводит сессию в ERROR_* и планирует повтор для восстановимых ошибок
func (s *Session) fail(c Classification) {
	s.setRegistered(false, 0)
	s.log.Error("регистрация не удалась",
		"status", c.StatusCode,
		"outcome", c.Outcome.String(),
		"error", c.Err,
	)
	if c.Outcome == OutcomeTransportError && s.handle != nil {
		s.releaseHandle(s.handle)
		s.handle = nil
	}
	s.transition(c.State, c.StatusCode, c.Description)

	if c.Retry() && s.acc.Usable() {
		s.scheduler.Schedule()
		s.metrics.RetryScheduled()
	}
}

// reconcile сверяет адрес, который увидел регистратор, с Contact.
// Возвращает true, если контакт переписан и REGISTER отправлен повторно.
func (s *Session) reconcile(res *Response) bool {
	cfg := s.acc.Config()
	if res == nil || !cfg.AllowContactRewrite {
		return false
	}
	current, _, _, source := s.binding.snapshot()
	if source.Explicit() {
		return false
	}

	next, decision := Reconcile(res.Via, current, cfg.Transport)
	switch decision {
	case NatUnchanged:
		if !current.IsZero() {
			s.observed = current
		}
		return false
	case NatIgnoredMiddlebox, NatIgnoredPrivatePort:
		s.log.Debug("адрес от регистратора проигнорирован",
			"decision", decision.String(),
			"current", current.String(),
			"observed", ObservedAddress(res.Via, cfg.Transport).String(),
		)
		return false
	}

	s.log.Info("регистратор видит другой адрес, контакт переписывается",
		"old", current.String(), "new", next.String())
	s.observed = next
	s.applyContact(cfg, next, next, SourceReceived)
	s.metrics.ContactRewritten()

	// Новый контакт публикуется сразу, без полного цикла
	s.generation++
	s.outstanding = true
	s.sendRegister(s.generation, cfg, s.acc.RegistrationExpire())
	return true
}

// armRefresh планирует обновление регистрации до истечения срока
func (s *Session) armRefresh(gen uint64, expiration uint32) {
	if !s.acc.Config().RegistrationRefresh || expiration == 0 {
		return
	}
	exp := time.Duration(expiration) * time.Second
	delay := exp - refreshMargin
	if exp <= 2*refreshMargin {
		delay = exp / 2
	}

	s.stopRefresh()
	s.refresh = s.loop.AfterFunc(delay, func() {
		if gen != s.generation || s.sm.Current() != StateRegistered {
			return
		}
		s.log.Debug("обновление регистрации")
		s.register()
	})
}

func (s *Session) stopRefresh() {
	s.refresh.Stop()
	s.refresh = nil
}

func (s *Session) unregister(cb func(bool)) {
	if s.closed {
		if cb != nil {
			cb(false)
		}
		return
	}
	if cb != nil {
		s.pendingTeardown = append(s.pendingTeardown, cb)
	}
	if s.unregistering {
		return
	}

	s.unregistering = true
	s.scheduler.Cancel()
	s.stopRefresh()
	s.registerAgain = false
	s.registerAfterTeardown = false

	if s.outstanding {
		s.log.Debug("снятие регистрации ждет завершения текущего запроса")
		return
	}
	s.sendUnregister()
}

// sendUnregister отправляет REGISTER с expires=0, либо сразу освобождает
// ресурсы, если регистрации нет.
func (s *Session) sendUnregister() {
	s.generation++
	cfg := s.acc.Config()
	if !s.isRegistered() || s.handle == nil || cfg.IsIP2IP() {
		s.finishUnregister(0, "")
		return
	}

	s.outstanding = true
	gen := s.generation
	req := s.buildRegister(cfg, 0)
	s.log.Debug("отправка REGISTER с expires=0", "cseq", req.CSeq)
	s.retrier().Go(s.ctx, req, func(r AuthResult) {
		s.loop.Post(func() { s.onUnregisterResult(gen, r) })
	})
}

func (s *Session) onUnregisterResult(gen uint64, r AuthResult) {
	s.outstanding = false
	if r.CSeq > s.cseq {
		s.cseq = r.CSeq
	}
	if !s.unregistering || gen != s.generation {
		s.resume()
		return
	}

	code, desc := 0, ""
	if r.Response != nil {
		code, desc = r.Response.StatusCode, r.Response.Reason
	}
	if !r.Success {
		s.log.Warn("снятие регистрации не подтверждено", "status", code, "error", r.Err)
	}
	s.finishUnregister(code, desc)
}

func (s *Session) finishUnregister(code int, desc string) {
	cbs := s.pendingTeardown
	s.pendingTeardown = nil
	s.unregistering = false
	again := s.registerAfterTeardown
	s.registerAfterTeardown = false

	s.teardown(cbs, code, desc)

	// колбэк мог уже начать регистрацию
	if again && !s.outstanding {
		s.register()
	}
}

// teardown освобождает транспорт и только после этого вызывает колбэки
func (s *Session) teardown(cbs []func(bool), code int, desc string) {
	released := false
	if s.handle != nil {
		s.releaseHandle(s.handle)
		s.handle = nil
		released = true
	}
	if s.mapping != nil {
		s.releaseMapping(*s.mapping)
	}
	s.mapping = nil

	s.setRegistered(false, 0)
	s.transition(StateUnregistered, code, desc)

	for _, cb := range cbs {
		if cb != nil {
			cb(released)
		}
	}
}

// transportLost обрабатывает потерю транспорта h (nil - текущего)
func (s *Session) transportLost(h TransportHandle, err error) {
	if s.closed || s.handle == nil || (h != nil && h != s.handle) || s.unregistering {
		return
	}
	s.log.Error("транспорт потерян", "error", err)

	// Ответ на запрос по потерянному транспорту станет устаревшим
	s.generation++
	s.stopRefresh()
	s.releaseHandle(s.handle)
	s.handle = nil

	switch s.sm.Current() {
	case StateTrying, StateRegistered:
		s.fail(Classify(nil, errTransport(err), 0))
	}
}

func (s *Session) onMappingChange(m Mapping) {
	s.loop.Post(func() { s.mappingChanged(m) })
}

func (s *Session) mappingChanged(m Mapping) {
	if s.closed {
		return
	}
	registered := s.isRegistered()
	prev := s.mapping
	s.log.Info("состояние проброса порта изменилось",
		"state", m.State.String(), "external_port", m.ExternalPort)

	switch {
	case m.State == MappingFailed:
		s.mapping = nil
		if !registered {
			s.register()
		}
	case !registered || prev == nil || prev.ExternalPort != m.ExternalPort:
		s.mapping = &m
		s.register()
	default:
		s.mapping = &m
		if s.acc.Usable() {
			s.reregister()
		}
	}
}

// releaseMapping снимает проброс порта вне цикла событий
func (s *Session) releaseMapping(m Mapping) {
	if s.deps.PortMapper == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mappingReleaseTO)
		defer cancel()
		if err := s.deps.PortMapper.Release(ctx, m); err != nil {
			s.log.Warn("не удалось снять проброс порта", "error", err)
		}
	}()
}

func (s *Session) releaseHandle(h TransportHandle) {
	if err := h.Release(); err != nil {
		s.log.Warn("ошибка освобождения транспорта", "error", err)
	}
}

func (s *Session) transition(to State, code int, desc string) {
	s.statusMu.Lock()
	s.statusCode = code
	s.description = desc
	s.statusMu.Unlock()

	tr, changed, err := s.sm.Transition(to)
	if err != nil {
		s.log.Error("переход состояния отклонен", "error", err)
		return
	}
	if !changed {
		return
	}
	s.metrics.StateTransition(tr)
	s.log.Info("состояние регистрации изменено",
		"from", tr.From.String(),
		"to", tr.To.String(),
		"code", code,
	)
	s.deps.Signals.RegistrationStateChanged(s.id, tr.To, code, desc)
}

func (s *Session) setRegistered(registered bool, expiration uint32) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.registered = registered
	s.expiration = expiration
}

func (s *Session) isRegistered() bool {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.registered
}
