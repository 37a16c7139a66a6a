// Package sipua связывает ядро регистрации с SIP стеком sipgo: транспорт
// запросов вне диалога, digest авторизация и разрешение адреса регистратора.
package sipua

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipreg/pkg/account"
	"github.com/arzzra/sipreg/pkg/logging"
	"github.com/arzzra/sipreg/pkg/registration"
)

// Transport реализует registration.RegistrationTransport поверх sipgo.
// Каждый Open создает отдельный User Agent со своим слушателем.
type Transport struct {
	log       *slog.Logger
	tlsConfig *tls.Config
	listen    func(network, address string) (net.PacketConn, error)
}

var _ registration.RegistrationTransport = (*Transport)(nil)

// TransportOption настраивает Transport
type TransportOption func(*Transport)

// WithLogger задает логгер транспорта
func WithLogger(log *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.log = log
	}
}

// WithTLSConfig задает настройки TLS для транспорта tls
func WithTLSConfig(cfg *tls.Config) TransportOption {
	return func(t *Transport) {
		t.tlsConfig = cfg
	}
}

// NewTransport создает транспорт
func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{listen: net.ListenPacket}
	for _, opt := range opts {
		opt(t)
	}
	t.log = logging.Component(t.log, "sipua")
	return t
}

// handle транспорт одного аккаунта
type handle struct {
	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server
	conn   net.PacketConn

	local       netip.AddrPort
	destination string
	transport   account.TransportType
	onLost      func(registration.TransportHandle, error)
	log         *slog.Logger

	released atomic.Bool
	lostOnce sync.Once
}

func (h *handle) LocalAddr() netip.AddrPort {
	return h.local
}

// Release закрывает слушатель и соединения User Agent. Повторный вызов ничего не делает.
func (h *handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	h.log.Debug("транспорт освобожден", "local", h.local)
	if h.client != nil {
		h.client.Close()
	}
	return errtrace.Wrap(h.ua.Close())
}

// lost сообщает сессии о потере соединения один раз
func (h *handle) lost(err error) {
	if h.released.Load() || h.onLost == nil {
		return
	}
	h.lostOnce.Do(func() {
		h.log.Warn("соединение с регистратором потеряно", "error", err)
		h.onLost(h, err)
	})
}

// Open создает User Agent аккаунта. Для UDP поднимается слушатель на
// spec.Bind, через который уходят запросы и приходят ответы.
func (t *Transport) Open(ctx context.Context, spec registration.TransportSpec) (registration.TransportHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	log := t.log.With("account", spec.AccountID, "transport", spec.Transport.String())

	bind := spec.Bind
	if !bind.IsValid() {
		bind = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}

	uaOpts := []sipgo.UserAgentOption{}
	if spec.UserAgent != "" {
		uaOpts = append(uaOpts, sipgo.WithUserAgent(spec.UserAgent))
	}
	if spec.Transport.Secure() && t.tlsConfig != nil {
		uaOpts = append(uaOpts, sipgo.WithUserAgenTLSConfig(t.tlsConfig))
	}
	ua, err := sipgo.NewUA(uaOpts...)
	if err != nil {
		return nil, errtrace.Errorf("sipua: создание User Agent: %w", err)
	}

	h := &handle{
		ua:          ua,
		transport:   spec.Transport,
		destination: destination(spec),
		onLost:      spec.OnLost,
		log:         log,
		local:       bind,
	}

	if spec.Transport.Network() == "udp" {
		conn, err := t.listen("udp", bind.String())
		if err != nil {
			ua.Close()
			return nil, errtrace.Errorf("sipua: слушатель %s: %w", bind, err)
		}
		h.conn = conn
		if udp, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			h.local = udp.AddrPort()
			h.local = netip.AddrPortFrom(h.local.Addr().Unmap(), h.local.Port())
		}

		server, err := sipgo.NewServer(ua)
		if err != nil {
			conn.Close()
			ua.Close()
			return nil, errtrace.Errorf("sipua: создание сервера: %w", err)
		}
		server.OnOptions(h.answerOptions)
		h.server = server
		go func() {
			if err := server.ServeUDP(conn); err != nil && !h.released.Load() {
				h.lost(err)
			}
		}()
	} else if h.local.Port() == 0 {
		h.local = netip.AddrPortFrom(h.local.Addr(), spec.Transport.DefaultPort())
	}

	clientOpts := []sipgo.ClientOption{
		sipgo.WithClientPort(int(h.local.Port())),
	}
	if addr := h.local.Addr(); !addr.IsUnspecified() {
		clientOpts = append(clientOpts, sipgo.WithClientHostname(addr.String()))
	}
	client, err := sipgo.NewClient(ua, clientOpts...)
	if err != nil {
		h.Release()
		return nil, errtrace.Errorf("sipua: создание клиента: %w", err)
	}
	h.client = client

	log.Info("транспорт открыт", "local", h.local, "remote", h.destination)
	return h, nil
}

// destination адрес, куда уходят запросы: разрешенный адрес регистратора
// или имя хоста, которое sipgo разрешит сам.
func destination(spec registration.TransportSpec) string {
	if spec.Remote.IsValid() {
		return spec.Remote.String()
	}
	host := spec.RemoteHost
	if host == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(account.StripBrackets(host), portString(spec.Transport.DefaultPort()))
}

// answerOptions отвечает на OPTIONS регистратора (keep-alive)
func (h *handle) answerOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		h.log.Debug("ответ на OPTIONS не отправлен", "error", err)
	}
}

// Send отправляет запрос и ждет итогового ответа. Предварительные ответы пропускаются.
func (t *Transport) Send(ctx context.Context, th registration.TransportHandle, req *registration.Request) (*registration.Response, error) {
	h, ok := th.(*handle)
	if !ok || h == nil {
		return nil, errtrace.New("sipua: чужой транспорт")
	}
	if h.released.Load() {
		return nil, errtrace.Wrap(net.ErrClosed)
	}

	sreq, err := buildRequest(req, h.destination)
	if err != nil {
		return nil, registration.NewInvalidRequestError(err)
	}

	h.log.Debug("отправка запроса",
		"method", req.Method,
		"target", req.Target,
		"cseq", req.CSeq,
		"call_id", req.CallID,
	)
	tx, err := h.client.TransactionRequest(ctx, sreq, keepHeaders)
	if err != nil {
		h.connectionFailed(err)
		return nil, errtrace.Errorf("sipua: отправка %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			if res.IsProvisional() {
				h.log.Debug("предварительный ответ", "status", int(res.StatusCode), "reason", res.Reason)
				continue
			}
			return parseResponse(res, req.Contact), nil
		case <-tx.Done():
			err := tx.Err()
			if err == nil {
				err = errors.New("транзакция завершена без ответа")
			}
			h.connectionFailed(err)
			return nil, errtrace.Errorf("sipua: %s: %w", req.Method, err)
		case <-ctx.Done():
			return nil, errtrace.Wrap(ctx.Err())
		}
	}
}

// connectionFailed для TCP/TLS разрыв соединения означает потерю транспорта
func (h *handle) connectionFailed(err error) {
	if h.transport.Network() == "udp" {
		return
	}
	var opErr *net.OpError
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.As(err, &opErr) {
		h.lost(err)
	}
}

// keepHeaders отключает достройку запроса клиентом: Via, From и CSeq
// формирует buildRequest.
func keepHeaders(*sipgo.Client, *sip.Request) error {
	return nil
}
