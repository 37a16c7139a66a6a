package nat

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"braces.dev/errtrace"
	"github.com/pion/stun"

	"github.com/arzzra/sipreg/pkg/account"
	"github.com/arzzra/sipreg/pkg/logging"
	"github.com/arzzra/sipreg/pkg/registration"
)

// DefaultStunTimeout время ожидания ответа STUN сервера
const DefaultStunTimeout = 3 * time.Second

// StunClient определяет внешний адрес запросом STUN Binding (RFC 5389).
type StunClient struct {
	timeout time.Duration
	log     *slog.Logger
	dialer  net.Dialer
}

var _ registration.StunResolver = (*StunClient)(nil)

// StunOption настраивает StunClient
type StunOption func(*StunClient)

// WithStunTimeout задает таймаут одного запроса
func WithStunTimeout(d time.Duration) StunOption {
	return func(c *StunClient) {
		c.timeout = d
	}
}

// WithStunLogger задает логгер
func WithStunLogger(log *slog.Logger) StunOption {
	return func(c *StunClient) {
		c.log = log
	}
}

// NewStunClient создает клиента STUN
func NewStunClient(opts ...StunOption) *StunClient {
	c := &StunClient{timeout: DefaultStunTimeout}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.Component(c.log, "stun")
	return c
}

// Resolve отправляет Binding request на server:port и возвращает адрес из
// XOR-MAPPED-ADDRESS (или MAPPED-ADDRESS для старых серверов).
func (c *StunClient) Resolve(ctx context.Context, server string, port uint16) (netip.AddrPort, error) {
	if server == "" {
		return netip.AddrPort{}, errtrace.New("stun: сервер не задан")
	}
	if port == 0 {
		port = account.DefaultStunPort
	}
	target := net.JoinHostPort(account.StripBrackets(server), strconv.Itoa(int(port)))

	conn, err := c.dialer.DialContext(ctx, "udp", target)
	if err != nil {
		return netip.AddrPort{}, errtrace.Errorf("stun: соединение с %s: %w", target, err)
	}
	defer conn.Close()

	// Закрытие сокета прерывает чтение при отмене ctx
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return netip.AddrPort{}, errtrace.Wrap(err)
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(err)
	}
	if _, err := req.WriteTo(conn); err != nil {
		return netip.AddrPort{}, errtrace.Errorf("stun: отправка запроса: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return netip.AddrPort{}, errtrace.Wrap(ctx.Err())
		}
		return netip.AddrPort{}, errtrace.Errorf("stun: чтение ответа: %w", err)
	}

	res := &stun.Message{Raw: buf[:n]}
	if err := res.Decode(); err != nil {
		return netip.AddrPort{}, errtrace.Errorf("stun: разбор ответа: %w", err)
	}
	if res.TransactionID != req.TransactionID {
		return netip.AddrPort{}, errtrace.New("stun: ответ на чужую транзакцию")
	}
	if res.Type != stun.BindingSuccess {
		return netip.AddrPort{}, errtrace.Errorf("stun: неожиданный тип ответа %s", res.Type)
	}

	addr, err := mappedAddress(res)
	if err != nil {
		return netip.AddrPort{}, err
	}
	c.log.Debug("внешний адрес определен", "server", target, "address", addr)
	return addr, nil
}

func mappedAddress(res *stun.Message) (netip.AddrPort, error) {
	var (
		ip   net.IP
		port int
	)
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		ip, port = xor.IP, xor.Port
	} else {
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(res); err != nil {
			return netip.AddrPort{}, errtrace.Errorf("stun: в ответе нет адреса: %w", err)
		}
		ip, port = mapped.IP, mapped.Port
	}

	addr, ok := netip.AddrFromSlice(ip)
	if !ok || port <= 0 || port > 65535 {
		return netip.AddrPort{}, errtrace.New("stun: неверный адрес в ответе")
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
