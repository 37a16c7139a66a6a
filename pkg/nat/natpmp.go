package nat

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/benbjohnson/clock"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/arzzra/sipreg/pkg/registration"
)

// DefaultNATPMPTimeout общий таймаут запроса NAT-PMP (с повторами внутри клиента)
const DefaultNATPMPTimeout = 2 * time.Second

// pmpClient запросы NAT-PMP, которыми пользуется маппер
type pmpClient interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// NATPMPMapper пробрасывает порты через NAT-PMP (RFC 6886)
type NATPMPMapper struct {
	duration time.Duration
	clock    clock.Clock
	log      *slog.Logger
	gateway  netip.Addr
	newPMP   func(gateway netip.Addr) pmpClient

	mu     sync.Mutex
	client pmpClient
	leases map[string]*lease
}

var _ registration.PortMapper = (*NATPMPMapper)(nil)

// NewNATPMPMapper создает маппер для шлюза gateway. Пустой адрес означает
// шлюз по умолчанию: первый адрес подсети исходящего интерфейса.
func NewNATPMPMapper(gateway netip.Addr, opts ...MapperOption) *NATPMPMapper {
	o := buildOptions("natpmp", opts)
	return &NATPMPMapper{
		duration: o.duration,
		clock:    o.clock,
		log:      o.log,
		gateway:  gateway,
		newPMP: func(gw netip.Addr) pmpClient {
			return natpmp.NewClientWithTimeout(net.IP(gw.AsSlice()), DefaultNATPMPTimeout)
		},
		leases: make(map[string]*lease),
	}
}

func (m *NATPMPMapper) pmp() (pmpClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	gw := m.gateway
	if !gw.IsValid() {
		guessed, err := guessGateway()
		if err != nil {
			return nil, err
		}
		gw = guessed
	}
	m.log.Debug("шлюз NAT-PMP", "gateway", gw)
	m.client = m.newPMP(gw)
	return m.client, nil
}

// guessGateway предполагает шлюз x.x.x.1 в подсети исходящего IPv4 интерфейса
func guessGateway() (netip.Addr, error) {
	local, err := registration.DefaultInterfaceAddr(false)
	if err != nil {
		return netip.Addr{}, errtrace.Wrap(err)
	}
	if !local.Is4() {
		return netip.Addr{}, ErrNoGateway
	}
	b := local.As4()
	b[3] = 1
	return netip.AddrFrom4(b), nil
}

// call выполняет блокирующий запрос NAT-PMP с учетом ctx
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, errtrace.Wrap(ctx.Err())
	}
}

// Reserve пробрасывает internalPort, запрашивая externalHint.
// Шлюз может выдать другой внешний порт.
func (m *NATPMPMapper) Reserve(ctx context.Context, protocol string, internalPort, externalHint uint16,
	onChange func(registration.Mapping)) (registration.Mapping, error) {
	client, err := m.pmp()
	if err != nil {
		return registration.Mapping{State: registration.MappingFailed}, err
	}

	mapping, err := m.add(ctx, client, protocol, internalPort, externalHint)
	if err != nil {
		return registration.Mapping{State: registration.MappingFailed}, err
	}

	key := leaseKey(pmpProtocol(protocol), internalPort)
	renew := func(ctx context.Context) (registration.Mapping, error) {
		return m.add(ctx, client, protocol, internalPort, mapping.ExternalPort)
	}

	m.mu.Lock()
	if old, ok := m.leases[key]; ok {
		defer old.stop()
	}
	m.leases[key] = startLease(m.clock, m.duration, mapping, renew, onChange, m.log)
	m.mu.Unlock()
	return mapping, nil
}

func (m *NATPMPMapper) add(ctx context.Context, client pmpClient, protocol string,
	internalPort, externalHint uint16) (registration.Mapping, error) {
	proto := pmpProtocol(protocol)
	if externalHint == 0 {
		externalHint = internalPort
	}

	ext, err := call(ctx, client.GetExternalAddress)
	if err != nil {
		return registration.Mapping{}, errtrace.Errorf("natpmp: внешний адрес: %w", err)
	}
	res, err := call(ctx, func() (*natpmp.AddPortMappingResult, error) {
		return client.AddPortMapping(proto, int(internalPort), int(externalHint), int(m.duration/time.Second))
	})
	if err != nil {
		return registration.Mapping{}, errtrace.Errorf("natpmp: проброс порта %d: %w", internalPort, err)
	}

	addr := netip.AddrFrom4(ext.ExternalIPAddress)
	m.log.Info("порт проброшен",
		"protocol", proto,
		"internal", internalPort,
		"external", res.MappedExternalPort,
		"external_ip", addr,
		"lifetime", res.PortMappingLifetimeInSeconds,
	)
	return registration.Mapping{
		State:        registration.MappingOpen,
		Protocol:     proto,
		InternalPort: internalPort,
		ExternalPort: res.MappedExternalPort,
		ExternalAddr: addr,
	}, nil
}

// Release снимает проброс (lifetime 0) и останавливает продление
func (m *NATPMPMapper) Release(ctx context.Context, mapping registration.Mapping) error {
	proto := pmpProtocol(mapping.Protocol)
	key := leaseKey(proto, mapping.InternalPort)
	m.mu.Lock()
	l := m.leases[key]
	delete(m.leases, key)
	client := m.client
	m.mu.Unlock()

	if l != nil {
		l.stop()
	}
	if client == nil {
		return nil
	}
	_, err := call(ctx, func() (*natpmp.AddPortMappingResult, error) {
		return client.AddPortMapping(proto, int(mapping.InternalPort), 0, 0)
	})
	return errtrace.Wrap(err)
}

func pmpProtocol(protocol string) string {
	if strings.EqualFold(protocol, "udp") || protocol == "" {
		return "udp"
	}
	return "tcp"
}
