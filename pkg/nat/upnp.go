package nat

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/benbjohnson/clock"
	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/arzzra/sipreg/pkg/logging"
	"github.com/arzzra/sipreg/pkg/registration"
)

// ErrNoGateway шлюз не найден
var ErrNoGateway = errors.New("nat: шлюз не найден")

// igdClient операции WANIPConnection/WANPPPConnection, которыми пользуется маппер
type igdClient interface {
	GetExternalIPAddress() (string, error)
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16,
		internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
	LocalAddr() net.IP
}

// UPnPMapper пробрасывает порты через UPnP IGD
type UPnPMapper struct {
	description string
	duration    time.Duration
	clock       clock.Clock
	log         *slog.Logger
	discover    func(ctx context.Context) (igdClient, error)

	mu     sync.Mutex
	client igdClient
	leases map[string]*lease
}

var _ registration.PortMapper = (*UPnPMapper)(nil)

// MapperOption настраивает мапперы
type MapperOption func(*mapperOptions)

type mapperOptions struct {
	description string
	duration    time.Duration
	clock       clock.Clock
	log         *slog.Logger
}

// WithDescription задает описание проброса на шлюзе
func WithDescription(d string) MapperOption {
	return func(o *mapperOptions) {
		o.description = d
	}
}

// WithLeaseDuration задает срок аренды проброса
func WithLeaseDuration(d time.Duration) MapperOption {
	return func(o *mapperOptions) {
		o.duration = d
	}
}

// WithClock задает часы продления
func WithClock(c clock.Clock) MapperOption {
	return func(o *mapperOptions) {
		o.clock = c
	}
}

// WithLogger задает логгер
func WithLogger(log *slog.Logger) MapperOption {
	return func(o *mapperOptions) {
		o.log = log
	}
}

func buildOptions(component string, opts []MapperOption) mapperOptions {
	o := mapperOptions{
		description: "sipreg",
		duration:    DefaultLeaseDuration,
		clock:       clock.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = logging.Component(o.log, component)
	return o
}

// NewUPnPMapper создает маппер; шлюз ищется при первом Reserve
func NewUPnPMapper(opts ...MapperOption) *UPnPMapper {
	o := buildOptions("upnp", opts)
	return &UPnPMapper{
		description: o.description,
		duration:    o.duration,
		clock:       o.clock,
		log:         o.log,
		discover:    discoverIGD,
		leases:      make(map[string]*lease),
	}
}

// discoverIGD ищет шлюз через SSDP: IGDv2 WANIPConnection2, затем
// WANIPConnection1 и WANPPPConnection1.
func discoverIGD(ctx context.Context) (igdClient, error) {
	if clients, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if err := ctx.Err(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return nil, ErrNoGateway
}

func (m *UPnPMapper) gateway(ctx context.Context) (igdClient, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client != nil {
		return client, nil
	}

	client, err := m.discover(ctx)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	m.log.Info("найден UPnP шлюз", "local", client.LocalAddr())
	return client, nil
}

// Reserve пробрасывает internalPort. Сначала пробует externalHint, затем
// internalPort. Проброс продлевается до Release.
func (m *UPnPMapper) Reserve(ctx context.Context, protocol string, internalPort, externalHint uint16,
	onChange func(registration.Mapping)) (registration.Mapping, error) {
	client, err := m.gateway(ctx)
	if err != nil {
		return registration.Mapping{State: registration.MappingFailed}, err
	}

	mapping, err := m.add(ctx, client, protocol, internalPort, externalHint)
	if err != nil {
		return registration.Mapping{State: registration.MappingFailed}, err
	}

	key := leaseKey(upnpProtocol(protocol), internalPort)
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

func (m *UPnPMapper) add(ctx context.Context, client igdClient, protocol string,
	internalPort, externalHint uint16) (registration.Mapping, error) {
	proto := upnpProtocol(protocol)
	local := client.LocalAddr()
	if local == nil {
		return registration.Mapping{}, errtrace.New("upnp: неизвестен локальный адрес")
	}

	candidates := []uint16{externalHint}
	if externalHint != internalPort {
		candidates = append(candidates, internalPort)
	}

	var lastErr error
	for _, port := range candidates {
		if port == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return registration.Mapping{}, errtrace.Wrap(err)
		}
		err := client.AddPortMapping("", port, proto, internalPort, local.String(), true,
			m.description, uint32(m.duration/time.Second))
		if err != nil {
			m.log.Debug("шлюз отклонил проброс", "external_port", port, "error", err)
			lastErr = err
			continue
		}

		external, err := client.GetExternalIPAddress()
		if err != nil {
			return registration.Mapping{}, errtrace.Errorf("upnp: внешний адрес: %w", err)
		}
		addr, err := netip.ParseAddr(external)
		if err != nil {
			return registration.Mapping{}, errtrace.Errorf("upnp: внешний адрес %q: %w", external, err)
		}

		m.log.Info("порт проброшен", "protocol", proto, "internal", internalPort, "external", port, "external_ip", addr)
		return registration.Mapping{
			State:        registration.MappingOpen,
			Protocol:     strings.ToLower(proto),
			InternalPort: internalPort,
			ExternalPort: port,
			ExternalAddr: addr.Unmap(),
		}, nil
	}
	if lastErr == nil {
		lastErr = errtrace.New("upnp: нет порта для проброса")
	}
	return registration.Mapping{}, errtrace.Errorf("upnp: проброс порта %d: %w", internalPort, lastErr)
}

// Release снимает проброс и останавливает продление
func (m *UPnPMapper) Release(ctx context.Context, mapping registration.Mapping) error {
	key := leaseKey(upnpProtocol(mapping.Protocol), mapping.InternalPort)
	m.mu.Lock()
	l := m.leases[key]
	delete(m.leases, key)
	client := m.client
	m.mu.Unlock()

	if l != nil {
		l.stop()
	}
	if client == nil || mapping.ExternalPort == 0 {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- client.DeletePortMapping("", mapping.ExternalPort, upnpProtocol(mapping.Protocol))
	}()
	select {
	case err := <-done:
		return errtrace.Wrap(err)
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}
}

func upnpProtocol(protocol string) string {
	if strings.EqualFold(protocol, "udp") || protocol == "" {
		return "UDP"
	}
	// TLS работает поверх TCP
	return "TCP"
}
