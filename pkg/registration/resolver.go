package registration

import (
	"errors"
	"net"
	"net/netip"

	"github.com/arzzra/sipreg/pkg/account"
)

// AddressSource откуда взят публикуемый адрес
type AddressSource int

const (
	SourceNone AddressSource = iota
	SourceUPnP
	SourcePublished
	SourceStun
	SourceReceived
	SourceLocal
)

func (s AddressSource) String() string {
	switch s {
	case SourceUPnP:
		return "upnp"
	case SourcePublished:
		return "published"
	case SourceStun:
		return "stun"
	case SourceReceived:
		return "received"
	case SourceLocal:
		return "local"
	default:
		return "none"
	}
}

// Explicit сообщает, что адрес задан явно (проброс или конфигурация)
// и не перезаписывается по наблюдениям сервера.
func (s AddressSource) Explicit() bool {
	return s == SourceUPnP || s == SourcePublished
}

// AddressInput снимок данных для выбора адреса
type AddressInput struct {
	Config account.Config
	// Local - адрес, к которому привязан транспорт
	Local netip.AddrPort
	// Interface - адрес интерфейса, если Local не указан (0.0.0.0 / ::)
	Interface netip.Addr
	Mapping   *Mapping

	StunEnabled bool
	Stun        netip.AddrPort

	// Observed - received/rport из предыдущего ответа регистратора
	Observed HostPort
}

// AddressResolution выбранный адрес
type AddressResolution struct {
	Contact HostPort
	Via     HostPort
	Source  AddressSource
	// StunFailed - STUN включен, но не дал адреса
	StunFailed bool
}

// ResolveAddress выбирает адрес для Contact. Чистая функция снимка.
//
// Порядок: проброс порта, опубликованный адрес, STUN, received/rport из
// прошлого ответа, локальный интерфейс. Неудачный STUN ведет сразу к
// локальному интерфейсу.
func ResolveAddress(in AddressInput) AddressResolution {
	var res AddressResolution
	localPort := in.Local.Port()
	if localPort == 0 {
		localPort = in.Config.Port
	}

	if in.StunEnabled && !in.Stun.IsValid() {
		res.StunFailed = true
	}

	switch {
	case in.Mapping.Usable():
		res.Contact = HostPort{Host: in.Mapping.ExternalAddr.String(), Port: in.Mapping.ExternalPort}
		res.Source = SourceUPnP

	case !in.Config.PublishedSameAsLocal && in.Config.PublishedAddress != "":
		port := in.Config.PublishedPort
		if port == 0 {
			port = localPort
		}
		res.Contact = HostPort{Host: trimBrackets(in.Config.PublishedAddress), Port: port}
		res.Source = SourcePublished

	case in.StunEnabled && in.Stun.IsValid():
		res.Contact = HostPortFrom(in.Stun)
		res.Source = SourceStun

	case !in.Observed.IsZero() && !res.StunFailed:
		res.Contact = in.Observed
		if res.Contact.Port == 0 {
			res.Contact.Port = localPort
		}
		res.Source = SourceReceived

	default:
		addr := in.Local.Addr()
		if !addr.IsValid() || addr.IsUnspecified() {
			addr = in.Interface
		}
		if !addr.IsValid() {
			addr = netip.IPv4Unspecified()
		}
		res.Contact = HostPort{Host: addr.Unmap().String(), Port: localPort}
		res.Source = SourceLocal
	}

	// sent-by в Via совпадает с публикуемым адресом
	res.Via = res.Contact
	return res
}

// InterfaceAddrFunc определяет адрес исходящего интерфейса
type InterfaceAddrFunc func(v6 bool) (netip.Addr, error)

// DefaultInterfaceAddr определяет адрес интерфейса маршрута по умолчанию.
// UDP "соединение" не отправляет пакетов, только выбирает маршрут.
func DefaultInterfaceAddr(v6 bool) (netip.Addr, error) {
	network, target := "udp4", "192.0.2.1:9"
	if v6 {
		network, target = "udp6", "[2001:db8::1]:9"
	}
	conn, err := net.Dial(network, target)
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()

	udp, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, errors.New("неожиданный тип локального адреса")
	}
	return udp.AddrPort().Addr().Unmap(), nil
}
