package registration

import (
	"net/netip"
	"strings"

	"github.com/arzzra/sipreg/pkg/account"
)

// NatDecision решение NatReconciler
type NatDecision int

const (
	NatUnchanged NatDecision = iota
	NatRewrite
	NatIgnoredMiddlebox
	NatIgnoredPrivatePort
)

func (d NatDecision) String() string {
	switch d {
	case NatRewrite:
		return "rewrite"
	case NatIgnoredMiddlebox:
		return "ignored_middlebox"
	case NatIgnoredPrivatePort:
		return "ignored_private_port"
	default:
		return "unchanged"
	}
}

// ObservedAddress адрес клиента, каким его увидел сервер.
// Порт: rport, иначе порт sent-by, иначе порт транспорта по умолчанию.
// Адрес: received, иначе хост sent-by.
func ObservedAddress(obs Observation, transport account.TransportType) HostPort {
	port := obs.RPort
	if port <= 0 {
		port = obs.SentByPort
	}
	if port <= 0 || port > 65535 {
		port = int(transport.DefaultPort())
	}

	host := obs.Received
	if host == "" {
		host = obs.SentByHost
	}
	return HostPort{Host: trimBrackets(host), Port: uint16(port)}
}

// Reconcile решает, нужно ли переписать Contact по адресу, который увидел
// регистратор. Возвращает новый адрес и NatRewrite, либо текущий адрес и
// причину, по которой контакт не меняется.
func Reconcile(obs Observation, current HostPort, transport account.TransportType) (HostPort, NatDecision) {
	observed := ObservedAddress(obs, transport)
	if observed.Host == "" {
		return current, NatUnchanged
	}

	if current.Port == 0 {
		current.Port = transport.DefaultPort()
	}

	observedAddr, observedOK := observed.Addr()
	currentAddr, currentOK := current.Addr()

	var sameHost bool
	if observedOK && currentOK {
		sameHost = observedAddr == currentAddr
	} else {
		sameHost = strings.EqualFold(observed.Host, trimBrackets(current.Host))
	}
	if sameHost && observed.Port == current.Port {
		return current, NatUnchanged
	}

	// Клиент и сервер публичные, а сервер увидел приватный адрес: пакет
	// испорчен промежуточным устройством
	if observedOK && currentOK && obs.Server.IsValid() &&
		!isPrivate(currentAddr) && !isPrivate(obs.Server.Unmap()) && isPrivate(observedAddr) {
		return current, NatIgnoredMiddlebox
	}

	// Отличается только порт в приватной сети
	if sameHost && observedOK && isPrivate(observedAddr) {
		return current, NatIgnoredPrivatePort
	}

	return observed, NatRewrite
}

func isPrivate(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}
