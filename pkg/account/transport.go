package account

import (
	"fmt"
	"strings"
)

// TransportType определяет тип транспортного протокола аккаунта
type TransportType string

const (
	// TransportUDP - UDP транспорт
	TransportUDP TransportType = "udp"
	// TransportTCP - TCP транспорт
	TransportTCP TransportType = "tcp"
	// TransportTLS - TLS транспорт
	TransportTLS TransportType = "tls"
)

// Порты SIP по умолчанию (RFC 3261, раздел 19.1.2)
const (
	DefaultSIPPort  uint16 = 5060
	DefaultSIPSPort uint16 = 5061
)

// ParseTransportType разбирает тип транспорта без учета регистра.
// Пустая строка дает UDP.
func ParseTransportType(s string) (TransportType, error) {
	t := TransportType(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return TransportUDP, nil
	}
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

// Validate проверяет корректность типа транспорта
func (t TransportType) Validate() error {
	switch t {
	case TransportUDP, TransportTCP, TransportTLS:
		return nil
	default:
		return fmt.Errorf("неизвестный тип транспорта: %q", string(t))
	}
}

// Secure сообщает, защищен ли транспорт (sips:, transport=tls)
func (t TransportType) Secure() bool {
	return t == TransportTLS
}

// DefaultPort возвращает порт по умолчанию для типа транспорта
func (t TransportType) DefaultPort() uint16 {
	if t.Secure() {
		return DefaultSIPSPort
	}
	return DefaultSIPPort
}

// Network возвращает имя сети для net.Dial/sipgo ("udp", "tcp", "tls")
func (t TransportType) Network() string {
	if t == "" {
		return string(TransportUDP)
	}
	return string(t)
}

// String возвращает имя транспорта в верхнем регистре, как в заголовке Via
func (t TransportType) String() string {
	return strings.ToUpper(t.Network())
}
