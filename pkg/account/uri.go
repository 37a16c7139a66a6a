package account

import (
	"net/netip"
	"os"
	"os/user"
	"strings"
)

// FormatHost заключает IPv6 литерал в квадратные скобки; остальное без изменений.
func FormatHost(host string) string {
	h := strings.Trim(host, "[]")
	if addr, err := netip.ParseAddr(h); err == nil && addr.Is6() && !addr.Is4In6() {
		return "[" + addr.String() + "]"
	}
	return host
}

func schemeAndTransport(t TransportType) (string, string) {
	if t.Secure() {
		return "sips:", ";transport=" + t.Network()
	}
	// UDP и TCP не требуют явного параметра transport
	return "sip:", ""
}

// loginName возвращает имя пользователя ОС, если в аккаунте оно не задано
func loginName() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// FromURI формирует значение заголовка From/To для REGISTER.
//
// Пример: "Alice" <sip:alice@example.com>
func (c *Config) FromURI() string {
	scheme, transport := schemeAndTransport(c.Transport)

	username := c.Username
	if username == "" {
		username = loginName()
	}
	hostname := c.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	uri := "<" + scheme + username + "@" + FormatHost(hostname) + transport + ">"
	if c.DisplayName != "" {
		return `"` + c.DisplayName + `" ` + uri
	}
	return uri
}

// ToURI формирует адрес получателя для запросов вне диалога.
// Уже квалифицированные цели (со схемой или доменом) дополняются только скобками.
func (c *Config) ToURI(target string) string {
	scheme, transport := schemeAndTransport(c.Transport)

	if strings.Contains(target, "sip") {
		scheme = ""
	}
	hostname := ""
	if !strings.Contains(target, "@") {
		hostname = c.Hostname
	}
	if hostname != "" {
		hostname = "@" + FormatHost(hostname)
	}

	lt, gt := "<", ">"
	if strings.Contains(target, "<") {
		lt = ""
	}
	if strings.Contains(target, ">") {
		gt = ""
	}
	return lt + scheme + target + hostname + transport + gt
}

// ServerURI формирует Request-URI регистратора.
func (c *Config) ServerURI() string {
	scheme, transport := schemeAndTransport(c.Transport)
	return "<" + scheme + FormatHost(c.Hostname) + transport + ">"
}

// StripBrackets убирает угловые скобки и отображаемое имя из значения адреса.
func StripBrackets(v string) string {
	if i := strings.IndexByte(v, '<'); i >= 0 {
		v = v[i+1:]
		if j := strings.IndexByte(v, '>'); j >= 0 {
			v = v[:j]
		}
	}
	return strings.TrimSpace(v)
}
