package registration

import (
	"strings"
	"sync"
)

// ContactParams данные для заголовка Contact
type ContactParams struct {
	DisplayName string
	Username    string
	Address     HostPort
	Secure      bool

	PushProvider string
	PushToken    string
}

// FormatContact печатает значение заголовка Contact:
//
//	"Alice" <sips:alice@[2001:db8::1]:5061;transport=tls;pn-provider=apns;pn-param=;pn-prid=TOKEN>
func FormatContact(p ContactParams) string {
	var b strings.Builder
	if p.DisplayName != "" {
		b.WriteString(`"`)
		b.WriteString(p.DisplayName)
		b.WriteString(`" `)
	}
	b.WriteString("<")
	if p.Secure {
		b.WriteString("sips:")
	} else {
		b.WriteString("sip:")
	}
	if p.Username != "" {
		b.WriteString(p.Username)
		b.WriteString("@")
	}
	b.WriteString(p.Address.String())
	if p.Secure {
		b.WriteString(";transport=tls")
	}
	if p.PushToken != "" {
		b.WriteString(";pn-provider=")
		b.WriteString(p.PushProvider)
		b.WriteString(";pn-param=;pn-prid=")
		b.WriteString(p.PushToken)
	}
	b.WriteString(">")
	return b.String()
}

// contactBinding текущие адреса Contact и Via сессии.
// Пишется из цикла событий, читается из любых горутин; читатели получают копии.
type contactBinding struct {
	mu      sync.RWMutex
	contact HostPort
	via     HostPort
	header  string
	source  AddressSource
}

// set заменяет адреса. Возвращает true, если изменился адрес Contact.
func (b *contactBinding) set(contact, via HostPort, header string, source AddressSource) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := b.contact != contact
	b.contact = contact
	b.via = via
	b.header = header
	b.source = source
	return changed
}

func (b *contactBinding) snapshot() (contact, via HostPort, header string, source AddressSource) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.contact, b.via, b.header, b.source
}
