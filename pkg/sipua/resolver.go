package sipua

import (
	"cmp"
	"context"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"

	"github.com/arzzra/sipreg/pkg/account"
	"github.com/arzzra/sipreg/pkg/logging"
	"github.com/arzzra/sipreg/pkg/registration"
)

// DefaultDNSTimeout таймаут одного DNS запроса
const DefaultDNSTimeout = 5 * time.Second

// SRVResolver разрешает адрес регистратора по RFC 3263: SRV записи
// _sip._udp / _sip._tcp / _sips._tcp, затем A/AAAA самого имени.
type SRVResolver struct {
	// NameServer адрес DNS сервера ("8.8.8.8:53"). Пустое значение - из /etc/resolv.conf.
	NameServer string
	// Timeout таймаут одного запроса. Ноль - DefaultDNSTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ registration.HostResolver = (*SRVResolver)(nil)

func (r *SRVResolver) Resolve(ctx context.Context, host string, transport account.TransportType) ([]netip.AddrPort, error) {
	host = account.StripBrackets(host)
	port := transport.DefaultPort()
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(addr.Unmap(), port)}, nil
	}

	log := logging.Component(r.Logger, "dns").With("host", host)
	ns, err := r.nameserver()
	if err != nil {
		return nil, err
	}

	out, err := r.lookupSRV(ctx, ns, srvName(host, transport))
	if err != nil {
		log.Debug("SRV запрос не удался", "error", err)
	}
	if len(out) == 0 {
		ips, err := r.lookupIP(ctx, ns, host, nil)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			out = append(out, netip.AddrPortFrom(ip, port))
		}
	}
	if len(out) == 0 {
		return nil, errtrace.Wrap(&net.DNSError{Err: "нет адресов", Name: host, IsNotFound: true})
	}
	log.Debug("адрес регистратора разрешен", "addresses", out)
	return out, nil
}

func srvName(host string, transport account.TransportType) string {
	switch transport {
	case account.TransportTLS:
		return "_sips._tcp." + host
	case account.TransportTCP:
		return "_sip._tcp." + host
	default:
		return "_sip._udp." + host
	}
}

// lookupSRV возвращает адреса целей SRV в порядке priority, затем weight
func (r *SRVResolver) lookupSRV(ctx context.Context, ns, name string) ([]netip.AddrPort, error) {
	resp, err := r.query(ctx, ns, name, dns.TypeSRV)
	if err != nil || resp == nil {
		return nil, err
	}

	var records []*dns.SRV
	for _, rr := range resp.Answer {
		if srv, ok := rr.(*dns.SRV); ok && srv.Target != "." {
			records = append(records, srv)
		}
	}
	slices.SortStableFunc(records, func(a, b *dns.SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})

	var out []netip.AddrPort
	for _, srv := range records {
		ips, err := r.lookupIP(ctx, ns, srv.Target, resp.Extra)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			out = append(out, netip.AddrPortFrom(ip, srv.Port))
		}
	}
	return out, nil
}

// lookupIP ищет A и AAAA. Записи из additional секции SRV ответа
// используются без отдельного запроса.
func (r *SRVResolver) lookupIP(ctx context.Context, ns, host string, extra []dns.RR) ([]netip.Addr, error) {
	fqdn := dns.Fqdn(host)
	if ips := addrsOf(extra, fqdn); len(ips) > 0 {
		return ips, nil
	}

	var (
		out  []netip.Addr
		errs error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.query(ctx, ns, fqdn, qtype)
		if err != nil {
			errs = err
			continue
		}
		if resp != nil {
			out = append(out, addrsOf(resp.Answer, "")...)
		}
	}
	if len(out) == 0 && errs != nil {
		return nil, errs
	}
	return out, nil
}

func addrsOf(rrs []dns.RR, name string) []netip.Addr {
	var out []netip.Addr
	for _, rr := range rrs {
		if name != "" && !strings.EqualFold(rr.Header().Name, name) {
			continue
		}
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, addr.Unmap())
		}
	}
	return out
}

// query выполняет запрос. NXDOMAIN дает nil без ошибки.
func (r *SRVResolver) query(ctx context.Context, ns, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, ns)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
		return resp, nil
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, errtrace.Wrap(&net.DNSError{
			Err:  dns.RcodeToString[resp.Rcode],
			Name: name,
		})
	}
}

func (r *SRVResolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultDNSTimeout
}

func (r *SRVResolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{Err: "не настроены DNS серверы", Name: "resolv.conf"})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
