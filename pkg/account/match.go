package account

import (
	"context"
	"net"
	"net/netip"
	"strings"
)

// MatchRank насколько аккаунт подходит входящему запросу
type MatchRank int

const (
	MatchNone MatchRank = iota
	MatchPartial
	MatchFull
)

func (r MatchRank) String() string {
	switch r {
	case MatchFull:
		return "full"
	case MatchPartial:
		return "partial"
	default:
		return "none"
	}
}

// LookupFunc разрешает имя хоста в список адресов.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// DefaultLookup использует системный резолвер.
func DefaultLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// Matches определяет ранг совпадения аккаунта для пользователя и сервера из
// входящего запроса. lookup может быть nil - тогда хосты сравниваются только
// как строки/IP литералы.
func (a *Account) Matches(ctx context.Context, username, server string, lookup LookupFunc) MatchRank {
	cfg := a.Config()

	userMatch := username != "" && username == cfg.Username
	hostMatch := hostMatches(ctx, server, cfg.Hostname, lookup)

	switch {
	case userMatch && hostMatch:
		return MatchFull
	case hostMatch, userMatch:
		return MatchPartial
	case cfg.ServiceRoute != "" && hostMatches(ctx, server, cfg.ServiceRoute, lookup):
		return MatchPartial
	default:
		return MatchNone
	}
}

func hostMatches(ctx context.Context, a, b string, lookup LookupFunc) bool {
	if a == "" || b == "" {
		return false
	}
	if strings.EqualFold(a, b) {
		return true
	}
	la := addrList(ctx, a, lookup)
	lb := addrList(ctx, b, lookup)
	for _, x := range la {
		for _, y := range lb {
			if x == y {
				return true
			}
		}
	}
	return false
}

func addrList(ctx context.Context, host string, lookup LookupFunc) []netip.Addr {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return []netip.Addr{addr.Unmap()}
	}
	if lookup == nil {
		return nil
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return nil
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Unmap())
	}
	return out
}
