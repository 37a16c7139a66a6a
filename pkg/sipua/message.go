package sipua

import (
	"net/netip"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/arzzra/sipreg/pkg/account"
	"github.com/arzzra/sipreg/pkg/registration"
)

const maxForwards = 70

// buildRequest формирует SIP запрос из запроса ядра. Via берется из
// req.Via (адрес, который публикует аккаунт), с параметром rport.
func buildRequest(req *registration.Request, dest string) (*sip.Request, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(account.StripBrackets(req.Target), &recipient); err != nil {
		return nil, errtrace.Errorf("sipua: Request-URI %q: %w", req.Target, err)
	}

	r := sip.NewRequest(sip.RequestMethod(req.Method), recipient)
	r.SetTransport(req.Transport.String())
	if dest != "" {
		r.SetDestination(dest)
	}

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       req.Transport.String(),
		Host:            account.StripBrackets(req.Via.Host),
		Port:            int(req.Via.Port),
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	via.Params.Add("rport", "")
	r.AppendHeader(via)

	from := &sip.FromHeader{Params: sip.NewParams()}
	name, err := sip.ParseAddressValue(req.From, &from.Address, from.Params)
	if err != nil {
		return nil, errtrace.Errorf("sipua: From %q: %w", req.From, err)
	}
	from.DisplayName = name
	from.Params.Add("tag", newTag())
	r.AppendHeader(from)

	to := &sip.ToHeader{Params: sip.NewParams()}
	name, err = sip.ParseAddressValue(req.To, &to.Address, to.Params)
	if err != nil {
		return nil, errtrace.Errorf("sipua: To %q: %w", req.To, err)
	}
	to.DisplayName = name
	r.AppendHeader(to)

	callID := sip.CallIDHeader(req.CallID)
	r.AppendHeader(&callID)
	r.AppendHeader(&sip.CSeqHeader{SeqNo: req.CSeq, MethodName: sip.RequestMethod(req.Method)})
	mf := sip.MaxForwardsHeader(maxForwards)
	r.AppendHeader(&mf)

	if req.ServiceRoute != "" {
		r.AppendHeader(sip.NewHeader("Route", routeValue(req.ServiceRoute)))
	}
	if req.Contact != "" {
		contact := &sip.ContactHeader{Params: sip.NewParams()}
		name, err := sip.ParseAddressValue(req.Contact, &contact.Address, contact.Params)
		if err != nil {
			return nil, errtrace.Errorf("sipua: Contact %q: %w", req.Contact, err)
		}
		contact.DisplayName = name
		r.AppendHeader(contact)
	}
	if req.Method == string(sip.REGISTER) {
		expires := sip.ExpiresHeader(req.Expires)
		r.AppendHeader(&expires)
	}
	if req.UserAgent != "" {
		r.AppendHeader(sip.NewHeader("User-Agent", req.UserAgent))
	}
	if req.Authorization != nil {
		r.AppendHeader(sip.NewHeader(req.Authorization.Header, req.Authorization.Value))
	}

	if len(req.Body) > 0 {
		ct := sip.ContentTypeHeader(req.ContentType)
		r.AppendHeader(&ct)
		r.SetBody(req.Body)
	} else {
		r.SetBody(nil)
	}
	return r, nil
}

// routeValue приводит service route к виду <sip:...;lr>
func routeValue(route string) string {
	uri := account.StripBrackets(route)
	if !strings.HasPrefix(uri, "sip:") && !strings.HasPrefix(uri, "sips:") {
		uri = "sip:" + uri
	}
	if !strings.Contains(uri, ";lr") {
		uri += ";lr"
	}
	return "<" + uri + ">"
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// parseResponse переводит ответ sipgo в ответ ядра. contact - заголовок
// Contact запроса, по нему выбирается срок регистрации из ответа.
func parseResponse(res *sip.Response, contact string) *registration.Response {
	out := &registration.Response{
		StatusCode: int(res.StatusCode),
		Reason:     res.Reason,
		Expiration: expiration(res, contact),
	}

	if via := res.Via(); via != nil {
		out.Via.SentByHost = via.Host
		out.Via.SentByPort = via.Port
		if via.Params != nil {
			if received, ok := via.Params.Get("received"); ok {
				out.Via.Received = received
			}
			if rport, ok := via.Params.Get("rport"); ok && rport != "" {
				if p, err := strconv.Atoi(rport); err == nil {
					out.Via.RPort = p
				}
			}
		}
	}
	if src, err := netip.ParseAddrPort(res.Source()); err == nil {
		out.Via.Server = src.Addr().Unmap()
	}

	switch out.StatusCode {
	case 401:
		out.Challenge = challenge(res, "WWW-Authenticate", false)
	case 407:
		out.Challenge = challenge(res, "Proxy-Authenticate", true)
	}
	return out
}

func challenge(res *sip.Response, header string, proxy bool) *registration.Challenge {
	h := res.GetHeader(header)
	if h == nil {
		return nil
	}
	ch := &registration.Challenge{Value: h.Value(), Proxy: proxy}
	if parsed, err := digest.ParseChallenge(h.Value()); err == nil {
		ch.Realm = parsed.Realm
	}
	return ch
}

// expiration срок регистрации: параметр expires нашего Contact, затем
// заголовок Expires. -1, если сервер срок не указал.
func expiration(res *sip.Response, contact string) int {
	var ours sip.Uri
	if _, err := sip.ParseAddressValue(contact, &ours, sip.NewParams()); err != nil {
		ours = sip.Uri{}
	}
	for _, h := range res.GetHeaders("Contact") {
		c := contactHeader(h)
		if c == nil || (ours.Host != "" && !sameBinding(&c.Address, &ours)) {
			continue
		}
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
	}
	switch h := res.GetHeader("Expires").(type) {
	case nil:
	case *sip.ExpiresHeader:
		return int(*h)
	default:
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n >= 0 {
			return n
		}
	}
	return -1
}

// contactHeader приводит заголовок к *sip.ContactHeader. Заголовок,
// добавленный без парсера, разбирается из значения.
func contactHeader(h sip.Header) *sip.ContactHeader {
	if c, ok := h.(*sip.ContactHeader); ok {
		if c.Params == nil {
			c.Params = sip.NewParams()
		}
		return c
	}
	c := &sip.ContactHeader{Params: sip.NewParams()}
	name, err := sip.ParseAddressValue(h.Value(), &c.Address, c.Params)
	if err != nil {
		return nil
	}
	c.DisplayName = name
	return c
}

// sameBinding сравнивает пользователя, хост и порт; параметры URI не учитываются
func sameBinding(a, b *sip.Uri) bool {
	return strings.EqualFold(a.User, b.User) &&
		strings.EqualFold(account.StripBrackets(a.Host), account.StripBrackets(b.Host)) &&
		uriPort(a) == uriPort(b)
}

func uriPort(u *sip.Uri) int {
	if u.Port != 0 {
		return u.Port
	}
	if u.IsEncrypted() {
		return 5061
	}
	return 5060
}

func portString(p uint16) string {
	return strconv.Itoa(int(p))
}
