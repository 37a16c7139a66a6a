package sipua

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipreg/pkg/account"
	"github.com/arzzra/sipreg/pkg/registration"
)

// startRegistrar поднимает регистратор на 127.0.0.1: первый REGISTER без
// авторизации получает 401, остальные 200 с expires=1800 в Contact.
func startRegistrar(t *testing.T) (netip.AddrPort, *atomic.Int32) {
	t.Helper()
	ua, err := sipgo.NewUA()
	require.NoError(t, err)
	srv, err := sipgo.NewServer(ua)
	require.NoError(t, err)

	var count atomic.Int32
	srv.OnRegister(func(req *sip.Request, tx sip.ServerTransaction) {
		count.Add(1)
		if req.GetHeader("Authorization") == nil {
			res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
			res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="n1", qop="auth"`))
			_ = tx.Respond(res)
			return
		}
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if c := req.GetHeader("Contact"); c != nil {
			res.AppendHeader(sip.NewHeader("Contact", c.Value()+";expires=1800"))
		}
		_ = tx.Respond(res)
	})

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.ServeUDP(conn) }()
	t.Cleanup(func() { _ = ua.Close() })

	return conn.LocalAddr().(*net.UDPAddr).AddrPort(), &count
}

func openLoopback(t *testing.T, remote netip.AddrPort) (*Transport, registration.TransportHandle) {
	t.Helper()
	tr := NewTransport()
	h, err := tr.Open(context.Background(), registration.TransportSpec{
		AccountID: "acc1",
		Transport: account.TransportUDP,
		Bind:      netip.MustParseAddrPort("127.0.0.1:0"),
		Remote:    remote,
		UserAgent: "SoftPhone/1.0",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Release() })
	return tr, h
}

func TestTransportRegisterWithDigest(t *testing.T) {
	remote, count := startRegistrar(t)
	tr, h := openLoopback(t, remote)

	local := h.LocalAddr()
	require.Equal(t, netip.MustParseAddr("127.0.0.1"), local.Addr())
	require.NotZero(t, local.Port())

	req := &registration.Request{
		Method:    "REGISTER",
		Target:    "sip:" + remote.String(),
		From:      "<sip:alice@example.com>",
		To:        "<sip:alice@example.com>",
		Contact:   "<sip:alice@" + local.String() + ">",
		Expires:   3600,
		CallID:    "call-loopback",
		CSeq:      1,
		Via:       registration.HostPortFrom(local),
		Transport: account.TransportUDP,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	retrier := &registration.DigestAuthRetrier{
		Transport:     tr,
		Handle:        h,
		Authenticator: NewDigestAuthenticator(),
		Credentials:   []account.Credential{{Realm: "*", Username: "alice", Password: "secret"}},
	}
	result := retrier.Do(ctx, req)
	require.NoError(t, result.Err)
	require.NotNil(t, result.Response)
	assert.True(t, result.Challenged)
	assert.Equal(t, 200, result.Response.StatusCode)
	assert.Equal(t, 1800, result.Response.Expiration)
	assert.Equal(t, uint32(2), result.CSeq)
	assert.Equal(t, int32(2), count.Load())
}

func TestTransportReleaseIdempotent(t *testing.T) {
	remote, _ := startRegistrar(t)
	tr, h := openLoopback(t, remote)

	require.NoError(t, h.Release())
	assert.NoError(t, h.Release())

	_, err := tr.Send(context.Background(), h, &registration.Request{Method: "REGISTER", Target: "sip:" + remote.String()})
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestTransportInvalidRequestIsFatal(t *testing.T) {
	remote, count := startRegistrar(t)
	tr, h := openLoopback(t, remote)

	req := &registration.Request{
		Method:    "REGISTER",
		Target:    "",
		From:      "<sip:alice@example.com>",
		To:        "<sip:alice@example.com>",
		CallID:    "call-invalid",
		CSeq:      1,
		Transport: account.TransportUDP,
	}
	_, err := tr.Send(context.Background(), h, req)
	require.Error(t, err)

	var regErr *registration.Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, registration.CategoryProtocolFatal, regErr.Category)
	assert.False(t, registration.Classify(nil, err, 0).Retry())
	assert.Zero(t, count.Load())
}

func TestTransportRejectsForeignHandle(t *testing.T) {
	_, err := NewTransport().Send(context.Background(), nil, &registration.Request{})
	assert.Error(t, err)
}

func TestTransportListenFailure(t *testing.T) {
	tr := NewTransport()
	tr.listen = func(string, string) (net.PacketConn, error) {
		return nil, &net.OpError{Op: "listen", Net: "udp", Err: assert.AnError}
	}
	_, err := tr.Open(context.Background(), registration.TransportSpec{
		AccountID: "acc1",
		Transport: account.TransportUDP,
		Bind:      netip.MustParseAddrPort("127.0.0.1:5060"),
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestDestination(t *testing.T) {
	tests := []struct {
		spec registration.TransportSpec
		want string
	}{
		{registration.TransportSpec{Remote: netip.MustParseAddrPort("203.0.113.1:5070")}, "203.0.113.1:5070"},
		{registration.TransportSpec{RemoteHost: "pbx.example.com", Transport: account.TransportTLS}, "pbx.example.com:5061"},
		{registration.TransportSpec{RemoteHost: "pbx.example.com:5080"}, "pbx.example.com:5080"},
		{registration.TransportSpec{}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, destination(tt.spec))
	}
}
