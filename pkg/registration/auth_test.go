package registration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipreg/pkg/account"
)

func newRetrier(tr *fakeTransport, creds []account.Credential) (*DigestAuthRetrier, *fakeAuthenticator) {
	auth := &fakeAuthenticator{}
	return &DigestAuthRetrier{
		Transport:     tr,
		Handle:        &fakeHandle{},
		Authenticator: auth,
		Credentials:   creds,
	}, auth
}

func testRequest() *Request {
	return &Request{
		ID:     "req-1",
		Method: "REGISTER",
		Target: "sip:example.com",
		From:   "<sip:alice@example.com>",
		To:     "<sip:alice@example.com>",
		CallID: "call-1",
		CSeq:   7,
	}
}

func TestRetrierAnswersChallengeOnce(t *testing.T) {
	tr := newFakeTransport(func(req *Request, _ int) (*Response, error) {
		if req.Authorization == nil {
			return challengeResponse("example.com"), nil
		}
		return okResponse(3600), nil
	})
	r, auth := newRetrier(tr, testAccountConfig().Credentials)

	res := r.Do(context.Background(), testRequest())
	assert.True(t, res.Success)
	assert.True(t, res.Challenged)
	assert.NoError(t, res.Err)
	assert.Equal(t, uint32(8), res.CSeq)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, int32(1), auth.calls.Load())

	reqs := tr.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "sip:example.com", reqs[1].Target)
	assert.Contains(t, reqs[1].Authorization.Value, `uri="sip:example.com"`)
}

func TestRetrierRepeatedChallenge(t *testing.T) {
	tr := newFakeTransport(func(*Request, int) (*Response, error) {
		return challengeResponse("example.com"), nil
	})
	r, _ := newRetrier(tr, testAccountConfig().Credentials)

	var calls atomic.Int32
	done := make(chan AuthResult, 2)
	r.Go(context.Background(), testRequest(), func(res AuthResult) {
		calls.Add(1)
		done <- res
	})

	select {
	case res := <-done:
		assert.False(t, res.Success)
		assert.Equal(t, 401, res.Response.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("done не вызван")
	}
	assert.Never(t, func() bool { return calls.Load() > 1 }, 30*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 2, tr.Count())
}

func TestRetrierWithoutMatchingCredentials(t *testing.T) {
	tr := newFakeTransport(func(*Request, int) (*Response, error) {
		return challengeResponse("other.org"), nil
	})
	r, auth := newRetrier(tr, testAccountConfig().Credentials)

	res := r.Do(context.Background(), testRequest())
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrAuthRejected)
	assert.Equal(t, 1, tr.Count())
	assert.Zero(t, auth.calls.Load())
}

func TestRetrierChallengeWithoutHeader(t *testing.T) {
	tr := newFakeTransport(func(*Request, int) (*Response, error) {
		return statusResponse(407, "Proxy Authentication Required"), nil
	})
	r, _ := newRetrier(tr, testAccountConfig().Credentials)

	res := r.Do(context.Background(), testRequest())
	assert.True(t, res.Challenged)
	assert.False(t, res.Success)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, tr.Count())
}

func TestRetrierTransportError(t *testing.T) {
	tr := newFakeTransport(func(*Request, int) (*Response, error) {
		return nil, errConnReset
	})
	r, _ := newRetrier(tr, nil)

	res := r.Do(context.Background(), testRequest())
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, errConnReset))
	assert.False(t, res.Challenged)
}

func TestSelectCredential(t *testing.T) {
	creds := []account.Credential{
		{Realm: "*", Username: "any"},
		{Realm: "example.com", Username: "exact"},
	}

	c, ok := selectCredential(creds, "example.com")
	require.True(t, ok)
	assert.Equal(t, "exact", c.Username)

	c, ok = selectCredential(creds, "other.org")
	require.True(t, ok)
	assert.Equal(t, "any", c.Username)

	_, ok = selectCredential(creds[1:], "other.org")
	assert.False(t, ok)
}
