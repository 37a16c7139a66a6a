package sipua

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"braces.dev/errtrace"
	"github.com/icholy/digest"

	"github.com/arzzra/sipreg/pkg/account"
	"github.com/arzzra/sipreg/pkg/registration"
)

// DigestAuthenticator вычисляет Authorization по RFC 2617/7616.
// Если у учетных данных есть HA1, пароль не используется.
type DigestAuthenticator struct {
	// cnonce генерирует client nonce; nil означает случайное значение
	cnonce func() string
}

var _ registration.DigestAuthenticator = (*DigestAuthenticator)(nil)

// NewDigestAuthenticator создает аутентификатор
func NewDigestAuthenticator() *DigestAuthenticator {
	return &DigestAuthenticator{}
}

func (a *DigestAuthenticator) Authorize(cred account.Credential, ch *registration.Challenge, method, uri string) (registration.Authorization, error) {
	if ch == nil {
		return registration.Authorization{}, errtrace.New("digest: нет challenge")
	}
	chal, err := digest.ParseChallenge(ch.Value)
	if err != nil {
		return registration.Authorization{}, errtrace.Errorf("digest: разбор challenge: %w", err)
	}

	header := "Authorization"
	if ch.Proxy {
		header = "Proxy-Authorization"
	}
	uri = account.StripBrackets(uri)

	var creds *digest.Credentials
	if ha1 := cred.PasswordHash(); ha1 != "" {
		creds, err = a.fromHA1(chal, ha1, cred.Username, method, uri)
	} else {
		creds, err = digest.Digest(chal, digest.Options{
			Method:   method,
			URI:      uri,
			Username: cred.Username,
			Password: cred.Password,
			Cnonce:   a.newCnonce(),
			Count:    1,
		})
	}
	if err != nil {
		return registration.Authorization{}, errtrace.Errorf("digest: %w", err)
	}
	return registration.Authorization{Header: header, Value: creds.String()}, nil
}

// fromHA1 считает response по готовому HA1 (только MD5)
func (a *DigestAuthenticator) fromHA1(chal *digest.Challenge, ha1, username, method, uri string) (*digest.Credentials, error) {
	if alg := strings.ToUpper(chal.Algorithm); alg != "" && alg != "MD5" {
		return nil, fmt.Errorf("алгоритм %s не поддерживается для HA1", chal.Algorithm)
	}

	creds := &digest.Credentials{
		Username:  username,
		Realm:     chal.Realm,
		Nonce:     chal.Nonce,
		URI:       uri,
		Algorithm: chal.Algorithm,
		Opaque:    chal.Opaque,
	}
	ha2 := md5Hex(method + ":" + uri)
	if chal.SupportsQOP("auth") {
		creds.QOP = "auth"
		creds.Nc = 1
		creds.Cnonce = a.newCnonce()
		creds.Response = md5Hex(strings.Join([]string{
			ha1, chal.Nonce, fmt.Sprintf("%08x", creds.Nc), creds.Cnonce, creds.QOP, ha2,
		}, ":"))
	} else {
		creds.Response = md5Hex(ha1 + ":" + chal.Nonce + ":" + ha2)
	}
	return creds, nil
}

func (a *DigestAuthenticator) newCnonce() string {
	if a.cnonce != nil {
		return a.cnonce()
	}
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
