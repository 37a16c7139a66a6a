package account

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ID = "acc1"
	cfg.Username = "alice"
	cfg.Hostname = "sip.example.com"
	cfg.Credentials = []Credential{{Realm: "example.com", Username: "alice", Password: "secret"}}
	return cfg
}

func TestNewAppliesDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.Port = 0
	cfg.ExpireSeconds = 0
	cfg.Credentials = []Credential{{Username: "alice", Password: "secret"}}

	acc, err := New(cfg, nil)
	require.NoError(t, err)

	got := acc.Config()
	assert.Equal(t, DefaultSIPPort, got.Port)
	assert.Equal(t, DefaultRegistrationExpire, got.ExpireSeconds)
	assert.Equal(t, AnyRealm, got.Credentials[0].Realm)
	assert.Empty(t, got.Credentials[0].PasswordHash())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Transport = "sctp"
	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	cfg = testConfig()
	cfg.PublishedSameAsLocal = false
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestUsable(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		expected bool
	}{
		{"включен", func(*Config) {}, true},
		{"выключен", func(c *Config) { c.Enabled = false }, false},
		{"без пользователя", func(c *Config) { c.Username = "" }, false},
		{"прямые IP без пользователя", func(c *Config) { c.Username, c.Hostname = "", "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Enabled = true
			tt.mutate(&cfg)
			acc, err := New(cfg, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, acc.Usable())
		})
	}
}

func TestSetCredentials(t *testing.T) {
	acc, err := New(testConfig(), nil)
	require.NoError(t, err)

	// Пустой список отклоняется, старые данные остаются
	err = acc.SetCredentials(nil)
	assert.ErrorIs(t, err, ErrEmptyCredentials)
	require.Len(t, acc.Credentials(), 1)
	assert.Equal(t, "example.com", acc.Credentials()[0].Realm)

	err = acc.SetCredentials([]Credential{
		{Realm: "a.example", Username: "u1", Password: "p1"},
		{Username: "u2", Password: "p2"},
	})
	require.NoError(t, err)
	creds := acc.Credentials()
	require.Len(t, creds, 2)
	assert.Equal(t, AnyRealm, creds[1].Realm)
}

func TestPasswordHashComputedOnce(t *testing.T) {
	cfg := testConfig()
	cfg.MD5Hashing = true
	cfg.Credentials = []Credential{{Realm: "testrealm@host.com", Username: "Mufasa", Password: "Circle Of Life"}}

	acc, err := New(cfg, nil)
	require.NoError(t, err)

	// Пример HA1 из RFC 2617, раздел 3.5
	assert.Equal(t, "939e7578ed9e3c518a452acee763bce9", acc.Credentials()[0].PasswordHash())

	// Изменение копии не влияет на аккаунт
	creds := acc.Credentials()
	creds[0].Password = "other"
	assert.Equal(t, "Circle Of Life", acc.Credentials()[0].Password)
}

func TestCredentialMatchesRealm(t *testing.T) {
	assert.True(t, Credential{Realm: AnyRealm}.MatchesRealm("anything"))
	assert.True(t, Credential{Realm: "example.com"}.MatchesRealm("example.com"))
	assert.False(t, Credential{Realm: "example.com"}.MatchesRealm("other.com"))
}

func TestSetRegistrationExpire(t *testing.T) {
	acc, err := New(testConfig(), nil)
	require.NoError(t, err)

	acc.SetRegistrationExpire(30)
	assert.Equal(t, MinRegistrationExpire, acc.RegistrationExpire())

	acc.SetRegistrationExpire(600)
	assert.Equal(t, uint32(600), acc.RegistrationExpire())

	acc.SetRegistrationExpire(0)
	assert.Equal(t, MinRegistrationExpire, acc.RegistrationExpire())
}

func TestSetPushToken(t *testing.T) {
	acc, err := New(testConfig(), nil)
	require.NoError(t, err)

	assert.True(t, acc.SetPushToken("tok"))
	assert.False(t, acc.SetPushToken("tok"))
	assert.Equal(t, "tok", acc.PushToken())
}

func TestMatches(t *testing.T) {
	cfg := testConfig()
	cfg.ServiceRoute = "proxy.example.com"
	acc, err := New(cfg, nil)
	require.NoError(t, err)

	lookup := func(_ context.Context, host string) ([]netip.Addr, error) {
		switch host {
		case "sip.example.com":
			return []netip.Addr{netip.MustParseAddr("203.0.113.10")}, nil
		case "proxy.example.com":
			return []netip.Addr{netip.MustParseAddr("203.0.113.20")}, nil
		}
		return nil, errors.New("not found")
	}
	ctx := context.Background()

	assert.Equal(t, MatchFull, acc.Matches(ctx, "alice", "sip.example.com", lookup))
	assert.Equal(t, MatchFull, acc.Matches(ctx, "alice", "203.0.113.10", lookup))
	assert.Equal(t, MatchPartial, acc.Matches(ctx, "bob", "SIP.example.com", lookup))
	assert.Equal(t, MatchPartial, acc.Matches(ctx, "alice", "other.example.com", lookup))
	assert.Equal(t, MatchPartial, acc.Matches(ctx, "bob", "203.0.113.20", lookup))
	assert.Equal(t, MatchNone, acc.Matches(ctx, "bob", "198.51.100.1", lookup))
	assert.Equal(t, MatchNone, acc.Matches(ctx, "", "", nil))
}
