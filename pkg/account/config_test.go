package account

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accountsYAML = `
accounts:
  - id: office
    username: alice
    display_name: Alice
    hostname: sip.example.com
    transport: tls
    expire_seconds: 30
    allow_contact_rewrite: true
    credentials:
      - realm: example.com
        username: alice
        password: secret
    stun_enabled: true
    stun_server: stun.example.com
    port_mapping_timeout: 5s
  - id: direct
    username: bob
`

func TestLoad(t *testing.T) {
	configs, err := Load(strings.NewReader(accountsYAML), nil)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	office := configs[0]
	assert.Equal(t, "office", office.ID)
	assert.True(t, office.Enabled, "значение по умолчанию должно сохраниться")
	assert.Equal(t, TransportTLS, office.Transport)
	assert.Equal(t, MinRegistrationExpire, office.ExpireSeconds)
	assert.Equal(t, DefaultStunPort, office.StunPort)
	assert.Equal(t, 5*time.Second, office.PortMappingTimeout)
	assert.True(t, office.PublishedSameAsLocal)
	require.Len(t, office.Credentials, 1)
	assert.Equal(t, "example.com", office.Credentials[0].Realm)

	direct := configs[1]
	assert.True(t, direct.IsIP2IP())
	assert.Equal(t, DefaultRegistrationExpire, direct.ExpireSeconds)
	assert.Equal(t, DefaultSIPPort, direct.Port)
}

func TestLoadRejectsInvalidAccount(t *testing.T) {
	_, err := Load(strings.NewReader("accounts:\n  - username: nobody\n"), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadEmpty(t *testing.T) {
	configs, err := Load(strings.NewReader(""), nil)
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestMarshalRoundTripKeepsCredentials(t *testing.T) {
	configs, err := Load(strings.NewReader(accountsYAML), nil)
	require.NoError(t, err)

	out, err := Marshal(configs)
	require.NoError(t, err)
	assert.Contains(t, string(out), "password: secret")
	assert.Contains(t, string(out), "hostname: sip.example.com")

	again, err := Load(strings.NewReader(string(out)), nil)
	require.NoError(t, err)
	assert.Equal(t, configs, again)
}
