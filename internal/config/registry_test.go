package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withRegistry swaps in a registry holding only keys for the duration of the
// test.
func withRegistry(t *testing.T, keys ...Key) {
	t.Helper()
	registryMu.Lock()
	original := registry
	registry = map[string]Key{}
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		registry = original
		registryMu.Unlock()
	})
	Register(keys...)
}

func TestSuggest(t *testing.T) {
	withRegistry(t,
		Key{Name: "oauth.accessTokenLifetime"},
		Key{Name: "oauth.refreshTokenLifetime"},
		Key{Name: "policy.emailConfirmation"},
		Key{Name: "server.port"},
		Key{Name: "server.host"},
		Key{Name: "ticket.signingKey"},
	)

	tests := []struct {
		name string
		want string
	}{
		{"oauth.acessTokenLifetime", "oauth.accessTokenLifetime"},
		{"policy.emailConfirmaton", "policy.emailConfirmation"},
		{"ticket.signngKey", "ticket.signingKey"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Suggest(tt.name, 3)[0])
		})
	}

	assert.Equal(t, []string{"server.host", "server.port"}, Suggest("server.hort", 3), "ties break alphabetically")
	assert.Len(t, Suggest("server.hort", 1), 1)
	assert.Empty(t, Suggest("completely.unrelated.thing", 3))
}

func TestRegister(t *testing.T) {
	withRegistry(t)

	Register(Key{
		Name:        "codealloc.halfLength",
		Description: "Base-36 digits per code half",
		Type:        "int",
		Default:     4,
	}, Key{Name: "ticket.signingKey"})

	k, ok := Lookup("codealloc.halfLength")
	require.True(t, ok)
	assert.Equal(t, "Base-36 digits per code half", k.Description)
	assert.False(t, k.Deprecated())
	assert.Equal(t, map[string]any{"codealloc.halfLength": 4}, Defaults(), "keys without a default are omitted")
	assert.Equal(t, []string{"codealloc.halfLength", "ticket.signingKey"}, Names())
}

func TestDeprecate(t *testing.T) {
	withRegistry(t)

	Deprecate("oauth.tokenLifetime", "oauth.accessTokenLifetime")

	k, ok := Lookup("oauth.tokenLifetime")
	require.True(t, ok)
	assert.True(t, k.Deprecated())
	assert.Equal(t, "oauth.accessTokenLifetime", k.ReplacedBy)
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, "server.tls", namespace("server.tls.certFile"))
	assert.Equal(t, "server", namespace("server.port"))
	assert.Equal(t, "", namespace("simple"))
}

func TestTransformEnv(t *testing.T) {
	tests := map[string]string{
		"WD__SERVER__PORT":                 "server.port",
		"WD__OAUTH__ACCESS_TOKEN_LIFETIME": "oauth.accessTokenLifetime",
		"WD__POLICY__EMAIL_CONFIRMATION":   "policy.emailConfirmation",
		"WD__CODEALLOC__OWNER_ADDRESS":     "codealloc.ownerAddress",
		"WD__EMAIL__SMTP__HOST":            "email.smtp.host",
	}
	for in, want := range tests {
		assert.Equal(t, want, TransformEnv(in), in)
	}
}

func TestSearchForConfig(t *testing.T) {
	assert.Empty(t, SearchForConfig("definitely-not-a-real-file.yaml", t.TempDir()))
}
