package config

import (
	"os"
	"path/filepath"
	"testing"

	"emperror.dev/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	p := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestFromFile(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		p := writeConfig(t, `
tokens:
  secret: file-secret
remote:
  origins:
    audio:
      base_url: https://cdn.example.com/audio/
    data:
      base_url: https://cdn.example.com/data/
`)
		require.NoError(t, FromFile(p))

		c := Get()
		assert.Equal(t, p, c.GetPath())
		assert.Equal(t, 8080, c.Api.Port)
		assert.Equal(t, []string{"CF-Connecting-IP", "X-Forwarded-For"}, c.Api.RemoteIPHeaders)
		assert.Equal(t, 60, c.Tokens.TTL)
		assert.Equal(t, 12, c.Tokens.NonceBytes)
		assert.Equal(t, "memory", c.Ledger.Driver)
		assert.Equal(t, "TUWA_PREMIUM", c.Session.CookieName)
		assert.Equal(t, "file-secret", c.Session.Secret)
		assert.Empty(t, c.Session.IssuerToken)
		assert.Empty(t, c.Session.DebugOverrideKey)
		assert.Equal(t, "app.html", c.Policy.PremiumDocument)
		assert.Contains(t, c.Policy.GuestFiles, "/manifest.json")
		assert.Contains(t, c.Policy.GuestPrefixes, "/api/config")
		assert.Equal(t, []string{".json", ".xml"}, c.Remote.Origins["data"].AllowedSuffixes)
		assert.Empty(t, c.Remote.Origins["audio"].AllowedSuffixes)
	})

	t.Run("reads the secret from the environment", func(t *testing.T) {
		t.Setenv(SecretEnvironmentVariable, "env-secret")
		p := writeConfig(t, "tokens:\n  secret: file-secret\n")

		require.NoError(t, FromFile(p))
		assert.Equal(t, "env-secret", Get().Tokens.Secret)
	})

	t.Run("expands environment variables", func(t *testing.T) {
		t.Setenv("MEDIAGATE_TEST_ISSUER", "issuer")
		p := writeConfig(t, "tokens:\n  secret: s\nsession:\n  issuer_token: ${MEDIAGATE_TEST_ISSUER}\n")

		require.NoError(t, FromFile(p))
		assert.Equal(t, "issuer", Get().Session.IssuerToken)
	})

	t.Run("refuses to start without a secret", func(t *testing.T) {
		p := writeConfig(t, "api:\n  port: 9000\n")

		err := FromFile(p)
		assert.True(t, errors.Is(err, ErrMissingSecret))
	})

	t.Run("rejects an unknown ledger driver", func(t *testing.T) {
		p := writeConfig(t, "tokens:\n  secret: s\nledger:\n  driver: redis\n")

		assert.Error(t, FromFile(p))
	})

	t.Run("rejects an invalid origin", func(t *testing.T) {
		p := writeConfig(t, "tokens:\n  secret: s\nremote:\n  origins:\n    audio:\n      base_url: not a url\n")

		assert.Error(t, FromFile(p))
	})
}

func TestWriteToDisk(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "config.yml")
	c, err := NewAtPath(p)
	require.NoError(t, err)
	c.Tokens.Secret = "written-secret"
	c.Ledger.Driver = "sqlite"
	c.Remote.Origins["image"] = OriginConfiguration{BaseURL: "https://cdn.example.com/img/"}
	require.NoError(t, c.WriteToDisk())

	st, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	require.NoError(t, FromFile(p))
	assert.Equal(t, "written-secret", Get().Tokens.Secret)
	assert.Equal(t, "sqlite", Get().Ledger.Driver)
	assert.Equal(t, "https://cdn.example.com/img/", Get().Remote.Origins["image"].BaseURL)

	assert.Error(t, (&Configuration{}).WriteToDisk())
}
