package registryauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicOnlyProvider(t *testing.T) {
	provider := NewPublicOnlyProvider()

	creds, err := provider.GetCredentials(context.Background(), "ghcr.io", "")
	assert.Equal(t, ErrNoCredentials, err)
	assert.Nil(t, creds)
	assert.Equal(t, "public-only", provider.Name())
}

func TestEnvProvider(t *testing.T) {
	provider := NewEnvProvider()

	t.Run("scoped env vars", func(t *testing.T) {
		os.Setenv("REGISTRY_USERNAME_GHCR_IO", "envuser")
		os.Setenv("REGISTRY_PASSWORD_GHCR_IO", "envpass")
		defer os.Unsetenv("REGISTRY_USERNAME_GHCR_IO")
		defer os.Unsetenv("REGISTRY_PASSWORD_GHCR_IO")

		creds, err := provider.GetCredentials(context.Background(), "ghcr.io", "")
		require.NoError(t, err)
		require.NotNil(t, creds)
		assert.Equal(t, "envuser", creds.Username)
		assert.Equal(t, "envpass", creds.Password)
	})

	t.Run("unscoped fallback", func(t *testing.T) {
		os.Setenv("REGISTRY_USERNAME", "fallbackuser")
		os.Setenv("REGISTRY_PASSWORD", "fallbackpass")
		defer os.Unsetenv("REGISTRY_USERNAME")
		defer os.Unsetenv("REGISTRY_PASSWORD")

		creds, err := provider.GetCredentials(context.Background(), "unknown.io", "")
		require.NoError(t, err)
		require.NotNil(t, creds)
		assert.Equal(t, "fallbackuser", creds.Username)
	})

	t.Run("no credentials", func(t *testing.T) {
		creds, err := provider.GetCredentials(context.Background(), "unknown.io", "")
		assert.Equal(t, ErrNoCredentials, err)
		assert.Nil(t, creds)
	})

	t.Run("normalized registry names", func(t *testing.T) {
		os.Setenv("REGISTRY_USERNAME_123456789_DKR_ECR_US_EAST_1_AMAZONAWS_COM", "ecruser")
		os.Setenv("REGISTRY_PASSWORD_123456789_DKR_ECR_US_EAST_1_AMAZONAWS_COM", "ecrpass")
		defer os.Unsetenv("REGISTRY_USERNAME_123456789_DKR_ECR_US_EAST_1_AMAZONAWS_COM")
		defer os.Unsetenv("REGISTRY_PASSWORD_123456789_DKR_ECR_US_EAST_1_AMAZONAWS_COM")

		creds, err := provider.GetCredentials(context.Background(), "123456789.dkr.ecr.us-east-1.amazonaws.com", "")
		require.NoError(t, err)
		require.NotNil(t, creds)
		assert.Equal(t, "ecruser", creds.Username)
		assert.Equal(t, "ecrpass", creds.Password)
	})

	t.Run("provider name", func(t *testing.T) {
		assert.Equal(t, "env", provider.Name())
	})
}

func TestDockerConfigProvider(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	dockerConfig := map[string]interface{}{
		"auths": map[string]interface{}{
			"ghcr.io": map[string]string{
				"auth": base64.StdEncoding.EncodeToString([]byte("testuser:testpass")),
			},
		},
	}
	configData, err := json.Marshal(dockerConfig)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, configData, 0o644))

	provider := NewDockerConfigProvider(configPath)

	t.Run("found credentials", func(t *testing.T) {
		creds, err := provider.GetCredentials(context.Background(), "ghcr.io", "")
		require.NoError(t, err)
		require.NotNil(t, creds)
		assert.Equal(t, "testuser", creds.Username)
		assert.Equal(t, "testpass", creds.Password)
	})

	t.Run("no credentials", func(t *testing.T) {
		creds, err := provider.GetCredentials(context.Background(), "unknown.io", "")
		assert.Equal(t, ErrNoCredentials, err)
		assert.Nil(t, creds)
	})

	t.Run("provider name", func(t *testing.T) {
		assert.Equal(t, "docker-config", provider.Name())
	})

	t.Run("nonexistent config file", func(t *testing.T) {
		provider := NewDockerConfigProvider(filepath.Join(tmpDir, "missing.json"))
		creds, err := provider.GetCredentials(context.Background(), "ghcr.io", "")
		assert.Equal(t, ErrNoCredentials, err)
		assert.Nil(t, creds)
	})

	t.Run("malformed auth entry", func(t *testing.T) {
		badPath := filepath.Join(tmpDir, "bad.json")
		bad := map[string]interface{}{
			"auths": map[string]interface{}{
				"ghcr.io": map[string]string{
					"auth": base64.StdEncoding.EncodeToString([]byte("no-colon-here")),
				},
			},
		}
		data, _ := json.Marshal(bad)
		require.NoError(t, os.WriteFile(badPath, data, 0o644))

		provider := NewDockerConfigProvider(badPath)
		creds, err := provider.GetCredentials(context.Background(), "ghcr.io", "")
		assert.Error(t, err)
		assert.Nil(t, creds)
	})
}

// fakeProvider returns either fixed credentials for one registry, or a given
// error (defaulting to ErrNoCredentials) for everything else.
type fakeProvider struct {
	name     string
	registry string
	creds    *authn.AuthConfig
	err      error
	calls    int
}

func (f *fakeProvider) GetCredentials(ctx context.Context, registry, scope string) (*authn.AuthConfig, error) {
	f.calls++
	if registry == f.registry {
		return f.creds, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	return nil, ErrNoCredentials
}

func (f *fakeProvider) Name() string { return f.name }

func TestChainedProvider(t *testing.T) {
	p1 := &fakeProvider{name: "p1", registry: "ghcr.io", creds: &authn.AuthConfig{Username: "user1"}}
	p2 := &fakeProvider{name: "p2", registry: "docker.io", creds: &authn.AuthConfig{Username: "user2"}}
	chained := NewChainedProvider(p1, p2)

	t.Run("first provider succeeds", func(t *testing.T) {
		creds, err := chained.GetCredentials(context.Background(), "ghcr.io", "")
		require.NoError(t, err)
		assert.Equal(t, "user1", creds.Username)
	})

	t.Run("falls through to second provider", func(t *testing.T) {
		creds, err := chained.GetCredentials(context.Background(), "docker.io", "")
		require.NoError(t, err)
		assert.Equal(t, "user2", creds.Username)
	})

	t.Run("no provider succeeds", func(t *testing.T) {
		creds, err := chained.GetCredentials(context.Background(), "unknown.io", "")
		assert.Equal(t, ErrNoCredentials, err)
		assert.Nil(t, creds)
	})

	t.Run("propagates non-ErrNoCredentials errors without falling through", func(t *testing.T) {
		boom := errors.New("boom")
		failing := &fakeProvider{name: "failing", registry: "never-matches", err: boom}
		never := &fakeProvider{name: "never", registry: "gcr.io", creds: &authn.AuthConfig{Username: "unreached"}}
		chained := NewChainedProvider(failing, never)

		creds, err := chained.GetCredentials(context.Background(), "gcr.io", "")
		assert.ErrorIs(t, err, boom)
		assert.Nil(t, creds)
		assert.Equal(t, 0, never.calls)
	})
}

func TestCachingProvider(t *testing.T) {
	base := &fakeProvider{name: "base", registry: "ghcr.io", creds: &authn.AuthConfig{Username: "cached-user"}}
	provider := NewCachingProvider(base, 100*time.Millisecond)

	t.Run("first call fetches from base", func(t *testing.T) {
		creds, err := provider.GetCredentials(context.Background(), "ghcr.io", "")
		require.NoError(t, err)
		assert.Equal(t, "cached-user", creds.Username)
		assert.Equal(t, 1, base.calls)
	})

	t.Run("second call uses cache", func(t *testing.T) {
		_, err := provider.GetCredentials(context.Background(), "ghcr.io", "")
		require.NoError(t, err)
		assert.Equal(t, 1, base.calls, "should not have called base provider again")
	})

	t.Run("cache expires", func(t *testing.T) {
		time.Sleep(150 * time.Millisecond)
		_, err := provider.GetCredentials(context.Background(), "ghcr.io", "")
		require.NoError(t, err)
		assert.Equal(t, 2, base.calls, "should have called base provider again after expiry")
	})

	t.Run("provider name", func(t *testing.T) {
		assert.Contains(t, provider.Name(), "caching")
		assert.Contains(t, provider.Name(), "base")
	})
}

func TestDefault(t *testing.T) {
	provider := Default()
	assert.NotNil(t, provider)
	assert.Equal(t, "chained", provider.Name())
}

func TestDecodeDockerAuth(t *testing.T) {
	t.Run("valid auth", func(t *testing.T) {
		encoded := base64.StdEncoding.EncodeToString([]byte("username:password"))
		config, err := decodeDockerAuth(encoded)
		require.NoError(t, err)
		assert.Equal(t, "username", config.Username)
		assert.Equal(t, "password", config.Password)
	})

	t.Run("password with colon", func(t *testing.T) {
		encoded := base64.StdEncoding.EncodeToString([]byte("username:pass:word"))
		config, err := decodeDockerAuth(encoded)
		require.NoError(t, err)
		assert.Equal(t, "username", config.Username)
		assert.Equal(t, "pass:word", config.Password)
	})

	t.Run("invalid base64", func(t *testing.T) {
		config, err := decodeDockerAuth("not-valid-base64!")
		assert.Error(t, err)
		assert.Nil(t, config)
	})

	t.Run("invalid format", func(t *testing.T) {
		encoded := base64.StdEncoding.EncodeToString([]byte("no-colon"))
		config, err := decodeDockerAuth(encoded)
		assert.Error(t, err)
		assert.Nil(t, config)
	})
}

func TestKeychainResolve(t *testing.T) {
	t.Run("falls back to anonymous on ErrNoCredentials", func(t *testing.T) {
		keychain := Keychain{Provider: NewPublicOnlyProvider()}
		auth, err := keychain.Resolve(fakeResource{registry: "ghcr.io"})
		require.NoError(t, err)
		assert.Equal(t, authn.Anonymous, auth)
	})

	t.Run("resolves real credentials", func(t *testing.T) {
		provider := &fakeProvider{name: "fake", registry: "ghcr.io", creds: &authn.AuthConfig{Username: "u", Password: "p"}}
		keychain := Keychain{Provider: provider}

		auth, err := keychain.Resolve(fakeResource{registry: "ghcr.io"})
		require.NoError(t, err)
		authConfig, err := auth.Authorization()
		require.NoError(t, err)
		assert.Equal(t, "u", authConfig.Username)
		assert.Equal(t, "p", authConfig.Password)
	})

	t.Run("propagates hard errors", func(t *testing.T) {
		boom := errors.New("boom")
		provider := &fakeProvider{name: "fake", registry: "never-matches", err: boom}
		keychain := Keychain{Provider: provider}

		_, err := keychain.Resolve(fakeResource{registry: "ghcr.io"})
		assert.ErrorIs(t, err, boom)
	})
}

// fakeResource implements authn.Resource with a fixed registry string.
type fakeResource struct {
	registry string
}

func (f fakeResource) String() string      { return f.registry }
func (f fakeResource) RegistryStr() string { return f.registry }
