// Package registryauth resolves credentials for reading remote parent images.
//
// The image builder itself never pushes anywhere; the only outbound registry
// traffic is an optional, read-only fetch of a parent image referenced by a
// "docker://" URL instead of a local OCI layout path. This package mirrors
// that one narrow need: a chain of providers that can each be asked for
// credentials, falling through to the next on ErrNoCredentials.
package registryauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/rs/zerolog/log"
)

// ErrNoCredentials indicates a provider has nothing for the requested registry;
// the caller should fall through to the next provider in the chain.
var ErrNoCredentials = errors.New("no credentials available")

// Provider resolves registry credentials dynamically, so short-lived tokens
// (ECR, GCR-style) can be refreshed on every call rather than baked into the
// manifest.
type Provider interface {
	GetCredentials(ctx context.Context, registry string, scope string) (*authn.AuthConfig, error)
	Name() string
}

// PublicOnlyProvider never returns credentials; it exists so a chain can end
// in an explicit "anonymous is fine" link instead of an implicit fallthrough.
type PublicOnlyProvider struct{}

func NewPublicOnlyProvider() *PublicOnlyProvider { return &PublicOnlyProvider{} }

func (p *PublicOnlyProvider) GetCredentials(ctx context.Context, registry, scope string) (*authn.AuthConfig, error) {
	return nil, ErrNoCredentials
}

func (p *PublicOnlyProvider) Name() string { return "public-only" }

// EnvProvider reads REGISTRY_USERNAME / REGISTRY_PASSWORD (optionally scoped
// per-registry via REGISTRY_USERNAME_<HOST>, where <HOST> is the registry
// with dots, dashes and colons replaced by underscores, uppercased).
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func envKey(prefix, registry string) string {
	suffix := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_", ":", "_").Replace(registry))
	return prefix + "_" + suffix
}

func (p *EnvProvider) GetCredentials(ctx context.Context, registry, scope string) (*authn.AuthConfig, error) {
	user := os.Getenv(envKey("REGISTRY_USERNAME", registry))
	pass := os.Getenv(envKey("REGISTRY_PASSWORD", registry))
	if user == "" {
		user = os.Getenv("REGISTRY_USERNAME")
		pass = os.Getenv("REGISTRY_PASSWORD")
	}
	if user == "" || pass == "" {
		return nil, ErrNoCredentials
	}
	return &authn.AuthConfig{Username: user, Password: pass}, nil
}

func (p *EnvProvider) Name() string { return "env" }

// dockerConfigFile mirrors the subset of ~/.docker/config.json this provider
// needs: per-registry base64 "user:pass" auth strings.
type dockerConfigFile struct {
	Auths map[string]struct {
		Auth string `json:"auth"`
	} `json:"auths"`
}

// DockerConfigProvider reads credentials from a docker config.json file.
type DockerConfigProvider struct {
	configPath string
}

func NewDockerConfigProvider(configPath string) *DockerConfigProvider {
	if configPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configPath = filepath.Join(home, ".docker", "config.json")
		}
	}
	return &DockerConfigProvider{configPath: configPath}
}

func (p *DockerConfigProvider) GetCredentials(ctx context.Context, registry, scope string) (*authn.AuthConfig, error) {
	if p.configPath == "" {
		return nil, ErrNoCredentials
	}
	data, err := os.ReadFile(p.configPath)
	if err != nil {
		return nil, ErrNoCredentials
	}

	var cfg dockerConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", p.configPath, err)
	}

	entry, ok := cfg.Auths[registry]
	if !ok {
		return nil, ErrNoCredentials
	}
	return decodeDockerAuth(entry.Auth)
}

func decodeDockerAuth(encoded string) (*authn.AuthConfig, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding docker auth: %w", err)
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed docker auth entry")
	}
	return &authn.AuthConfig{Username: parts[0], Password: parts[1]}, nil
}

func (p *DockerConfigProvider) Name() string { return "docker-config" }

// KeychainProvider delegates to go-containerregistry's DefaultKeychain, which
// already knows how to read docker/podman/ECR/GCR helper configuration.
type KeychainProvider struct{}

func NewKeychainProvider() *KeychainProvider { return &KeychainProvider{} }

func (p *KeychainProvider) GetCredentials(ctx context.Context, registry, scope string) (*authn.AuthConfig, error) {
	res, err := name.NewRegistry(registry)
	if err != nil {
		return nil, fmt.Errorf("parsing registry %q: %w", registry, err)
	}

	authenticator, err := authn.DefaultKeychain.Resolve(res)
	if err != nil {
		return nil, fmt.Errorf("resolving keychain for %s: %w", registry, err)
	}
	if authenticator == authn.Anonymous {
		return nil, ErrNoCredentials
	}

	return authenticator.Authorization()
}

func (p *KeychainProvider) Name() string { return "keychain" }

// ChainedProvider tries each provider in order, returning the first non-empty
// result and falling through on ErrNoCredentials.
type ChainedProvider struct {
	providers []Provider
}

func NewChainedProvider(providers ...Provider) *ChainedProvider {
	return &ChainedProvider{providers: providers}
}

func (p *ChainedProvider) GetCredentials(ctx context.Context, registry, scope string) (*authn.AuthConfig, error) {
	for _, provider := range p.providers {
		creds, err := provider.GetCredentials(ctx, registry, scope)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, ErrNoCredentials) {
			return nil, fmt.Errorf("%s: %w", provider.Name(), err)
		}
	}
	return nil, ErrNoCredentials
}

func (p *ChainedProvider) Name() string { return "chained" }

type cachedCredential struct {
	config    *authn.AuthConfig
	expiresAt time.Time
}

// CachingProvider wraps a slower provider (typically ECRProvider) and avoids
// re-fetching tokens on every layer request within their validity window.
type CachingProvider struct {
	base  Provider
	ttl   time.Duration
	mu    sync.RWMutex
	cache map[string]cachedCredential
}

func NewCachingProvider(base Provider, ttl time.Duration) *CachingProvider {
	return &CachingProvider{base: base, ttl: ttl, cache: make(map[string]cachedCredential)}
}

func (p *CachingProvider) GetCredentials(ctx context.Context, registry, scope string) (*authn.AuthConfig, error) {
	p.mu.RLock()
	cached, ok := p.cache[registry]
	p.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.config, nil
	}

	creds, err := p.base.GetCredentials(ctx, registry, scope)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[registry] = cachedCredential{config: creds, expiresAt: time.Now().Add(p.ttl)}
	p.mu.Unlock()

	return creds, nil
}

func (p *CachingProvider) Name() string { return "caching[" + p.base.Name() + "]" }

// ECRProviderConfig configures an ECRProvider.
type ECRProviderConfig struct {
	Region   string
	CacheTTL time.Duration // defaults to 11h; ECR tokens are valid for 12h
}

// ECRProvider fetches short-lived tokens from AWS ECR's GetAuthorizationToken
// API for registries matching "*.dkr.ecr.*.amazonaws.com".
type ECRProvider struct {
	region string
	inner  *CachingProvider
}

func NewECRProvider(cfg ECRProviderConfig) *ECRProvider {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 11 * time.Hour
	}
	p := &ECRProvider{region: cfg.Region}
	p.inner = NewCachingProvider(ecrFetcher{region: cfg.Region}, ttl)
	return p
}

type ecrFetcher struct{ region string }

func (f ecrFetcher) Name() string { return "ecr-fetch" }

func (f ecrFetcher) GetCredentials(ctx context.Context, registry, scope string) (*authn.AuthConfig, error) {
	if !strings.Contains(registry, ".dkr.ecr.") {
		return nil, ErrNoCredentials
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := ecr.NewFromConfig(cfg)
	out, err := client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, fmt.Errorf("fetching ECR token: %w", err)
	}
	if len(out.AuthorizationData) == 0 || out.AuthorizationData[0].AuthorizationToken == nil {
		return nil, fmt.Errorf("no ECR authorization data returned")
	}

	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(out.AuthorizationData[0].AuthorizationToken))
	if err != nil {
		return nil, fmt.Errorf("decoding ECR token: %w", err)
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed ECR token")
	}

	log.Debug().Str("registry", registry).Str("provider", "ecr").Msg("fetched ECR authorization token")
	return &authn.AuthConfig{Username: parts[0], Password: parts[1]}, nil
}

func (p *ECRProvider) GetCredentials(ctx context.Context, registry, scope string) (*authn.AuthConfig, error) {
	return p.inner.GetCredentials(ctx, registry, scope)
}

func (p *ECRProvider) Name() string { return fmt.Sprintf("ecr[%s]", p.region) }

// Default returns the provider chain used for every remote parent fetch (the
// manifest carries no credentials): environment variables, then docker config, then ECR
// (region read from AWS_REGION), then the ambient keychain, then anonymous.
func Default() Provider {
	return NewChainedProvider(
		NewEnvProvider(),
		NewDockerConfigProvider(""),
		NewECRProvider(ECRProviderConfig{Region: os.Getenv("AWS_REGION")}),
		NewKeychainProvider(),
		NewPublicOnlyProvider(),
	)
}

// Keychain adapts a Provider to go-containerregistry's authn.Keychain so it
// can be handed directly to remote.WithAuthFromKeychain.
type Keychain struct {
	Provider Provider
	Scope    string
}

func (k Keychain) Resolve(res authn.Resource) (authn.Authenticator, error) {
	creds, err := k.Provider.GetCredentials(context.Background(), res.RegistryStr(), k.Scope)
	if err != nil {
		if errors.Is(err, ErrNoCredentials) {
			return authn.Anonymous, nil
		}
		return nil, err
	}
	return authn.FromConfig(*creds), nil
}
