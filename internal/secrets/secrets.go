// Package secrets resolves model-config credential references. A reference
// is a scheme-prefixed string: "env:OPENAI_API_KEY" reads an environment
// variable, "aws-sm:prod/gateway/openai" reads AWS Secrets Manager, and
// anything without a scheme is taken literally (already-decrypted material
// from the config store).
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ChainResolver dispatches on the reference scheme.
type ChainResolver struct {
	awsStore *AWSSecretsManager
}

func NewChainResolver(awsStore *AWSSecretsManager) *ChainResolver {
	return &ChainResolver{awsStore: awsStore}
}

func (r *ChainResolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		value := os.Getenv(name)
		if value == "" {
			return "", fmt.Errorf("credential env var %s not set", name)
		}
		return value, nil
	case strings.HasPrefix(ref, "aws-sm:"):
		if r.awsStore == nil {
			return "", fmt.Errorf("aws-sm reference %q but secrets manager not configured", ref)
		}
		return r.awsStore.GetSecret(ctx, strings.TrimPrefix(ref, "aws-sm:"))
	default:
		return ref, nil
	}
}

// AWSSecretsManager reads secrets with a short-lived local cache so that a
// burst of adapter bindings does not hammer the API.
type AWSSecretsManager struct {
	client *secretsmanager.Client
	mu     sync.RWMutex
	cache  map[string]*cachedSecret
	ttl    time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*cachedSecret),
		ttl:    5 * time.Minute,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := ""
	if result.SecretString != nil {
		value = *result.SecretString
	}

	s.mu.Lock()
	s.cache[name] = &cachedSecret{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.ttl = ttl
}

// StaticResolver returns fixed values, for tests.
type StaticResolver map[string]string

func (s StaticResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if v, ok := s[ref]; ok {
		return v, nil
	}
	return "", fmt.Errorf("unknown credential ref %q", ref)
}
