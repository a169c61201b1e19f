package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Password sentinels understood by the resolver. A config password that is
// not a sentinel is used verbatim (literal, md5 hash, or SCRAM verifier).
const (
	// EnvPrefix reads the value from an environment variable: "env:NAME".
	EnvPrefix = "env:"
	// AwsSecretPrefix fetches a JSON secret from AWS Secrets Manager:
	// "aws-sm:<arn>#<json key>".
	AwsSecretPrefix = "aws-sm:"
)

// SecretsManagerClient is the interface for AWS Secrets Manager operations.
// This allows injecting a mock for testing.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretCache resolves password sentinels and caches AWS Secrets Manager
// lookups for the lifetime of the process.
type SecretCache struct {
	mu     sync.RWMutex
	cache  map[string]map[string]any
	client SecretsManagerClient
}

// NewSecretCache creates a SecretCache with the given Secrets Manager client.
// client may be nil; aws-sm: sentinels then fail with a clear error.
func NewSecretCache(client SecretsManagerClient) *SecretCache {
	return &SecretCache{
		cache:  make(map[string]map[string]any),
		client: client,
	}
}

// NewSecretCacheFromEnv creates a SecretCache using AWS config from the
// environment. If no AWS config is available the cache still resolves env:
// sentinels and literals.
func NewSecretCacheFromEnv(ctx context.Context) *SecretCache {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return NewSecretCache(nil)
	}
	return NewSecretCache(secretsmanager.NewFromConfig(cfg))
}

// Resolve returns the secret value for a config password entry.
func (sc *SecretCache) Resolve(ctx context.Context, value string) (string, error) {
	switch {
	case strings.HasPrefix(value, EnvPrefix):
		name := strings.TrimPrefix(value, EnvPrefix)
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", name)
		}
		return v, nil

	case strings.HasPrefix(value, AwsSecretPrefix):
		ref := strings.TrimPrefix(value, AwsSecretPrefix)
		arn, key, ok := strings.Cut(ref, "#")
		if !ok {
			return "", fmt.Errorf("invalid aws-sm reference %q: expected aws-sm:<arn>#<key>", value)
		}
		return sc.getAwsSecret(ctx, arn, key)

	default:
		return value, nil
	}
}

func (sc *SecretCache) getAwsSecret(ctx context.Context, arn, key string) (string, error) {
	if sc.client == nil {
		return "", fmt.Errorf("aws-sm secret %q requested but AWS credentials are not configured", arn)
	}

	sc.mu.RLock()
	data, ok := sc.cache[arn]
	sc.mu.RUnlock()
	if ok {
		return extractStringKey(data, key)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if data, ok := sc.cache[arn]; ok {
		return extractStringKey(data, key)
	}

	out, err := sc.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch secret %q: %w", arn, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %q has no string value", arn)
	}

	data = make(map[string]any)
	if err := json.Unmarshal([]byte(*out.SecretString), &data); err != nil {
		return "", fmt.Errorf("secret %q is not a JSON object: %w", arn, err)
	}
	sc.cache[arn] = data
	return extractStringKey(data, key)
}

func extractStringKey(data map[string]any, key string) (string, error) {
	v, ok := data[key]
	if !ok {
		return "", fmt.Errorf("secret has no key %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("secret key %q is not a string", key)
	}
	return s, nil
}
