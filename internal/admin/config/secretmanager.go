package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
)

type secretAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// SecretManagerResolver resolves secret:// references against Google Secret Manager and caches results.
// A reference is either a full resource name (secret://projects/p/secrets/s/versions/v) or a bare
// secret name (secret://s), which resolves to the latest version in the default project.
type SecretManagerResolver struct {
	client    secretAccessor
	projectID string

	mu    sync.Mutex
	cache map[string]string
}

// NewSecretManagerResolver dials Secret Manager for the supplied default project.
func NewSecretManagerResolver(ctx context.Context, projectID string, opts ...option.ClientOption) (*SecretManagerResolver, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: create secret manager client: %w", err)
	}
	return newSecretManagerResolver(client, projectID), nil
}

func newSecretManagerResolver(client secretAccessor, projectID string) *SecretManagerResolver {
	return &SecretManagerResolver{
		client:    client,
		projectID: strings.TrimSpace(projectID),
		cache:     make(map[string]string),
	}
}

// ResolveSecret implements SecretResolver.
func (r *SecretManagerResolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	name, err := r.resourceName(ref)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if value, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return value, nil
	}
	r.mu.Unlock()

	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("access secret version %s: %w", name, err)
	}
	value := strings.TrimSpace(string(resp.GetPayload().GetData()))

	r.mu.Lock()
	r.cache[name] = value
	r.mu.Unlock()
	return value, nil
}

// Close releases the underlying client.
func (r *SecretManagerResolver) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *SecretManagerResolver) resourceName(ref string) (string, error) {
	trimmed := strings.Trim(strings.TrimPrefix(strings.TrimSpace(ref), "secret://"), "/")
	if trimmed == "" {
		return "", errors.New("secret reference is empty")
	}
	if strings.HasPrefix(trimmed, "projects/") {
		if !strings.Contains(trimmed, "/versions/") {
			trimmed += "/versions/latest"
		}
		return trimmed, nil
	}
	if r.projectID == "" {
		return "", fmt.Errorf("secret %q: default project is not configured", trimmed)
	}
	secret, version, ok := strings.Cut(trimmed, "@")
	if !ok || strings.TrimSpace(version) == "" {
		version = "latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", r.projectID, secret, version), nil
}
