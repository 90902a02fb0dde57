package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile          = ".env"
	defaultAddress          = ":8080"
	defaultBasePath         = "/admin"
	defaultReadTimeout      = 10 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 60 * time.Second
	defaultBackendTimeout   = 15 * time.Second
	defaultDraftsCollection = "fulfillment_drafts"
	defaultFulfillmentTopic = "fulfillment-orders"
	defaultRefreshInterval  = 30 * time.Second
	defaultSearchDebounce   = 500 * time.Millisecond
	defaultPageSize         = 20
	defaultFetchConcurrency = 8
	defaultLogLevel         = "info"
	defaultEnvironment      = "local"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Backend     BackendConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	Worklist    WorklistConfig
	Catalog     CatalogConfig
	Log         LogConfig
	Environment string
}

// ServerConfig configures the console HTTP server.
type ServerConfig struct {
	Address      string
	BasePath     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// BackendConfig points at the marketplace REST backend. An empty BaseURL runs the console on static data.
type BackendConfig struct {
	BaseURL      string
	ServiceToken string
	Timeout      time.Duration
}

// FirebaseConfig stores Firebase project settings used for staff authentication.
type FirebaseConfig struct {
	ProjectID string
}

// FirestoreConfig controls the draft persistence backend. Drafts stay in memory when ProjectID is empty.
type FirestoreConfig struct {
	ProjectID        string
	EmulatorHost     string
	DraftsCollection string
}

// PubSubConfig controls fulfillment order dispatch.
type PubSubConfig struct {
	ProjectID        string
	EmulatorHost     string
	FulfillmentTopic string
}

// WorklistConfig tunes background refresh and search debouncing for the active request list.
type WorklistConfig struct {
	RefreshInterval time.Duration
	SearchDebounce  time.Duration
	PageSize        int
}

// CatalogConfig tunes provider catalog loading.
type CatalogConfig struct {
	FetchConcurrency int
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the console configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Address:      stringWithDefault(lookup, "ADMIN_HTTP_ADDR", defaultAddress),
			BasePath:     stringWithDefault(lookup, "ADMIN_BASE_PATH", defaultBasePath),
			ReadTimeout:  durationWithDefault(lookup, "ADMIN_HTTP_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "ADMIN_HTTP_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "ADMIN_HTTP_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Backend: BackendConfig{
			BaseURL:      strings.TrimSpace(stringWithDefault(lookup, "ADMIN_BACKEND_URL", "")),
			ServiceToken: stringWithDefault(lookup, "ADMIN_BACKEND_SERVICE_TOKEN", ""),
			Timeout:      durationWithDefault(lookup, "ADMIN_BACKEND_TIMEOUT", defaultBackendTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID: stringWithDefault(lookup, "FIREBASE_PROJECT_ID", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:        stringWithDefault(lookup, "ADMIN_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost:     stringWithDefault(lookup, "FIRESTORE_EMULATOR_HOST", ""),
			DraftsCollection: stringWithDefault(lookup, "ADMIN_DRAFTS_COLLECTION", defaultDraftsCollection),
		},
		PubSub: PubSubConfig{
			ProjectID:        stringWithDefault(lookup, "ADMIN_PUBSUB_PROJECT_ID", ""),
			EmulatorHost:     stringWithDefault(lookup, "PUBSUB_EMULATOR_HOST", ""),
			FulfillmentTopic: stringWithDefault(lookup, "ADMIN_PUBSUB_FULFILLMENT_TOPIC", defaultFulfillmentTopic),
		},
		Worklist: WorklistConfig{
			RefreshInterval: durationWithDefault(lookup, "ADMIN_WORKLIST_REFRESH_INTERVAL", defaultRefreshInterval),
			SearchDebounce:  durationWithDefault(lookup, "ADMIN_WORKLIST_SEARCH_DEBOUNCE", defaultSearchDebounce),
			PageSize:        intWithDefault(lookup, "ADMIN_WORKLIST_PAGE_SIZE", defaultPageSize),
		},
		Catalog: CatalogConfig{
			FetchConcurrency: intWithDefault(lookup, "ADMIN_CATALOG_FETCH_CONCURRENCY", defaultFetchConcurrency),
		},
		Log: LogConfig{
			Level: stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel),
		},
		Environment: strings.ToLower(stringWithDefault(lookup, "ADMIN_ENVIRONMENT", defaultEnvironment)),
	}

	// Firestore and Pub/Sub default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	token, err := resolveSecret(ctx, cfg.Backend.ServiceToken, options.secret)
	if err != nil {
		return Config{}, err
	}
	cfg.Backend.ServiceToken = token

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// UsesStaticBackend reports whether the console should run against in-memory data.
func (c Config) UsesStaticBackend() bool {
	return strings.TrimSpace(c.Backend.BaseURL) == ""
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if strings.TrimSpace(cfg.Server.Address) == "" {
		missing = append(missing, "Server.Address")
	}
	if cfg.Backend.Timeout <= 0 {
		missing = append(missing, "Backend.Timeout")
	}
	if cfg.Worklist.RefreshInterval <= 0 {
		missing = append(missing, "Worklist.RefreshInterval")
	}
	if cfg.Worklist.SearchDebounce <= 0 {
		missing = append(missing, "Worklist.SearchDebounce")
	}
	if cfg.Worklist.PageSize <= 0 {
		missing = append(missing, "Worklist.PageSize")
	}
	if cfg.Catalog.FetchConcurrency <= 0 {
		missing = append(missing, "Catalog.FetchConcurrency")
	}
	if cfg.Firestore.ProjectID != "" && strings.TrimSpace(cfg.Firestore.DraftsCollection) == "" {
		missing = append(missing, "Firestore.DraftsCollection")
	}
	if cfg.PubSub.ProjectID != "" && strings.TrimSpace(cfg.PubSub.FulfillmentTopic) == "" {
		missing = append(missing, "PubSub.FulfillmentTopic")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(parts[1]), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
