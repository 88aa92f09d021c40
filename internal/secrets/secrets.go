// Package secrets resolves connection credentials that are not stored inline
// in the config file: `${VAR}` environment references and
// `secret_ref: aws-secretsmanager:<id>` references to AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"

	"github.com/Napageneral/chms/internal/chms"
)

// RefKey is the credential key holding a secret reference.
const RefKey = "secret_ref"

const awsScheme = "aws-secretsmanager:"

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrSecretEmpty    = errors.New("secret value is empty")
	ErrAccessDenied   = errors.New("access denied to secret")
	ErrUnsupportedRef = errors.New("unsupported secret reference")
)

// ManagerAPI is the slice of the Secrets Manager client we call.
type ManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type Option func(*Resolver)

// WithAPI uses api instead of a client built from the default AWS config.
func WithAPI(api ManagerAPI) Option {
	return func(r *Resolver) { r.api = api }
}

// WithEnv replaces os.Getenv for `${VAR}` expansion.
func WithEnv(getenv func(string) string) Option {
	return func(r *Resolver) { r.getenv = getenv }
}

// WithCacheTTL sets how long fetched secrets are reused. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

type cached struct {
	value   string
	fetched time.Time
}

// Resolver is safe for concurrent use.
type Resolver struct {
	getenv func(string) string
	ttl    time.Duration

	mu    sync.Mutex
	api   ManagerAPI
	cache map[string]cached
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{getenv: os.Getenv, ttl: 5 * time.Minute, cache: map[string]cached{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Resolve returns a copy of conn with every credential expanded. Values from
// a referenced secret fill keys that are not set inline.
func (r *Resolver) Resolve(ctx context.Context, conn chms.Connection) (chms.Connection, error) {
	creds := make(map[string]string, len(conn.Credentials))
	for k, v := range conn.Credentials {
		expanded, err := r.expand(v)
		if err != nil {
			return conn, fmt.Errorf("credential %q: %w", k, err)
		}
		creds[k] = expanded
	}

	if ref := strings.TrimSpace(creds[RefKey]); ref != "" {
		delete(creds, RefKey)
		values, err := r.fetchRef(ctx, ref)
		if err != nil {
			return conn, fmt.Errorf("connection %s: %w", conn.Name, err)
		}
		for k, v := range values {
			if creds[k] == "" {
				creds[k] = v
			}
		}
	}

	conn.Credentials = creds
	return conn, nil
}

func (r *Resolver) expand(v string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(v, func(m string) string {
		name := envRef.FindStringSubmatch(m)[1]
		val := r.getenv(name)
		if val == "" {
			missing = append(missing, name)
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable %s is not set", strings.Join(missing, ", "))
	}
	return out, nil
}

// fetchRef resolves "aws-secretsmanager:<id>" (a JSON object of credential
// values) or "aws-secretsmanager:<id>#<key>" (a plain string stored as key).
func (r *Resolver) fetchRef(ctx context.Context, ref string) (map[string]string, error) {
	if !strings.HasPrefix(ref, awsScheme) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
	}
	id := strings.TrimPrefix(ref, awsScheme)
	key := ""
	if i := strings.LastIndex(id, "#"); i >= 0 {
		id, key = id[:i], id[i+1:]
	}
	if id == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
	}

	raw, err := r.secret(ctx, id)
	if err != nil {
		return nil, err
	}
	if key != "" {
		return map[string]string{key: raw}, nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("secret %s is not a JSON object; use %s%s#<key> for plain values", id, awsScheme, id)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64, bool:
			out[k] = fmt.Sprint(t)
		}
	}
	return out, nil
}

func (r *Resolver) client(ctx context.Context) (ManagerAPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.api != nil {
		return r.api, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	r.api = secretsmanager.NewFromConfig(cfg)
	return r.api, nil
}

func (r *Resolver) secret(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	if c, ok := r.cache[id]; ok && r.ttl > 0 && time.Since(c.fetched) < r.ttl {
		r.mu.Unlock()
		return c.value, nil
	}
	r.mu.Unlock()

	api, err := r.client(ctx)
	if err != nil {
		return "", err
	}
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", mapError(err, id)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("secret %s: %w", id, ErrSecretEmpty)
	}

	r.mu.Lock()
	r.cache[id] = cached{value: *out.SecretString, fetched: time.Now()}
	r.mu.Unlock()
	return *out.SecretString, nil
}

func mapError(err error, id string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ResourceNotFoundException":
			return fmt.Errorf("secret %s: %w", id, ErrSecretNotFound)
		case "AccessDeniedException":
			return fmt.Errorf("secret %s: %w", id, ErrAccessDenied)
		}
		return fmt.Errorf("get secret %s: %s: %s", id, apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("get secret %s: %w", id, err)
}
