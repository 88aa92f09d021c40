package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/chms/internal/chms"
)

type mockAPI struct {
	values map[string]string
	err    error
	calls  int
}

func (m *mockAPI) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "no such secret"}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestResolveExpandsEnvironment(t *testing.T) {
	r := NewResolver(WithEnv(env(map[string]string{"ROCK_KEY": "abc123"})))
	conn := chms.Connection{Name: "grace", Credentials: map[string]string{"api_key": "${ROCK_KEY}", "other": "plain$value"}}

	got, err := r.Resolve(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.Credentials["api_key"])
	assert.Equal(t, "plain$value", got.Credentials["other"])
	assert.Equal(t, "${ROCK_KEY}", conn.Credentials["api_key"], "input is not modified")

	_, err = r.Resolve(context.Background(), chms.Connection{Credentials: map[string]string{"api_key": "${MISSING}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING")
}

func TestResolveMergesSecretObject(t *testing.T) {
	api := &mockAPI{values: map[string]string{
		"chms/grace": `{"app_id":"app","secret":"s3cr3t"}`,
	}}
	r := NewResolver(WithAPI(api))
	conn := chms.Connection{Name: "grace", Credentials: map[string]string{
		RefKey:   "aws-secretsmanager:chms/grace",
		"app_id": "inline",
	}}

	got, err := r.Resolve(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "inline", got.Credentials["app_id"])
	assert.Equal(t, "s3cr3t", got.Credentials["secret"])
	assert.NotContains(t, got.Credentials, RefKey)

	_, err = r.Resolve(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 1, api.calls, "second resolve is served from cache")
}

func TestResolvePlainSecretKey(t *testing.T) {
	api := &mockAPI{values: map[string]string{"rock-key": "k-123"}}
	r := NewResolver(WithAPI(api), WithCacheTTL(0))

	got, err := r.Resolve(context.Background(), chms.Connection{Credentials: map[string]string{RefKey: "aws-secretsmanager:rock-key#api_key"}})
	require.NoError(t, err)
	assert.Equal(t, "k-123", got.Credentials["api_key"])
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()

	r := NewResolver(WithAPI(&mockAPI{values: map[string]string{"text": "not json"}}))
	_, err := r.Resolve(ctx, chms.Connection{Credentials: map[string]string{RefKey: "aws-secretsmanager:missing"}})
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = r.Resolve(ctx, chms.Connection{Credentials: map[string]string{RefKey: "vault:kv/chms"}})
	assert.ErrorIs(t, err, ErrUnsupportedRef)

	_, err = r.Resolve(ctx, chms.Connection{Credentials: map[string]string{RefKey: "aws-secretsmanager:text"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a JSON object")

	denied := NewResolver(WithAPI(&mockAPI{err: &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "nope"}}))
	_, err = denied.Resolve(ctx, chms.Connection{Credentials: map[string]string{RefKey: "aws-secretsmanager:x"}})
	assert.ErrorIs(t, err, ErrAccessDenied)

	broken := NewResolver(WithAPI(&mockAPI{err: errors.New("dial tcp: timeout")}))
	_, err = broken.Resolve(ctx, chms.Connection{Credentials: map[string]string{RefKey: "aws-secretsmanager:x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}
