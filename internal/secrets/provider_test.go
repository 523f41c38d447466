package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowctl/pkg/schema"
)

func TestProvider_DeclaredKeys(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, scope, "db.password", []byte("pw")))
	require.NoError(t, v.Store(ctx, scope, "aws.access_key", []byte("ak")))
	require.NoError(t, v.Store(ctx, scope, "other", []byte("x")))

	p := NewProvider(v, scope, []string{"db.password", "aws.*", "missing"})

	got, err := p.Get(ctx, "db.password")
	require.NoError(t, err)
	assert.Equal(t, "pw", got)

	got, err = p.Get(ctx, "aws.access_key")
	require.NoError(t, err)
	assert.Equal(t, "ak", got)

	// Exists but undeclared.
	_, err = p.Get(ctx, "other")
	assert.ErrorIs(t, err, schema.ErrSecretAccessDenied)
	assert.NotErrorIs(t, err, schema.ErrSecretNotFound)

	// Declared but absent.
	_, err = p.Get(ctx, "missing")
	assert.ErrorIs(t, err, schema.ErrSecretNotFound)
	assert.NotErrorIs(t, err, schema.ErrSecretAccessDenied)
}

func TestProvider_OtherProjectIsNotFound(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, scope, "token", []byte("t")))

	p := NewProvider(v, Scope{SiteID: 1, ProjectID: 99}, []string{"token"})
	_, err := p.Get(ctx, "token")
	assert.ErrorIs(t, err, schema.ErrSecretNotFound)
}

func TestProvider_NilVault(t *testing.T) {
	p := NewProvider(nil, scope, []string{"k"})
	_, err := p.Get(context.Background(), "k")
	assert.ErrorIs(t, err, schema.ErrSecretNotFound)

	_, err = p.Get(context.Background(), "undeclared")
	assert.ErrorIs(t, err, schema.ErrSecretAccessDenied)
}
