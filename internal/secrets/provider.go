package secrets

import (
	"context"
	"strings"

	"github.com/rendis/flowctl/pkg/schema"
)

// Provider is the secret lookup handed to an operator invocation. It only
// resolves the keys the operator declared for its config.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type scopedProvider struct {
	vault    Vault
	scope    Scope
	declared []string
}

// NewProvider returns a Provider limited to scope and the declared keys.
// A declared pattern ending in ".*" grants every key under that prefix.
// vault may be nil when no key material is configured; every declared key
// then reads as not found.
func NewProvider(vault Vault, scope Scope, declared []string) Provider {
	return &scopedProvider{vault: vault, scope: scope, declared: append([]string(nil), declared...)}
}

// Get returns SECRET_ACCESS_DENIED for an undeclared key even when it exists,
// and SECRET_NOT_FOUND for a declared key that is not stored.
func (p *scopedProvider) Get(ctx context.Context, key string) (string, error) {
	if !p.allowed(key) {
		return "", schema.NewErrorf(schema.ErrCodeSecretAccessDenied, "secret %q was not declared by the operator", key).
			WithDetails(map[string]any{"key": key})
	}
	if p.vault == nil {
		return "", schema.NewErrorf(schema.ErrCodeSecretNotFound, "secret %q not found", key)
	}
	v, err := p.vault.Resolve(ctx, p.scope, key)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (p *scopedProvider) allowed(key string) bool {
	for _, d := range p.declared {
		if d == key {
			return true
		}
		if prefix, ok := strings.CutSuffix(d, "*"); ok && strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
