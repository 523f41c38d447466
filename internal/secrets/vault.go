package secrets

import (
	"context"
	"fmt"
)

// Scope is the (site, project) namespace a secret lives in.
type Scope struct {
	SiteID    int64
	ProjectID int64
}

func (s Scope) String() string { return fmt.Sprintf("site=%d project=%d", s.SiteID, s.ProjectID) }

// Vault stores and resolves secret values. Values are encrypted at rest and
// only decrypted in memory for the task that declared them.
type Vault interface {
	Resolve(ctx context.Context, scope Scope, key string) ([]byte, error)
	Store(ctx context.Context, scope Scope, key string, value []byte) error
	Delete(ctx context.Context, scope Scope, key string) error
	List(ctx context.Context, scope Scope) ([]string, error)
}

// SecretStore is the persistence the vault needs. Satisfied by store.Store.
type SecretStore interface {
	PutSecret(ctx context.Context, siteID, projectID int64, key string, value []byte) error
	GetSecret(ctx context.Context, siteID, projectID int64, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, siteID, projectID int64, key string) error
	ListSecretKeys(ctx context.Context, siteID, projectID int64) ([]string, error)
}
