package secrets

import "context"

// Vault resolves secret references (${{ secrets.KEY }}) in action configs and
// holds webhook signing keys. Values are encrypted at rest and only decrypted in memory.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.LibSQLStore.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
