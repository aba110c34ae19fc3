package services

import (
	"context"

	"bilancio/internal/core"
	"bilancio/internal/provider"
)

// Ports the sync engine consumes. SQLiteRepository satisfies the store
// interfaces; provider.Client satisfies ChangefeedSource.
type (
	ChangefeedSource interface {
		FetchChanges(ctx context.Context, accessToken, cursor string) (*provider.ChangesPage, error)
	}

	LinkStore interface {
		// GetLink returns (nil, nil) when the owner has no provider link.
		GetLink(ctx context.Context, ownerID core.OwnerID) (*core.ProviderLink, error)
		SetCursor(ctx context.Context, ownerID core.OwnerID, cursor string) error
	}

	CategoryStore interface {
		FindCategoriesByName(ctx context.Context, ownerID core.OwnerID, name string) ([]core.Category, error)
		CreateCategory(ctx context.Context, c *core.Category) error
	}

	TransactionStore interface {
		UpsertImported(ctx context.Context, txns []core.Transaction) (inserted int64, err error)
		UpdateImportedFields(ctx context.Context, ownerID core.OwnerID, externalID string, f core.ImportedFields) (found bool, err error)
		DeleteByExternalIDs(ctx context.Context, ownerID core.OwnerID, externalIDs []string) (deleted int64, err error)
	}

	// CategoryResolver resolves the owner's Uncategorized sentinel.
	CategoryResolver interface {
		ResolveUncategorized(ctx context.Context, ownerID core.OwnerID) (int64, error)
	}
)
