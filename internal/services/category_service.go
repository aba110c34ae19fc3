package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"bilancio/internal/core"
)

// CategoryService owns sentinel resolution. The default policy treats a
// missing Uncategorized category as a provisioning defect and fails the
// caller; CreateMissing switches to the lenient variant that creates it
// on the fly.
type CategoryService struct {
	store         CategoryStore
	createMissing bool
}

func NewCategoryService(store CategoryStore, createMissing bool) *CategoryService {
	return &CategoryService{store: store, createMissing: createMissing}
}

// ResolveUncategorized returns the id of the owner's Uncategorized
// category. More than one match means the unique index is not doing its
// job and no imported expense can be categorized safely, so that is an
// error under either policy.
func (s *CategoryService) ResolveUncategorized(ctx context.Context, ownerID core.OwnerID) (int64, error) {
	matches, err := s.store.FindCategoriesByName(ctx, ownerID, core.UncategorizedName)
	if err != nil {
		return 0, fmt.Errorf("find sentinel category: %w", err)
	}

	switch len(matches) {
	case 1:
		return matches[0].ID, nil
	case 0:
		if !s.createMissing {
			return 0, ErrUncategorizedMissing
		}
	default:
		return 0, fmt.Errorf("%w: %d matches", ErrUncategorizedAmbiguous, len(matches))
	}

	cat := core.Category{
		OwnerID:       ownerID,
		Name:          core.UncategorizedName,
		Kind:          core.CategoryExpense,
		PlannedAmount: decimal.Zero,
	}
	if err := s.store.CreateCategory(ctx, &cat); err != nil {
		return 0, fmt.Errorf("create sentinel category: %w", err)
	}

	slog.InfoContext(ctx, "Created missing sentinel category",
		"owner_id", ownerID, "category_id", cat.ID)
	return cat.ID, nil
}
