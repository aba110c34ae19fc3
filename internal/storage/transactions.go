package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"bilancio/internal/core"
)

func (r *SQLiteRepository) ListTransactions(ctx context.Context, ownerID core.OwnerID) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, date, description, amount, kind, category_id, source_id, external_id, provider_category
		FROM transactions WHERE owner_id = ? ORDER BY date DESC, id DESC`,
		ownerID.String())
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (r *SQLiteRepository) GetTransaction(ctx context.Context, ownerID core.OwnerID, id int64) (*core.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, date, description, amount, kind, category_id, source_id, external_id, provider_category
		FROM transactions WHERE owner_id = ? AND id = ?`,
		ownerID.String(), id)

	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return txn, nil
}

func (r *SQLiteRepository) CreateTransaction(ctx context.Context, t *core.Transaction) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (owner_id, date, description, amount, kind, category_id, source_id, external_id, provider_category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.OwnerID.String(), t.Date.String(), t.Description, t.Amount.String(), string(t.Kind),
		t.CategoryID, t.SourceID, t.ExternalID, t.ProviderCategory)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}

	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("transaction insert id: %w", err)
	}
	return nil
}

// UpdateTransaction applies a user edit: every field may change,
// including the category assignment.
func (r *SQLiteRepository) UpdateTransaction(ctx context.Context, ownerID core.OwnerID, id int64, t core.Transaction) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET date = ?, description = ?, amount = ?, kind = ?, category_id = ?, source_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE owner_id = ? AND id = ?`,
		t.Date.String(), t.Description, t.Amount.String(), string(t.Kind),
		t.CategoryID, t.SourceID, ownerID.String(), id)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) DeleteTransaction(ctx context.Context, ownerID core.OwnerID, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM transactions WHERE owner_id = ? AND id = ?`,
		ownerID.String(), id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertImported inserts aggregator rows, silently skipping any whose
// (owner, external id) already exists. A replayed changefeed page must
// neither duplicate rows nor clobber a category assigned since the
// first delivery, so conflicts do nothing at all. Returns the number of
// rows actually inserted.
func (r *SQLiteRepository) UpsertImported(ctx context.Context, txns []core.Transaction) (int64, error) {
	if len(txns) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (owner_id, date, description, amount, kind, category_id, source_id, external_id, provider_category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, external_id) WHERE external_id IS NOT NULL DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, t := range txns {
		res, err := stmt.ExecContext(ctx,
			t.OwnerID.String(), t.Date.String(), t.Description, t.Amount.String(), string(t.Kind),
			t.CategoryID, t.SourceID, t.ExternalID, t.ProviderCategory)
		if err != nil {
			return 0, fmt.Errorf("upsert transaction %v: %w", deref(t.ExternalID), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}

	slog.DebugContext(ctx, "Upserted imported transactions",
		"batch", len(txns), "inserted", inserted)
	return inserted, nil
}

// UpdateImportedFields rewrites the aggregator-owned columns of the row
// matching (owner, external id). The category reference is deliberately
// not touched. Returns false when no row matched.
func (r *SQLiteRepository) UpdateImportedFields(ctx context.Context, ownerID core.OwnerID, externalID string, f core.ImportedFields) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET date = ?, description = ?, amount = ?, kind = ?, provider_category = ?, updated_at = CURRENT_TIMESTAMP
		WHERE owner_id = ? AND external_id = ?`,
		f.Date.String(), f.Description, f.Amount.String(), string(f.Kind), f.ProviderCategory,
		ownerID.String(), externalID)
	if err != nil {
		return false, fmt.Errorf("update imported transaction: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update imported rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteByExternalIDs removes the owner's rows matching the given
// external ids. Ids with no matching row are ignored. Returns the number
// of rows deleted.
func (r *SQLiteRepository) DeleteByExternalIDs(ctx context.Context, ownerID core.OwnerID, externalIDs []string) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(externalIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(externalIDs)+1)
	args = append(args, ownerID.String())
	for _, id := range externalIDs {
		args = append(args, id)
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM transactions WHERE owner_id = ? AND external_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("delete by external ids: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete rows affected: %w", err)
	}
	return n, nil
}

// MonthOverview aggregates the owner's month: income and expense totals
// plus spend per category next to its planned amount.
func (r *SQLiteRepository) MonthOverview(ctx context.Context, ownerID core.OwnerID, year, month int) (core.MonthOverview, error) {
	overview := core.MonthOverview{
		Year:     year,
		Month:    month,
		Income:   decimal.Zero,
		Expenses: decimal.Zero,
	}
	prefix := fmt.Sprintf("%04d-%02d", year, month)

	rows, err := r.db.QueryContext(ctx, `
		SELECT kind, amount FROM transactions
		WHERE owner_id = ? AND date LIKE ? || '%'`,
		ownerID.String(), prefix)
	if err != nil {
		return overview, fmt.Errorf("month totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, amount string
		if err := rows.Scan(&kind, &amount); err != nil {
			return overview, fmt.Errorf("scan month total: %w", err)
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return overview, fmt.Errorf("parse amount %q: %w", amount, err)
		}
		switch core.TransactionKind(kind) {
		case core.KindIncome:
			overview.Income = overview.Income.Add(amt)
		case core.KindExpense:
			overview.Expenses = overview.Expenses.Add(amt)
		}
	}
	if err := rows.Err(); err != nil {
		return overview, err
	}
	overview.Net = overview.Income.Add(overview.Expenses)

	catRows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.kind, c.planned_amount, COALESCE(SUM(CAST(t.amount AS REAL)), 0)
		FROM categories c
		LEFT JOIN transactions t
			ON t.category_id = c.id AND t.owner_id = c.owner_id AND t.date LIKE ? || '%'
		WHERE c.owner_id = ?
		GROUP BY c.id, c.name, c.kind, c.planned_amount
		ORDER BY c.name COLLATE NOCASE`,
		prefix, ownerID.String())
	if err != nil {
		return overview, fmt.Errorf("category sums: %w", err)
	}
	defer catRows.Close()

	for catRows.Next() {
		var cs core.CategorySpend
		var kind, planned string
		var spent float64
		if err := catRows.Scan(&cs.CategoryID, &cs.Name, &kind, &planned, &spent); err != nil {
			return overview, fmt.Errorf("scan category sum: %w", err)
		}
		cs.Kind = core.CategoryKind(kind)
		if cs.Planned, err = decimal.NewFromString(planned); err != nil {
			return overview, fmt.Errorf("parse planned %q: %w", planned, err)
		}
		cs.Spent = decimal.NewFromFloat(spent)
		overview.ByCategory = append(overview.ByCategory, cs)
	}

	return overview, catRows.Err()
}

func scanTransaction(row rowScanner) (*core.Transaction, error) {
	var t core.Transaction
	var owner, date, amount, kind string
	if err := row.Scan(&t.ID, &owner, &date, &t.Description, &amount, &kind,
		&t.CategoryID, &t.SourceID, &t.ExternalID, &t.ProviderCategory); err != nil {
		return nil, err
	}

	var err error
	if t.OwnerID, err = parseOwnerID(owner); err != nil {
		return nil, err
	}
	if t.Date, err = core.ParseDate(date); err != nil {
		return nil, fmt.Errorf("parse date %q: %w", date, err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	t.Kind = core.TransactionKind(kind)
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]core.Transaction, error) {
	var txns []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
